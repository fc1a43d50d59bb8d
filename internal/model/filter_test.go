package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchPattern(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		s       string
		want    bool
	}{
		{"", "anything", true},
		{"*", "anything", true},
		{"library", "library", true},
		{"library", "library2", false},
		{"lib*", "library", true},
		{"*alpine", "library/alpine", true},
		{"library/*", "library/alpine", true},
		// A star crosses path separators
		{"lib*ine", "library/alpine", true},
		{"v1.?", "v1.2", true},
		{"v1.?", "v1.22", false},
		{"*-rc?", "2.0-rc1", true},
		{"a*b*c", "axxbyyc", true},
		{"a*b*c", "axxbyy", false},
		{"?", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.s, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, matchPattern(tt.pattern, tt.s))
		})
	}
}

func TestFilterMatches(t *testing.T) {
	t.Parallel()

	res := Resource{Type: ResourceTypeImage, Repository: "library/alpine", Tag: "3.19"}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty filter matches everything", Filter{}, true},
		{"project match", Filter{Project: "library"}, true},
		{"project mismatch", Filter{Project: "infra"}, false},
		{"project glob", Filter{Project: "lib*"}, true},
		{"repository match", Filter{Repository: "library/alp*"}, true},
		{"repository mismatch", Filter{Repository: "library/nginx"}, false},
		{"tag match", Filter{Tag: "3.*"}, true},
		{"tag mismatch", Filter{Tag: "2.*"}, false},
		{"resource type match", Filter{Resource: ResourceTypeImage}, true},
		{"resource type mismatch", Filter{Resource: ResourceTypeChart}, false},
		{"all fields", Filter{Project: "library", Repository: "*/alpine", Tag: "3.19"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.filter.Matches(res))
		})
	}
}

// The tag pattern only constrains resources that carry a tag, so
// repository-level probes during enumeration are not rejected early.
func TestFilterMatchesUntaggedResource(t *testing.T) {
	t.Parallel()

	f := Filter{Tag: "v1.*"}
	assert.True(t, f.Matches(Resource{Repository: "library/alpine"}))
	assert.False(t, f.Matches(Resource{Repository: "library/alpine", Tag: "latest"}))
}

func TestFilterNarrow(t *testing.T) {
	t.Parallel()

	f := Filter{Project: "library", Repository: "library/*", Tag: "*"}
	got := f.Narrow(Resource{Type: ResourceTypeImage, Repository: "library/alpine", Tag: "3.19"})

	assert.Equal(t, "library", got.Project)
	assert.Equal(t, "library/alpine", got.Repository)
	assert.Equal(t, "3.19", got.Tag)
	assert.Equal(t, ResourceTypeImage, got.Resource)
}
