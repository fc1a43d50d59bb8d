package registry

import (
	"bytes"
	"fmt"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/opencontainers/go-digest"
)

// Descriptor references a piece of content by digest.
type Descriptor struct {
	MediaType string
	Digest    string
	Size      int64
}

// Manifest is a pulled manifest together with its raw payload. For a
// manifest list/index, Blobs is empty and Children holds the referenced
// per-platform manifests.
type Manifest struct {
	MediaType string
	Digest    string
	Payload   []byte

	// Config and Blobs are the content-addressable pieces a single-image
	// manifest references; foreign layers are excluded
	Config *Descriptor
	Blobs  []Descriptor

	// Children are the manifests an index references
	Children []Descriptor
}

// IsIndex reports whether the manifest is a manifest list / OCI index.
func (m *Manifest) IsIndex() bool {
	return types.MediaType(m.MediaType).IsIndex()
}

// parseManifest decodes the payload into descriptors according to its
// media type. The payload digest is computed here so callers can verify
// it against the registry-reported digest.
func parseManifest(mediaType string, payload []byte) (*Manifest, error) {
	m := &Manifest{
		MediaType: mediaType,
		Digest:    digest.FromBytes(payload).String(),
		Payload:   payload,
	}

	mt := types.MediaType(mediaType)
	switch {
	case mt.IsIndex():
		idx, err := v1.ParseIndexManifest(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to parse manifest index: %w", err)
		}
		for _, d := range idx.Manifests {
			m.Children = append(m.Children, Descriptor{
				MediaType: string(d.MediaType),
				Digest:    d.Digest.String(),
				Size:      d.Size,
			})
		}
	case mt.IsImage():
		img, err := v1.ParseManifest(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to parse manifest: %w", err)
		}
		m.Config = &Descriptor{
			MediaType: string(img.Config.MediaType),
			Digest:    img.Config.Digest.String(),
			Size:      img.Config.Size,
		}
		for _, layer := range img.Layers {
			// Foreign layers live outside the registry and are never
			// copied
			if !layer.MediaType.IsDistributable() {
				continue
			}
			m.Blobs = append(m.Blobs, Descriptor{
				MediaType: string(layer.MediaType),
				Digest:    layer.Digest.String(),
				Size:      layer.Size,
			})
		}
	default:
		return nil, fmt.Errorf("unsupported manifest media type %q", mediaType)
	}

	return m, nil
}
