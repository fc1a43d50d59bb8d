package model

import "strings"

// Matches reports whether the filter selects the given resource. Empty
// pattern fields match everything.
func (f Filter) Matches(r Resource) bool {
	if f.Resource != "" && f.Resource != r.Type {
		return false
	}
	if f.Project != "" {
		project, _, _ := strings.Cut(r.Repository, "/")
		if !matchPattern(f.Project, project) {
			return false
		}
	}
	if f.Repository != "" && !matchPattern(f.Repository, r.Repository) {
		return false
	}
	if f.Tag != "" && r.Tag != "" && !matchPattern(f.Tag, r.Tag) {
		return false
	}
	return true
}

// Narrow returns a copy of the filter pinned to exactly one resource.
// Event triggers use it so an execution scans only the artifact that
// fired the notification instead of the whole project.
func (f Filter) Narrow(r Resource) Filter {
	narrowed := f
	narrowed.Repository = r.Repository
	narrowed.Tag = r.Tag
	if r.Type != "" {
		narrowed.Resource = r.Type
	}
	return narrowed
}

// matchPattern matches s against a glob pattern where "*" matches any
// sequence of characters (including "/") and "?" matches exactly one.
func matchPattern(pattern, s string) bool {
	// Fast paths for the common cases
	if pattern == "" || pattern == "*" {
		return true
	}
	if !strings.ContainsAny(pattern, "*?") {
		return pattern == s
	}
	return matchGlob(pattern, s)
}

func matchGlob(pattern, s string) bool {
	// Iterative glob with single-star backtracking
	var starPattern, starMatch = -1, 0
	p, i := 0, 0
	for i < len(s) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == s[i]):
			p++
			i++
		case p < len(pattern) && pattern[p] == '*':
			starPattern = p
			starMatch = i
			p++
		case starPattern != -1:
			p = starPattern + 1
			starMatch++
			i = starMatch
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}
