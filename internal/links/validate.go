// Package links decides which hrefs found on a listing page are item links
// and reduces them to their canonical deduplication key.
package links

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	ErrEmpty         = errors.New("empty href")
	ErrNoItemMarker  = errors.New("href has no item path marker")
	ErrListingMarker = errors.New("href points to a listing or category page")
	ErrForeignOrigin = errors.New("href points to another origin")
	ErrTooShort      = errors.New("href is implausibly short")
	ErrDenylisted    = errors.New("href matches a denylisted path")
	ErrMalformed     = errors.New("href cannot be parsed")
)

// Rules describes the link shape of one marketplace.
type Rules struct {
	BaseURL         string
	ItemMarkers     []string
	ListingMarkers  []string
	Denylist        []string
	MinHrefLength   int
	MinCanonicalLen int
}

// DefaultRules matches the divar.ir vehicle listing layout.
func DefaultRules() Rules {
	return Rules{
		BaseURL:         "https://divar.ir",
		ItemMarkers:     []string{"/v/", "/vehicle/"},
		ListingMarkers:  []string{"/s/", "/c/"},
		Denylist:        []string{"/login", "/signup", "/search", "/filter"},
		MinHrefLength:   10,
		MinCanonicalLen: 30,
	}
}

// Validator is a pure href classifier. It holds no mutable state, so a single
// value can be shared freely.
type Validator struct {
	rules Rules
	base  *url.URL
}

func NewValidator(rules Rules) (*Validator, error) {
	base, err := url.Parse(rules.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rules.BaseURL)
	}
	return &Validator{rules: rules, base: base}, nil
}

// MustValidator panics on a bad base URL. Intended for package-level defaults.
func MustValidator(rules Rules) *Validator {
	v, err := NewValidator(rules)
	if err != nil {
		panic(err)
	}
	return v
}

// Validate returns the canonical URL for an accepted href or the reason it
// was rejected. The same href always yields the same verdict.
func (v *Validator) Validate(href string) (string, error) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", ErrEmpty
	}
	if !containsAny(href, v.rules.ItemMarkers) {
		return "", ErrNoItemMarker
	}
	if containsAny(href, v.rules.ListingMarkers) {
		return "", ErrListingMarker
	}
	if containsAny(href, v.rules.Denylist) {
		return "", ErrDenylisted
	}
	if len(href) < v.rules.MinHrefLength {
		return "", ErrTooShort
	}

	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	resolved := v.base.ResolveReference(ref)
	if !sameOrigin(resolved, v.base) {
		return "", ErrForeignOrigin
	}

	canonical := Canonical(resolved)
	if len(canonical) <= v.rules.MinCanonicalLen {
		return "", ErrTooShort
	}
	return canonical, nil
}

// Accept is Validate reduced to a boolean verdict.
func (v *Validator) Accept(href string) (string, bool) {
	canonical, err := v.Validate(href)
	return canonical, err == nil
}

// Canonical keeps scheme, host and path only. Scheme and host are
// lower-cased; the path is kept as is.
func Canonical(u *url.URL) string {
	return fmt.Sprintf("%s://%s%s", strings.ToLower(u.Scheme), strings.ToLower(u.Host), u.EscapedPath())
}

// Set is an insertion-ordered set of canonical URLs.
type Set struct {
	order []string
	seen  map[string]struct{}
}

func NewSet() *Set {
	return &Set{seen: make(map[string]struct{})}
}

// Add reports whether u was new.
func (s *Set) Add(u string) bool {
	if _, ok := s.seen[u]; ok {
		return false
	}
	s.seen[u] = struct{}{}
	s.order = append(s.order, u)
	return true
}

func (s *Set) Has(u string) bool {
	_, ok := s.seen[u]
	return ok
}

func (s *Set) Len() int { return len(s.order) }

func (s *Set) List() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Hostname(), b.Hostname())
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
