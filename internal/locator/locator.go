// Package locator implements the structured resource identifiers used to
// address tables and rows: <scheme>://<authority>/<table>[/<id>].
package locator

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Scheme is the scheme used by locators this module produces.
const Scheme = "content"

var ErrInvalidLocator = errors.New("locator: invalid locator")

// Locator is an immutable resource identifier. The zero value is not a valid
// locator.
type Locator struct {
	scheme    string
	authority string
	segments  []string
}

func New(authority string, segments ...string) Locator {
	return Locator{
		scheme:    Scheme,
		authority: authority,
		segments:  append([]string(nil), segments...),
	}
}

func Parse(raw string) (Locator, error) {
	if strings.TrimSpace(raw) == "" {
		return Locator{}, fmt.Errorf("%w: empty", ErrInvalidLocator)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Locator{}, fmt.Errorf("%w: %v", ErrInvalidLocator, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Locator{}, fmt.Errorf("%w: %q has no scheme or authority", ErrInvalidLocator, raw)
	}
	if u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return Locator{}, fmt.Errorf("%w: %q carries query, fragment or user info", ErrInvalidLocator, raw)
	}

	segments, err := splitPath(u.EscapedPath())
	if err != nil {
		return Locator{}, fmt.Errorf("%w: %q: %v", ErrInvalidLocator, raw, err)
	}
	return Locator{scheme: u.Scheme, authority: u.Host, segments: segments}, nil
}

// splitPath splits the escaped path on literal slashes only, so an encoded
// %2F stays inside its segment. Empty segments are rejected so every row has
// exactly one spelling.
func splitPath(escaped string) ([]string, error) {
	trimmed := strings.TrimPrefix(escaped, "/")
	if trimmed == "" {
		return nil, nil
	}
	parts := strings.Split(trimmed, "/")
	segments := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			return nil, errors.New("empty path segment")
		}
		segment, err := url.PathUnescape(part)
		if err != nil {
			return nil, err
		}
		segments = append(segments, segment)
	}
	return segments, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(raw string) Locator {
	l, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return l
}

func (l Locator) Scheme() string    { return l.scheme }
func (l Locator) Authority() string { return l.authority }

func (l Locator) Segments() []string {
	return append([]string(nil), l.segments...)
}

func (l Locator) IsZero() bool {
	return l.scheme == "" && l.authority == "" && len(l.segments) == 0
}

func (l Locator) String() string {
	if l.IsZero() {
		return ""
	}
	var b strings.Builder
	b.WriteString(l.scheme)
	b.WriteString("://")
	b.WriteString(l.authority)
	for _, segment := range l.segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(segment))
	}
	return b.String()
}

// WithAppendedID returns a copy of l with id added as a trailing segment.
func (l Locator) WithAppendedID(id int64) Locator {
	out := Locator{scheme: l.scheme, authority: l.authority}
	out.segments = make([]string, 0, len(l.segments)+1)
	out.segments = append(out.segments, l.segments...)
	out.segments = append(out.segments, strconv.FormatInt(id, 10))
	return out
}

func (l Locator) Equal(other Locator) bool {
	if l.scheme != other.scheme || l.authority != other.authority || len(l.segments) != len(other.segments) {
		return false
	}
	for i := range l.segments {
		if l.segments[i] != other.segments[i] {
			return false
		}
	}
	return true
}

// Contains reports whether other equals l or lies beneath it.
func (l Locator) Contains(other Locator) bool {
	if l.scheme != other.scheme || l.authority != other.authority || len(l.segments) > len(other.segments) {
		return false
	}
	for i := range l.segments {
		if l.segments[i] != other.segments[i] {
			return false
		}
	}
	return true
}
