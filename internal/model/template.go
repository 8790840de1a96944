package model

import (
	"regexp"
	"strings"
)

var referencePattern = regexp.MustCompile(`\$?\{([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)*)\}`)

// Template is a SQL fragment with embedded member references such as
// {CUBE}.amount, {CUBE.status}, {Users.city} or {revenue}. References are
// collected at parse time and resolved to typed handles when the table is built.
type Template struct {
	raw   string
	parts []templatePart
}

type templatePart struct {
	text string
	ref  *Ref
}

// Ref is a reference inside a Template. Before resolution only Path is set.
type Ref struct {
	Path []string

	// Cube is the referenced cube, or the owner of Member.
	Cube *Cube
	// Member is nil for cube references like {CUBE} or {Users}.
	Member Member
	// Granularity is set for {created_at.month} style references.
	Granularity string
	// JoinPath lists the cubes walked by a join-qualified reference
	// ({Orders.Users.city} gives [Orders Users]); nil otherwise.
	JoinPath []*Cube
}

// IsCube reports whether the reference points at a cube rather than a member.
func (r *Ref) IsCube() bool { return r.Member == nil }

// ParseTemplate splits sql into literal text and references.
func ParseTemplate(sql string) *Template {
	t := &Template{raw: sql}
	pos := 0
	for _, loc := range referencePattern.FindAllStringSubmatchIndex(sql, -1) {
		if loc[0] > pos {
			t.parts = append(t.parts, templatePart{text: sql[pos:loc[0]]})
		}
		t.parts = append(t.parts, templatePart{ref: &Ref{Path: strings.Split(sql[loc[2]:loc[3]], ".")}})
		pos = loc[1]
	}
	if pos < len(sql) {
		t.parts = append(t.parts, templatePart{text: sql[pos:]})
	}
	return t
}

// Raw returns the original SQL text.
func (t *Template) Raw() string { return t.raw }

// Refs returns the references in order of appearance.
func (t *Template) Refs() []*Ref {
	var refs []*Ref
	for _, p := range t.parts {
		if p.ref != nil {
			refs = append(refs, p.ref)
		}
	}
	return refs
}

// Render rebuilds the SQL, replacing each reference with the result of fn.
func (t *Template) Render(fn func(*Ref) (string, error)) (string, error) {
	var b strings.Builder
	for _, p := range t.parts {
		if p.ref == nil {
			b.WriteString(p.text)
			continue
		}
		s, err := fn(p.ref)
		if err != nil {
			return "", err
		}
		b.WriteString(s)
	}
	return b.String(), nil
}

// SingleRef returns the reference when the template is nothing but one
// reference, such as "{calendar.date}".
func (t *Template) SingleRef() (*Ref, bool) {
	var ref *Ref
	for _, p := range t.parts {
		if p.ref == nil {
			if strings.TrimSpace(p.text) != "" {
				return nil, false
			}
			continue
		}
		if ref != nil {
			return nil, false
		}
		ref = p.ref
	}
	return ref, ref != nil
}
