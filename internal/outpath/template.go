// Package outpath computes where an anonymized file is written: either by
// mirroring the input tree under the destination root, or by expanding a
// %Token% template against the file's own metadata.
package outpath

import (
	"errors"
	"strings"
)

// ErrMissingMetadata is returned when a template needs metadata but the file
// it belongs to could not supply any (typically because it failed to load).
var ErrMissingMetadata = errors.New("missing metadata")

// Metadata supplies element values by keyword (e.g. "Modality").
type Metadata interface {
	Value(keyword string) (string, bool)
}

// DefaultPattern is used when -outPattern is given without a value.
const DefaultPattern = "%PatientName%-%Modality%%StudyID%-%StudyDescription%-%StudyDate%/%SeriesNumber%_%SeriesDescription%-%InstanceNumber%.dcm"

type segment struct {
	text    string
	isToken bool
}

// Template is a parsed output pattern: literal segments interleaved with
// named tokens. A Template is immutable after Parse and safe to share.
type Template struct {
	raw  string
	segs []segment
}

// Parse splits pattern into literals and %Name% tokens. An unterminated '%'
// is kept as a literal, and "%%" yields a literal percent sign.
func Parse(pattern string) *Template {
	t := &Template{raw: pattern}
	rest := pattern
	var lit strings.Builder
	for {
		open := strings.IndexByte(rest, '%')
		if open < 0 {
			lit.WriteString(rest)
			break
		}
		closing := strings.IndexByte(rest[open+1:], '%')
		if closing < 0 {
			lit.WriteString(rest)
			break
		}
		lit.WriteString(rest[:open])
		name := rest[open+1 : open+1+closing]
		rest = rest[open+closing+2:]
		if name == "" {
			lit.WriteByte('%')
			continue
		}
		if lit.Len() > 0 {
			t.segs = append(t.segs, segment{text: lit.String()})
			lit.Reset()
		}
		t.segs = append(t.segs, segment{text: name, isToken: true})
	}
	if lit.Len() > 0 {
		t.segs = append(t.segs, segment{text: lit.String()})
	}
	return t
}

// String returns the pattern the template was parsed from.
func (t *Template) String() string { return t.raw }

// Tokens returns the token names in order of appearance.
func (t *Template) Tokens() []string {
	var names []string
	for _, s := range t.segs {
		if s.isToken {
			names = append(names, s.text)
		}
	}
	return names
}

// Expand substitutes every token with the matching metadata value. Unknown
// tokens expand to the empty string. Expand only reads md and the template,
// so concurrent expansions never observe each other.
func (t *Template) Expand(md Metadata) (string, error) {
	if md == nil {
		return "", ErrMissingMetadata
	}
	var b strings.Builder
	for _, s := range t.segs {
		if !s.isToken {
			b.WriteString(s.text)
			continue
		}
		v, _ := md.Value(s.text)
		b.WriteString(cleanValue(v))
	}
	return b.String(), nil
}

// cleanValue keeps a metadata value inside a single path element.
func cleanValue(v string) string {
	v = strings.TrimSpace(v)
	v = strings.NewReplacer("/", "_", "\\", "_", "\x00", "").Replace(v)
	if v == "." || v == ".." {
		return "_"
	}
	return v
}
