package anonymizer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/magiconair/properties"
)

// LUT is a lookup table read from a Java properties file whose keys are
// "Type/original" and whose values are the replacements. It is read-only
// after loading.
type LUT struct {
	path    string
	entries map[string]string
}

// LoadLUT reads path. A missing file gives an empty table.
func LoadLUT(path string) (*LUT, error) {
	if path == "" {
		return &LUT{entries: map[string]string{}}, nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return &LUT{path: path, entries: map[string]string{}}, nil
	}
	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return nil, fmt.Errorf("load lookup table: %w", err)
	}
	return &LUT{path: path, entries: p.Map()}, nil
}

// NewLUT builds a table from entries keyed "Type/original".
func NewLUT(entries map[string]string) *LUT {
	m := make(map[string]string, len(entries))
	for k, v := range entries {
		m[k] = v
	}
	return &LUT{entries: m}
}

// Lookup returns the replacement for value under typ.
func (l *LUT) Lookup(typ, value string) (string, bool) {
	if l == nil {
		return "", false
	}
	v, ok := l.entries[typ+"/"+value]
	return v, ok
}

// Len is the number of entries.
func (l *LUT) Len() int {
	if l == nil {
		return 0
	}
	return len(l.entries)
}
