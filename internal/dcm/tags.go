package dcm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// ParseTag resolves an element name. Accepted forms are a dictionary keyword
// ("PatientName"), "(0010,0010)", "[0010,0010]" and "00100010".
func ParseTag(name string) (tag.Tag, error) {
	s := strings.TrimSpace(name)
	if s == "" {
		return tag.Tag{}, fmt.Errorf("empty tag name")
	}
	if hex, ok := numericTag(s); ok {
		v, err := strconv.ParseUint(hex, 16, 32)
		if err != nil {
			return tag.Tag{}, fmt.Errorf("tag %q: %w", name, err)
		}
		return tag.Tag{Group: uint16(v >> 16), Element: uint16(v)}, nil
	}
	info, err := tag.FindByName(s)
	if err != nil {
		return tag.Tag{}, fmt.Errorf("unknown tag %q", name)
	}
	return info.Tag, nil
}

func numericTag(s string) (string, bool) {
	if (strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")")) ||
		(strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]")) {
		s = s[1 : len(s)-1]
		s = strings.ReplaceAll(s, ",", "")
		s = strings.ReplaceAll(s, " ", "")
	}
	if len(s) != 8 {
		return "", false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return "", false
		}
	}
	return s, true
}

// IsPrivate reports whether t belongs to an odd (private) group.
func IsPrivate(t tag.Tag) bool {
	return t.Group%2 == 1
}

func less(a, b tag.Tag) bool {
	if a.Group != b.Group {
		return a.Group < b.Group
	}
	return a.Element < b.Element
}
