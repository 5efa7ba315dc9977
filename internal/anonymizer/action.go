package anonymizer

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is what an element rule does to its element.
type Kind int

const (
	Literal Kind = iota
	Remove
	Empty
	Keep
	Param
	Hash
	Lookup
)

var kindNames = map[string]Kind{
	"remove": Remove,
	"empty":  Empty,
	"keep":   Keep,
	"param":  Param,
	"hash":   Hash,
	"lookup": Lookup,
}

// Action is a parsed element rule value.
//
//	@remove()             delete the element
//	@empty()              keep the element with an empty value
//	@keep()               leave the element untouched
//	@param(NAME)          replace with a script parameter
//	@hash(this[,N])       replace with a hash of the value, at most N chars
//	@lookup(this,Type)    replace through the lookup table key Type/value
//	anything else         literal replacement value
//
// "this" may be replaced by another element name to read the source value
// from that element.
type Action struct {
	Kind   Kind
	Value  string // literal value or parameter name
	Source string // element read by hash and lookup; "" means the element itself
	Type   string // lookup type
	Length int    // hash length, 0 for the full hash
}

// ParseAction parses a rule value.
func ParseAction(s string) (Action, error) {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "@") {
		return Action{Kind: Literal, Value: s}, nil
	}
	open := strings.IndexByte(t, '(')
	if open < 0 || !strings.HasSuffix(t, ")") {
		return Action{}, fmt.Errorf("malformed action %q", s)
	}
	name := strings.ToLower(t[1:open])
	kind, ok := kindNames[name]
	if !ok {
		return Action{}, fmt.Errorf("unknown action @%s", name)
	}
	args := splitArgs(t[open+1 : len(t)-1])

	a := Action{Kind: kind}
	switch kind {
	case Remove, Empty, Keep:
		if len(args) != 0 {
			return Action{}, fmt.Errorf("@%s takes no arguments", name)
		}
	case Param:
		if len(args) != 1 {
			return Action{}, fmt.Errorf("@param needs exactly one name")
		}
		a.Value = args[0]
	case Hash:
		if len(args) < 1 || len(args) > 2 {
			return Action{}, fmt.Errorf("@hash needs a source and an optional length")
		}
		a.Source = source(args[0])
		if len(args) == 2 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 1 {
				return Action{}, fmt.Errorf("@hash length %q", args[1])
			}
			a.Length = n
		}
	case Lookup:
		if len(args) != 2 {
			return Action{}, fmt.Errorf("@lookup needs a source and a type")
		}
		a.Source = source(args[0])
		a.Type = args[1]
	}
	return a, nil
}

func splitArgs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func source(arg string) string {
	if strings.EqualFold(arg, "this") {
		return ""
	}
	return arg
}
