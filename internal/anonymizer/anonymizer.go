// Package anonymizer is the element anonymization engine: it applies a
// script of per-element rules to a file and writes the result.
package anonymizer

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math/big"
	"sort"

	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/eargollo/dicomanon/internal/dcm"
	"github.com/eargollo/dicomanon/internal/outpath"
	"github.com/eargollo/dicomanon/internal/pipeline"
)

// Status conditions reported by Anonymize.
const (
	CondParse         = "ParseFailure"
	CondLookupMissing = "LookupMissing"
	CondElement       = "ElementFailure"
	CondWrite         = "WriteFailure"
)

// Options configures an Anonymizer. Params and Elements override the
// script entries with the same name.
type Options struct {
	Script   *Script
	LUT      *LUT
	Params   map[string]string
	Elements map[string]string
}

type rule struct {
	name   string
	tag    tag.Tag
	action Action
}

// Anonymizer implements pipeline.ElementAnonymizer. It is immutable after
// New and safe for concurrent use.
type Anonymizer struct {
	rules         []rule
	params        map[string]string
	lut           *LUT
	removePrivate bool
}

// New validates the script and its overrides.
func New(opts Options) (*Anonymizer, error) {
	script := opts.Script
	if script == nil {
		var err error
		if script, err = DefaultScript(); err != nil {
			return nil, err
		}
	}

	params := make(map[string]string, len(script.Params)+len(opts.Params))
	for k, v := range script.Params {
		params[k] = v
	}
	for k, v := range opts.Params {
		params[k] = v
	}

	byTag := map[tag.Tag]rule{}
	add := func(name, value string) error {
		t, err := dcm.ParseTag(name)
		if err != nil {
			return err
		}
		a, err := ParseAction(value)
		if err != nil {
			return fmt.Errorf("element %s: %w", name, err)
		}
		if a.Kind == Param {
			if _, ok := params[a.Value]; !ok {
				return fmt.Errorf("element %s: undefined parameter %q", name, a.Value)
			}
		}
		if a.Source != "" {
			if _, err := dcm.ParseTag(a.Source); err != nil {
				return fmt.Errorf("element %s: %w", name, err)
			}
		}
		byTag[t] = rule{name: name, tag: t, action: a}
		return nil
	}
	for name, v := range script.Elements {
		if err := add(name, v); err != nil {
			return nil, err
		}
	}
	for name, v := range opts.Elements {
		if err := add(name, v); err != nil {
			return nil, err
		}
	}

	rules := make([]rule, 0, len(byTag))
	for _, r := range byTag {
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool {
		a, b := rules[i].tag, rules[j].tag
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		return a.Element < b.Element
	})

	return &Anonymizer{
		rules:         rules,
		params:        params,
		lut:           opts.LUT,
		removePrivate: script.RemovePrivateGroups,
	}, nil
}

// Rules is the number of element rules in effect.
func (a *Anonymizer) Rules() int { return len(a.rules) }

type change struct {
	name   string
	remove bool
	value  string
}

// Anonymize loads req.Input, applies the rules and writes req.Output, or
// the path req.Pattern yields for the anonymized values. Source values are
// read before any rule is applied.
func (a *Anonymizer) Anonymize(ctx context.Context, req pipeline.ElementRequest) pipeline.Status {
	if err := ctx.Err(); err != nil {
		return pipeline.Fail(CondParse, err.Error())
	}
	obj, err := dcm.Load(req.Input)
	if err != nil {
		return pipeline.Fail(CondParse, err.Error())
	}

	changes := make([]change, 0, len(a.rules))
	for _, r := range a.rules {
		c, apply, st := a.plan(obj, r)
		if !st.OK {
			return st
		}
		if apply {
			changes = append(changes, c)
		}
	}

	for _, c := range changes {
		if c.remove {
			err = obj.Remove(c.name)
		} else {
			err = obj.Set(c.name, c.value)
		}
		if err != nil {
			return pipeline.Fail(CondElement, err.Error())
		}
	}
	if a.removePrivate {
		obj.RemovePrivateGroups()
	}

	out := req.Output
	if req.Pattern != nil {
		r := &outpath.Resolver{Dest: req.Dest, Template: req.Pattern}
		if out, err = r.Expand(obj); err != nil {
			return pipeline.Fail(CondWrite, err.Error())
		}
	}
	if err := obj.Save(out); err != nil {
		return pipeline.Fail(CondWrite, err.Error())
	}
	st := pipeline.StatusOK()
	if req.Pattern != nil {
		st.Path = out
	}
	return st
}

func (a *Anonymizer) plan(obj *dcm.Object, r rule) (change, bool, pipeline.Status) {
	c := change{name: r.name}
	present := obj.Has(r.name)

	switch r.action.Kind {
	case Keep:
		return c, false, pipeline.StatusOK()
	case Remove:
		c.remove = true
		return c, present, pipeline.StatusOK()
	case Empty:
		return c, present, pipeline.StatusOK()
	case Literal:
		c.value = r.action.Value
		return c, true, pipeline.StatusOK()
	case Param:
		c.value = a.params[r.action.Value]
		return c, true, pipeline.StatusOK()
	}

	src := r.name
	if r.action.Source != "" {
		src = r.action.Source
	}
	v, ok := obj.Value(src)
	if !ok {
		return c, false, pipeline.StatusOK()
	}

	switch r.action.Kind {
	case Hash:
		c.value = hash(v, r.action.Length)
	case Lookup:
		repl, ok := a.lut.Lookup(r.action.Type, v)
		if !ok {
			return c, false, pipeline.Fail(CondLookupMissing, r.action.Type+"/"+v)
		}
		c.value = repl
	}
	return c, true, pipeline.StatusOK()
}

// hash renders the SHA-256 of s as decimal digits, truncated to n when
// n > 0. Digits are valid in every string VR including UIDs.
func hash(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	d := new(big.Int).SetBytes(sum[:]).String()
	if n > 0 && n < len(d) {
		d = d[:n]
	}
	return d
}
