// Package pixel is the pixel anonymization engine. A script lists
// signatures; the first signature whose match expression accepts a file
// gives the rectangles blanked in every frame of its native pixel data.
package pixel

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/eargollo/dicomanon/internal/dcm"
	"github.com/eargollo/dicomanon/internal/filter"
	"github.com/eargollo/dicomanon/internal/pipeline"
)

// Status conditions reported by Anonymize.
const (
	CondParse        = "ParseFailure"
	CondEncapsulated = "Encapsulated"
	CondRegion       = "RegionFailure"
	CondWrite        = "WriteFailure"
)

//go:embed default.yaml
var defaultScript []byte

// SignatureSpec is one script entry.
type SignatureSpec struct {
	Name    string            `yaml:"name"`
	Match   string            `yaml:"match"`
	Regions []pipeline.Region `yaml:"regions"`
}

// Script is the pixel anonymization script file.
type Script struct {
	Signatures []SignatureSpec `yaml:"signatures"`
}

// ParseScript decodes a YAML script. Unknown fields are errors.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse pixel script: %w", err)
	}
	return &s, nil
}

// LoadScript reads the script at path. When fallback is true a missing
// file yields the built-in script.
func LoadScript(path string, fallback bool) (*Script, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && fallback {
		return ParseScript(defaultScript)
	}
	if err != nil {
		return nil, fmt.Errorf("read pixel script: %w", err)
	}
	return ParseScript(data)
}

type signature struct {
	sig   pipeline.Signature
	match *filter.Script
}

// Engine implements pipeline.PixelAnonymizer. It is immutable after New.
type Engine struct {
	sigs []signature
}

// New compiles every signature's match expression.
func New(s *Script) (*Engine, error) {
	e := &Engine{}
	if s == nil {
		return e, nil
	}
	for i, spec := range s.Signatures {
		m, err := filter.Compile(spec.Match)
		if err != nil {
			return nil, fmt.Errorf("signature %d (%s): %w", i, spec.Name, err)
		}
		for _, r := range spec.Regions {
			if r.W <= 0 || r.H <= 0 || r.X < 0 || r.Y < 0 {
				return nil, fmt.Errorf("signature %d (%s): invalid region %+v", i, spec.Name, r)
			}
		}
		e.sigs = append(e.sigs, signature{
			sig:   pipeline.Signature{Name: spec.Name, Regions: spec.Regions},
			match: m,
		})
	}
	return e, nil
}

// Len is the number of signatures.
func (e *Engine) Len() int { return len(e.sigs) }

// Signature returns the first signature whose expression accepts obj.
// Evaluation errors count as a non-match.
func (e *Engine) Signature(obj pipeline.Object) *pipeline.Signature {
	for i := range e.sigs {
		ok, err := e.sigs[i].match.Match(obj)
		if err == nil && ok {
			sig := e.sigs[i].sig
			return &sig
		}
	}
	return nil
}

// Anonymize blanks regions in every frame of in and writes out. in and out
// may be the same file. In test mode regions are filled with mid-gray so
// the redaction is visible.
func (e *Engine) Anonymize(ctx context.Context, in, out string, regions []pipeline.Region, testMode bool) pipeline.Status {
	if err := ctx.Err(); err != nil {
		return pipeline.Fail(CondParse, err.Error())
	}
	obj, err := dcm.Load(in)
	if err != nil {
		return pipeline.Fail(CondParse, err.Error())
	}
	if obj.IsEncapsulated() {
		return pipeline.Fail(CondEncapsulated, obj.TransferSyntax())
	}
	frames, err := obj.NativeFrames()
	if errors.Is(err, dcm.ErrEncapsulated) {
		return pipeline.Fail(CondEncapsulated, obj.TransferSyntax())
	}
	if err != nil {
		return pipeline.Fail(CondParse, err.Error())
	}

	for _, f := range frames {
		fill := 0
		if testMode && f.BitsPerSample > 0 {
			fill = 1 << (f.BitsPerSample - 1)
		}
		for _, r := range regions {
			blank(f.Data, f.Rows, f.Cols, r, fill)
		}
	}

	if err := obj.Set("BurnedInAnnotation", "NO"); err != nil {
		return pipeline.Fail(CondRegion, err.Error())
	}
	if err := obj.Save(out); err != nil {
		return pipeline.Fail(CondWrite, err.Error())
	}
	return pipeline.StatusOK()
}

// blank sets every sample of r, clipped to the image, to fill. data is
// indexed by pixel (row-major) then sample.
func blank(data [][]int, rows, cols int, r pipeline.Region, fill int) {
	x0, y0 := max(r.X, 0), max(r.Y, 0)
	x1, y1 := min(r.X+r.W, cols), min(r.Y+r.H, rows)
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			p := y*cols + x
			if p >= len(data) {
				return
			}
			for s := range data[p] {
				data[p][s] = fill
			}
		}
	}
}
