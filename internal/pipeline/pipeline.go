// Package pipeline runs the ordered anonymization stages for a single file:
// load, filter, pixel anonymization, element anonymization and an optional
// frame decode check.
//
// Expected conditions (unsupported file, filter non-match, engine failures)
// are reported through the Result. Run only returns an error for conditions
// the stages do not anticipate, and the caller treats those as fatal.
package pipeline

import (
	"context"
	"fmt"
	"os"

	"github.com/eargollo/dicomanon/internal/outpath"
)

// JPEGBaseline is never decompressed before pixel anonymization.
const JPEGBaseline = "1.2.840.10008.1.2.4.50"

// Config wires the engines used by every item. Nil engines disable their
// stage. All fields are read-only once the pipeline is built.
type Config struct {
	Loader  Loader
	Filter  Filter
	Pixel   PixelAnonymizer
	Codec   Transcoder
	Element ElementAnonymizer

	// OutputRoot is the destination for template-routed items.
	OutputRoot string

	Decompress bool
	Recompress bool
	TestMode   bool
	Check      CheckPolicy
	Verbose    bool
}

// Pipeline processes WorkItems. It holds no per-item state and is safe for
// concurrent use by several workers.
type Pipeline struct {
	cfg Config
}

// New creates a Pipeline. cfg.Loader is required.
func New(cfg Config) *Pipeline {
	return &Pipeline{cfg: cfg}
}

// Run processes one item to completion.
func (p *Pipeline) Run(ctx context.Context, item WorkItem) (Result, error) {
	res := Result{InputPath: item.InputPath, OutputPath: item.OutputPath, Size: item.Size}

	obj, err := p.cfg.Loader.Load(item.InputPath)
	if err != nil {
		res.Outcome = Skipped
		res.add("Skipping non-DICOM file: %s", item.InputPath)
		return res, nil
	}

	if p.cfg.Filter != nil {
		ok, err := p.cfg.Filter.Match(obj)
		if err != nil {
			res.Outcome = Skipped
			res.add("Skipping DICOM file, filter error: %s: %v", item.InputPath, err)
			return res, nil
		}
		if !ok {
			res.Outcome = Skipped
			res.add("Skipping non-matching DICOM file: %s", item.InputPath)
			return res, nil
		}
	}

	// Templated items with an element stage are routed by that stage, once
	// the values the template reads are anonymized. Earlier stages write to
	// a scratch file under the output root.
	work := res.OutputPath
	if work == "" {
		if item.Pattern == nil {
			return res, fmt.Errorf("item %q has neither output path nor pattern", item.InputPath)
		}
		if p.cfg.Element != nil {
			scratch, err := p.scratchFile()
			if err != nil {
				return res, err
			}
			defer os.Remove(scratch)
			work = scratch
		} else {
			r := &outpath.Resolver{Dest: p.cfg.OutputRoot, Template: item.Pattern}
			out, err := r.Expand(obj)
			if err != nil {
				return res, err
			}
			res.OutputPath = out
			work = out
		}
	}

	res.add("Anonymizing %s", item.InputPath)

	input := item.InputPath
	anonymized := false

	if p.cfg.Pixel != nil {
		done, failed := p.pixelStage(ctx, obj, input, work, &res)
		if failed {
			res.Outcome = Failed
			res.add("Aborting the processing of this file.")
			return res, nil
		}
		if done {
			input = work
			anonymized = true
		}
	}

	if p.cfg.Element != nil {
		req := ElementRequest{Input: input, Output: work}
		if res.OutputPath == "" {
			req = ElementRequest{Input: input, Pattern: item.Pattern, Dest: p.cfg.OutputRoot}
		}
		st := p.cfg.Element.Anonymize(ctx, req)
		if p.cfg.Verbose || !st.OK {
			res.add("The element anonymizer returned %s.", st)
		}
		if !st.OK {
			res.Outcome = Failed
			res.add("Aborting the processing of this file.")
			return res, nil
		}
		if req.Pattern != nil {
			if st.Path == "" {
				return res, fmt.Errorf("element anonymizer did not report where it wrote %q", item.InputPath)
			}
			res.OutputPath = st.Path
		}
		anonymized = true
	}

	if !anonymized {
		res.Outcome = Skipped
		res.add("No anonymization stage applied.")
		return res, nil
	}

	res.Outcome = Anonymized
	res.add("Anonymized file: %s", res.OutputPath)
	if p.cfg.Check != CheckNone {
		p.verify(res.OutputPath, &res)
	}
	return res, nil
}

// pixelStage runs the pixel anonymizer. done reports that the output file
// now holds redacted pixels; failed that the item must be abandoned.
func (p *Pipeline) pixelStage(ctx context.Context, obj Object, input, out string, res *Result) (done, failed bool) {
	if !obj.IsImage() {
		if p.cfg.Verbose {
			res.add("Pixel anonymization skipped - not an image.")
		}
		return false, false
	}
	sig := p.cfg.Pixel.Signature(obj)
	if sig == nil {
		if p.cfg.Verbose {
			res.add("No matching signature found for pixel anonymization.")
		}
		return false, false
	}
	if len(sig.Regions) == 0 {
		return false, false
	}

	decompressed := false
	if p.cfg.Decompress && p.cfg.Codec != nil && obj.IsEncapsulated() && obj.TransferSyntax() != JPEGBaseline {
		if st := p.cfg.Codec.Decompress(ctx, input, out); st.OK {
			input = out
			decompressed = true
		} else {
			res.add("Decompression failure: %s.", st)
		}
	}

	st := p.cfg.Pixel.Anonymize(ctx, input, out, sig.Regions, p.cfg.TestMode)
	if p.cfg.Verbose || !st.OK {
		res.add("The pixel anonymizer returned %s.", st)
	}
	if !st.OK {
		return false, true
	}

	if decompressed && p.cfg.Recompress {
		if rst := p.cfg.Codec.Recompress(ctx, out, out); !rst.OK {
			res.add("Recompression failure: %s.", rst)
		}
	}
	return true, false
}

// scratchFile reserves a hidden file under the output root for the stages
// that run before a templated item's final path is known.
func (p *Pipeline) scratchFile() (string, error) {
	if err := os.MkdirAll(p.cfg.OutputRoot, 0o755); err != nil {
		return "", fmt.Errorf("create output root: %w", err)
	}
	f, err := os.CreateTemp(p.cfg.OutputRoot, ".dicomanon-*.dcm")
	if err != nil {
		return "", fmt.Errorf("create scratch file: %w", err)
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

// verify reloads the output and decodes frames per the check policy.
// Failures are advisory and never change the outcome.
func (p *Pipeline) verify(path string, res *Result) {
	obj, err := p.cfg.Loader.Load(path)
	if err != nil {
		res.add("Frame checking failed: %v", err)
		return
	}
	if !obj.IsImage() {
		return
	}
	for _, i := range p.cfg.Check.frames(obj.NumberOfFrames()) {
		if err := obj.DecodeFrame(i); err != nil {
			res.add("Frame checking failed: frame %d: %v", i, err)
			return
		}
	}
	if p.cfg.Verbose {
		res.add("Frame checking succeeded.")
	}
}
