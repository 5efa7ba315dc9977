// Package codec transcodes pixel data by running an external tool
// (gdcmconv by default) for decompression before pixel anonymization and
// recompression after it.
package codec

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/eargollo/dicomanon/internal/pipeline"
)

// Default command templates. {in} and {out} are replaced by file paths.
const (
	DefaultDecompress = "gdcmconv --raw {in} {out}"
	DefaultRecompress = "gdcmconv --jpeg --lossless {in} {out}"
)

// Status conditions reported by the transcoder.
const (
	CondCommand = "CommandFailure"
	CondOutput  = "OutputFailure"
)

// Exec implements pipeline.Transcoder with external commands.
type Exec struct {
	decompress []string
	recompress []string
}

// New parses the two command templates; empty templates use the defaults.
func New(decompress, recompress string) (*Exec, error) {
	if decompress == "" {
		decompress = DefaultDecompress
	}
	if recompress == "" {
		recompress = DefaultRecompress
	}
	d, err := parseTemplate(decompress)
	if err != nil {
		return nil, fmt.Errorf("decompress command: %w", err)
	}
	r, err := parseTemplate(recompress)
	if err != nil {
		return nil, fmt.Errorf("recompress command: %w", err)
	}
	return &Exec{decompress: d, recompress: r}, nil
}

func parseTemplate(s string) ([]string, error) {
	args := strings.Fields(s)
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	var in, out bool
	for _, a := range args {
		in = in || strings.Contains(a, "{in}")
		out = out || strings.Contains(a, "{out}")
	}
	if !in || !out {
		return nil, fmt.Errorf("%q must reference {in} and {out}", s)
	}
	return args, nil
}

// Tools lists the programs the commands run, for diagnostics.
func (e *Exec) Tools() []string {
	if e.decompress[0] == e.recompress[0] {
		return []string{e.decompress[0]}
	}
	return []string{e.decompress[0], e.recompress[0]}
}

// Available reports whether tool can be found on PATH.
func Available(tool string) (string, bool) {
	p, err := exec.LookPath(tool)
	return p, err == nil
}

func (e *Exec) Decompress(ctx context.Context, in, out string) pipeline.Status {
	return run(ctx, e.decompress, in, out)
}

func (e *Exec) Recompress(ctx context.Context, in, out string) pipeline.Status {
	return run(ctx, e.recompress, in, out)
}

// run executes tmpl writing to a temporary file next to out, then renames
// it over out. This lets in and out name the same file.
func run(ctx context.Context, tmpl []string, in, out string) pipeline.Status {
	dir := filepath.Dir(out)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return pipeline.Fail(CondOutput, err.Error())
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(out)+".codec-*")
	if err != nil {
		return pipeline.Fail(CondOutput, err.Error())
	}
	tmpName := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(tmpName)

	args := make([]string, len(tmpl))
	for i, a := range tmpl {
		a = strings.ReplaceAll(a, "{in}", in)
		args[i] = strings.ReplaceAll(a, "{out}", tmpName)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return pipeline.Fail(CondCommand, msg)
	}

	if fi, err := os.Stat(tmpName); err != nil || fi.Size() == 0 {
		return pipeline.Fail(CondOutput, "no output written")
	}
	if err := os.Rename(tmpName, out); err != nil {
		return pipeline.Fail(CondOutput, err.Error())
	}
	return pipeline.StatusOK()
}
