package outpath

import (
	"fmt"
	"os"
	"path/filepath"
)

// Resolver maps input files to output paths. With a nil Template it mirrors
// the input tree (relative to Root) under Dest; otherwise every file is
// routed by expanding Template under Dest.
type Resolver struct {
	Root     string
	Dest     string
	Template *Template
}

// Templated reports whether output paths depend on file metadata.
func (r *Resolver) Templated() bool { return r.Template != nil }

// Mirror returns Dest joined with inputPath's location relative to Root and
// creates the parent directory if needed.
func (r *Resolver) Mirror(inputPath string) (string, error) {
	rel, err := filepath.Rel(r.Root, inputPath)
	if err != nil {
		return "", fmt.Errorf("relative path of %q: %w", inputPath, err)
	}
	out := filepath.Join(r.Dest, rel)
	if err := ensureParent(out); err != nil {
		return "", err
	}
	return out, nil
}

// Expand returns Dest joined with the template expanded against md and
// creates the implied directories. The file extension is not validated.
func (r *Resolver) Expand(md Metadata) (string, error) {
	if r.Template == nil {
		return "", fmt.Errorf("no output template configured")
	}
	rel, err := r.Template.Expand(md)
	if err != nil {
		return "", err
	}
	out := filepath.Join(r.Dest, rel)
	if err := ensureParent(out); err != nil {
		return "", err
	}
	return out, nil
}

func ensureParent(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir %q: %w", dir, err)
	}
	return nil
}
