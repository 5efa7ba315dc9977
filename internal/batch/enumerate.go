package batch

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/eargollo/dicomanon/internal/outpath"
	"github.com/eargollo/dicomanon/internal/pipeline"
)

// Enumerator walks the input tree on the calling goroutine and submits one
// item per regular file, in depth-first pre-order with entries sorted by
// name. Directory materialization is a separate step performed before a
// directory's children are visited, and only in mirror mode.
type Enumerator struct {
	Resolver *outpath.Resolver
	Submit   func(pipeline.WorkItem) error
}

// Enumerate walks input (Resolver.Root). A single-file input yields one item
// routed to Resolver.Dest, or by Resolver.Template when one is set.
func (e *Enumerator) Enumerate(input string) error {
	info, err := os.Stat(input)
	if err != nil {
		return fmt.Errorf("stat input %q: %w", input, err)
	}
	if !info.IsDir() {
		item := pipeline.WorkItem{InputPath: input, Size: info.Size()}
		if e.Resolver.Templated() {
			item.Pattern = e.Resolver.Template
		} else {
			item.OutputPath = e.Resolver.Dest
		}
		return e.Submit(item)
	}
	if err := e.materialize(input); err != nil {
		return err
	}
	return e.walk(input, 0)
}

func (e *Enumerator) walk(dir string, depth int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read dir %q: %w", dir, err)
	}
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())

		typ := entry.Type()
		if typ&fs.ModeSymlink != 0 {
			fi, err := os.Stat(path)
			if err != nil || !fi.Mode().IsRegular() {
				slog.Debug("skipping symlink", "path", path)
				continue
			}
			typ = fi.Mode().Type()
		}

		switch {
		case typ.IsDir():
			if err := e.materialize(path); err != nil {
				return err
			}
			if err := e.walk(path, depth+1); err != nil {
				return err
			}
		case typ.IsRegular():
			item, err := e.item(path, depth)
			if err != nil {
				return err
			}
			if err := e.Submit(item); err != nil {
				return err
			}
		}
	}
	return nil
}

// materialize creates the mirrored output directory for dir.
func (e *Enumerator) materialize(dir string) error {
	if e.Resolver.Templated() {
		return nil
	}
	rel, err := filepath.Rel(e.Resolver.Root, dir)
	if err != nil {
		return fmt.Errorf("relative path of %q: %w", dir, err)
	}
	out := filepath.Join(e.Resolver.Dest, rel)
	if err := os.MkdirAll(out, 0o755); err != nil {
		return fmt.Errorf("create output dir %q: %w", out, err)
	}
	return nil
}

func (e *Enumerator) item(path string, depth int) (pipeline.WorkItem, error) {
	item := pipeline.WorkItem{InputPath: path, Depth: depth}
	if fi, err := os.Stat(path); err == nil {
		item.Size = fi.Size()
	}
	if e.Resolver.Templated() {
		item.Pattern = e.Resolver.Template
		return item, nil
	}
	out, err := e.Resolver.Mirror(path)
	if err != nil {
		return item, err
	}
	item.OutputPath = out
	return item, nil
}
