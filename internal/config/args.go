package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/eargollo/dicomanon/internal/pipeline"
)

// Sentinel errors from Resolve. ErrNoInput and ErrInputNotFound are not
// failures of the tool: the caller prints them and exits 0.
var (
	ErrNoInput       = errors.New("input path was not specified")
	ErrInputNotFound = errors.New("input path does not exist")
	ErrOutputNotDir  = errors.New("output path exists but it is not a directory")
)

// Default script locations, used when a switch is given without a value.
const (
	DefaultFilterScript     = "dicom-filter.script"
	DefaultAnonymizerScript = "dicom-anonymizer.yaml"
	DefaultLookupTable      = "lookup-table.properties"
	DefaultPixelScript      = "dicom-pixel-anonymizer.yaml"
)

var numeric = regexp.MustCompile(`^-[0-9]+(\.[0-9]*)?$`)

// Args is the switch table parsed from the command line. A token starting
// with "-" that is not a number opens a switch; the next token, if it is
// not a switch itself, is its value. Switches without a value map to "".
type Args struct {
	values map[string]string
}

// ParseArgs builds the switch table. Later occurrences of a switch replace
// earlier ones.
func ParseArgs(args []string) *Args {
	a := &Args{values: map[string]string{}}
	name := ""
	for _, arg := range args {
		if strings.HasPrefix(arg, "-") && !numeric.MatchString(arg) {
			name = arg
			a.values[name] = ""
			continue
		}
		if name != "" {
			a.values[name] = arg
			name = ""
		}
	}
	return a
}

// Len is the number of switches.
func (a *Args) Len() int { return len(a.values) }

// Has reports whether switch name was given, with or without a value.
func (a *Args) Has(name string) bool {
	_, ok := a.values[name]
	return ok
}

// Get returns the value of switch name and whether it was given.
func (a *Args) Get(name string) (string, bool) {
	v, ok := a.values[name]
	return v, ok
}

// Prefixed returns the dynamic switches -<prefix><key> as key to value,
// e.g. -pSITEID "1" and -ePatientName "@empty()".
func (a *Args) Prefixed(prefix string, known map[string]bool) map[string]string {
	out := map[string]string{}
	for k, v := range a.values {
		if known[k] || !strings.HasPrefix(k, prefix) || len(k) == len(prefix) {
			continue
		}
		out[strings.TrimSpace(k[len(prefix):])] = v
	}
	return out
}

// Dump writes the switch table in sorted order, for -debug.
func (a *Args) Dump(w io.Writer) {
	keys := make([]string, 0, len(a.values))
	for k := range a.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintln(w, "Parameters:")
	for _, k := range keys {
		fmt.Fprintf(w, "    %s: %q\n", k, a.values[k])
	}
}

// knownSwitches are never taken as -p or -e dynamic switches.
var knownSwitches = map[string]bool{
	"-in": true, "-out": true, "-outPattern": true, "-f": true, "-da": true,
	"-lut": true, "-dpa": true, "-dec": true, "-rec": true, "-test": true,
	"-check": true, "-n": true, "-v": true, "-debug": true, "-config": true,
	"-db": true, "-http": true, "-schedule": true, "-env": true,
}

// Plan is everything needed to build and start a run.
type Plan struct {
	Input  string
	Output string
	// Pattern is the output path template; empty means mirror mode.
	Pattern string

	// Script paths. An enabled stage with an empty path, or whose default
	// file is missing, uses the built-in script.
	FilterScript      string
	FilterEnabled     bool
	AnonymizerScript  string
	AnonymizerEnabled bool
	AnonymizerDefault bool
	LookupTable       string
	PixelScript       string
	PixelEnabled      bool
	PixelDefault      bool

	Params   map[string]string
	Elements map[string]string

	Decompress bool
	Recompress bool
	TestMode   bool
	Check      pipeline.CheckPolicy
	Workers    int
	Verbose    bool

	DBPath   string
	HTTPAddr string
	Schedule string
}

// Resolve combines the switches with cfg. Switches win over the file.
func Resolve(a *Args, cfg *Config) (*Plan, error) {
	in, ok := a.Get("-in")
	if !ok || in == "" {
		return nil, ErrNoInput
	}
	fi, err := os.Stat(in)
	if err != nil {
		return nil, fmt.Errorf("input path (%s): %w", in, ErrInputNotFound)
	}
	if abs, err := filepath.Abs(in); err == nil {
		in = abs
	}

	p := &Plan{
		Input:    in,
		Params:   a.Prefixed("-p", knownSwitches),
		Elements: a.Prefixed("-e", knownSwitches),
		Workers:  cfg.Workers,
		DBPath:   cfg.DBPath,
		HTTPAddr: cfg.HTTPAddr,
		Schedule: cfg.Schedule,
	}

	if pat, ok := a.Get("-outPattern"); ok {
		if pat == "" {
			pat = cfg.DefaultOutputPattern
		}
		p.Pattern = pat
	}

	out, outGiven := a.Get("-out")
	switch {
	case !outGiven:
		p.Output = DefaultOutput(in, fi.IsDir())
	case out == "":
		p.Output = in
	default:
		p.Output = out
	}

	if fi.IsDir() {
		if ofi, err := os.Stat(p.Output); err == nil && !ofi.IsDir() {
			return nil, fmt.Errorf("%w: %s", ErrOutputNotDir, p.Output)
		}
	} else if p.Pattern != "" {
		if outGiven {
			// An explicit output file wins over the pattern.
			p.Pattern = ""
		} else {
			p.Output = filepath.Dir(p.Output)
		}
	}

	if v, ok := a.Get("-f"); ok {
		p.FilterEnabled = true
		p.FilterScript = DefaultFilterScript
		if v != "" {
			if _, err := os.Stat(v); err == nil {
				p.FilterScript = v
			}
		}
	}
	if v, ok := a.Get("-da"); ok {
		p.AnonymizerEnabled = true
		p.AnonymizerScript = v
		if v == "" {
			p.AnonymizerScript = DefaultAnonymizerScript
			p.AnonymizerDefault = true
		}
	}
	p.LookupTable = DefaultLookupTable
	if v, ok := a.Get("-lut"); ok && v != "" {
		p.LookupTable = v
	}
	if v, ok := a.Get("-dpa"); ok {
		p.PixelEnabled = true
		p.PixelScript = v
		if v == "" {
			p.PixelScript = DefaultPixelScript
			p.PixelDefault = true
		}
	}

	p.Decompress = a.Has("-dec")
	p.Recompress = a.Has("-rec")
	p.TestMode = a.Has("-test")
	p.Verbose = a.Has("-v")

	if v, ok := a.Get("-check"); ok {
		if p.Check, err = pipeline.ParseCheckPolicy(v); err != nil {
			return nil, err
		}
	}
	if v, ok := a.Get("-n"); ok {
		p.Workers = parseWorkers(v)
	}
	if p.Workers < 1 {
		p.Workers = 1
	}

	if v, ok := a.Get("-db"); ok && v != "" {
		p.DBPath = v
	}
	if v, ok := a.Get("-http"); ok && v != "" {
		p.HTTPAddr = v
	}
	if v, ok := a.Get("-schedule"); ok && v != "" {
		p.Schedule = v
	}
	return p, nil
}

// DefaultOutput is the output used when -out is absent: name-an for a
// directory or a file, with a trailing .dcm kept last.
func DefaultOutput(input string, isDir bool) string {
	dir, name := filepath.Split(filepath.Clean(input))
	if !isDir && strings.HasSuffix(strings.ToLower(name), ".dcm") {
		return filepath.Join(dir, name[:len(name)-4]+"-an"+name[len(name)-4:])
	}
	return filepath.Join(dir, name+"-an")
}
