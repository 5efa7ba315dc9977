package pipeline

import (
	"context"

	"github.com/eargollo/dicomanon/internal/outpath"
)

// Status is what an external engine reports for one call. The pipeline only
// branches on OK; Condition and Detail end up in the item's messages.
type Status struct {
	OK        bool
	Condition string
	Detail    string

	// Path is where the engine wrote its output when it chose the location
	// itself (template routing); empty otherwise.
	Path string
}

// StatusOK is the status of a successful engine call.
func StatusOK() Status { return Status{OK: true} }

// Fail builds a non-OK status.
func Fail(condition, detail string) Status {
	return Status{Condition: condition, Detail: detail}
}

func (s Status) String() string {
	switch {
	case s.OK:
		return "OK"
	case s.Detail == "":
		return s.Condition
	default:
		return s.Condition + ": " + s.Detail
	}
}

// Object is a loaded image container. Implementations must be safe to read
// from the goroutine that loaded them; they are never shared across items.
type Object interface {
	outpath.Metadata
	IsImage() bool
	IsEncapsulated() bool
	TransferSyntax() string
	// NumberOfFrames is at least 1 for images.
	NumberOfFrames() int
	DecodeFrame(i int) error
}

// Loader parses and validates a file as a supported container. Any error
// means the file is not one we handle.
type Loader interface {
	Load(path string) (Object, error)
}

// Filter decides whether a loaded file is processed at all.
type Filter interface {
	Match(md outpath.Metadata) (bool, error)
}

// Region is a rectangle of pixels to redact, in image coordinates.
type Region struct {
	X int `yaml:"x" json:"x"`
	Y int `yaml:"y" json:"y"`
	W int `yaml:"w" json:"w"`
	H int `yaml:"h" json:"h"`
}

// Signature associates matching files with the regions to redact.
type Signature struct {
	Name    string
	Regions []Region
}

// PixelAnonymizer redacts regions inside image data.
type PixelAnonymizer interface {
	// Signature returns the first signature matching obj, or nil.
	Signature(obj Object) *Signature
	Anonymize(ctx context.Context, in, out string, regions []Region, testMode bool) Status
}

// Transcoder changes the pixel data encoding of a file.
type Transcoder interface {
	Decompress(ctx context.Context, in, out string) Status
	Recompress(ctx context.Context, in, out string) Status
}

// ElementRequest is one call into the element anonymizer. Pattern is set
// when output routing is template based: the engine then expands it under
// Dest against the anonymized values, writes there and reports the path in
// Status.Path. Output is only used when Pattern is nil.
type ElementRequest struct {
	Input   string
	Output  string
	Pattern *outpath.Template
	Dest    string
}

// ElementAnonymizer scrubs and pseudonymizes data elements.
type ElementAnonymizer interface {
	Anonymize(ctx context.Context, req ElementRequest) Status
}
