// Package dcm adapts github.com/suyashkumar/dicom to the pipeline: loading
// and saving files, reading element values by name, and access to native
// pixel frames.
package dcm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/eargollo/dicomanon/internal/pipeline"
)

// ErrEncapsulated is returned when native pixel access is requested on
// compressed pixel data.
var ErrEncapsulated = errors.New("pixel data is encapsulated")

// Native transfer syntaxes. Anything else carries encapsulated pixel data.
var nativeSyntaxes = map[string]bool{
	"1.2.840.10008.1.2":      true, // implicit VR little endian
	"1.2.840.10008.1.2.1":    true,
	"1.2.840.10008.1.2.1.99": true, // deflated explicit VR little endian
	"1.2.840.10008.1.2.2":    true,
}

// Object is one parsed file. It is not safe for concurrent mutation.
type Object struct {
	path string
	ds   dicom.Dataset
}

// Load parses path. Files without the DICM preamble are rejected.
func Load(path string) (*Object, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &Object{path: path, ds: ds}, nil
}

// Loader implements pipeline.Loader.
type Loader struct{}

func (Loader) Load(path string) (pipeline.Object, error) {
	obj, err := Load(path)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// Path is the file the object was loaded from.
func (o *Object) Path() string { return o.path }

func (o *Object) element(name string) (*dicom.Element, bool) {
	t, err := ParseTag(name)
	if err != nil {
		return nil, false
	}
	el, err := o.ds.FindElementByTag(t)
	if err != nil || el == nil || el.Value == nil {
		return nil, false
	}
	return el, true
}

// Value returns the string form of the named element. Multiple values are
// joined with a backslash. Binary, sequence and pixel elements have no
// string form.
func (o *Object) Value(name string) (string, bool) {
	el, ok := o.element(name)
	if !ok {
		return "", false
	}
	return valueString(el)
}

func valueString(el *dicom.Element) (string, bool) {
	switch v := el.Value.GetValue().(type) {
	case []string:
		out := make([]string, len(v))
		for i, s := range v {
			out[i] = strings.TrimRight(s, " \x00")
		}
		return strings.Join(out, `\`), true
	case []int:
		out := make([]string, len(v))
		for i, n := range v {
			out[i] = strconv.Itoa(n)
		}
		return strings.Join(out, `\`), true
	case []float64:
		out := make([]string, len(v))
		for i, f := range v {
			out[i] = strconv.FormatFloat(f, 'g', -1, 64)
		}
		return strings.Join(out, `\`), true
	default:
		return "", false
	}
}

// Values returns the string form of every top-level element that has one,
// keyed by dictionary keyword. Elements missing from the dictionary are
// keyed by their (gggg,eeee) form.
func (o *Object) Values() map[string]string {
	out := make(map[string]string, len(o.ds.Elements))
	for _, el := range o.ds.Elements {
		s, ok := valueString(el)
		if !ok {
			continue
		}
		out[keyword(el.Tag)] = s
	}
	return out
}

func keyword(t tag.Tag) string {
	if info, err := tag.Find(t); err == nil && info.Name != "" {
		return info.Name
	}
	return fmt.Sprintf("(%04X,%04X)", t.Group, t.Element)
}

// TransferSyntax is the transfer syntax UID from the file meta information.
func (o *Object) TransferSyntax() string {
	s, _ := o.Value("TransferSyntaxUID")
	return s
}

func (o *Object) pixelData() (dicom.PixelDataInfo, bool) {
	el, err := o.ds.FindElementByTag(tag.PixelData)
	if err != nil || el == nil || el.Value == nil {
		return dicom.PixelDataInfo{}, false
	}
	info, ok := el.Value.GetValue().(dicom.PixelDataInfo)
	return info, ok
}

// IsImage reports whether the object carries pixel data.
func (o *Object) IsImage() bool {
	_, ok := o.pixelData()
	return ok
}

// IsEncapsulated reports whether the pixel data is compressed.
func (o *Object) IsEncapsulated() bool {
	if info, ok := o.pixelData(); ok && info.IsEncapsulated {
		return true
	}
	ts := o.TransferSyntax()
	return ts != "" && !nativeSyntaxes[ts]
}

// NumberOfFrames is the declared frame count, at least 1.
func (o *Object) NumberOfFrames() int {
	if s, ok := o.Value("NumberOfFrames"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil && n > 0 {
			return n
		}
	}
	if info, ok := o.pixelData(); ok && len(info.Frames) > 1 {
		return len(info.Frames)
	}
	return 1
}

// DecodeFrame checks that frame i can be turned into an image. Encapsulated
// frames other than JPEG baseline are only checked for a non-empty fragment.
func (o *Object) DecodeFrame(i int) error {
	info, ok := o.pixelData()
	if !ok {
		return errors.New("no pixel data")
	}
	if i < 0 || i >= len(info.Frames) {
		return fmt.Errorf("frame %d out of range (%d frames)", i, len(info.Frames))
	}
	f := info.Frames[i]
	if f.IsEncapsulated() && o.TransferSyntax() != pipeline.JPEGBaseline {
		ef, err := f.GetEncapsulatedFrame()
		if err != nil {
			return err
		}
		if len(ef.Data) == 0 {
			return errors.New("empty fragment")
		}
		return nil
	}
	_, err := f.GetImage()
	return err
}

// NativeFrames returns the decoded frames for in-place pixel edits.
func (o *Object) NativeFrames() ([]*frame.NativeFrame, error) {
	info, ok := o.pixelData()
	if !ok {
		return nil, errors.New("no pixel data")
	}
	if info.IsEncapsulated {
		return nil, ErrEncapsulated
	}
	out := make([]*frame.NativeFrame, 0, len(info.Frames))
	for i := range info.Frames {
		f := info.Frames[i]
		nf, err := f.GetNativeFrame()
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		out = append(out, nf)
	}
	return out, nil
}

// Set replaces or inserts the named element, keeping dataset order.
func (o *Object) Set(name string, values ...string) error {
	t, err := ParseTag(name)
	if err != nil {
		return err
	}
	if values == nil {
		values = []string{}
	}
	el, err := dicom.NewElement(t, values)
	if err != nil {
		return fmt.Errorf("set %s: %w", name, err)
	}
	for i, cur := range o.ds.Elements {
		if cur.Tag == t {
			o.ds.Elements[i] = el
			return nil
		}
		if less(t, cur.Tag) {
			o.ds.Elements = append(o.ds.Elements, nil)
			copy(o.ds.Elements[i+1:], o.ds.Elements[i:])
			o.ds.Elements[i] = el
			return nil
		}
	}
	o.ds.Elements = append(o.ds.Elements, el)
	return nil
}

// Has reports whether the named element is present.
func (o *Object) Has(name string) bool {
	t, err := ParseTag(name)
	if err != nil {
		return false
	}
	el, err := o.ds.FindElementByTag(t)
	return err == nil && el != nil
}

// Remove deletes the named element. Removing an absent element is not an
// error.
func (o *Object) Remove(name string) error {
	t, err := ParseTag(name)
	if err != nil {
		return err
	}
	o.removeIf(func(cur tag.Tag) bool { return cur == t })
	return nil
}

// RemovePrivateGroups drops every element of an odd group.
func (o *Object) RemovePrivateGroups() int {
	return o.removeIf(IsPrivate)
}

func (o *Object) removeIf(drop func(tag.Tag) bool) int {
	kept := o.ds.Elements[:0]
	n := 0
	for _, el := range o.ds.Elements {
		if drop(el.Tag) {
			n++
			continue
		}
		kept = append(kept, el)
	}
	for i := len(kept); i < len(o.ds.Elements); i++ {
		o.ds.Elements[i] = nil
	}
	o.ds.Elements = kept
	return n
}

// Save writes the object to path through a temporary file in the same
// directory, so readers never observe a partial file. An existing file is
// replaced.
func (o *Object) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if err := dicom.Write(tmp, o.ds, dicom.SkipVRVerification(), dicom.SkipValueTypeVerification()); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
