// Package dcmtest writes small DICOM files for tests.
package dcmtest

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"testing"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// ExplicitLittle is the transfer syntax of every file written here.
const ExplicitLittle = "1.2.840.10008.1.2.1"

// Image describes 8-bit monochrome pixel data with every sample set to Fill.
type Image struct {
	Rows, Cols int
	Frames     int
	Fill       int
}

// WriteFile writes a secondary capture object holding values (keyword to
// value) and, when img is not nil, native pixel data.
func WriteFile(t testing.TB, path string, values map[string]string, img *Image) {
	t.Helper()

	var elems []*dicom.Element
	add := func(tg tag.Tag, data any) {
		t.Helper()
		el, err := dicom.NewElement(tg, data)
		if err != nil {
			t.Fatalf("element %v: %v", tg, err)
		}
		elems = append(elems, el)
	}

	add(tag.FileMetaInformationVersion, []byte{0, 1})
	add(tag.MediaStorageSOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.7"})
	add(tag.MediaStorageSOPInstanceUID, []string{"1.2.3.4.5.6.7"})
	add(tag.TransferSyntaxUID, []string{ExplicitLittle})
	add(tag.ImplementationClassUID, []string{"1.2.3.4"})

	for name, v := range values {
		info, err := tag.FindByName(name)
		if err != nil {
			t.Fatalf("unknown keyword %q", name)
		}
		add(info.Tag, []string{v})
	}

	if img != nil {
		frames := img.Frames
		if frames < 1 {
			frames = 1
		}
		add(tag.SamplesPerPixel, []int{1})
		add(tag.PhotometricInterpretation, []string{"MONOCHROME2"})
		add(tag.NumberOfFrames, []string{strconv.Itoa(frames)})
		add(tag.Rows, []int{img.Rows})
		add(tag.Columns, []int{img.Cols})
		add(tag.BitsAllocated, []int{8})
		add(tag.BitsStored, []int{8})
		add(tag.HighBit, []int{7})
		add(tag.PixelRepresentation, []int{0})

		info := dicom.PixelDataInfo{}
		for f := 0; f < frames; f++ {
			data := make([][]int, img.Rows*img.Cols)
			for i := range data {
				data[i] = []int{img.Fill}
			}
			info.Frames = append(info.Frames, &frame.Frame{
				NativeData: frame.NativeFrame{
					Data:          data,
					Rows:          img.Rows,
					Cols:          img.Cols,
					BitsPerSample: 8,
				},
			})
		}
		add(tag.PixelData, info)
	}

	sort.SliceStable(elems, func(i, j int) bool {
		a, b := elems[i].Tag, elems[j].Tag
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		return a.Element < b.Element
	})

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	ds := dicom.Dataset{Elements: elems}
	if err := dicom.Write(f, ds, dicom.SkipVRVerification(), dicom.SkipValueTypeVerification()); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
