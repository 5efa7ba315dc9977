package dcm_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/eargollo/dicomanon/internal/dcm"
	"github.com/eargollo/dicomanon/internal/dcm/dcmtest"
)

func TestParseTag(t *testing.T) {
	tests := []struct {
		in   string
		want tag.Tag
	}{
		{"PatientName", tag.Tag{Group: 0x0010, Element: 0x0010}},
		{"(0010,0020)", tag.Tag{Group: 0x0010, Element: 0x0020}},
		{"[0008,0060]", tag.Tag{Group: 0x0008, Element: 0x0060}},
		{"00091001", tag.Tag{Group: 0x0009, Element: 0x1001}},
		{" Modality ", tag.Tag{Group: 0x0008, Element: 0x0060}},
	}
	for _, tt := range tests {
		got, err := dcm.ParseTag(tt.in)
		if err != nil {
			t.Errorf("ParseTag(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTag(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	for _, bad := range []string{"", "NotAKeyword", "(0010,00ZZ)"} {
		if _, err := dcm.ParseTag(bad); err == nil {
			t.Errorf("ParseTag(%q): expected error", bad)
		}
	}
}

func TestIsPrivate(t *testing.T) {
	if !dcm.IsPrivate(tag.Tag{Group: 0x0009, Element: 0x0010}) {
		t.Error("group 0009 should be private")
	}
	if dcm.IsPrivate(tag.Tag{Group: 0x0010, Element: 0x0010}) {
		t.Error("group 0010 should not be private")
	}
}

func TestLoadRejectsNonDICOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("not an image"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := dcm.Load(path); err == nil {
		t.Fatal("expected an error for a text file")
	}
	if _, err := (dcm.Loader{}).Load(path); err == nil {
		t.Fatal("Loader: expected an error for a text file")
	}
}

func TestLoadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.dcm")
	dcmtest.WriteFile(t, path, map[string]string{
		"PatientName": "DOE^JOHN",
		"Modality":    "CT",
	}, nil)

	obj, err := dcm.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if v, ok := obj.Value("PatientName"); !ok || v != "DOE^JOHN" {
		t.Errorf("PatientName = %q, %v", v, ok)
	}
	if v, _ := obj.Value("(0008,0060)"); v != "CT" {
		t.Errorf("Modality = %q", v)
	}
	if _, ok := obj.Value("StudyID"); ok {
		t.Error("StudyID should be absent")
	}
	if obj.TransferSyntax() != dcmtest.ExplicitLittle {
		t.Errorf("TransferSyntax = %q", obj.TransferSyntax())
	}
	if obj.IsImage() {
		t.Error("object without pixel data reported as image")
	}
	if got := obj.Values()["Modality"]; got != "CT" {
		t.Errorf("Values()[Modality] = %q", got)
	}
}

func TestSetRemoveSave(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.dcm")
	dcmtest.WriteFile(t, in, map[string]string{
		"PatientName": "DOE^JOHN",
		"PatientID":   "12345",
	}, nil)

	obj, err := dcm.Load(in)
	if err != nil {
		t.Fatal(err)
	}
	if err := obj.Set("PatientName", "ANON"); err != nil {
		t.Fatal(err)
	}
	if err := obj.Set("StudyDescription", "HEAD"); err != nil {
		t.Fatal(err)
	}
	if err := obj.Remove("PatientID"); err != nil {
		t.Fatal(err)
	}
	if err := obj.Remove("PatientID"); err != nil {
		t.Fatalf("removing an absent element: %v", err)
	}

	out := filepath.Join(dir, "sub", "out.dcm")
	if err := obj.Save(out); err != nil {
		t.Fatalf("Save: %v", err)
	}
	re, err := dcm.Load(out)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if v, _ := re.Value("PatientName"); v != "ANON" {
		t.Errorf("PatientName = %q", v)
	}
	if v, _ := re.Value("StudyDescription"); v != "HEAD" {
		t.Errorf("StudyDescription = %q", v)
	}
	if re.Has("PatientID") {
		t.Error("PatientID should have been removed")
	}

	entries, _ := os.ReadDir(filepath.Dir(out))
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %v", entries)
	}
}

func TestImageFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "img.dcm")
	dcmtest.WriteFile(t, path, map[string]string{"Modality": "OT"}, &dcmtest.Image{Rows: 4, Cols: 3, Frames: 2, Fill: 200})

	obj, err := dcm.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !obj.IsImage() || obj.IsEncapsulated() {
		t.Fatalf("IsImage=%v IsEncapsulated=%v", obj.IsImage(), obj.IsEncapsulated())
	}
	if obj.NumberOfFrames() != 2 {
		t.Errorf("NumberOfFrames = %d", obj.NumberOfFrames())
	}
	for i := 0; i < 2; i++ {
		if err := obj.DecodeFrame(i); err != nil {
			t.Errorf("DecodeFrame(%d): %v", i, err)
		}
	}
	if err := obj.DecodeFrame(2); err == nil {
		t.Error("DecodeFrame past the end should fail")
	}

	frames, err := obj.NativeFrames()
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 || frames[0].Rows != 4 || frames[0].Cols != 3 {
		t.Fatalf("unexpected frames: %d", len(frames))
	}
	if frames[1].Data[11][0] != 200 {
		t.Errorf("sample = %d", frames[1].Data[11][0])
	}
}
