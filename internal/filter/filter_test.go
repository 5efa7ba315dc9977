package filter

import (
	"sync"
	"testing"
)

type values map[string]string

func (v values) Value(k string) (string, bool) {
	s, ok := v[k]
	return s, ok
}

func TestMatch(t *testing.T) {
	md := values{"Modality": "CT", "SeriesDescription": "HEAD W/O", "SeriesNumber": "3"}

	tests := []struct {
		src  string
		want bool
	}{
		{"", true},
		{"   ", true},
		{`Modality == "CT"`, true},
		{`Modality == "MR"`, false},
		{`Modality == "CT" && SeriesDescription contains "HEAD"`, true},
		{`StudyID == ""`, true},
		{`int(SeriesNumber) > 2`, true},
		{`Modality in ["MR", "US"]`, false},
	}
	for _, tt := range tests {
		s, err := Compile(tt.src)
		if err != nil {
			t.Fatalf("Compile(%q): %v", tt.src, err)
		}
		got, err := s.Match(md)
		if err != nil {
			t.Fatalf("Match(%q): %v", tt.src, err)
		}
		if got != tt.want {
			t.Errorf("Match(%q) = %v, want %v", tt.src, got, tt.want)
		}
	}
}

func TestCompileErrors(t *testing.T) {
	for _, src := range []string{`Modality ==`, `"CT"`, `(Modality`} {
		if _, err := Compile(src); err == nil {
			t.Errorf("Compile(%q): expected error", src)
		}
	}
}

func TestEvaluationError(t *testing.T) {
	s, err := Compile(`int(SeriesNumber) > 2`)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Match(values{"SeriesNumber": "abc"}); err == nil {
		t.Error("expected an evaluation error for a non-numeric value")
	}
}

func TestIdentifiers(t *testing.T) {
	s, err := Compile(`Modality == "CT" || Modality == "MR" && PatientAge != ""`)
	if err != nil {
		t.Fatal(err)
	}
	got := s.Identifiers()
	if len(got) != 2 || got[0] != "Modality" || got[1] != "PatientAge" {
		t.Errorf("Identifiers = %v", got)
	}
}

func TestConcurrentMatch(t *testing.T) {
	s, err := Compile(`Modality == "CT"`)
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mod := "CT"
			if i%2 == 1 {
				mod = "MR"
			}
			got, err := s.Match(values{"Modality": mod})
			if err != nil || got != (i%2 == 0) {
				t.Errorf("worker %d: got %v, %v", i, got, err)
			}
		}(i)
	}
	wg.Wait()
}
