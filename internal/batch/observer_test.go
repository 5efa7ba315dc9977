package batch

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eargollo/dicomanon/internal/pipeline"
)

func TestConsoleSuppressesSkipsUnlessVerbose(t *testing.T) {
	for _, verbose := range []bool{false, true} {
		var buf bytes.Buffer
		c := NewConsole(&buf, verbose)
		c.OnItemDone(pipeline.Result{Outcome: pipeline.Skipped, Messages: []string{"Skipping non-DICOM file: b.txt"}})
		c.OnItemDone(pipeline.Result{Outcome: pipeline.Anonymized, Messages: []string{"Anonymizing a.dcm"}})
		c.OnDone(Summary{Elapsed: 1500 * time.Millisecond})

		out := buf.String()
		if got := strings.Contains(out, "b.txt"); got != verbose {
			t.Errorf("verbose=%v: skip report printed=%v", verbose, got)
		}
		if !strings.Contains(out, "Anonymizing a.dcm") {
			t.Errorf("verbose=%v: anonymized report missing", verbose)
		}
		if !strings.HasSuffix(out, "----\nElapsed time: 1.500\n") {
			t.Errorf("verbose=%v: summary line missing: %q", verbose, out)
		}
	}
}

// TestConsoleReportsDoNotInterleave writes multi-line reports from many
// goroutines and checks every block comes out whole.
func TestConsoleReportsDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, true)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.OnItemDone(pipeline.Result{
				Worker:   i,
				Outcome:  pipeline.Anonymized,
				Messages: []string{fmt.Sprintf("Anonymizing f%d", i), fmt.Sprintf("Anonymized file: o%d", i)},
			})
		}(i)
	}
	wg.Wait()

	blocks := strings.Split(strings.TrimPrefix(buf.String(), "----\n"), "----\n")
	if len(blocks) != n {
		t.Fatalf("got %d blocks, want %d", len(blocks), n)
	}
	for _, b := range blocks {
		var id int
		if _, err := fmt.Sscanf(b, "Worker %d:", &id); err != nil {
			t.Fatalf("malformed block %q", b)
		}
		want := fmt.Sprintf("Worker %d: Anonymizing f%d\n   Anonymized file: o%d\n", id, id, id)
		if b != want {
			t.Errorf("block spliced: got %q, want %q", b, want)
		}
	}
}
