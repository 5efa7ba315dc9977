package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/eargollo/dicomanon/internal/outpath"
)

// Outcome is the final classification of one item.
type Outcome int

const (
	Skipped Outcome = iota
	Anonymized
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "skipped"
	case Anonymized:
		return "anonymized"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// WorkItem is one file submitted for processing. OutputPath is empty when
// the item is routed by Pattern; it is resolved once the file is loaded.
type WorkItem struct {
	InputPath  string
	OutputPath string
	Pattern    *outpath.Template
	Depth      int
	Size       int64
}

// Result is the report of one pipeline run.
type Result struct {
	InputPath  string
	OutputPath string
	Outcome    Outcome
	Messages   []string
	Worker     int
	Duration   time.Duration
	Size       int64
}

func (r *Result) add(format string, args ...any) {
	r.Messages = append(r.Messages, fmt.Sprintf(format, args...))
}

// Report renders the result as the multi-line block printed to the console.
func (r Result) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "----\nWorker %d: ", r.Worker)
	for i, m := range r.Messages {
		if i > 0 {
			b.WriteString("   ")
		}
		b.WriteString(m)
		b.WriteByte('\n')
	}
	if len(r.Messages) == 0 {
		fmt.Fprintf(&b, "%s %s\n", r.Outcome, r.InputPath)
	}
	return b.String()
}

// CheckPolicy selects which frames are decoded after anonymization.
type CheckPolicy string

const (
	CheckNone  CheckPolicy = ""
	CheckFirst CheckPolicy = "first"
	CheckLast  CheckPolicy = "last"
	CheckAll   CheckPolicy = "all"
)

// ParseCheckPolicy maps a -check value to a policy; empty means last.
func ParseCheckPolicy(s string) (CheckPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "last":
		return CheckLast, nil
	case "first":
		return CheckFirst, nil
	case "all":
		return CheckAll, nil
	default:
		return CheckNone, fmt.Errorf("unknown frame check %q (want first, last or all)", s)
	}
}

// frames returns the frame indexes to decode for n frames.
func (c CheckPolicy) frames(n int) []int {
	if n < 1 {
		n = 1
	}
	switch c {
	case CheckFirst:
		return []int{0}
	case CheckAll:
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return idx
	case CheckLast:
		return []int{n - 1}
	default:
		return nil
	}
}
