package metrics

import (
	"fmt"
	"regexp"
	"strconv"
)

// Summary holds the terminal counters of a run.
type Summary struct {
	Sent      uint64 `json:"sent"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
}

// Add returns the element-wise sum of s and o.
func (s Summary) Add(o Summary) Summary {
	return Summary{
		Sent:      s.Sent + o.Sent,
		Succeeded: s.Succeeded + o.Succeeded,
		Failed:    s.Failed + o.Failed,
	}
}

// Line formats the summary as the fixed-grammar terminal line
// "done: sent=<n> succ=<n> fail=<n>".
func (s Summary) Line() string {
	return fmt.Sprintf("done: sent=%d succ=%d fail=%d", s.Sent, s.Succeeded, s.Failed)
}

// Counts formats the counters without the "done:" tag.
func (s Summary) Counts() string {
	return fmt.Sprintf("sent=%d succ=%d fail=%d", s.Sent, s.Succeeded, s.Failed)
}

var summaryPattern = regexp.MustCompile(`\b(?:done|final): sent=(\d+) succ=(\d+) fail=(\d+)`)

// ParseSummary extracts counters from a summary line. Both "done:" and
// "final:" tags are accepted anywhere in the line.
func ParseSummary(line string) (Summary, bool) {
	m := summaryPattern.FindStringSubmatch(line)
	if m == nil {
		return Summary{}, false
	}

	var vals [3]uint64
	for i := range vals {
		v, err := strconv.ParseUint(m[i+1], 10, 64)
		if err != nil {
			return Summary{}, false
		}
		vals[i] = v
	}
	return Summary{Sent: vals[0], Succeeded: vals[1], Failed: vals[2]}, true
}
