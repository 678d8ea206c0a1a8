package sandbox

import (
	"fmt"
	"strings"
	"time"
)

// transcript accumulates the log of one validation run. Every stage that is
// reached writes a header, so a reader can see how far the run got.
type transcript struct {
	b   strings.Builder
	now func() time.Time
}

func newTranscript() *transcript {
	return &transcript{now: time.Now}
}

func (t *transcript) stage(s Stage) {
	if t.b.Len() > 0 {
		t.b.WriteString("\n")
	}
	fmt.Fprintf(&t.b, "== %s == %s\n", s, t.now().UTC().Format(time.RFC3339))
}

func (t *transcript) printf(format string, args ...any) {
	fmt.Fprintf(&t.b, format, args...)
	if !strings.HasSuffix(format, "\n") {
		t.b.WriteString("\n")
	}
}

// output copies command output verbatim, indented so it stands apart from
// the run's own messages
func (t *transcript) output(out string) {
	out = strings.TrimRight(out, "\n")
	if out == "" {
		return
	}
	for _, line := range strings.Split(out, "\n") {
		t.b.WriteString("  | ")
		t.b.WriteString(line)
		t.b.WriteString("\n")
	}
}

func (t *transcript) fail(err *SandboxError) {
	if err.Output != "" {
		t.output(err.Output)
	}
	t.printf("FAILED: %v", err)
}

func (t *transcript) String() string {
	return t.b.String()
}
