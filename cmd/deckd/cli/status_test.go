package cli

import (
	"strings"
	"testing"

	"agentdeck/internal/db"
)

func TestRenderShortStatusSummary(t *testing.T) {
	t.Parallel()

	got := renderShortStatusSummary(true, 2, 5)
	if got != "running | 2 jobs pending, 5 sessions active" {
		t.Fatalf("summary = %q", got)
	}
	got = renderShortStatusSummary(false, 0, 0)
	if !strings.HasPrefix(got, "stopped") {
		t.Fatalf("summary = %q", got)
	}
}

func TestRenderCountLine(t *testing.T) {
	t.Parallel()

	counts := map[string]int{
		db.JobPending:   3,
		db.JobCompleted: 1,
	}
	line := renderCountLine("Jobs", counts, []string{db.JobPending, db.JobProcessing, db.JobCompleted})
	if !strings.Contains(line, "3 pending") || !strings.Contains(line, "1 completed") {
		t.Fatalf("line = %q", line)
	}
	if strings.Contains(line, "processing") {
		t.Fatalf("zero counts must be omitted: %q", line)
	}

	empty := renderCountLine("Jobs", nil, []string{db.JobPending})
	if !strings.Contains(empty, "none") {
		t.Fatalf("empty line = %q", empty)
	}
}
