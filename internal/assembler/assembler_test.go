package assembler

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/xiy/recall/internal/config"
)

type fakeMemories struct {
	profile  string
	relevant []string
	recent   string

	profileCalls  int
	relevantCalls int
	recentCalls   int
}

func (f *fakeMemories) GetUserProfile() string {
	f.profileCalls++
	return f.profile
}

func (f *fakeMemories) GetRelevantMemories(_ string, _ int, _ float64) []string {
	f.relevantCalls++
	return f.relevant
}

func (f *fakeMemories) GetRecentContext(_ int) string {
	f.recentCalls++
	return f.recent
}

func newTestAssembler(t *testing.T, mem Memories, budget int) *Assembler {
	t.Helper()
	cfg := config.Default()
	cfg.ContextBudget = budget
	logger := log.NewWithOptions(io.Discard, log.Options{})
	return New(cfg, mem, logger)
}

func TestBuildContext_PriorityOrder(t *testing.T) {
	t.Parallel()
	mem := &fakeMemories{
		profile:  "- likes strategy games",
		relevant: []string{"uses linux"},
		recent:   "[user] hello",
	}
	a := newTestAssembler(t, mem, 8000)
	a.SetSystemPrompt("you are a helpful assistant")
	a.SetStatusProvider(func(context.Context, string) string { return "all systems nominal" })

	out := a.BuildContext(context.Background(), "tell me something", true)

	order := []string{"System Prompt", "User Profile", "Relevant Memories", "Recent Context", "Runtime Status"}
	last := -1
	for _, name := range order {
		idx := strings.Index(out, "## "+name)
		if idx < 0 {
			t.Fatalf("missing section %q in output:\n%s", name, out)
		}
		if idx < last {
			t.Fatalf("section %q out of priority order", name)
		}
		last = idx
	}
	if !strings.HasPrefix(out, "===== CONTEXT BEGIN =====") {
		t.Fatalf("missing header banner: %q", out[:40])
	}
	if !strings.Contains(out, "===== CONTEXT END (") {
		t.Fatal("missing footer banner with length report")
	}
}

func TestBuildContext_EachProducerQueriedOnce(t *testing.T) {
	t.Parallel()
	mem := &fakeMemories{profile: "p", relevant: []string{"r"}, recent: "c"}
	a := newTestAssembler(t, mem, 8000)

	a.BuildContext(context.Background(), "query", false)

	if mem.profileCalls != 1 || mem.relevantCalls != 1 || mem.recentCalls != 1 {
		t.Fatalf("expected one call per producer, got profile=%d relevant=%d recent=%d",
			mem.profileCalls, mem.relevantCalls, mem.recentCalls)
	}
}

func TestBuildContext_BudgetTruncationStopsAssembly(t *testing.T) {
	t.Parallel()
	mem := &fakeMemories{
		profile:  strings.Repeat("long profile text ", 20),
		relevant: []string{"should never appear"},
		recent:   "should never appear either",
	}
	budget := 50
	a := newTestAssembler(t, mem, budget)

	out := a.BuildContext(context.Background(), "anything unrelated", false)

	start := strings.Index(out, "\n") + 1
	end := strings.LastIndex(out, "\n===== CONTEXT END")
	body := out[start:end]

	if got := len([]rune(body)); got > budget+len(TruncationMarker) {
		t.Fatalf("body exceeds budget+marker: %d > %d", got, budget+len(TruncationMarker))
	}
	if !strings.Contains(body, TruncationMarker) {
		t.Fatalf("expected truncation marker in body: %q", body)
	}
	if strings.Contains(out, "should never appear") {
		t.Fatal("sections after the truncated one must not be appended")
	}
}

func TestBuildContext_DomainSniffingSuppressesFallback(t *testing.T) {
	t.Parallel()
	mem := &fakeMemories{}
	a := newTestAssembler(t, mem, 8000)
	a.RegisterDomain("logs", func(context.Context, string) string { return "last 3 warnings" })
	a.RegisterDomain("assets", func(context.Context, string) string { return "12 textures loaded" })
	a.SetOverviewProvider(func(context.Context, string) string { return "overview text" })

	out := a.BuildContext(context.Background(), "show me the log warnings", false)
	if !strings.Contains(out, "## Domain: logs") {
		t.Fatalf("expected logs domain block, got:\n%s", out)
	}
	if strings.Contains(out, "## Domain: assets") {
		t.Fatal("unmatched domain topic must not appear")
	}
	if strings.Contains(out, "## System Overview") {
		t.Fatal("fallback must be suppressed when a domain topic matched")
	}
}

func TestBuildContext_FallbackWithProblemIndicators(t *testing.T) {
	t.Parallel()
	mem := &fakeMemories{}
	a := newTestAssembler(t, mem, 8000)
	a.SetOverviewProvider(func(context.Context, string) string { return "overview text" })
	a.SetErrorLogProvider(func(context.Context, string) string { return "recent errors: none" })

	out := a.BuildContext(context.Background(), "why did it fail yesterday", false)
	if !strings.Contains(out, "## System Overview") {
		t.Fatalf("expected fallback overview, got:\n%s", out)
	}
	if !strings.Contains(out, "## Error Log") {
		t.Fatalf("expected error-log block for problem query, got:\n%s", out)
	}

	calm := a.BuildContext(context.Background(), "just chatting about nothing special", false)
	if strings.Contains(calm, "## Error Log") {
		t.Fatal("error-log block must require a problem indicator")
	}
}

func TestBuildContext_StatelessBetweenCalls(t *testing.T) {
	t.Parallel()
	mem := &fakeMemories{profile: "p"}
	a := newTestAssembler(t, mem, 8000)

	first := a.BuildContext(context.Background(), "q", false)
	second := a.BuildContext(context.Background(), "q", false)
	if first != second {
		t.Fatal("identical inputs must produce identical output")
	}
	if mem.profileCalls != 2 {
		t.Fatalf("expected fresh producer query per call, got %d", mem.profileCalls)
	}
}
