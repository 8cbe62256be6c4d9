package assembler

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/xiy/recall/internal/config"
)

// TruncationMarker is appended when a section is cut to fit the budget.
const TruncationMarker = "...(truncated)"

// Memories is the slice of the memory manager the assembler reads from.
type Memories interface {
	GetUserProfile() string
	GetRelevantMemories(query string, limit int, minImportance float64) []string
	GetRecentContext(limit int) string
}

// SectionProvider produces one context block for a query. Providers are the
// plug-in point for domain collaborators (log readers, asset scanners,
// config inspectors) that live outside this subsystem.
type SectionProvider func(ctx context.Context, query string) string

// Assembler fuses memory snapshots and domain context blocks into a single
// budget-bounded prompt string. It holds no memory state of its own: every
// BuildContext call re-queries each producer exactly once.
type Assembler struct {
	cfg    config.Config
	logger *log.Logger
	mem    Memories

	systemPrompt string
	status       SectionProvider
	overview     SectionProvider
	errorLog     SectionProvider
	domain       map[string]SectionProvider
}

// New creates an assembler over mem.
func New(cfg config.Config, mem Memories, logger *log.Logger) *Assembler {
	return &Assembler{
		cfg:    cfg,
		logger: logger,
		mem:    mem,
		domain: make(map[string]SectionProvider),
	}
}

// SetSystemPrompt sets the static system prompt section.
func (a *Assembler) SetSystemPrompt(prompt string) { a.systemPrompt = prompt }

// SetStatusProvider sets the runtime-status summary producer.
func (a *Assembler) SetStatusProvider(p SectionProvider) { a.status = p }

// SetOverviewProvider sets the fallback system-overview producer, used only
// when no domain topic matches the query.
func (a *Assembler) SetOverviewProvider(p SectionProvider) { a.overview = p }

// SetErrorLogProvider sets the producer for the automatic error-log block
// added to the fallback when the query carries problem indicators.
func (a *Assembler) SetErrorLogProvider(p SectionProvider) { a.errorLog = p }

// RegisterDomain attaches a provider for one configured domain topic. The
// topic must exist in the config's domain_topics map to ever be selected.
func (a *Assembler) RegisterDomain(topic string, p SectionProvider) {
	a.domain[topic] = p
}

type section struct {
	name string
	body string
}

// BuildContext assembles the bounded context string for query. Sections are
// appended in fixed priority order; the first section that would overflow
// the character budget is truncated to exactly fill it and assembly stops
// there. Greedy by priority, not by per-section value.
func (a *Assembler) BuildContext(ctx context.Context, query string, includeSystemPrompt bool) string {
	sections := make([]section, 0, 8)

	if includeSystemPrompt && a.systemPrompt != "" {
		sections = append(sections, section{name: "System Prompt", body: a.systemPrompt})
	}
	if profile := a.mem.GetUserProfile(); profile != "" {
		sections = append(sections, section{name: "User Profile", body: profile})
	}
	if relevant := a.mem.GetRelevantMemories(query, 3, 0.4); len(relevant) > 0 {
		lines := make([]string, 0, len(relevant))
		for _, r := range relevant {
			lines = append(lines, "- "+r)
		}
		sections = append(sections, section{name: "Relevant Memories", body: strings.Join(lines, "\n")})
	}
	if recent := a.mem.GetRecentContext(3); recent != "" {
		sections = append(sections, section{name: "Recent Context", body: recent})
	}
	if a.status != nil {
		if status := a.status(ctx, query); status != "" {
			sections = append(sections, section{name: "Runtime Status", body: status})
		}
	}

	matched := a.matchTopics(query)
	for _, topic := range matched {
		body := a.domain[topic](ctx, query)
		if body != "" {
			sections = append(sections, section{name: "Domain: " + topic, body: body})
		}
	}
	if len(matched) == 0 {
		sections = append(sections, a.fallbackSections(ctx, query)...)
	}

	body := a.renderWithinBudget(sections)
	header := "===== CONTEXT BEGIN ====="
	footer := fmt.Sprintf("===== CONTEXT END (%d chars) =====", len([]rune(body)))
	return header + "\n" + body + "\n" + footer
}

// matchTopics returns the registered domain topics whose configured keyword
// lists hit the query, in deterministic name order.
func (a *Assembler) matchTopics(query string) []string {
	lower := strings.ToLower(query)
	matched := make([]string, 0, len(a.domain))
	for topic := range a.domain {
		for _, kw := range a.cfg.DomainTopics[topic] {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				matched = append(matched, topic)
				break
			}
		}
	}
	sort.Strings(matched)
	return matched
}

func (a *Assembler) fallbackSections(ctx context.Context, query string) []section {
	out := make([]section, 0, 2)
	if a.overview != nil {
		if body := a.overview(ctx, query); body != "" {
			out = append(out, section{name: "System Overview", body: body})
		}
	}
	if a.errorLog != nil && containsAny(query, a.cfg.ProblemIndicators) {
		if body := a.errorLog(ctx, query); body != "" {
			out = append(out, section{name: "Error Log", body: body})
		}
	}
	return out
}

// renderWithinBudget walks sections in priority order. Each block is
// appended whole while it fits; the first overflowing block is cut to
// exactly fill the remaining budget, the marker is appended, and no
// further sections are considered.
func (a *Assembler) renderWithinBudget(sections []section) string {
	budget := a.cfg.ContextBudget
	var sb strings.Builder
	used := 0

	for i, sec := range sections {
		block := "## " + sec.name + "\n" + sec.body
		if i > 0 {
			block = "\n\n" + block
		}
		runes := []rune(block)

		remaining := budget - used
		if remaining <= 0 {
			break
		}
		if len(runes) <= remaining {
			sb.WriteString(block)
			used += len(runes)
			continue
		}

		sb.WriteString(string(runes[:remaining]))
		sb.WriteString(TruncationMarker)
		a.logger.Debug("context section truncated", "section", sec.name, "budget", budget)
		break
	}
	return sb.String()
}

func containsAny(s string, needles []string) bool {
	lower := strings.ToLower(s)
	for _, needle := range needles {
		if needle != "" && strings.Contains(lower, strings.ToLower(needle)) {
			return true
		}
	}
	return false
}
