package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/xiy/recall/internal/audit"
	"github.com/xiy/recall/internal/config"
	"github.com/xiy/recall/internal/embeddings"
	"github.com/xiy/recall/internal/store"
	"github.com/xiy/recall/pkg/types"
)

// Relevance weights for hybrid ranking. Keyword overlap and level weight
// bracket importance so no single signal dominates.
const (
	keywordWeight    = 0.3
	importanceWeight = 0.4
	levelWeight      = 0.3
)

// Deps are the manager's collaborators. Store and Audit may be nil; the
// manager degrades to keyword-only retrieval and skips event recording.
type Deps struct {
	Store    *store.Store
	Embedder embeddings.Provider
	Audit    *audit.Log
}

// AddInput describes one explicit memory write. A nil Importance requests
// auto-evaluation.
type AddInput struct {
	Content    string
	Level      types.Level
	Metadata   map[string]string
	Importance *float64
}

// Manager owns the three memory tiers and their lifecycles: persistent
// (durable, explicit removal only), session (process lifetime) and rolling
// (fixed-capacity ring of recent dialogue).
//
// The manager is built for a single-threaded event loop; callers from
// multiple goroutines must serialize externally.
type Manager struct {
	cfg    config.Config
	logger *log.Logger
	store  *store.Store
	embed  embeddings.Provider
	sink   *audit.Log

	persistent []types.MemoryRecord
	session    []types.MemoryRecord
	rolling    []types.MemoryRecord
}

// New constructs a manager and restores the persistent tier from disk.
// A malformed or missing persistent file falls back to an empty tier.
func New(cfg config.Config, deps Deps, logger *log.Logger) *Manager {
	m := &Manager{
		cfg:    cfg,
		logger: logger,
		store:  deps.Store,
		embed:  deps.Embedder,
		sink:   deps.Audit,
	}
	m.loadPersistent()
	return m
}

// AddMemory scores and appends a record to the tier for in.Level.
// Persistent writes are flushed to disk synchronously and, when a vector
// store is configured, embedded and added there too. The only error that
// propagates from the vector path is a dimension mismatch; embedding and
// storage failures are logged and the in-memory record is kept.
func (m *Manager) AddMemory(ctx context.Context, in AddInput) (types.MemoryRecord, error) {
	started := time.Now()
	if strings.TrimSpace(in.Content) == "" {
		return types.MemoryRecord{}, errors.New("content must not be empty")
	}
	if !in.Level.Valid() {
		return types.MemoryRecord{}, fmt.Errorf("invalid level %q", in.Level)
	}

	importance := 0.5
	if in.Importance != nil {
		importance = *in.Importance
	} else {
		importance = m.evaluateImportance(in.Content, in.Metadata)
	}

	rec := types.MemoryRecord{
		ID:         uuid.NewString(),
		Content:    in.Content,
		Level:      in.Level,
		Metadata:   in.Metadata,
		CreatedAt:  time.Now().UTC(),
		Importance: types.ClampImportance(importance),
	}

	switch in.Level {
	case types.LevelPersistent:
		m.persistent = append(m.persistent, rec)
		if err := m.savePersistent(); err != nil {
			m.logger.Warn("persistent tier save failed; record kept in memory", "error", err)
		}
		if err := m.addToVectorStore(ctx, rec); err != nil {
			m.sink.Record(ctx, audit.Event{Op: "manager.add", MemoryID: rec.ID, Level: string(rec.Level), Success: false, ErrorText: err.Error(), DurationMS: time.Since(started).Milliseconds()})
			return types.MemoryRecord{}, err
		}
	case types.LevelSession:
		m.session = append(m.session, rec)
	case types.LevelRolling:
		m.pushRolling(rec)
	}

	m.sink.Record(ctx, audit.Event{Op: "manager.add", MemoryID: rec.ID, Level: string(rec.Level), Success: true, DurationMS: time.Since(started).Milliseconds()})
	return rec, nil
}

// addToVectorStore embeds rec and adds it to the configured vector store.
// Only dimension mismatches propagate; an unavailable embedder or store
// degrades to keyword-only retrieval for this record.
func (m *Manager) addToVectorStore(ctx context.Context, rec types.MemoryRecord) error {
	if m.store == nil || m.embed == nil {
		return nil
	}
	vec, err := m.embed.Embed(ctx, rec.Content)
	if err != nil {
		m.logger.Warn("embedding unavailable; memory stays keyword-only", "error", err)
		return nil
	}
	_, err = m.store.Add(ctx, vec, types.StoredRecord{
		Content:    rec.Content,
		Metadata:   rec.Metadata,
		CreatedAt:  rec.CreatedAt,
		Importance: rec.Importance,
	})
	if err != nil {
		if errors.Is(err, store.ErrDimensionMismatch) {
			return err
		}
		m.logger.Warn("vector store add failed; record kept in tier only", "error", err)
	}
	return nil
}

// AddDialogue splits one conversational turn into two records. The user
// line lands in the rolling tier unless autoClassify recognizes an
// important query, which promotes it to the persistent tier. The assistant
// line always lands in the rolling tier, truncated to the configured limit.
func (m *Manager) AddDialogue(ctx context.Context, userText, assistantText string, autoClassify bool) error {
	userLevel := types.LevelRolling
	var userMeta map[string]string
	if autoClassify && containsAny(userText, m.cfg.QueryIndicators) {
		userLevel = types.LevelPersistent
		userMeta = map[string]string{"tags": "important_query"}
	}
	if _, err := m.AddMemory(ctx, AddInput{
		Content:  userText,
		Level:    userLevel,
		Metadata: mergeRole(userMeta, "user"),
	}); err != nil {
		return err
	}

	_, err := m.AddMemory(ctx, AddInput{
		Content:  truncateRunes(assistantText, m.cfg.ReplyMaxChars),
		Level:    types.LevelRolling,
		Metadata: map[string]string{"role": "assistant"},
	})
	return err
}

// GetRelevantMemories ranks the union of all three tiers with a hybrid
// keyword/importance/level score and returns up to limit content strings,
// best first. Scores are internal; ties keep insertion order. The read path
// never fails: bad input yields an empty slice.
func (m *Manager) GetRelevantMemories(query string, limit int, minImportance float64) []string {
	if limit <= 0 {
		return nil
	}
	terms := tokenizeTerms(query)

	type scored struct {
		content   string
		relevance float64
	}
	candidates := make([]scored, 0, len(m.persistent)+len(m.session)+len(m.rolling))
	for _, tier := range [][]types.MemoryRecord{m.persistent, m.session, m.rolling} {
		for _, rec := range tier {
			if rec.Importance < minImportance {
				continue
			}
			overlap := keywordOverlap(terms, rec.Content)
			relevance := keywordWeight*float64(overlap) +
				importanceWeight*rec.Importance +
				levelWeight*rec.Level.Weight()
			candidates = append(candidates, scored{content: rec.Content, relevance: relevance})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].relevance > candidates[j].relevance
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.content)
	}
	return out
}

// GetUserProfile renders high-importance persistent facts (importance above
// 0.7) as a bulleted list, newest five in chronological order. Empty string
// when nothing qualifies.
func (m *Manager) GetUserProfile() string {
	qualified := make([]types.MemoryRecord, 0, len(m.persistent))
	for _, rec := range m.persistent {
		if rec.Importance > 0.7 {
			qualified = append(qualified, rec)
		}
	}
	if len(qualified) == 0 {
		return ""
	}
	if len(qualified) > 5 {
		qualified = qualified[len(qualified)-5:]
	}

	lines := make([]string, 0, len(qualified))
	for _, rec := range qualified {
		lines = append(lines, "- "+rec.Content)
	}
	return strings.Join(lines, "\n")
}

// GetRecentContext formats the last limit rolling entries in chronological
// order, tagged with the speaker role when known.
func (m *Manager) GetRecentContext(limit int) string {
	if limit <= 0 || len(m.rolling) == 0 {
		return ""
	}
	recent := m.rolling
	if len(recent) > limit {
		recent = recent[len(recent)-limit:]
	}

	lines := make([]string, 0, len(recent))
	for _, rec := range recent {
		role := rec.Metadata["role"]
		if role == "" {
			role = "note"
		}
		lines = append(lines, fmt.Sprintf("[%s] %s", role, rec.Content))
	}
	return strings.Join(lines, "\n")
}

// ClearSession empties the session and rolling tiers. The persistent tier
// is untouched.
func (m *Manager) ClearSession() {
	m.session = nil
	m.rolling = nil
	m.sink.Record(context.Background(), audit.Event{Op: "manager.clear_session", Success: true})
}

// Stats reports tier sizes for the admin dashboard.
func (m *Manager) Stats() types.TierStats {
	st := types.TierStats{
		Persistent: len(m.persistent),
		Session:    len(m.session),
		Rolling:    len(m.rolling),
	}
	if m.store != nil {
		st.Vectors = m.store.Count()
	}
	return st
}

// RecentPersistent returns up to limit persistent records, newest first.
func (m *Manager) RecentPersistent(limit int) []types.MemoryRecord {
	if limit <= 0 {
		limit = 20
	}
	n := len(m.persistent)
	if limit > n {
		limit = n
	}
	out := make([]types.MemoryRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.persistent[i])
	}
	return out
}

// evaluateImportance scores content on a fixed heuristic: 0.5 base, +0.1
// per configured domain keyword found, +0.1 for mid-length content, +0.2
// when the caller tagged it important, clamped to [0, 1].
func (m *Manager) evaluateImportance(content string, metadata map[string]string) float64 {
	score := 0.5
	lower := strings.ToLower(content)
	for _, kw := range m.cfg.ImportanceKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			score += 0.1
		}
	}
	if n := utf8.RuneCountInString(content); n > 20 && n < 200 {
		score += 0.1
	}
	if strings.Contains(metadata["tags"], "important") {
		score += 0.2
	}
	return types.ClampImportance(score)
}

// pushRolling appends to the rolling ring, silently evicting the oldest
// entry past capacity.
func (m *Manager) pushRolling(rec types.MemoryRecord) {
	m.rolling = append(m.rolling, rec)
	if limit := m.cfg.RollingSize; limit > 0 && len(m.rolling) > limit {
		m.rolling = m.rolling[len(m.rolling)-limit:]
	}
}

type persistentDoc struct {
	UserID    string             `json:"user_id"`
	UpdatedAt time.Time          `json:"updated_at"`
	Memories  []persistentMemory `json:"memories"`
}

type persistentMemory struct {
	Content    string            `json:"content"`
	Importance float64           `json:"importance"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"timestamp"`
}

func (m *Manager) persistentPath() string {
	return filepath.Join(m.cfg.DataDir, fmt.Sprintf("%s_persistent.json", m.cfg.UserID))
}

// savePersistent serializes the whole persistent tier. Runs on every
// persistent mutation.
func (m *Manager) savePersistent() error {
	doc := persistentDoc{
		UserID:    m.cfg.UserID,
		UpdatedAt: time.Now().UTC(),
		Memories:  make([]persistentMemory, 0, len(m.persistent)),
	}
	for _, rec := range m.persistent {
		doc.Memories = append(doc.Memories, persistentMemory{
			Content:    rec.Content,
			Importance: rec.Importance,
			Metadata:   rec.Metadata,
			CreatedAt:  rec.CreatedAt,
		})
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal persistent tier: %w", err)
	}
	if err := os.WriteFile(m.persistentPath(), b, 0o644); err != nil {
		return fmt.Errorf("write persistent tier: %w", err)
	}
	return nil
}

func (m *Manager) loadPersistent() {
	b, err := os.ReadFile(m.persistentPath())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("persistent tier unreadable; starting empty", "error", err)
		}
		return
	}
	var doc persistentDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		m.logger.Warn("persistent tier malformed; starting empty", "error", err)
		return
	}
	for _, pm := range doc.Memories {
		m.persistent = append(m.persistent, types.MemoryRecord{
			ID:         uuid.NewString(),
			Content:    pm.Content,
			Level:      types.LevelPersistent,
			Metadata:   pm.Metadata,
			CreatedAt:  pm.CreatedAt,
			Importance: types.ClampImportance(pm.Importance),
		})
	}
}

// tokenizeTerms splits a query into lowercase letter/digit runs, dropping
// duplicates. CJK text without spaces stays as one run, which substring
// matching in keywordOverlap handles without segmentation.
func tokenizeTerms(query string) []string {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	seen := map[string]struct{}{}
	terms := make([]string, 0, 6)
	var sb strings.Builder

	flush := func() {
		if sb.Len() == 0 {
			return
		}
		term := sb.String()
		sb.Reset()
		if _, ok := seen[term]; ok {
			return
		}
		seen[term] = struct{}{}
		terms = append(terms, term)
	}

	for _, r := range query {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(unicode.ToLower(r))
			continue
		}
		flush()
	}
	flush()
	return terms
}

func keywordOverlap(terms []string, content string) int {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	n := 0
	for _, term := range terms {
		if strings.Contains(lower, term) {
			n++
		}
	}
	return n
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

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if limit <= 0 || len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}

func mergeRole(meta map[string]string, role string) map[string]string {
	if meta == nil {
		return map[string]string{"role": role}
	}
	meta["role"] = role
	return meta
}
