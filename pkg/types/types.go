package types

import "time"

// Level is the durability tier a memory record belongs to.
type Level string

const (
	// LevelPersistent records survive restarts and are only removed explicitly.
	LevelPersistent Level = "persistent"
	// LevelSession records live for the process lifetime until ClearSession.
	LevelSession Level = "session"
	// LevelRolling records live in a fixed-capacity ring of recent dialogue.
	LevelRolling Level = "rolling"
)

// Weight returns the ranking weight for the level. Persistent facts are
// user-confirmed and durable, so they outrank session and rolling entries.
func (l Level) Weight() float64 {
	switch l {
	case LevelPersistent:
		return 3.0
	case LevelSession:
		return 2.0
	default:
		return 1.0
	}
}

// Valid reports whether l is one of the three known tiers.
func (l Level) Valid() bool {
	return l == LevelPersistent || l == LevelSession || l == LevelRolling
}

// MemoryRecord represents one memorized fact or utterance.
type MemoryRecord struct {
	ID         string            `json:"id"`
	Content    string            `json:"content"`
	Level      Level             `json:"level"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"timestamp"`
	Importance float64           `json:"importance"`
}

// ClampImportance bounds an importance score to [0.0, 1.0].
func ClampImportance(v float64) float64 {
	if v < 0.0 {
		return 0.0
	}
	if v > 1.0 {
		return 1.0
	}
	return v
}

// SearchResult is one vector-similarity hit from the store.
type SearchResult struct {
	Content    string            `json:"content"`
	Similarity float64           `json:"similarity"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// UpdateInput carries the optional fields of a store update. Nil fields are
// left untouched. Content or Vector changes force a full index rebuild.
type UpdateInput struct {
	Content    *string
	Vector     []float32
	Metadata   map[string]string
	Importance *float64
}

// StoredRecord is the persisted form of a vector-store entry, keyed by the
// store-assigned monotonic id.
type StoredRecord struct {
	ID         int64             `json:"id"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"timestamp"`
	Importance float64           `json:"importance"`
}

// TierStats summarizes tier sizes for dashboards.
type TierStats struct {
	Persistent int `json:"persistent"`
	Session    int `json:"session"`
	Rolling    int `json:"rolling"`
	Vectors    int `json:"vectors"`
}
