package store

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/recall/internal/audit"
	"github.com/xiy/recall/internal/embeddings"
	"github.com/xiy/recall/internal/index"
	"github.com/xiy/recall/pkg/types"
)

// ErrDimensionMismatch is re-exported so callers do not need to import the
// index package directly.
var ErrDimensionMismatch = index.ErrDimensionMismatch

// ErrStorageUnavailable wraps disk failures. Operations that hit it degrade
// to in-memory-only for that call; the caller's record is never lost.
var ErrStorageUnavailable = errors.New("storage unavailable")

// Options configure a Store.
type Options struct {
	Dir        string
	UserID     string
	Dim        int
	FlushEvery int
	Embedder   embeddings.Provider
	Audit      *audit.Log
}

// Store is the durable, searchable tier for long-lived memories: a flat
// vector index paired with an id→record map. The store owns the row↔id
// mapping; row positions are invalidated by any delete or vector update,
// which forces a synchronous full rebuild before the mutation returns.
//
// The store is designed for single-writer, single-reader use. The internal
// mutex serializes calls so a search arriving during a rebuild blocks until
// the rebuild (including its persistence) completes.
type Store struct {
	mu     sync.Mutex
	logger *log.Logger
	embed  embeddings.Provider
	sink   *audit.Log

	dir        string
	userID     string
	dim        int
	flushEvery int

	idx     *index.Flat
	records map[int64]types.StoredRecord
	rows    []int64 // row position -> record id
	nextID  int64

	addsSinceFlush int
}

// Open creates a store and loads any previously persisted state. Missing or
// corrupt artifacts fall back to an empty store with a warning; Open only
// fails on invalid options.
func Open(opts Options, logger *log.Logger) (*Store, error) {
	if opts.UserID == "" {
		return nil, errors.New("user id is required")
	}
	if opts.Dim <= 0 {
		return nil, errors.New("vector dimension must be > 0")
	}
	if opts.Embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = 10
	}

	s := &Store{
		logger:     logger,
		embed:      opts.Embedder,
		sink:       opts.Audit,
		dir:        opts.Dir,
		userID:     opts.UserID,
		dim:        opts.Dim,
		flushEvery: opts.FlushEvery,
		idx:        index.New(opts.Dim),
		records:    make(map[int64]types.StoredRecord),
	}
	s.load(context.Background())
	return s, nil
}

// Add appends a vector with its record and returns the minted id. The only
// error it surfaces is ErrDimensionMismatch; persistence failures are logged
// and the record stays live in memory.
func (s *Store) Add(ctx context.Context, vec []float32, rec types.StoredRecord) (int64, error) {
	started := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(vec) != s.dim {
		err := fmt.Errorf("%w: got %d want %d", ErrDimensionMismatch, len(vec), s.dim)
		s.sink.Record(ctx, audit.Event{Op: "store.add", Success: false, ErrorText: err.Error(), DurationMS: time.Since(started).Milliseconds()})
		return 0, err
	}

	if _, err := s.idx.Add(vec); err != nil {
		return 0, err
	}

	id := s.nextID
	s.nextID++

	rec.ID = id
	rec.Importance = types.ClampImportance(rec.Importance)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.records[id] = rec
	s.rows = append(s.rows, id)

	s.addsSinceFlush++
	if s.addsSinceFlush >= s.flushEvery {
		if err := s.persistLocked(); err != nil {
			s.logger.Warn("periodic flush failed; continuing in memory", "error", err)
		}
	}

	s.sink.Record(ctx, audit.Event{
		Op:         "store.add",
		MemoryID:   fmt.Sprintf("%d", id),
		Success:    true,
		DurationMS: time.Since(started).Milliseconds(),
	})
	return id, nil
}

// Search returns up to topK records ordered by descending similarity to the
// query vector, skipping records below minImportance. The read path fails
// closed: any internal error yields an empty result, never an error.
func (s *Store) Search(ctx context.Context, query []float32, topK int, minImportance float64) []types.SearchResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if topK <= 0 || s.idx.Count() == 0 {
		return nil
	}

	// Over-fetch so importance filtering does not under-return.
	hits, err := s.idx.Search(query, topK*2)
	if err != nil {
		s.logger.Warn("vector search failed", "error", err)
		return nil
	}

	results := make([]types.SearchResult, 0, topK)
	for _, hit := range hits {
		if hit.Row < 0 || hit.Row >= len(s.rows) {
			s.logger.Warn("search hit references stale row", "row", hit.Row)
			continue
		}
		rec, ok := s.records[s.rows[hit.Row]]
		if !ok {
			continue
		}
		if rec.Importance < minImportance {
			continue
		}
		results = append(results, types.SearchResult{
			Content:    rec.Content,
			Similarity: 1.0 / (1.0 + hit.Distance),
			Metadata:   rec.Metadata,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results
}

// Update applies an in-place change for metadata and importance. A content
// or vector change invalidates every row position, so it triggers a full
// synchronous rebuild; on rebuild failure the store is left untouched.
func (s *Store) Update(ctx context.Context, id int64, in types.UpdateInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("memory %d not found", id)
	}
	if in.Vector != nil && len(in.Vector) != s.dim {
		return fmt.Errorf("%w: got %d want %d", ErrDimensionMismatch, len(in.Vector), s.dim)
	}

	if in.Metadata != nil {
		rec.Metadata = in.Metadata
	}
	if in.Importance != nil {
		rec.Importance = types.ClampImportance(*in.Importance)
	}

	structural := in.Content != nil || in.Vector != nil
	if in.Content != nil {
		rec.Content = *in.Content
	}

	if !structural {
		s.records[id] = rec
		s.sink.Record(ctx, audit.Event{Op: "store.update", MemoryID: fmt.Sprintf("%d", id), Success: true})
		return nil
	}

	next := s.cloneRecords()
	next[id] = rec
	if err := s.rebuildLocked(ctx, next); err != nil {
		s.sink.Record(ctx, audit.Event{Op: "store.update", MemoryID: fmt.Sprintf("%d", id), Success: false, ErrorText: err.Error()})
		return err
	}
	s.sink.Record(ctx, audit.Event{Op: "store.update", MemoryID: fmt.Sprintf("%d", id), Success: true})
	return nil
}

// Delete removes a record. Flat indexes have no delete primitive, so the
// whole index is rebuilt from the surviving records before Delete returns.
func (s *Store) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("memory %d not found", id)
	}

	next := s.cloneRecords()
	delete(next, id)
	if err := s.rebuildLocked(ctx, next); err != nil {
		s.sink.Record(ctx, audit.Event{Op: "store.delete", MemoryID: fmt.Sprintf("%d", id), Success: false, ErrorText: err.Error()})
		return err
	}
	s.sink.Record(ctx, audit.Event{Op: "store.delete", MemoryID: fmt.Sprintf("%d", id), Success: true})
	return nil
}

// Rebuild re-encodes every record's content and reconstructs the index from
// scratch. O(n) embedding calls; only delete and update trigger it on the
// normal path.
func (s *Store) Rebuild(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebuildLocked(ctx, s.cloneRecords())
}

// rebuildLocked builds a fresh index for recs and commits records, index and
// row mapping together only when every embedding succeeded. Persists
// immediately so a subsequent load reflects the mutation.
func (s *Store) rebuildLocked(ctx context.Context, recs map[int64]types.StoredRecord) error {
	ids := make([]int64, 0, len(recs))
	for id := range recs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	fresh := index.New(s.dim)
	rows := make([]int64, 0, len(ids))
	for _, id := range ids {
		vec, err := s.embed.Embed(ctx, recs[id].Content)
		if err != nil {
			return fmt.Errorf("re-encode memory %d: %w", id, err)
		}
		if _, err := fresh.Add(vec); err != nil {
			return fmt.Errorf("re-insert memory %d: %w", id, err)
		}
		rows = append(rows, id)
	}

	s.idx = fresh
	s.records = recs
	s.rows = rows

	if err := s.persistLocked(); err != nil {
		s.logger.Warn("persist after rebuild failed; continuing in memory", "error", err)
	}
	return nil
}

func (s *Store) cloneRecords() map[int64]types.StoredRecord {
	out := make(map[int64]types.StoredRecord, len(s.records))
	for id, rec := range s.records {
		out[id] = rec
	}
	return out
}

// Count returns the number of live vectors. It always equals the number of
// stored records.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.Count()
}

// Flush persists all artifacts. Used by the periodic flush worker.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

// Persist writes the binary index, the metadata blob and the JSON backup.
func (s *Store) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

type metadataBlob struct {
	Records map[int64]types.StoredRecord
	Rows    []int64
	NextID  int64
}

type backupDoc struct {
	UserID    string               `json:"user_id"`
	VectorDim int                  `json:"vector_dim"`
	Count     int                  `json:"count"`
	Memories  []types.StoredRecord `json:"memories"`
}

func (s *Store) persistLocked() error {
	if err := s.idx.Save(s.path("index.bin")); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	metaFile, err := os.Create(s.path("metadata.bin"))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	err = gob.NewEncoder(metaFile).Encode(metadataBlob{
		Records: s.records,
		Rows:    s.rows,
		NextID:  s.nextID,
	})
	if cerr := metaFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("%w: encode metadata: %v", ErrStorageUnavailable, err)
	}

	if err := s.writeBackupLocked(); err != nil {
		// The backup is disaster-recovery only; a failure there does not
		// invalidate the primary artifacts.
		s.logger.Warn("json backup write failed", "error", err)
	}

	s.addsSinceFlush = 0
	return nil
}

func (s *Store) writeBackupLocked() error {
	memories := make([]types.StoredRecord, 0, len(s.records))
	for _, id := range s.rows {
		if rec, ok := s.records[id]; ok {
			memories = append(memories, rec)
		}
	}
	doc := backupDoc{
		UserID:    s.userID,
		VectorDim: s.dim,
		Count:     len(memories),
		Memories:  memories,
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path("backup.json"), b, 0o644)
}

// load restores persisted state. It never fails: corrupt or missing
// artifacts degrade to an empty store, and a readable metadata blob with an
// unreadable index is repaired by re-encoding contents through the embedder.
func (s *Store) load(ctx context.Context) {
	metaFile, err := os.Open(s.path("metadata.bin"))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("metadata blob unreadable; starting empty", "error", err)
		}
		return
	}
	var blob metadataBlob
	err = gob.NewDecoder(metaFile).Decode(&blob)
	metaFile.Close()
	if err != nil {
		s.logger.Warn("metadata blob corrupt; starting empty", "error", err)
		return
	}

	idx, err := index.Load(s.path("index.bin"), s.dim)
	if err != nil || idx.Count() != len(blob.Records) {
		if err != nil {
			s.logger.Warn("index blob missing or corrupt; re-encoding from metadata", "error", err)
		} else {
			s.logger.Warn("index/metadata count mismatch; re-encoding from metadata",
				"index", idx.Count(), "records", len(blob.Records))
		}
		s.records = blob.Records
		s.nextID = blob.NextID
		if rerr := s.rebuildLocked(ctx, blob.Records); rerr != nil {
			s.logger.Warn("recovery rebuild failed; starting empty", "error", rerr)
			s.idx = index.New(s.dim)
			s.records = make(map[int64]types.StoredRecord)
			s.rows = nil
			s.nextID = 0
		}
		return
	}

	s.idx = idx
	s.records = blob.Records
	s.rows = blob.Rows
	s.nextID = blob.NextID
}

func (s *Store) path(suffix string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s", s.userID, suffix))
}
