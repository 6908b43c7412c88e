package knowledge

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/coworker/internal/observability"
	"github.com/harun/coworker/internal/tracing"
	"github.com/harun/coworker/pkg/embedding"
)

const tracerName = "coworker.knowledge"

var ErrSyncInProgress = errors.New("sync already in progress")

func init() {
	sqlite_vec.Auto()
}

// IndexConfig holds index configuration
type IndexConfig struct {
	// Paths are the directories scanned for markdown files.
	Paths    []string
	DBPath   string
	Embedder embedding.Embedder // optional; keyword search only when nil
	Logger   zerolog.Logger
	MinScore float64
}

// IndexStatus represents the current state of the index
type IndexStatus struct {
	Documents             int        `json:"documents"`
	Chunks                int        `json:"chunks"`
	IsDirty               bool       `json:"is_dirty"`
	IsSyncing             bool       `json:"is_syncing"`
	FullText              bool       `json:"full_text"`
	Vectors               bool       `json:"vectors"`
	EmbeddingCacheHitRate *float64   `json:"embedding_cache_hit_rate,omitempty"`
	LastSyncTime          *time.Time `json:"last_sync_time,omitempty"`
}

// SyncReport summarizes one sync pass.
type SyncReport struct {
	Indexed int
	Skipped int
	Pruned  int
	Chunks  int
	Failed  int
}

// Index is a sqlite-backed knowledge index over markdown files.
type Index struct {
	db       *sql.DB
	paths    []string
	embedder embedding.Embedder
	logger   zerolog.Logger
	minScore float64
	fts      bool

	writeMu      sync.Mutex
	mu           sync.RWMutex
	isDirty      bool
	isSyncing    bool
	lastSyncTime *time.Time
	cacheHits    int
	cacheMisses  int
}

// NewIndex opens (or creates) the index database.
func NewIndex(cfg IndexConfig) (*Index, error) {
	observability.EnsureRegistered()

	if len(cfg.Paths) == 0 {
		return nil, errors.New("at least one knowledge path is required")
	}
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	paths := make([]string, 0, len(cfg.Paths))
	for _, p := range cfg.Paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("resolve %s: %w", p, err)
		}
		paths = append(paths, abs)
	}

	idx := &Index{
		db:       db,
		paths:    paths,
		embedder: cfg.Embedder,
		logger:   cfg.Logger.With().Str("component", "knowledge").Logger(),
		minScore: cfg.MinScore,
		isDirty:  true,
	}
	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return idx, nil
}

func (x *Index) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS documents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL UNIQUE,
			source TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '{}',
			content_hash TEXT NOT NULL,
			indexed_at INTEGER NOT NULL,
			size_bytes INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			document_id INTEGER NOT NULL,
			ordinal INTEGER NOT NULL,
			content TEXT NOT NULL,
			FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);

		CREATE TABLE IF NOT EXISTS embedding_cache (
			content_hash TEXT PRIMARY KEY,
			embedding TEXT NOT NULL,
			dimension INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);
	`
	if _, err := x.db.Exec(schema); err != nil {
		return err
	}

	_, err := x.db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
		chunk_id UNINDEXED,
		content,
		tokenize='porter unicode61'
	)`)
	switch {
	case err == nil:
		x.fts = true
	case strings.Contains(err.Error(), "no such module"):
		x.logger.Warn().Msg("FTS5 not compiled in, using scan-based keyword search")
	default:
		return fmt.Errorf("failed to create full text table: %w", err)
	}

	if x.embedder != nil {
		vectorSchema := fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS chunk_vectors USING vec0(
				chunk_id TEXT PRIMARY KEY,
				embedding float[%d] distance_metric=cosine
			)`, x.embedder.Dimension())
		if _, err := x.db.Exec(vectorSchema); err != nil {
			return fmt.Errorf("failed to create vector table: %w", err)
		}
	}
	return nil
}

// Retrieve performs hybrid search and returns up to limit documents matching filter.
func (x *Index) Retrieve(ctx context.Context, query string, filter Filter, limit int) (docs []Document, err error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "knowledge.retrieve",
		attribute.Int("limit", limit),
	)
	defer func() { tracing.EndSpan(span, err) }()
	logger := tracing.LoggerFromContext(ctx, x.logger)
	start := time.Now()
	defer func() { observability.RecordRetrieval("index", time.Since(start)) }()

	if strings.TrimSpace(query) == "" || limit <= 0 {
		return []Document{}, nil
	}

	x.mu.RLock()
	dirty := x.isDirty
	x.mu.RUnlock()
	if dirty {
		if _, err := x.Sync(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
			logger.Warn().Err(err).Msg("Sync failed before retrieval")
		}
	}

	var (
		vectorHits  map[string]float64
		keywordHits map[string]float64
		vectorErr   error
		keywordErr  error
		wg          sync.WaitGroup
	)
	const candidates = 200

	wg.Add(2)
	go func() {
		defer wg.Done()
		if x.embedder != nil {
			vectorHits, vectorErr = x.vectorSearch(ctx, query, candidates)
		}
	}()
	go func() {
		defer wg.Done()
		keywordHits, keywordErr = x.keywordSearch(ctx, query, candidates)
	}()
	wg.Wait()

	if vectorErr != nil {
		logger.Warn().Err(vectorErr).Msg("Vector search failed, using keyword only")
	}
	if keywordErr != nil {
		logger.Warn().Err(keywordErr).Msg("Keyword search failed, using vector only")
	}
	if keywordErr != nil && (x.embedder == nil || vectorErr != nil) {
		return nil, fmt.Errorf("knowledge search failed: %w", errors.Join(vectorErr, keywordErr))
	}

	vectorWeight, keywordWeight := 0.7, 0.3
	if x.embedder == nil || vectorErr != nil {
		vectorWeight, keywordWeight = 0, 1
	}
	ranked := merge(vectorHits, keywordHits, vectorWeight, keywordWeight)

	docs = make([]Document, 0, limit)
	for _, r := range ranked {
		if len(docs) == limit {
			break
		}
		if x.minScore > 0 && r.score < x.minScore {
			break
		}
		doc, err := x.loadChunk(ctx, r.chunkID)
		if err != nil {
			logger.Warn().Err(err).Str("chunkID", r.chunkID).Msg("Failed to fetch chunk details")
			continue
		}
		if !filter.Matches(doc.Tags) {
			continue
		}
		doc.Score = r.score
		docs = append(docs, doc)
	}

	logger.Debug().Int("results", len(docs)).Msg("Retrieval completed")
	return docs, nil
}

type rankedChunk struct {
	chunkID string
	score   float64
}

// merge combines normalized vector and keyword scores.
func merge(vector, keyword map[string]float64, vectorWeight, keywordWeight float64) []rankedChunk {
	var maxKeyword float64
	for _, s := range keyword {
		maxKeyword = max(maxKeyword, s)
	}

	ids := make(map[string]struct{}, len(vector)+len(keyword))
	for id := range vector {
		ids[id] = struct{}{}
	}
	for id := range keyword {
		ids[id] = struct{}{}
	}

	ranked := make([]rankedChunk, 0, len(ids))
	for id := range ids {
		var v, k float64
		if s, ok := vector[id]; ok {
			v = (s + 1) / 2
		}
		if s, ok := keyword[id]; ok && maxKeyword > 0 {
			k = s / maxKeyword
		}
		ranked = append(ranked, rankedChunk{chunkID: id, score: v*vectorWeight + k*keywordWeight})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score == ranked[j].score {
			return ranked[i].chunkID < ranked[j].chunkID
		}
		return ranked[i].score > ranked[j].score
	})
	return ranked
}

// vectorSearch returns cosine similarity per chunk.
func (x *Index) vectorSearch(ctx context.Context, query string, limit int) (map[string]float64, error) {
	vecs, err := x.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("expected 1 query embedding, got %d", len(vecs))
	}
	queryJSON, err := json.Marshal(vecs[0])
	if err != nil {
		return nil, err
	}

	rows, err := x.db.QueryContext(ctx, `
		SELECT chunk_id, vec_distance_cosine(embedding, ?) AS distance
		FROM chunk_vectors
		ORDER BY distance ASC
		LIMIT ?`, string(queryJSON), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hits := make(map[string]float64)
	for rows.Next() {
		var id string
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, err
		}
		hits[id] = 1 - distance
	}
	return hits, rows.Err()
}

// keywordSearch returns a positive relevance per chunk.
func (x *Index) keywordSearch(ctx context.Context, query string, limit int) (map[string]float64, error) {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return map[string]float64{}, nil
	}
	if !x.fts {
		return x.scanSearch(ctx, terms, limit)
	}

	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + t + `"`
	}
	rows, err := x.db.QueryContext(ctx, `
		SELECT chunk_id, bm25(chunks_fts) AS score
		FROM chunks_fts
		WHERE chunks_fts MATCH ?
		ORDER BY score
		LIMIT ?`, strings.Join(quoted, " OR "), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hits := make(map[string]float64)
	for rows.Next() {
		var id string
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, err
		}
		// bm25 is negative; lower is better
		hits[id] = -score
	}
	return hits, rows.Err()
}

// scanSearch scores chunks by term occurrences when FTS5 is unavailable.
func (x *Index) scanSearch(ctx context.Context, terms []string, limit int) (map[string]float64, error) {
	rows, err := x.db.QueryContext(ctx, `SELECT id, content FROM chunks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type hit struct {
		id    string
		score float64
	}
	var hits []hit
	for rows.Next() {
		var id, content string
		if err := rows.Scan(&id, &content); err != nil {
			return nil, err
		}
		lower := strings.ToLower(content)
		var score float64
		for _, t := range terms {
			score += float64(strings.Count(lower, t))
		}
		if score > 0 {
			hits = append(hits, hit{id, score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	out := make(map[string]float64, min(len(hits), limit))
	for i := 0; i < len(hits) && i < limit; i++ {
		out[hits[i].id] = hits[i].score
	}
	return out, nil
}

// queryTerms lowercases query into alphanumeric terms of two or more runes.
func queryTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127)
	})
	seen := make(map[string]bool, len(fields))
	terms := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}

func (x *Index) loadChunk(ctx context.Context, chunkID string) (Document, error) {
	var doc Document
	var tags string
	err := x.db.QueryRowContext(ctx, `
		SELECT c.id, c.content, d.source, d.title, d.tags
		FROM chunks c
		JOIN documents d ON c.document_id = d.id
		WHERE c.id = ?`, chunkID).Scan(&doc.ID, &doc.Content, &doc.Source, &doc.Title, &tags)
	if err != nil {
		return Document{}, err
	}
	if err := json.Unmarshal([]byte(tags), &doc.Tags); err != nil {
		return Document{}, fmt.Errorf("decode tags: %w", err)
	}
	return doc, nil
}

// Sync indexes new and changed markdown files and prunes deleted ones.
func (x *Index) Sync(ctx context.Context) (report SyncReport, err error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "knowledge.sync")
	defer func() { tracing.EndSpan(span, err) }()
	logger := tracing.LoggerFromContext(ctx, x.logger)

	x.mu.Lock()
	if x.isSyncing {
		x.mu.Unlock()
		return report, ErrSyncInProgress
	}
	x.isSyncing = true
	x.isDirty = false
	x.mu.Unlock()

	defer func() {
		x.mu.Lock()
		x.isSyncing = false
		if err != nil {
			x.isDirty = true
		}
		now := time.Now()
		x.lastSyncTime = &now
		x.mu.Unlock()
	}()

	start := time.Now()
	files, err := x.scan()
	if err != nil {
		return report, err
	}

	for _, f := range files {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		indexed, chunks, err := x.indexFile(ctx, f)
		if err != nil {
			report.Failed++
			logger.Warn().Err(err).Str("file", f.source).Msg("Failed to index file")
			continue
		}
		if indexed {
			report.Indexed++
			report.Chunks += chunks
		} else {
			report.Skipped++
		}
	}

	report.Pruned, err = x.pruneDeleted(ctx, files)
	if err != nil {
		return report, fmt.Errorf("prune deleted files: %w", err)
	}

	logger.Info().
		Int("files_indexed", report.Indexed).
		Int("files_skipped", report.Skipped).
		Int("files_failed", report.Failed).
		Int("chunks_created", report.Chunks).
		Int("files_pruned", report.Pruned).
		Dur("duration", time.Since(start)).
		Msg("Knowledge sync completed")

	observability.SetKnowledgeChunks(x.Status().Chunks)
	return report, nil
}

type sourceFile struct {
	path   string
	source string
}

func (x *Index) scan() ([]sourceFile, error) {
	var files []sourceFile
	for _, root := range x.paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) && path == root {
					return fs.SkipDir
				}
				return err
			}
			if d.IsDir() || !strings.EqualFold(filepath.Ext(d.Name()), ".md") {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			files = append(files, sourceFile{
				path:   path,
				source: filepath.ToSlash(filepath.Join(filepath.Base(root), rel)),
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", root, err)
		}
	}
	return files, nil
}

func (x *Index) indexFile(ctx context.Context, f sourceFile) (bool, int, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return false, 0, err
	}
	sum := sha256.Sum256(raw)
	contentHash := hex.EncodeToString(sum[:])

	var existing string
	err = x.db.QueryRowContext(ctx, "SELECT content_hash FROM documents WHERE path = ?", f.path).Scan(&existing)
	if err == nil && existing == contentHash {
		return false, 0, nil
	}

	title, tags, body, err := parseFrontMatter(string(raw))
	if err != nil {
		return false, 0, err
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return false, 0, err
	}
	chunks := splitChunks(body)

	var vectors [][]float32
	if x.embedder != nil && len(chunks) > 0 {
		vectors, err = x.embedChunks(ctx, chunks)
		if err != nil {
			x.logger.Warn().Err(err).Str("file", f.source).Msg("Failed to embed chunks, indexing keywords only")
			vectors = nil
		}
	}

	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, err
	}
	defer tx.Rollback()

	if err := x.deleteDocument(ctx, tx, f.path); err != nil {
		return false, 0, err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO documents (path, source, title, tags, content_hash, indexed_at, size_bytes)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.path, f.source, title, string(tagsJSON), contentHash, time.Now().Unix(), len(raw),
	)
	if err != nil {
		return false, 0, err
	}
	docID, err := res.LastInsertId()
	if err != nil {
		return false, 0, err
	}

	for i, content := range chunks {
		chunkID := fmt.Sprintf("%s#%d", f.source, i)
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO chunks (id, document_id, ordinal, content) VALUES (?, ?, ?, ?)",
			chunkID, docID, i, content,
		); err != nil {
			return false, 0, err
		}
		if x.fts {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO chunks_fts (chunk_id, content) VALUES (?, ?)", chunkID, content,
			); err != nil {
				return false, 0, err
			}
		}
		if vectors != nil {
			vecJSON, err := json.Marshal(vectors[i])
			if err != nil {
				return false, 0, err
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO chunk_vectors (chunk_id, embedding) VALUES (?, ?)", chunkID, string(vecJSON),
			); err != nil {
				return false, 0, fmt.Errorf("failed to store embedding: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, 0, err
	}
	return true, len(chunks), nil
}

// embedChunks returns one vector per chunk, reusing cached embeddings by content hash.
func (x *Index) embedChunks(ctx context.Context, chunks []string) ([][]float32, error) {
	vectors := make([][]float32, len(chunks))
	hashes := make([]string, len(chunks))
	var (
		missing []string
		slots   []int
	)
	for i, c := range chunks {
		sum := sha256.Sum256([]byte(c))
		hashes[i] = hex.EncodeToString(sum[:])

		var cached string
		err := x.db.QueryRowContext(ctx, "SELECT embedding FROM embedding_cache WHERE content_hash = ?", hashes[i]).Scan(&cached)
		if err == nil && json.Unmarshal([]byte(cached), &vectors[i]) == nil {
			x.countCache(true)
			continue
		}
		x.countCache(false)
		missing = append(missing, c)
		slots = append(slots, i)
	}
	if len(missing) == 0 {
		return vectors, nil
	}

	fresh, err := x.embedder.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missing) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d chunks", len(fresh), len(missing))
	}

	x.writeMu.Lock()
	defer x.writeMu.Unlock()
	for j, v := range fresh {
		i := slots[j]
		vectors[i] = v
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		if _, err := x.db.ExecContext(ctx,
			"INSERT OR REPLACE INTO embedding_cache (content_hash, embedding, dimension, created_at) VALUES (?, ?, ?, ?)",
			hashes[i], string(data), len(v), time.Now().Unix(),
		); err != nil {
			return nil, fmt.Errorf("failed to cache embedding: %w", err)
		}
	}
	return vectors, nil
}

func (x *Index) countCache(hit bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if hit {
		x.cacheHits++
	} else {
		x.cacheMisses++
	}
}

// deleteDocument removes a document and its search rows. Virtual tables do
// not follow foreign keys, so their rows are deleted explicitly.
func (x *Index) deleteDocument(ctx context.Context, tx *sql.Tx, path string) error {
	const chunkIDs = `SELECT c.id FROM chunks c JOIN documents d ON c.document_id = d.id WHERE d.path = ?`
	if x.fts {
		if _, err := tx.ExecContext(ctx, "DELETE FROM chunks_fts WHERE chunk_id IN ("+chunkIDs+")", path); err != nil {
			return err
		}
	}
	if x.embedder != nil {
		if _, err := tx.ExecContext(ctx, "DELETE FROM chunk_vectors WHERE chunk_id IN ("+chunkIDs+")", path); err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE path = ?", path)
	return err
}

func (x *Index) pruneDeleted(ctx context.Context, files []sourceFile) (int, error) {
	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f.path] = true
	}

	rows, err := x.db.QueryContext(ctx, "SELECT path FROM documents")
	if err != nil {
		return 0, err
	}
	var stale []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			rows.Close()
			return 0, err
		}
		if !present[path] {
			stale = append(stale, path)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	x.writeMu.Lock()
	defer x.writeMu.Unlock()
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	for _, path := range stale {
		if err := x.deleteDocument(ctx, tx, path); err != nil {
			return 0, err
		}
	}
	return len(stale), tx.Commit()
}

// Documents lists every indexed chunk as a document, in source order.
func (x *Index) Documents(ctx context.Context) ([]Document, error) {
	rows, err := x.db.QueryContext(ctx, `
		SELECT c.id, c.content, d.source, d.title, d.tags
		FROM chunks c
		JOIN documents d ON c.document_id = d.id
		ORDER BY d.source, c.ordinal`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		var tags string
		if err := rows.Scan(&doc.ID, &doc.Content, &doc.Source, &doc.Title, &tags); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tags), &doc.Tags); err != nil {
			return nil, fmt.Errorf("decode tags for %s: %w", doc.ID, err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Status returns current index status
func (x *Index) Status() IndexStatus {
	x.mu.RLock()
	status := IndexStatus{
		IsDirty:      x.isDirty,
		IsSyncing:    x.isSyncing,
		FullText:     x.fts,
		Vectors:      x.embedder != nil,
		LastSyncTime: x.lastSyncTime,
	}
	if total := x.cacheHits + x.cacheMisses; total > 0 {
		rate := float64(x.cacheHits) / float64(total)
		status.EmbeddingCacheHitRate = &rate
	}
	x.mu.RUnlock()

	_ = x.db.QueryRow("SELECT COUNT(*) FROM documents").Scan(&status.Documents)
	_ = x.db.QueryRow("SELECT COUNT(*) FROM chunks").Scan(&status.Chunks)
	return status
}

// MarkDirty marks the index as needing sync
func (x *Index) MarkDirty() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.isDirty = true
}

// Paths returns the scanned directories.
func (x *Index) Paths() []string {
	return append([]string(nil), x.paths...)
}

// Close closes the index database.
func (x *Index) Close() error {
	return x.db.Close()
}
