package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned for chunk ids that are unknown or not yet
	// committed.
	ErrNotFound = errors.New("chunk not found")

	// ErrCorrupt is returned when a chunk's raw content is missing,
	// fails its checksum, or cannot be decoded.
	ErrCorrupt = errors.New("chunk content corrupt")
)

// PlaceholderSummary stands in for a summary that could not be
// produced during startup recovery.
const PlaceholderSummary = "summary unavailable"

// ChunkKind distinguishes freshly archived chunks from merged ones.
type ChunkKind string

const (
	KindTemporary    ChunkKind = "temporary"
	KindConsolidated ChunkKind = "consolidated"
)

// RecoveryPolicy decides what happens to a pending chunk that still
// cannot be summarized after the configured attempts.
type RecoveryPolicy string

const (
	RecoverPlaceholder RecoveryPolicy = "placeholder"
	RecoverDiscard     RecoveryPolicy = "discard"
)

// Chunk is one committed, immutable archive segment.
type Chunk struct {
	ID           string
	Kind         ChunkKind
	Start        time.Time
	End          time.Time
	MessageCount int
	TokenCount   int
	Summary      string
	Topics       []string
	Unavailable  bool
	CreatedAt    time.Time

	file     string
	checksum string
}

// Summary is what a summarizer produces for a chunk.
type Summary struct {
	Text   string
	Topics []string
}

// Summarizer turns archived messages into a short summary.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []Message) (Summary, error)

	// Merge derives one summary from several chunk summaries given in
	// chronological order.
	Merge(ctx context.Context, parts []Summary) (Summary, error)
}

// Selector picks the chunks relevant to a query by looking at their
// summaries only.
type Selector interface {
	SelectChunks(ctx context.Context, query string, chunks []Chunk) ([]string, error)
}

// Config holds the store's tuning. Zero fields take defaults.
type Config struct {
	DataDir          string
	ChunkTokens      int
	Multiplier       int
	GroupSize        int
	RecoveryAttempts int
	RecoveryPolicy   RecoveryPolicy
	RecoveryBackoff  time.Duration
}

func (c *Config) applyDefaults() {
	if c.ChunkTokens <= 0 {
		c.ChunkTokens = 4000
	}
	if c.Multiplier < 2 {
		c.Multiplier = 2
	}
	if c.GroupSize < 2 {
		c.GroupSize = 4
	}
	if c.RecoveryAttempts <= 0 {
		c.RecoveryAttempts = 3
	}
	if c.RecoveryPolicy == "" {
		c.RecoveryPolicy = RecoverPlaceholder
	}
	if c.RecoveryBackoff <= 0 {
		c.RecoveryBackoff = 2 * time.Second
	}
}

// TriggerTokens is the window size at which archival starts.
func (c Config) TriggerTokens() int { return c.ChunkTokens * c.Multiplier }

// Store owns the live window, the chunk index, the pending log and the
// raw chunk files. Archive, consolidate and recover are serialized.
type Store struct {
	db         *sql.DB
	cfg        Config
	dir        string
	window     *Window
	summarizer Summarizer
	logger     *slog.Logger

	mu sync.Mutex
}

const schema = `
CREATE TABLE IF NOT EXISTS live_messages (
	seq  INTEGER PRIMARY KEY AUTOINCREMENT,
	id   TEXT NOT NULL UNIQUE,
	body TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	start_ns      INTEGER NOT NULL,
	end_ns        INTEGER NOT NULL,
	message_count INTEGER NOT NULL,
	token_count   INTEGER NOT NULL,
	summary       TEXT NOT NULL,
	topics        TEXT NOT NULL DEFAULT '[]',
	file          TEXT NOT NULL,
	checksum      TEXT NOT NULL,
	unavailable   INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chunks_start ON chunks(start_ns, end_ns);
CREATE INDEX IF NOT EXISTS idx_chunks_kind ON chunks(kind, start_ns);

CREATE TABLE IF NOT EXISTS pending_chunks (
	id            TEXT PRIMARY KEY,
	file          TEXT NOT NULL,
	checksum      TEXT NOT NULL,
	message_ids   TEXT NOT NULL,
	start_ns      INTEGER NOT NULL,
	end_ns        INTEGER NOT NULL,
	message_count INTEGER NOT NULL,
	token_count   INTEGER NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT,
	created_at    TEXT NOT NULL
);
`

// NewStore opens (or creates) the store under cfg.DataDir.
func NewStore(cfg Config, summ Summarizer, logger *slog.Logger) (*Store, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("memory: data dir is required")
	}
	if summ == nil {
		return nil, errors.New("memory: summarizer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	dir := filepath.Join(cfg.DataDir, "chunks")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create chunk dir: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "memory.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	w, err := loadWindow(context.Background(), db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:         db,
		cfg:        cfg,
		dir:        dir,
		window:     w,
		summarizer: summ,
		logger:     logger.With("component", "memory"),
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Window returns the live window.
func (s *Store) Window() *Window { return s.window }

// Config returns the effective configuration.
func (s *Store) Config() Config { return s.cfg }

const chunkColumns = `id, kind, start_ns, end_ns, message_count, token_count, summary, topics, file, checksum, unavailable, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(row rowScanner) (Chunk, error) {
	var (
		c              Chunk
		kind, topics   string
		startNs, endNs int64
		unavailable    int
		created        string
	)
	err := row.Scan(&c.ID, &kind, &startNs, &endNs, &c.MessageCount, &c.TokenCount,
		&c.Summary, &topics, &c.file, &c.checksum, &unavailable, &created)
	if err != nil {
		return Chunk{}, err
	}
	c.Kind = ChunkKind(kind)
	c.Start = time.Unix(0, startNs).UTC()
	c.End = time.Unix(0, endNs).UTC()
	c.Unavailable = unavailable != 0
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	if err := json.Unmarshal([]byte(topics), &c.Topics); err != nil {
		c.Topics = nil
	}
	return c, nil
}

func (s *Store) queryChunks(ctx context.Context, where string, args ...any) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListSummaries returns every committed chunk, oldest first.
func (s *Store) ListSummaries(ctx context.Context) ([]Chunk, error) {
	return s.queryChunks(ctx, `ORDER BY start_ns, end_ns, id`)
}

// Chunk returns the index entry for one committed chunk.
func (s *Store) Chunk(ctx context.Context, id string) (Chunk, error) {
	c, err := scanChunk(s.db.QueryRowContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Chunk{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Chunk{}, fmt.Errorf("get chunk %s: %w", id, err)
	}
	return c, nil
}

// ReadChunkContent returns the exact messages archived in chunk id.
// Pending chunks are not readable. Corrupt content flags the chunk as
// unavailable and returns ErrCorrupt.
func (s *Store) ReadChunkContent(ctx context.Context, id string) ([]Message, error) {
	c, err := s.Chunk(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs, err := readRawFile(s.dir, c.file, c.checksum)
	if errors.Is(err, ErrCorrupt) {
		s.markUnavailable(ctx, c.ID, err)
		return nil, err
	}
	return msgs, err
}

func (s *Store) markUnavailable(ctx context.Context, id string, cause error) {
	s.logger.Error("chunk content unreadable", "chunk_id", id, "error", cause)
	if _, err := s.db.ExecContext(ctx, `UPDATE chunks SET unavailable = 1 WHERE id = ?`, id); err != nil {
		s.logger.Error("failed to flag chunk unavailable", "chunk_id", id, "error", err)
	}
}

// Search asks sel to pick chunks for query from their summaries and
// returns the chosen chunks in the selector's order. Content is not
// read; callers fetch it with ReadChunkContent.
func (s *Store) Search(ctx context.Context, query string, sel Selector) ([]Chunk, error) {
	all, err := s.ListSummaries(ctx)
	if err != nil {
		return nil, err
	}
	var candidates []Chunk
	for _, c := range all {
		if !c.Unavailable {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	ids, err := sel.SelectChunks(ctx, query, candidates)
	if err != nil {
		return nil, fmt.Errorf("select chunks: %w", err)
	}

	byID := make(map[string]Chunk, len(candidates))
	for _, c := range candidates {
		byID[c.ID] = c
	}
	var out []Chunk
	for _, id := range ids {
		c, ok := byID[id]
		if !ok {
			continue
		}
		out = append(out, c)
		delete(byID, id)
	}
	return out, nil
}

// Stats summarizes the store for status reporting.
type Stats struct {
	Temporary      int `json:"temporary_chunks"`
	Consolidated   int `json:"consolidated_chunks"`
	Pending        int `json:"pending_chunks"`
	WindowMessages int `json:"window_messages"`
	WindowTokens   int `json:"window_tokens"`
}

// Stats returns chunk counts by kind and the window size.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{WindowMessages: s.window.Len(), WindowTokens: s.window.Tokens()}
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM chunks GROUP BY kind`)
	if err != nil {
		return st, fmt.Errorf("count chunks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return st, err
		}
		switch ChunkKind(kind) {
		case KindTemporary:
			st.Temporary = n
		case KindConsolidated:
			st.Consolidated = n
		}
	}
	if err := rows.Err(); err != nil {
		return st, err
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_chunks`).Scan(&st.Pending)
	return st, err
}
