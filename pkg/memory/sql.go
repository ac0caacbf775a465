package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/kadirpekel/anchora/pkg/config"
	"github.com/kadirpekel/anchora/pkg/rank"
	"github.com/kadirpekel/anchora/pkg/session"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const createMemoriesTableSQL = `
CREATE TABLE IF NOT EXISTS memories (
    id VARCHAR(64) PRIMARY KEY,
    content TEXT NOT NULL,
    mem_type VARCHAR(32) NOT NULL,
    embedding BLOB NOT NULL,
    dim INTEGER NOT NULL,
    tags TEXT,
    session_id VARCHAR(255),
    user_id VARCHAR(255),
    usage_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    last_accessed_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id);
CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(mem_type);
CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at);
`

// SQLStore keeps long-term memories in a relational database. Vectors are
// stored as blobs and ranked in Go; the SQL filters only narrow the
// candidate set, so this backend suits modest record counts.
type SQLStore struct {
	db        *sql.DB
	dialect   string
	dimension int
}

// NewSQLStore wraps an existing database connection.
func NewSQLStore(db *sql.DB, dialect string, dimension int) (*SQLStore, error) {
	if db == nil {
		return nil, session.NewError(session.KindConfig, "database connection is required")
	}
	if dimension <= 0 {
		return nil, session.Errorf(session.KindConfig, "invalid embedding dimension %d", dimension)
	}

	switch dialect {
	case "postgres", "mysql", "sqlite":

	default:
		return nil, session.Errorf(session.KindConfig,
			"unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	if dialect == "sqlite" {
		// Pooled in-memory SQLite connections each see a separate database.
		db.SetMaxOpenConns(1)
	}

	s := &SQLStore{
		db:        db,
		dialect:   dialect,
		dimension: dimension,
	}

	if err := s.initSchema(); err != nil {
		return nil, session.WrapError(session.KindConfig, "initializing memory schema", err)
	}

	return s, nil
}

// NewSQLStoreFromConfig opens a connection per the database config.
func NewSQLStoreFromConfig(cfg *config.DatabaseConfig, dimension int) (*SQLStore, error) {
	if cfg == nil {
		return nil, session.NewError(session.KindConfig, "sql memory backend requires a database block")
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, session.WrapError(session.KindConfig, "invalid database configuration", err)
	}

	db, err := sql.Open(cfg.DriverName(), cfg.DSN())
	if err != nil {
		return nil, session.WrapError(session.KindConfig, "opening database", err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, session.WrapError(session.KindUpstreamTransient,
			fmt.Sprintf("connecting to %s database %q", cfg.Driver, cfg.Database), err)
	}

	return NewSQLStore(db, cfg.Dialect(), dimension)
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ddl := createMemoriesTableSQL

	if s.dialect == "postgres" {
		ddl = `
CREATE TABLE IF NOT EXISTS memories (
    id VARCHAR(64) PRIMARY KEY,
    content TEXT NOT NULL,
    mem_type VARCHAR(32) NOT NULL,
    embedding BYTEA NOT NULL,
    dim INTEGER NOT NULL,
    tags TEXT,
    session_id VARCHAR(255),
    user_id VARCHAR(255),
    usage_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    last_accessed_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id);
CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(mem_type);
CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at);
`
	} else if s.dialect == "mysql" {
		// MySQL lacks CREATE INDEX IF NOT EXISTS and the driver rejects
		// multi-statement strings, so the indexes live inline.
		ddl = `
CREATE TABLE IF NOT EXISTS memories (
    id VARCHAR(64) PRIMARY KEY,
    content TEXT NOT NULL,
    mem_type VARCHAR(32) NOT NULL,
    embedding BLOB NOT NULL,
    dim INTEGER NOT NULL,
    tags TEXT,
    session_id VARCHAR(255),
    user_id VARCHAR(255),
    usage_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    last_accessed_at TIMESTAMP NOT NULL,
    INDEX idx_memories_session (session_id),
    INDEX idx_memories_type (mem_type),
    INDEX idx_memories_created (created_at)
);
`
	}

	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create memories table: %w", err)
	}
	return nil
}

// Add stores one record.
func (s *SQLStore) Add(ctx context.Context, mem session.LongTermMemory) (string, error) {
	if err := normalize(&mem, s.dimension); err != nil {
		return "", err
	}

	var tags any
	if len(mem.Tags) > 0 {
		raw, err := json.Marshal(mem.Tags)
		if err != nil {
			return "", session.WrapError(session.KindInternalInvariant, "encoding memory tags", err)
		}
		tags = string(raw)
	}

	query := `
INSERT INTO memories (id, content, mem_type, embedding, dim, tags, session_id, user_id, usage_count, created_at, last_accessed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`
	if s.dialect == "postgres" {
		query = `
INSERT INTO memories (id, content, mem_type, embedding, dim, tags, session_id, user_id, usage_count, created_at, last_accessed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`
	}

	_, err := s.db.ExecContext(ctx, query,
		mem.ID,
		mem.Text,
		string(mem.Type),
		encodeVector(mem.Embedding),
		len(mem.Embedding),
		tags,
		nullable(mem.SessionID),
		nullable(mem.UserID),
		mem.UsageCount,
		mem.CreatedAt.UTC(),
		mem.LastAccessedAt.UTC(),
	)
	if err != nil {
		return "", session.WrapError(session.KindUpstreamTransient, "storing memory", err)
	}
	return mem.ID, nil
}

// Recall returns the top-K matches at or above the similarity floor.
func (s *SQLStore) Recall(ctx context.Context, q RecallQuery) ([]session.LongTermMemory, error) {
	if q.K <= 0 {
		return nil, nil
	}
	if err := checkQueryVector(q.Vector, s.dimension); err != nil {
		return nil, err
	}

	query := `SELECT id, content, mem_type, embedding, dim, tags, session_id, user_id, usage_count, created_at, last_accessed_at FROM memories`

	var clauses []string
	var args []any
	addClause := func(column, value string) {
		args = append(args, value)
		if s.dialect == "postgres" {
			clauses = append(clauses, fmt.Sprintf("%s = $%d", column, len(args)))
		} else {
			clauses = append(clauses, column+" = ?")
		}
	}
	if q.SessionID != "" {
		addClause("session_id", q.SessionID)
	}
	if q.UserID != "" {
		addClause("user_id", q.UserID)
	}
	if q.Type != "" {
		addClause("mem_type", string(q.Type))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, session.WrapError(session.KindUpstreamTransient, "querying memories", err)
	}
	defer rows.Close()

	type scored struct {
		mem session.LongTermMemory
		sim float64
	}
	var candidates []scored
	skipped := 0

	for rows.Next() {
		mem, dim, err := scanMemory(rows)
		if err != nil {
			return nil, session.WrapError(session.KindUpstreamTransient, "reading memory row", err)
		}
		if dim != s.dimension {
			skipped++
			continue
		}
		sim := rank.Cosine(q.Vector, mem.Embedding)
		if sim < q.MinSimilarity {
			continue
		}
		if !q.matches(mem) {
			continue
		}
		candidates = append(candidates, scored{mem: mem, sim: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, session.WrapError(session.KindUpstreamTransient, "reading memory rows", err)
	}
	if skipped > 0 {
		slog.Warn("skipped memories with foreign embedding dimensions",
			"count", skipped, "expected", s.dimension)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].sim > candidates[j].sim })
	if len(candidates) > q.K {
		candidates = candidates[:q.K]
	}

	out := make([]session.LongTermMemory, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.mem)
	}

	s.touch(ctx, out)
	return out, nil
}

// Prune deletes stale low-usage records.
func (s *SQLStore) Prune(ctx context.Context, before time.Time, minUsage int) (int, error) {
	query := `DELETE FROM memories WHERE created_at < ? AND usage_count < ?`
	if s.dialect == "postgres" {
		query = `DELETE FROM memories WHERE created_at < $1 AND usage_count < $2`
	}

	res, err := s.db.ExecContext(ctx, query, before.UTC(), minUsage)
	if err != nil {
		return 0, session.WrapError(session.KindUpstreamTransient, "pruning memories", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Stats reports record counts by type.
func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&total); err != nil {
		return Stats{}, session.WrapError(session.KindUpstreamTransient, "counting memories", err)
	}

	stats := Stats{Records: total, ByType: make(map[session.MemoryType]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT mem_type, COUNT(*) FROM memories GROUP BY mem_type`)
	if err != nil {
		return Stats{}, session.WrapError(session.KindUpstreamTransient, "counting memories by type", err)
	}
	defer rows.Close()

	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return Stats{}, session.WrapError(session.KindUpstreamTransient, "reading memory counts", err)
		}
		stats.ByType[session.MemoryType(typ)] = n
	}
	if err := rows.Err(); err != nil {
		return Stats{}, session.WrapError(session.KindUpstreamTransient, "reading memory counts", err)
	}
	return stats, nil
}

// Name returns the backend name.
func (s *SQLStore) Name() string {
	return "sql"
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// touch bumps usage counters on recalled records. Failures only log; the
// results are already in hand.
func (s *SQLStore) touch(ctx context.Context, mems []session.LongTermMemory) {
	if len(mems) == 0 {
		return
	}

	query := `UPDATE memories SET usage_count = usage_count + 1, last_accessed_at = ? WHERE id = ?`
	if s.dialect == "postgres" {
		query = `UPDATE memories SET usage_count = usage_count + 1, last_accessed_at = $1 WHERE id = $2`
	}

	now := time.Now().UTC()
	for i := range mems {
		if _, err := s.db.ExecContext(ctx, query, now, mems[i].ID); err != nil {
			slog.Warn("failed to record memory usage", "memory_id", mems[i].ID, "error", err)
			continue
		}
		mems[i].UsageCount++
		mems[i].LastAccessedAt = now
	}
}

func scanMemory(rows *sql.Rows) (session.LongTermMemory, int, error) {
	var (
		mem       session.LongTermMemory
		memType   string
		blob      []byte
		dim       int
		tags      sql.NullString
		sessionID sql.NullString
		userID    sql.NullString
	)
	err := rows.Scan(
		&mem.ID,
		&mem.Text,
		&memType,
		&blob,
		&dim,
		&tags,
		&sessionID,
		&userID,
		&mem.UsageCount,
		&mem.CreatedAt,
		&mem.LastAccessedAt,
	)
	if err != nil {
		return session.LongTermMemory{}, 0, err
	}

	mem.Type = session.MemoryType(memType)
	mem.SessionID = sessionID.String
	mem.UserID = userID.String
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &mem.Tags); err != nil {
			return session.LongTermMemory{}, 0, fmt.Errorf("decoding tags for memory %s: %w", mem.ID, err)
		}
	}

	mem.Embedding, err = decodeVector(blob)
	if err != nil {
		return session.LongTermMemory{}, 0, fmt.Errorf("decoding embedding for memory %s: %w", mem.ID, err)
	}
	return mem, dim, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(raw []byte) ([]float32, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(raw))
	}
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return vec, nil
}

// Ensure SQLStore implements LongTerm.
var _ LongTerm = (*SQLStore)(nil)
