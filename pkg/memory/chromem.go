// SPDX-License-Identifier: AGPL-3.0
// Copyright 2026 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/philippgille/chromem-go"

	"github.com/kadirpekel/anchora/pkg/config"
	"github.com/kadirpekel/anchora/pkg/session"
)

// ChromemStore keeps long-term memories in an embedded chromem-go database.
//
// This is the zero-config backend: pure Go, in process, with optional file
// persistence. All vectors live in RAM, so it suits single-node deployments
// up to the configured soft cap; beyond that, use Qdrant or Pinecone.
type ChromemStore struct {
	db          *chromem.DB
	collection  *chromem.Collection
	dimension   int
	persistPath string
	compress    bool
}

// NewChromemStore opens (or creates) the embedded store.
func NewChromemStore(cfg *config.ChromemConfig, dimension int) (*ChromemStore, error) {
	if cfg == nil {
		cfg = &config.ChromemConfig{}
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "anchora-memory"
	}
	if dimension <= 0 {
		return nil, session.Errorf(session.KindConfig, "invalid embedding dimension %d", dimension)
	}

	var db *chromem.DB
	if cfg.PersistPath != "" {
		if err := os.MkdirAll(cfg.PersistPath, 0o755); err != nil {
			return nil, session.WrapError(session.KindConfig, "creating memory persist directory", err)
		}

		dbPath := chromemFilePath(cfg.PersistPath, cfg.Compress)
		if _, statErr := os.Stat(dbPath); statErr == nil {
			loaded, err := chromem.NewPersistentDB(dbPath, cfg.Compress)
			if err != nil {
				slog.Warn("failed to load persisted memories, starting empty",
					"path", dbPath, "error", err)
				db = chromem.NewDB()
			} else {
				db = loaded
			}
		} else {
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	// Vectors arrive pre-computed; chromem must never embed on its own.
	identityEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embedding function called but vectors are pre-computed")
	}

	col, err := db.GetOrCreateCollection(collection, nil, identityEmbed)
	if err != nil {
		return nil, session.WrapError(session.KindConfig,
			fmt.Sprintf("opening memory collection %q", collection), err)
	}

	return &ChromemStore{
		db:          db,
		collection:  col,
		dimension:   dimension,
		persistPath: cfg.PersistPath,
		compress:    cfg.Compress,
	}, nil
}

// Add stores one record.
func (s *ChromemStore) Add(ctx context.Context, mem session.LongTermMemory) (string, error) {
	if err := normalize(&mem, s.dimension); err != nil {
		return "", err
	}

	doc := chromem.Document{
		ID:        mem.ID,
		Content:   mem.Text,
		Embedding: mem.Embedding,
		Metadata:  chromemMetadata(mem),
	}
	if err := s.collection.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return "", session.WrapError(session.KindUpstreamTransient, "storing memory", err)
	}

	if err := s.persist(); err != nil {
		slog.Warn("failed to persist memory store", "error", err)
	}
	return mem.ID, nil
}

// Recall returns the top-K matches at or above the similarity floor.
func (s *ChromemStore) Recall(ctx context.Context, q RecallQuery) ([]session.LongTermMemory, error) {
	if q.K <= 0 {
		return nil, nil
	}
	if err := checkQueryVector(q.Vector, s.dimension); err != nil {
		return nil, err
	}

	count := s.collection.Count()
	if count == 0 {
		return nil, nil
	}

	// chromem rejects result limits above the number of matching documents,
	// and the filtered count is unknowable up front. The scan is exhaustive
	// either way, so fetch everything and filter here.
	results, err := s.collection.QueryEmbedding(ctx, q.Vector, count, nil, nil)
	if err != nil {
		return nil, session.WrapError(session.KindUpstreamTransient, "querying memories", err)
	}

	out := make([]session.LongTermMemory, 0, q.K)
	for _, r := range results {
		// Results come back best first.
		if float64(r.Similarity) < q.MinSimilarity {
			break
		}
		mem, ok := chromemRecord(r)
		if !ok || len(mem.Embedding) != s.dimension {
			continue
		}
		if !q.matches(mem) {
			continue
		}
		out = append(out, mem)
		if len(out) == q.K {
			break
		}
	}

	s.touch(ctx, out)
	return out, nil
}

// Prune deletes stale low-usage records.
func (s *ChromemStore) Prune(ctx context.Context, before time.Time, minUsage int) (int, error) {
	records, err := s.all(ctx)
	if err != nil {
		return 0, err
	}

	var expired []string
	for _, mem := range records {
		if mem.CreatedAt.Before(before) && mem.UsageCount < minUsage {
			expired = append(expired, mem.ID)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}

	if err := s.collection.Delete(ctx, nil, nil, expired...); err != nil {
		return 0, session.WrapError(session.KindUpstreamTransient, "pruning memories", err)
	}
	if err := s.persist(); err != nil {
		slog.Warn("failed to persist memory store", "error", err)
	}
	return len(expired), nil
}

// Stats reports record counts by type.
func (s *ChromemStore) Stats(ctx context.Context) (Stats, error) {
	records, err := s.all(ctx)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Records: len(records), ByType: make(map[session.MemoryType]int)}
	for _, mem := range records {
		stats.ByType[mem.Type]++
	}
	return stats, nil
}

// Name returns the backend name.
func (s *ChromemStore) Name() string {
	return "chromem"
}

// Close persists pending writes.
func (s *ChromemStore) Close() error {
	return s.persist()
}

// all enumerates every record. chromem has no listing API; an axis-aligned
// probe query returns all documents once the limit equals the collection
// count.
func (s *ChromemStore) all(ctx context.Context) ([]session.LongTermMemory, error) {
	count := s.collection.Count()
	if count == 0 {
		return nil, nil
	}

	probe := make([]float32, s.dimension)
	probe[0] = 1

	results, err := s.collection.QueryEmbedding(ctx, probe, count, nil, nil)
	if err != nil {
		return nil, session.WrapError(session.KindUpstreamTransient, "enumerating memories", err)
	}

	records := make([]session.LongTermMemory, 0, len(results))
	for _, r := range results {
		if mem, ok := chromemRecord(r); ok {
			records = append(records, mem)
		}
	}
	return records, nil
}

// touch bumps usage counters on recalled records. Failures only log; the
// results are already in hand.
func (s *ChromemStore) touch(ctx context.Context, mems []session.LongTermMemory) {
	if len(mems) == 0 {
		return
	}

	now := time.Now().UTC()
	docs := make([]chromem.Document, 0, len(mems))
	for i := range mems {
		mems[i].UsageCount++
		mems[i].LastAccessedAt = now
		docs = append(docs, chromem.Document{
			ID:        mems[i].ID,
			Content:   mems[i].Text,
			Embedding: mems[i].Embedding,
			Metadata:  chromemMetadata(mems[i]),
		})
	}

	if err := s.collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		slog.Warn("failed to record memory usage", "error", err)
		return
	}
	if err := s.persist(); err != nil {
		slog.Warn("failed to persist memory store", "error", err)
	}
}

func (s *ChromemStore) persist() error {
	if s.persistPath == "" {
		return nil
	}

	dbPath := chromemFilePath(s.persistPath, s.compress)
	//nolint:staticcheck // Using deprecated function for compatibility
	if err := s.db.Export(dbPath, s.compress, ""); err != nil {
		return fmt.Errorf("failed to persist memories: %w", err)
	}
	return nil
}

func chromemFilePath(dir string, compress bool) string {
	path := filepath.Join(dir, "memories.gob")
	if compress {
		path += ".gz"
	}
	return path
}

func chromemMetadata(mem session.LongTermMemory) map[string]string {
	md := map[string]string{
		metaType:           string(mem.Type),
		metaUsageCount:     strconv.Itoa(mem.UsageCount),
		metaCreatedAt:      mem.CreatedAt.UTC().Format(time.RFC3339Nano),
		metaLastAccessedAt: mem.LastAccessedAt.UTC().Format(time.RFC3339Nano),
	}
	if mem.SessionID != "" {
		md[metaSessionID] = mem.SessionID
	}
	if mem.UserID != "" {
		md[metaUserID] = mem.UserID
	}
	if len(mem.Tags) > 0 {
		md[metaTags] = joinTags(mem.Tags)
	}
	return md
}

func chromemRecord(r chromem.Result) (session.LongTermMemory, bool) {
	if r.ID == "" || r.Content == "" {
		return session.LongTermMemory{}, false
	}

	mem := session.LongTermMemory{
		ID:        r.ID,
		Text:      r.Content,
		Type:      session.MemoryType(r.Metadata[metaType]),
		Embedding: r.Embedding,
		Tags:      splitTags(r.Metadata[metaTags]),
		SessionID: r.Metadata[metaSessionID],
		UserID:    r.Metadata[metaUserID],
	}
	if n, err := strconv.Atoi(r.Metadata[metaUsageCount]); err == nil {
		mem.UsageCount = n
	}
	if t, err := time.Parse(time.RFC3339Nano, r.Metadata[metaCreatedAt]); err == nil {
		mem.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, r.Metadata[metaLastAccessedAt]); err == nil {
		mem.LastAccessedAt = t
	}
	return mem, true
}

// Ensure ChromemStore implements LongTerm.
var _ LongTerm = (*ChromemStore)(nil)
