// Copyright 2026 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memory

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/anchora/pkg/session"
)

// LongTerm is a durable, embedding-indexed memory store. Implementations
// exist for chromem (embedded), Qdrant, Pinecone, and plain SQL.
//
// Every Recall counts as a use: implementations bump the usage counter and
// last-access time of returned records so that Prune can tell remembered
// facts from noise.
type LongTerm interface {
	// Add stores one record and returns its ID. Records without an ID get
	// a generated one; records whose embedding does not match the store
	// dimension are refused.
	Add(ctx context.Context, mem session.LongTermMemory) (string, error)

	// Recall returns the top-K records by cosine similarity, best first.
	// Records below MinSimilarity and records failing the query filters
	// are excluded. Stored rows with a foreign dimension are skipped.
	Recall(ctx context.Context, q RecallQuery) ([]session.LongTermMemory, error)

	// Prune deletes records created before the cutoff whose usage count
	// is below minUsage, and reports how many were removed.
	Prune(ctx context.Context, before time.Time, minUsage int) (int, error)

	// Stats reports the store size.
	Stats(ctx context.Context) (Stats, error)

	// Name identifies the backend.
	Name() string

	// Close releases backend resources.
	Close() error
}

// RecallQuery selects long-term memories. Zero-valued filter fields match
// everything; Tags requires every listed tag to be present on a record.
type RecallQuery struct {
	Vector        []float32
	K             int
	MinSimilarity float64
	SessionID     string
	UserID        string
	Type          session.MemoryType
	Tags          []string
}

// matches applies the non-vector filters to one record.
func (q RecallQuery) matches(mem session.LongTermMemory) bool {
	if q.SessionID != "" && mem.SessionID != q.SessionID {
		return false
	}
	if q.UserID != "" && mem.UserID != q.UserID {
		return false
	}
	if q.Type != "" && mem.Type != q.Type {
		return false
	}
	return hasAllTags(mem.Tags, q.Tags)
}

// Stats describes the size of a long-term store. ByType is nil on backends
// that cannot enumerate records by type.
type Stats struct {
	Records int
	ByType  map[session.MemoryType]int
}

// NilLongTerm is the disabled backend: recalls are empty, writes refuse.
type NilLongTerm struct{}

func (NilLongTerm) Add(context.Context, session.LongTermMemory) (string, error) {
	return "", session.NewError(session.KindConfig, "no long-term memory backend configured")
}

func (NilLongTerm) Recall(context.Context, RecallQuery) ([]session.LongTermMemory, error) {
	return nil, nil
}

func (NilLongTerm) Prune(context.Context, time.Time, int) (int, error) { return 0, nil }

func (NilLongTerm) Stats(context.Context) (Stats, error) { return Stats{}, nil }

func (NilLongTerm) Name() string { return "none" }

func (NilLongTerm) Close() error { return nil }

// Metadata keys shared by the vector backends.
const (
	metaContent        = "content"
	metaType           = "type"
	metaSessionID      = "session_id"
	metaUserID         = "user_id"
	metaTags           = "tags"
	metaUsageCount     = "usage_count"
	metaCreatedAt      = "created_at"
	metaCreatedAtUnix  = "created_at_unix"
	metaLastAccessedAt = "last_accessed_at"
)

// normalize validates a record before storage and fills generated fields.
func normalize(mem *session.LongTermMemory, dimension int) error {
	if strings.TrimSpace(mem.Text) == "" {
		return session.NewError(session.KindConfig, "memory text is empty")
	}
	if len(mem.Embedding) != dimension {
		return session.Errorf(session.KindConfig,
			"memory embedding has %d dimensions, store expects %d", len(mem.Embedding), dimension)
	}
	if mem.ID == "" {
		mem.ID = uuid.New().String()
	}
	if mem.Type == "" {
		mem.Type = session.MemorySemantic
	}
	now := time.Now().UTC()
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = now
	}
	if mem.LastAccessedAt.IsZero() {
		mem.LastAccessedAt = mem.CreatedAt
	}
	return nil
}

func checkQueryVector(vector []float32, dimension int) error {
	if len(vector) != dimension {
		return session.Errorf(session.KindConfig,
			"query vector has %d dimensions, store expects %d", len(vector), dimension)
	}
	return nil
}

func joinTags(tags []string) string {
	return strings.Join(tags, ",")
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
