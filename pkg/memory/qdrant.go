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
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"

	"github.com/kadirpekel/anchora/pkg/config"
	"github.com/kadirpekel/anchora/pkg/session"
)

// QdrantStore keeps long-term memories in a Qdrant collection over gRPC.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	dimension  int

	mu      sync.Mutex
	ensured bool
}

// NewQdrantStore creates the store. No network calls happen here; the
// collection is created lazily on first use.
func NewQdrantStore(cfg *config.QdrantConfig, dimension int) (*QdrantStore, error) {
	if cfg == nil {
		return nil, session.NewError(session.KindConfig, "qdrant memory backend requires a qdrant block")
	}
	if dimension <= 0 {
		return nil, session.Errorf(session.KindConfig, "invalid embedding dimension %d", dimension)
	}

	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 6334
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "anchora-memory"
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, session.WrapError(session.KindConfig,
			fmt.Sprintf("creating qdrant client for %s:%d", host, port), err)
	}

	return &QdrantStore{
		client:     client,
		collection: collection,
		dimension:  dimension,
	}, nil
}

// Add stores one record.
func (s *QdrantStore) Add(ctx context.Context, mem session.LongTermMemory) (string, error) {
	if err := normalize(&mem, s.dimension); err != nil {
		return "", err
	}
	if err := s.ensureCollection(ctx); err != nil {
		return "", err
	}
	if err := s.upsert(ctx, []session.LongTermMemory{mem}); err != nil {
		return "", session.WrapError(session.KindUpstreamTransient, "storing memory", err)
	}
	return mem.ID, nil
}

// Recall returns the top-K matches at or above the similarity floor.
func (s *QdrantStore) Recall(ctx context.Context, q RecallQuery) ([]session.LongTermMemory, error) {
	if q.K <= 0 {
		return nil, nil
	}
	if err := checkQueryVector(q.Vector, s.dimension); err != nil {
		return nil, err
	}
	if err := s.ensureCollection(ctx); err != nil {
		return nil, err
	}

	// Tags filter in Go after the fetch, so over-fetch when tags are set.
	fetchK := q.K
	if len(q.Tags) > 0 {
		fetchK = q.K * 4
	}

	req := &qdrant.SearchPoints{
		CollectionName: s.collection,
		Vector:         q.Vector,
		Limit:          uint64(fetchK),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	}
	if q.MinSimilarity > 0 {
		threshold := float32(q.MinSimilarity)
		req.ScoreThreshold = &threshold
	}
	if conds := qdrantKeywordConditions(q); len(conds) > 0 {
		req.Filter = &qdrant.Filter{Must: conds}
	}

	resp, err := s.client.GetPointsClient().Search(ctx, req)
	if err != nil {
		return nil, session.WrapError(session.KindUpstreamTransient, "querying memories", err)
	}

	out := make([]session.LongTermMemory, 0, q.K)
	for _, point := range resp.Result {
		mem, ok := qdrantRecord(point)
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
func (s *QdrantStore) Prune(ctx context.Context, before time.Time, minUsage int) (int, error) {
	if err := s.ensureCollection(ctx); err != nil {
		return 0, err
	}

	createdLt := float64(before.UTC().Unix())
	usageLt := float64(minUsage)
	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrantRangeLt(metaCreatedAtUnix, createdLt),
			qdrantRangeLt(metaUsageCount, usageLt),
		},
	}

	count, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Filter:         filter,
	})
	if err != nil {
		return 0, session.WrapError(session.KindUpstreamTransient, "counting stale memories", err)
	}
	if count == 0 {
		return 0, nil
	}

	_, err = s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: filter},
		},
	})
	if err != nil {
		return 0, session.WrapError(session.KindUpstreamTransient, "pruning memories", err)
	}
	return int(count), nil
}

// Stats reports record counts by type.
func (s *QdrantStore) Stats(ctx context.Context) (Stats, error) {
	if err := s.ensureCollection(ctx); err != nil {
		return Stats{}, err
	}

	total, err := s.client.Count(ctx, &qdrant.CountPoints{CollectionName: s.collection})
	if err != nil {
		return Stats{}, session.WrapError(session.KindUpstreamTransient, "counting memories", err)
	}

	stats := Stats{Records: int(total), ByType: make(map[session.MemoryType]int)}
	for _, typ := range []session.MemoryType{
		session.MemoryEpisodic,
		session.MemorySemantic,
		session.MemoryProcedural,
		session.MemoryPreference,
	} {
		n, err := s.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: s.collection,
			Filter: &qdrant.Filter{
				Must: []*qdrant.Condition{qdrantKeyword(metaType, string(typ))},
			},
		})
		if err != nil {
			return Stats{}, session.WrapError(session.KindUpstreamTransient, "counting memories by type", err)
		}
		if n > 0 {
			stats.ByType[typ] = int(n)
		}
	}
	return stats, nil
}

// Name returns the backend name.
func (s *QdrantStore) Name() string {
	return "qdrant"
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured {
		return nil
	}

	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return session.WrapError(session.KindUpstreamTransient, "checking memory collection", err)
	}
	if !exists {
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(s.dimension),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			return session.WrapError(session.KindUpstreamTransient, "creating memory collection", err)
		}
	}
	s.ensured = true
	return nil
}

func (s *QdrantStore) upsert(ctx context.Context, mems []session.LongTermMemory) error {
	points := make([]*qdrant.PointStruct, 0, len(mems))
	for i := range mems {
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(mems[i].ID),
			Vectors: qdrant.NewVectors(mems[i].Embedding...),
			Payload: qdrantPayload(mems[i]),
		})
	}
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         points,
	})
	return err
}

// touch bumps usage counters on recalled records. Failures only log; the
// results are already in hand.
func (s *QdrantStore) touch(ctx context.Context, mems []session.LongTermMemory) {
	if len(mems) == 0 {
		return
	}

	now := time.Now().UTC()
	for i := range mems {
		mems[i].UsageCount++
		mems[i].LastAccessedAt = now
	}
	if err := s.upsert(ctx, mems); err != nil {
		slog.Warn("failed to record memory usage", "error", err)
	}
}

func qdrantPayload(mem session.LongTermMemory) map[string]*qdrant.Value {
	payload := map[string]*qdrant.Value{
		metaContent:        qdrantString(mem.Text),
		metaType:           qdrantString(string(mem.Type)),
		metaUsageCount:     {Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(mem.UsageCount)}},
		metaCreatedAt:      qdrantString(mem.CreatedAt.UTC().Format(time.RFC3339Nano)),
		metaCreatedAtUnix:  {Kind: &qdrant.Value_IntegerValue{IntegerValue: mem.CreatedAt.UTC().Unix()}},
		metaLastAccessedAt: qdrantString(mem.LastAccessedAt.UTC().Format(time.RFC3339Nano)),
	}
	if mem.SessionID != "" {
		payload[metaSessionID] = qdrantString(mem.SessionID)
	}
	if mem.UserID != "" {
		payload[metaUserID] = qdrantString(mem.UserID)
	}
	if len(mem.Tags) > 0 {
		values := make([]*qdrant.Value, len(mem.Tags))
		for i, tag := range mem.Tags {
			values[i] = qdrantString(tag)
		}
		payload[metaTags] = &qdrant.Value{
			Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: values}},
		}
	}
	return payload
}

func qdrantRecord(point *qdrant.ScoredPoint) (session.LongTermMemory, bool) {
	var mem session.LongTermMemory

	if point.Id != nil && point.Id.PointIdOptions != nil {
		switch id := point.Id.PointIdOptions.(type) {
		case *qdrant.PointId_Uuid:
			mem.ID = id.Uuid
		case *qdrant.PointId_Num:
			mem.ID = fmt.Sprintf("%d", id.Num)
		}
	}
	if mem.ID == "" {
		return session.LongTermMemory{}, false
	}

	if point.Vectors != nil {
		if vectorData := point.Vectors.GetVector(); vectorData != nil {
			switch v := vectorData.Vector.(type) {
			case *qdrant.VectorOutput_Dense:
				if v.Dense != nil {
					mem.Embedding = v.Dense.Data
				}
			}
		}
	}

	for key, value := range point.Payload {
		switch key {
		case metaContent:
			mem.Text = value.GetStringValue()
		case metaType:
			mem.Type = session.MemoryType(value.GetStringValue())
		case metaSessionID:
			mem.SessionID = value.GetStringValue()
		case metaUserID:
			mem.UserID = value.GetStringValue()
		case metaUsageCount:
			if v, ok := value.Kind.(*qdrant.Value_IntegerValue); ok {
				mem.UsageCount = int(v.IntegerValue)
			}
		case metaCreatedAt:
			if t, err := time.Parse(time.RFC3339Nano, value.GetStringValue()); err == nil {
				mem.CreatedAt = t
			}
		case metaLastAccessedAt:
			if t, err := time.Parse(time.RFC3339Nano, value.GetStringValue()); err == nil {
				mem.LastAccessedAt = t
			}
		case metaTags:
			if v, ok := value.Kind.(*qdrant.Value_ListValue); ok && v.ListValue != nil {
				for _, item := range v.ListValue.Values {
					if tag := item.GetStringValue(); tag != "" {
						mem.Tags = append(mem.Tags, tag)
					}
				}
			}
		}
	}

	if mem.Text == "" {
		return session.LongTermMemory{}, false
	}
	return mem, true
}

func qdrantKeywordConditions(q RecallQuery) []*qdrant.Condition {
	var conds []*qdrant.Condition
	if q.SessionID != "" {
		conds = append(conds, qdrantKeyword(metaSessionID, q.SessionID))
	}
	if q.UserID != "" {
		conds = append(conds, qdrantKeyword(metaUserID, q.UserID))
	}
	if q.Type != "" {
		conds = append(conds, qdrantKeyword(metaType, string(q.Type)))
	}
	return conds
}

func qdrantKeyword(key, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: key,
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func qdrantRangeLt(key string, lt float64) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key:   key,
				Range: &qdrant.Range{Lt: &lt},
			},
		},
	}
}

func qdrantString(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

// Ensure QdrantStore implements LongTerm.
var _ LongTerm = (*QdrantStore)(nil)
