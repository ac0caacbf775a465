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
	"log/slog"
	"time"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kadirpekel/anchora/pkg/config"
	"github.com/kadirpekel/anchora/pkg/session"
)

// pineconePruneScan caps how many stale candidates a single prune counts.
// Pinecone reports no deletion count, so the count comes from a query with
// the same filter; the delete itself is unbounded.
const pineconePruneScan = 10000

// PineconeStore keeps long-term memories in a Pinecone index. The index must
// exist already; Pinecone indexes are provisioned out of band.
type PineconeStore struct {
	client    *pinecone.Client
	index     *pinecone.IndexConnection
	dimension int
}

// NewPineconeStore connects to the configured index host.
func NewPineconeStore(cfg *config.PineconeConfig, dimension int) (*PineconeStore, error) {
	if cfg == nil {
		return nil, session.NewError(session.KindConfig, "pinecone memory backend requires a pinecone block")
	}
	if cfg.APIKey == "" {
		return nil, session.NewError(session.KindConfig, "pinecone memory backend requires an api_key")
	}
	if cfg.IndexHost == "" {
		return nil, session.NewError(session.KindConfig, "pinecone memory backend requires an index_host")
	}
	if dimension <= 0 {
		return nil, session.Errorf(session.KindConfig, "invalid embedding dimension %d", dimension)
	}

	client, err := pinecone.NewClient(pinecone.NewClientParams{ApiKey: cfg.APIKey})
	if err != nil {
		return nil, session.WrapError(session.KindConfig, "creating pinecone client", err)
	}

	index, err := client.Index(pinecone.NewIndexConnParams{
		Host:      cfg.IndexHost,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, session.WrapError(session.KindConfig, "connecting to pinecone index", err)
	}

	return &PineconeStore{
		client:    client,
		index:     index,
		dimension: dimension,
	}, nil
}

// Add stores one record.
func (s *PineconeStore) Add(ctx context.Context, mem session.LongTermMemory) (string, error) {
	if err := normalize(&mem, s.dimension); err != nil {
		return "", err
	}
	if err := s.upsert(ctx, []session.LongTermMemory{mem}); err != nil {
		return "", session.WrapError(session.KindUpstreamTransient, "storing memory", err)
	}
	return mem.ID, nil
}

// Recall returns the top-K matches at or above the similarity floor.
func (s *PineconeStore) Recall(ctx context.Context, q RecallQuery) ([]session.LongTermMemory, error) {
	if q.K <= 0 {
		return nil, nil
	}
	if err := checkQueryVector(q.Vector, s.dimension); err != nil {
		return nil, err
	}

	// Tags filter in Go after the fetch, so over-fetch when tags are set.
	fetchK := q.K
	if len(q.Tags) > 0 {
		fetchK = q.K * 4
	}

	filter := map[string]interface{}{}
	if q.SessionID != "" {
		filter[metaSessionID] = q.SessionID
	}
	if q.UserID != "" {
		filter[metaUserID] = q.UserID
	}
	if q.Type != "" {
		filter[metaType] = string(q.Type)
	}

	var metadataFilter *pinecone.MetadataFilter
	if len(filter) > 0 {
		var err error
		metadataFilter, err = structpb.NewStruct(filter)
		if err != nil {
			return nil, session.WrapError(session.KindInternalInvariant, "building memory filter", err)
		}
	}

	resp, err := s.index.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          q.Vector,
		TopK:            uint32(fetchK),
		MetadataFilter:  metadataFilter,
		IncludeMetadata: true,
		IncludeValues:   true,
	})
	if err != nil {
		return nil, session.WrapError(session.KindUpstreamTransient, "querying memories", err)
	}

	out := make([]session.LongTermMemory, 0, q.K)
	for _, match := range resp.Matches {
		if match.Vector == nil {
			continue
		}
		if float64(match.Score) < q.MinSimilarity {
			continue
		}
		mem, ok := pineconeRecord(match.Vector)
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
func (s *PineconeStore) Prune(ctx context.Context, before time.Time, minUsage int) (int, error) {
	filter, err := structpb.NewStruct(map[string]interface{}{
		"$and": []interface{}{
			map[string]interface{}{metaCreatedAtUnix: map[string]interface{}{"$lt": float64(before.UTC().Unix())}},
			map[string]interface{}{metaUsageCount: map[string]interface{}{"$lt": float64(minUsage)}},
		},
	})
	if err != nil {
		return 0, session.WrapError(session.KindInternalInvariant, "building prune filter", err)
	}

	probe := make([]float32, s.dimension)
	probe[0] = 1
	resp, err := s.index.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:         probe,
		TopK:           pineconePruneScan,
		MetadataFilter: filter,
	})
	if err != nil {
		return 0, session.WrapError(session.KindUpstreamTransient, "counting stale memories", err)
	}
	if len(resp.Matches) == 0 {
		return 0, nil
	}

	if err := s.index.DeleteVectorsByFilter(ctx, filter); err != nil {
		return 0, session.WrapError(session.KindUpstreamTransient, "pruning memories", err)
	}
	return len(resp.Matches), nil
}

// Stats reports the record count. Pinecone cannot group by metadata, so
// ByType stays nil.
func (s *PineconeStore) Stats(ctx context.Context) (Stats, error) {
	resp, err := s.index.DescribeIndexStats(ctx)
	if err != nil {
		return Stats{}, session.WrapError(session.KindUpstreamTransient, "reading index stats", err)
	}
	return Stats{Records: int(resp.TotalVectorCount)}, nil
}

// Name returns the backend name.
func (s *PineconeStore) Name() string {
	return "pinecone"
}

// Close closes the index connection.
func (s *PineconeStore) Close() error {
	return s.index.Close()
}

func (s *PineconeStore) upsert(ctx context.Context, mems []session.LongTermMemory) error {
	vectors := make([]*pinecone.Vector, 0, len(mems))
	for i := range mems {
		md, err := structpb.NewStruct(pineconeMetadata(mems[i]))
		if err != nil {
			return err
		}
		vectors = append(vectors, &pinecone.Vector{
			Id:       mems[i].ID,
			Values:   mems[i].Embedding,
			Metadata: md,
		})
	}
	_, err := s.index.UpsertVectors(ctx, vectors)
	return err
}

// touch bumps usage counters on recalled records. Failures only log; the
// results are already in hand.
func (s *PineconeStore) touch(ctx context.Context, mems []session.LongTermMemory) {
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

func pineconeMetadata(mem session.LongTermMemory) map[string]interface{} {
	md := map[string]interface{}{
		metaContent:        mem.Text,
		metaType:           string(mem.Type),
		metaUsageCount:     float64(mem.UsageCount),
		metaCreatedAt:      mem.CreatedAt.UTC().Format(time.RFC3339Nano),
		metaCreatedAtUnix:  float64(mem.CreatedAt.UTC().Unix()),
		metaLastAccessedAt: mem.LastAccessedAt.UTC().Format(time.RFC3339Nano),
	}
	if mem.SessionID != "" {
		md[metaSessionID] = mem.SessionID
	}
	if mem.UserID != "" {
		md[metaUserID] = mem.UserID
	}
	if len(mem.Tags) > 0 {
		tags := make([]interface{}, len(mem.Tags))
		for i, tag := range mem.Tags {
			tags[i] = tag
		}
		md[metaTags] = tags
	}
	return md
}

func pineconeRecord(vec *pinecone.Vector) (session.LongTermMemory, bool) {
	if vec.Id == "" || vec.Metadata == nil {
		return session.LongTermMemory{}, false
	}

	md := vec.Metadata.AsMap()
	mem := session.LongTermMemory{
		ID:        vec.Id,
		Embedding: vec.Values,
	}
	if text, ok := md[metaContent].(string); ok {
		mem.Text = text
	}
	if typ, ok := md[metaType].(string); ok {
		mem.Type = session.MemoryType(typ)
	}
	if sid, ok := md[metaSessionID].(string); ok {
		mem.SessionID = sid
	}
	if uid, ok := md[metaUserID].(string); ok {
		mem.UserID = uid
	}
	if usage, ok := md[metaUsageCount].(float64); ok {
		mem.UsageCount = int(usage)
	}
	if raw, ok := md[metaCreatedAt].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			mem.CreatedAt = t
		}
	}
	if raw, ok := md[metaLastAccessedAt].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			mem.LastAccessedAt = t
		}
	}
	if rawTags, ok := md[metaTags].([]interface{}); ok {
		for _, raw := range rawTags {
			if tag, ok := raw.(string); ok && tag != "" {
				mem.Tags = append(mem.Tags, tag)
			}
		}
	}

	if mem.Text == "" {
		return session.LongTermMemory{}, false
	}
	return mem, true
}

// Ensure PineconeStore implements LongTerm.
var _ LongTerm = (*PineconeStore)(nil)
