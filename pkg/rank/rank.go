// Package rank fuses ranked evidence lists from multiple sources into a
// single ordered set. Everything here is a pure function.
package rank

import (
	"math"
	"sort"
	"strings"

	"github.com/kadirpekel/anchora/pkg/session"
)

const (
	// DefaultK is the reciprocal-rank constant. Higher values flatten the
	// advantage of top ranks.
	DefaultK = 60

	// DefaultSemanticWeight is the similarity share of a boosted score.
	DefaultSemanticWeight = 0.3
)

// Options tune one fusion pass.
type Options struct {
	// K is the reciprocal-rank constant; zero or negative uses DefaultK.
	K int

	// SemanticWeight w rescores fused items as (1−w)·RRF + w·similarity.
	// Zero disables the boost.
	SemanticWeight float64

	// QueryVector enables the semantic boost for references that carry
	// an embedding. Items without one keep their plain RRF score.
	QueryVector []float32

	// Limit caps the fused list. Zero keeps everything.
	Limit int
}

// Fuse merges ranked lists by reciprocal rank: an item at 1-based rank r
// in a source contributes 1/(K+r), and contributions add up across
// sources. Duplicates are detected by normalized id or URL, whichever
// matches first; a merged item keeps the fields of its first occurrence
// and accumulates the ranks of all of them. The fused score replaces
// Reference.Score. Ordering is deterministic: ties keep first-seen order.
func Fuse(opts Options, lists ...[]session.Reference) []session.Reference {
	k := opts.K
	if k <= 0 {
		k = DefaultK
	}

	type fusedItem struct {
		ref   session.Reference
		score float64
	}

	var order []string
	items := make(map[string]*fusedItem)
	byID := make(map[string]string)
	byURL := make(map[string]string)

	for _, list := range lists {
		for rank, ref := range list {
			idKey := normalizeID(ref.ID)
			urlKey := normalizeURL(ref.URL)

			// A match on either identity axis merges the item.
			key := ""
			if idKey != "" {
				key = byID[idKey]
			}
			if key == "" && urlKey != "" {
				key = byURL[urlKey]
			}
			if key == "" {
				switch {
				case idKey != "":
					key = "id:" + idKey
				case urlKey != "":
					key = "url:" + urlKey
				default:
					// No identity at all; the item can never merge.
					key = "pos:" + ref.Title + "\x00" + ref.Content
				}
				if _, taken := items[key]; !taken {
					items[key] = &fusedItem{ref: ref}
					order = append(order, key)
				}
			}
			if idKey != "" && byID[idKey] == "" {
				byID[idKey] = key
			}
			if urlKey != "" && byURL[urlKey] == "" {
				byURL[urlKey] = key
			}

			items[key].score += 1.0 / float64(k+rank+1)
		}
	}

	boost := opts.SemanticWeight > 0 && len(opts.QueryVector) > 0
	weight := opts.SemanticWeight

	fused := make([]session.Reference, 0, len(order))
	for _, key := range order {
		item := items[key]
		if boost && len(item.ref.Embedding) > 0 {
			sim := Cosine(opts.QueryVector, item.ref.Embedding)
			item.score = (1-weight)*item.score + weight*sim
		}
		item.ref.Score = item.score
		fused = append(fused, item.ref)
	}

	sort.SliceStable(fused, func(i, j int) bool {
		return fused[i].Score > fused[j].Score
	})

	if opts.Limit > 0 && len(fused) > opts.Limit {
		fused = fused[:opts.Limit]
	}
	return fused
}

// Cosine returns the cosine similarity of two vectors. Mismatched or
// empty inputs score zero rather than erroring; fusion and filtering
// treat missing embeddings as "no signal".
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// MaxCosine returns the highest similarity between v and any candidate.
func MaxCosine(v []float32, candidates [][]float32) float64 {
	max := 0.0
	for _, c := range candidates {
		if sim := Cosine(v, c); sim > max {
			max = sim
		}
	}
	return max
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// normalizeURL strips scheme, www, fragment and trailing slash so that
// trivially different spellings of the same address merge.
func normalizeURL(raw string) string {
	u := strings.ToLower(strings.TrimSpace(raw))
	if u == "" {
		return ""
	}
	u = strings.TrimPrefix(u, "https://")
	u = strings.TrimPrefix(u, "http://")
	u = strings.TrimPrefix(u, "www.")
	if i := strings.IndexByte(u, '#'); i >= 0 {
		u = u[:i]
	}
	return strings.TrimRight(u, "/")
}
