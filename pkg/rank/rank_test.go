package rank

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/kadirpekel/anchora/pkg/session"
)

func ref(id, url string) session.Reference {
	return session.Reference{ID: id, URL: url, Content: "content of " + id}
}

func TestFuse_SingleListKeepsOrder(t *testing.T) {
	list := []session.Reference{ref("a", ""), ref("b", ""), ref("c", "")}

	fused := Fuse(Options{}, list)
	if len(fused) != 3 {
		t.Fatalf("fused = %d, want 3", len(fused))
	}
	for i, want := range []string{"a", "b", "c"} {
		if fused[i].ID != want {
			t.Errorf("fused[%d] = %q, want %q", i, fused[i].ID, want)
		}
		wantScore := 1.0 / float64(DefaultK+i+1)
		if math.Abs(fused[i].Score-wantScore) > 1e-12 {
			t.Errorf("fused[%d].Score = %v, want %v", i, fused[i].Score, wantScore)
		}
	}
}

func TestFuse_MergesAcrossSources(t *testing.T) {
	index := []session.Reference{ref("shared", ""), ref("index-only", "")}
	web := []session.Reference{ref("web-only", ""), ref("shared", "")}

	fused := Fuse(Options{}, index, web)
	if len(fused) != 3 {
		t.Fatalf("fused = %d, want 3 (shared must merge)", len(fused))
	}

	// rank 1 in one source plus rank 2 in the other.
	wantShared := 1.0/float64(DefaultK+1) + 1.0/float64(DefaultK+2)
	if fused[0].ID != "shared" || math.Abs(fused[0].Score-wantShared) > 1e-12 {
		t.Errorf("fused[0] = %q score %v, want shared with %v", fused[0].ID, fused[0].Score, wantShared)
	}
}

func TestFuse_DedupeByNormalizedURL(t *testing.T) {
	a := []session.Reference{{ID: "idx-1", URL: "https://www.example.com/policy/"}}
	b := []session.Reference{{ID: "web-7", URL: "http://example.com/policy#section-2"}}

	fused := Fuse(Options{}, a, b)
	if len(fused) != 1 {
		t.Fatalf("fused = %d, want 1 (url spellings must merge)", len(fused))
	}
	if fused[0].ID != "idx-1" {
		t.Errorf("merged item = %q, want first occurrence kept", fused[0].ID)
	}
}

func TestFuse_DedupeByEitherAxis(t *testing.T) {
	// One item carries both identities; the next two each match one axis.
	a := []session.Reference{{ID: "doc-9", URL: "https://kb/travel"}}
	b := []session.Reference{{ID: "other", URL: "https://kb/travel"}}
	c := []session.Reference{{ID: "doc-9"}}

	fused := Fuse(Options{}, a, b, c)
	if len(fused) != 1 {
		t.Fatalf("fused = %d, want 1", len(fused))
	}
	want := 3.0 / float64(DefaultK+1)
	if math.Abs(fused[0].Score-want) > 1e-12 {
		t.Errorf("Score = %v, want %v", fused[0].Score, want)
	}
}

func TestFuse_NoIdentityNeverMerges(t *testing.T) {
	a := []session.Reference{{Title: "one", Content: "x"}}
	b := []session.Reference{{Title: "two", Content: "y"}}

	if fused := Fuse(Options{}, a, b); len(fused) != 2 {
		t.Errorf("fused = %d, want 2", len(fused))
	}
}

func TestFuse_SemanticBoost(t *testing.T) {
	query := []float32{1, 0}
	aligned := session.Reference{ID: "aligned", Embedding: []float32{1, 0}}
	blind := session.Reference{ID: "blind"}

	fused := Fuse(Options{
		SemanticWeight: DefaultSemanticWeight,
		QueryVector:    query,
	}, []session.Reference{blind, aligned})

	rrf1 := 1.0 / float64(DefaultK+1)
	rrf2 := 1.0 / float64(DefaultK+2)
	wantAligned := 0.7*rrf2 + 0.3*1.0

	if fused[0].ID != "aligned" {
		t.Fatalf("fused[0] = %q, want the boosted item first", fused[0].ID)
	}
	if math.Abs(fused[0].Score-wantAligned) > 1e-12 {
		t.Errorf("boosted score = %v, want %v", fused[0].Score, wantAligned)
	}
	// No embedding means no boost, not a zeroed similarity term.
	if math.Abs(fused[1].Score-rrf1) > 1e-12 {
		t.Errorf("plain score = %v, want %v", fused[1].Score, rrf1)
	}
}

func TestFuse_Limit(t *testing.T) {
	list := []session.Reference{ref("a", ""), ref("b", ""), ref("c", "")}
	if fused := Fuse(Options{Limit: 2}, list); len(fused) != 2 {
		t.Errorf("fused = %d, want 2", len(fused))
	}
}

func TestFuse_CustomK(t *testing.T) {
	list := []session.Reference{ref("a", "")}
	fused := Fuse(Options{K: 10}, list)
	if want := 1.0 / 11.0; math.Abs(fused[0].Score-want) > 1e-12 {
		t.Errorf("Score = %v, want %v", fused[0].Score, want)
	}
}

func TestFuse_Deterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		lists := make([][]session.Reference, 3)
		for i := range lists {
			for j := 0; j < rng.Intn(8); j++ {
				lists[i] = append(lists[i], ref(fmt.Sprintf("doc-%d", rng.Intn(10)), ""))
			}
		}

		first := Fuse(Options{}, lists...)
		second := Fuse(Options{}, lists...)
		if len(first) != len(second) {
			t.Fatalf("trial %d: lengths differ: %d vs %d", trial, len(first), len(second))
		}
		for i := range first {
			if first[i].ID != second[i].ID || first[i].Score != second[i].Score {
				t.Fatalf("trial %d: order differs at %d: %q vs %q", trial, i, first[i].ID, second[i].ID)
			}
		}
	}
}

func TestFuse_MoreSourcesScoreHigher(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for trial := 0; trial < 20; trial++ {
		rank := rng.Intn(5)
		list := make([]session.Reference, rank+1)
		for i := range list {
			list[i] = ref(fmt.Sprintf("f-%d", i), "")
		}

		single := Fuse(Options{}, list)
		double := Fuse(Options{}, list, list)

		if double[rank].Score <= single[rank].Score {
			t.Fatalf("trial %d: duplicate presence must raise the score: %v vs %v",
				trial, double[rank].Score, single[rank].Score)
		}
	}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"empty", nil, nil, 0},
		{"mismatched", []float32{1}, []float32{1, 2}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 2}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Cosine(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Cosine() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMaxCosine(t *testing.T) {
	v := []float32{1, 0}
	candidates := [][]float32{{0, 1}, {0.6, 0.8}, {1, 0}}
	if got := MaxCosine(v, candidates); math.Abs(got-1) > 1e-9 {
		t.Errorf("MaxCosine() = %v, want 1", got)
	}
	if got := MaxCosine(v, nil); got != 0 {
		t.Errorf("MaxCosine(no candidates) = %v, want 0", got)
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://www.Example.com/Policy/", "example.com/policy"},
		{"http://example.com/policy", "example.com/policy"},
		{"example.com/policy#frag", "example.com/policy"},
		{"", ""},
		{"  https://kb/x  ", "kb/x"},
	}
	for _, tt := range tests {
		if got := normalizeURL(tt.in); got != tt.want {
			t.Errorf("normalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
