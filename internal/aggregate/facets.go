package aggregate

import (
	"fmt"
	"sort"

	"github.com/edisonhq/edison/internal/domain"
)

// LengthBucket classifies a case by total input length in characters.
func LengthBucket(cs domain.Case) string {
	n := 0
	for _, v := range cs.Input {
		n += len(v)
	}
	switch {
	case n < 200:
		return "XS"
	case n < 500:
		return "S"
	case n < 1500:
		return "M"
	case n < 5000:
		return "L"
	default:
		return "XL"
	}
}

// FacetScore is the mean composite within one facet bucket.
type FacetScore struct {
	Facet string  `json:"facet"`
	Key   string  `json:"key"`
	Mean  float64 `json:"mean"`
	Cases int     `json:"cases"`
}

// ScoredCase pairs a case with its composite score for faceting.
type ScoredCase struct {
	Case  domain.Case
	Score float64
}

// Facets breaks scores down by tag, difficulty, and input length bucket.
// A case with multiple tags counts once per tag.
func Facets(scored []ScoredCase) []FacetScore {
	type acc struct {
		sum float64
		n   int
	}
	buckets := map[[2]string]*acc{}
	add := func(facet, key string, score float64) {
		k := [2]string{facet, key}
		a := buckets[k]
		if a == nil {
			a = &acc{}
			buckets[k] = a
		}
		a.sum += score
		a.n++
	}

	for _, sc := range scored {
		for _, tag := range sc.Case.Tags {
			add("tag", tag, sc.Score)
		}
		if sc.Case.Difficulty > 0 {
			add("difficulty", fmt.Sprintf("%d", sc.Case.Difficulty), sc.Score)
		}
		add("length", LengthBucket(sc.Case), sc.Score)
	}

	out := make([]FacetScore, 0, len(buckets))
	for k, a := range buckets {
		out = append(out, FacetScore{Facet: k[0], Key: k[1], Mean: a.sum / float64(a.n), Cases: a.n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Facet != out[j].Facet {
			return out[i].Facet < out[j].Facet
		}
		return out[i].Key < out[j].Key
	})
	return out
}
