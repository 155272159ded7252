package memory

import (
	"math"
	"sort"

	"github.com/kalambet/taskmem/internal/retrieval"
	"github.com/kalambet/taskmem/internal/storage"
)

// Match is a ranked workflow candidate.
type Match struct {
	Workflow storage.Workflow
	Score    float64
	Lexical  float64
	// Semantic is the rescaled cosine similarity in [0, 1]; nil when no
	// embedding comparison was possible.
	Semantic *float64
}

// Weights blends the two relevance signals.
type Weights struct {
	Lexical   float64
	Embedding float64
}

// lexicalScore is the fraction of query keywords present in the workflow's keywords.
func lexicalScore(query []string, workflow map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for _, q := range query {
		if _, ok := workflow[q]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

// evidenceFactor down-weights workflows with fewer than minEvidence runs.
func evidenceFactor(total, minEvidence int) float64 {
	if minEvidence <= 0 {
		return 1
	}
	return 0.5 + 0.5*math.Min(1, float64(total)/float64(minEvidence))
}

// scoreWorkflow blends lexical and embedding relevance, normalized by the
// weights that apply to this workflow, and applies cold-start damping.
func scoreWorkflow(w storage.Workflow, query []string, queryVec []float32, weights Weights, minEvidence int) Match {
	m := Match{Workflow: w, Lexical: lexicalScore(query, normalizeKeywords(w.Keywords))}

	num := weights.Lexical * m.Lexical
	den := weights.Lexical
	if len(queryVec) > 0 && len(w.Embedding) > 0 {
		if cos, ok := retrieval.Cosine(queryVec, w.Embedding); ok {
			sem := (cos + 1) / 2
			m.Semantic = &sem
			num += weights.Embedding * sem
			den += weights.Embedding
		}
	}

	var blended float64
	if den > 0 {
		blended = num / den
	}
	m.Score = blended * evidenceFactor(w.TotalCount, minEvidence)
	return m
}

// rank scores candidates and orders them by score, then success_rate,
// then most recent update, then id.
func rank(candidates []storage.Workflow, query []string, queryVec []float32, weights Weights, minEvidence int) []Match {
	out := make([]Match, len(candidates))
	for i, w := range candidates {
		out[i] = scoreWorkflow(w, query, queryVec, weights, minEvidence)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Workflow.SuccessRate != b.Workflow.SuccessRate {
			return a.Workflow.SuccessRate > b.Workflow.SuccessRate
		}
		if !a.Workflow.UpdatedAt.Equal(b.Workflow.UpdatedAt) {
			return a.Workflow.UpdatedAt.After(b.Workflow.UpdatedAt)
		}
		return a.Workflow.ID < b.Workflow.ID
	})
	return out
}
