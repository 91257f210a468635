package memory

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/hataraku-ai/hataraku/internal/model"
)

// Query describes one memory retrieval. OrgID is required; every other
// field narrows or reweights the candidate set.
type Query struct {
	OrgID     uuid.UUID
	Scope     model.MemoryScope // optional hard filter
	EntityKey string
	Category  string
	Vendor    string
	Amount    *float64
	Context   string // free text used for semantic similarity
	Limit     int    // defaults to DefaultRetrievalLimit
}

// DefaultRetrievalLimit caps how many memories one retrieval returns.
// The reasoning context stays small on purpose: a handful of high-signal
// facts beats a page of marginal ones.
const DefaultRetrievalLimit = 5

// Relevance weights. Confidence dominates so that repeatedly confirmed
// facts outrank fresh guesses; semantic similarity only contributes when
// an embedding provider is configured.
const (
	weightConfidence = 0.45
	weightStructural = 0.25
	weightRecency    = 0.15
	weightSemantic   = 0.15

	// recencyHalfLife controls the exponential usage-recency decay.
	recencyHalfLife = 30 * 24 * time.Hour
)

// score computes the relevance of one memory for a query. The second
// return is false when the memory's structural conditions contradict the
// query and the memory must be excluded outright.
func score(m model.Memory, q Query, queryVec []float32, now time.Time) (float64, bool) {
	structural, ok := structuralAffinity(m, q)
	if !ok {
		return 0, false
	}

	s := weightConfidence*m.Confidence +
		weightStructural*structural +
		weightRecency*recency(m, now)

	if queryVec != nil && m.Embedding != nil {
		if sim := cosine(queryVec, m.Embedding.Slice()); sim > 0 {
			s += weightSemantic * sim
		}
	}
	return s, true
}

// structuralAffinity scores how well the memory's scope and conditions
// fit the query, in [0, 1]. Pattern memories whose conditions contradict
// the query are excluded (ok=false) rather than down-ranked: a rule for
// a different vendor or amount band is noise, not weak signal.
func structuralAffinity(m model.Memory, q Query) (float64, bool) {
	var affinity float64

	switch m.Scope {
	case model.ScopeEntity:
		if q.EntityKey != "" {
			if m.EntityKey != q.EntityKey {
				return 0, false
			}
			affinity = 1
		}
	case model.ScopePattern:
		matched, contradicted := conditionsMatch(m.Content.Conditions, q)
		if contradicted {
			return 0, false
		}
		if matched {
			affinity = 1
		}
	case model.ScopeConfig:
		// Org-level preferences apply to every execution.
		affinity = 0.5
	}

	if q.Category != "" && m.Category == q.Category {
		affinity += 0.5
	}
	return math.Min(affinity, 1), true
}

// conditionsMatch evaluates pattern conditions against the query.
// matched is true when at least one set condition was checked and held;
// contradicted is true when any checkable condition failed.
func conditionsMatch(c *model.MemoryConditions, q Query) (matched, contradicted bool) {
	if c == nil {
		return false, false
	}
	if c.Vendor != nil && q.Vendor != "" {
		if *c.Vendor != q.Vendor {
			return false, true
		}
		matched = true
	}
	if q.Amount != nil {
		if c.AmountMin != nil {
			if *q.Amount < *c.AmountMin {
				return false, true
			}
			matched = true
		}
		if c.AmountMax != nil {
			if *q.Amount > *c.AmountMax {
				return false, true
			}
			matched = true
		}
	}
	return matched, false
}

// recency decays exponentially with time since the memory was last used
// (falling back to creation time), halving every recencyHalfLife.
func recency(m model.Memory, now time.Time) float64 {
	ref := m.CreatedAt
	if m.LastUsedAt != nil {
		ref = *m.LastUsedAt
	}
	age := now.Sub(ref)
	if age <= 0 {
		return 1
	}
	return math.Exp2(-float64(age) / float64(recencyHalfLife))
}

// cosine computes cosine similarity between two vectors, 0 when the
// dimensions disagree or either vector is zero.
func cosine(a, b []float32) float64 {
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
