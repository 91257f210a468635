// Package memory implements the learning loop: confidence-scored facts
// retrieved into the reasoning context, reinforced by human feedback,
// and soft-deleted by archiving so past beliefs stay auditable.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hataraku-ai/hataraku/internal/embedding"
	"github.com/hataraku-ai/hataraku/internal/model"
	"github.com/hataraku-ai/hataraku/internal/store"
)

// candidatePoolLimit bounds how many active memories are loaded for
// ranking. Orgs approaching this limit should archive stale memories.
const candidatePoolLimit = 500

// Service ranks, reinforces, and upserts memories on top of a
// store.MemoryStore. The embedding provider is optional; without one,
// retrieval ranks on the structural signals alone.
type Service struct {
	store    store.MemoryStore
	embedder embedding.Provider
	logger   *slog.Logger
}

// NewService creates a memory service. embedder may be nil.
func NewService(st store.MemoryStore, embedder embedding.Provider, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, embedder: embedder, logger: logger}
}

// Retrieve returns the top memories for the query, ranked by confidence,
// structural fit, usage recency, and (when embeddings are available)
// semantic similarity. Returned memories get their usage counters
// touched so recency reflects actual use.
func (s *Service) Retrieve(ctx context.Context, q Query) ([]model.RetrievedMemory, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultRetrievalLimit
	}

	candidates, err := s.store.ListActiveMemories(ctx, q.OrgID, candidatePoolLimit)
	if err != nil {
		return nil, fmt.Errorf("memory: list candidates: %w", err)
	}

	var queryVec []float32
	if s.embedder != nil && q.Context != "" {
		vec, err := s.embedder.Embed(ctx, q.Context)
		if err != nil {
			// Retrieval must not fail because the embedding backend is
			// down; rank on structural signals instead.
			s.logger.Warn("memory retrieval falling back to structural ranking",
				slog.String("org_id", q.OrgID.String()),
				slog.String("error", err.Error()))
		} else {
			queryVec = vec.Slice()
		}
	}

	now := time.Now().UTC()
	ranked := make([]model.RetrievedMemory, 0, len(candidates))
	for _, m := range candidates {
		if q.Scope != "" && m.Scope != q.Scope {
			continue
		}
		relevance, ok := score(m, q, queryVec, now)
		if !ok {
			continue
		}
		ranked = append(ranked, model.RetrievedMemory{Memory: m, RelevanceScore: relevance})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].RelevanceScore != ranked[j].RelevanceScore {
			return ranked[i].RelevanceScore > ranked[j].RelevanceScore
		}
		return ranked[i].Memory.UpdatedAt.After(ranked[j].Memory.UpdatedAt)
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	if len(ranked) > 0 {
		ids := make([]uuid.UUID, len(ranked))
		for i, r := range ranked {
			ids[i] = r.Memory.ID
		}
		if err := s.store.TouchMemoryUsage(ctx, ids); err != nil {
			s.logger.Warn("failed to touch memory usage", slog.String("error", err.Error()))
		}
	}
	return ranked, nil
}

// Reinforce records one feedback observation against a memory and
// recomputes its smoothed confidence. The counter increments are atomic
// in the store; the confidence write is derived from the returned
// counts, so concurrent reinforcements converge on the same value.
func (s *Service) Reinforce(ctx context.Context, id uuid.UUID, wasCorrect bool) (model.Memory, error) {
	m, err := s.store.ReinforceMemory(ctx, id, wasCorrect)
	if err != nil {
		return model.Memory{}, fmt.Errorf("memory: reinforce %s: %w", id, err)
	}

	m.Confidence = SmoothedConfidence(m.CorrectCount, m.TotalCount)
	if err := s.store.SetMemoryConfidence(ctx, id, m.Confidence); err != nil {
		return model.Memory{}, fmt.Errorf("memory: update confidence for %s: %w", id, err)
	}

	s.logger.Info("memory reinforced",
		slog.String("memory_id", id.String()),
		slog.Bool("was_correct", wasCorrect),
		slog.Int64("correct", m.CorrectCount),
		slog.Int64("total", m.TotalCount),
		slog.Float64("confidence", m.Confidence))
	return m, nil
}

// ApplyLesson upserts a feedback-derived lesson keyed by
// (org, scope, entity key, category). A matching memory is reinforced
// positively and its content replaced last-write-wins; otherwise a new
// memory is created at moderate initial confidence.
func (s *Service) ApplyLesson(ctx context.Context, orgID uuid.UUID, lesson model.Lesson) (model.Memory, error) {
	if err := lesson.Validate(); err != nil {
		return model.Memory{}, fmt.Errorf("memory: invalid lesson: %w", err)
	}

	content := model.MemoryContent{
		Description: lesson.Description,
		Evidence:    lesson.Evidence,
		Conditions:  lesson.Conditions,
	}

	existing, err := s.store.FindMemoryByKey(ctx, orgID, lesson.Scope, lesson.EntityKey, lesson.Category)
	switch {
	case err == nil:
		m, err := s.Reinforce(ctx, existing.ID, true)
		if err != nil {
			return model.Memory{}, err
		}
		if err := s.store.UpdateMemoryContent(ctx, existing.ID, content); err != nil {
			return model.Memory{}, fmt.Errorf("memory: update content for %s: %w", existing.ID, err)
		}
		m.Content = content
		return m, nil

	case errors.Is(err, store.ErrNotFound):
		m := model.Memory{
			ID:           uuid.New(),
			OrgID:        orgID,
			Scope:        lesson.Scope,
			EntityKey:    lesson.EntityKey,
			Category:     lesson.Category,
			Content:      content,
			Confidence:   InitialConfidence,
			CorrectCount: 1,
			TotalCount:   1,
		}
		if s.embedder != nil {
			if vec, err := s.embedder.Embed(ctx, lesson.Description); err != nil {
				s.logger.Warn("creating memory without embedding", slog.String("error", err.Error()))
			} else {
				m.Embedding = &vec
			}
		}
		created, err := s.store.CreateMemory(ctx, m)
		if err != nil {
			return model.Memory{}, fmt.Errorf("memory: create from lesson: %w", err)
		}
		s.logger.Info("memory created from lesson",
			slog.String("memory_id", created.ID.String()),
			slog.String("scope", string(created.Scope)),
			slog.String("category", created.Category))
		return created, nil

	default:
		return model.Memory{}, fmt.Errorf("memory: lookup by key: %w", err)
	}
}

// ProcessFeedback routes one piece of human feedback into the learning
// loop. Corrections carrying a lesson upsert it; approvals and
// rejections that name a memory reinforce it positively or negatively.
// Feedback with no memory effect is valid and simply recorded upstream.
func (s *Service) ProcessFeedback(ctx context.Context, orgID uuid.UUID, req model.FeedbackRequest) error {
	switch req.Type {
	case model.FeedbackCorrection:
		if req.Details.Lesson != nil {
			if _, err := s.ApplyLesson(ctx, orgID, *req.Details.Lesson); err != nil {
				return err
			}
		}
		if req.Details.MemoryID != nil {
			if _, err := s.Reinforce(ctx, *req.Details.MemoryID, false); err != nil {
				return err
			}
		}
	case model.FeedbackApproval:
		if req.Details.MemoryID != nil {
			if _, err := s.Reinforce(ctx, *req.Details.MemoryID, true); err != nil {
				return err
			}
		}
	case model.FeedbackRejection:
		if req.Details.MemoryID != nil {
			if _, err := s.Reinforce(ctx, *req.Details.MemoryID, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// Archive soft-deletes a memory. Archived memories never surface in
// retrieval but remain readable for audit.
func (s *Service) Archive(ctx context.Context, orgID, id uuid.UUID) error {
	if err := s.store.ArchiveMemory(ctx, orgID, id); err != nil {
		return fmt.Errorf("memory: archive %s: %w", id, err)
	}
	s.logger.Info("memory archived", slog.String("memory_id", id.String()))
	return nil
}
