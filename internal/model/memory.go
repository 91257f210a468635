package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// MemoryScope discriminates what a learned fact is about.
type MemoryScope string

const (
	// ScopeEntity facts are tied to one external entity (e.g. a vendor).
	ScopeEntity MemoryScope = "entity"
	// ScopePattern facts describe recurring situations, matched by
	// structural conditions rather than a single entity key.
	ScopePattern MemoryScope = "pattern"
	// ScopeConfig facts capture org-level operating preferences.
	ScopeConfig MemoryScope = "config"
)

// Valid reports whether s is a known memory scope.
func (s MemoryScope) Valid() bool {
	return s == ScopeEntity || s == ScopePattern || s == ScopeConfig
}

// MemoryConditions are the structural match conditions for pattern
// memories. A retrieval query matches when every set condition holds.
type MemoryConditions struct {
	Vendor    *string  `json:"vendor,omitempty"`
	AmountMin *float64 `json:"amount_min,omitempty"`
	AmountMax *float64 `json:"amount_max,omitempty"`
}

// MemoryContent is the discriminated payload of a learned fact.
type MemoryContent struct {
	Description string            `json:"description"`
	Evidence    []string          `json:"evidence,omitempty"`
	Conditions  *MemoryConditions `json:"conditions,omitempty"`
}

// Memory is a persisted, confidence-scored fact reinforced by human
// feedback over time. Memories are archived (soft-deleted), never hard
// deleted, so the audit trail of what the agent believed stays intact.
type Memory struct {
	ID           uuid.UUID        `json:"id"`
	OrgID        uuid.UUID        `json:"org_id"`
	Scope        MemoryScope      `json:"scope"`
	EntityKey    string           `json:"entity_key,omitempty"`
	Category     string           `json:"category"`
	Content      MemoryContent    `json:"content"`
	Confidence   float64          `json:"confidence"`
	CorrectCount int64            `json:"correct_count"`
	TotalCount   int64            `json:"total_count"`
	UsageCount   int64            `json:"usage_count"`
	IsArchived   bool             `json:"is_archived"`
	Embedding    *pgvector.Vector `json:"-"`
	LastUsedAt   *time.Time       `json:"last_used_at,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// RetrievedMemory is a memory plus the relevance score it was ranked
// with for one retrieval query.
type RetrievedMemory struct {
	Memory         Memory  `json:"memory"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Lesson is a feedback-derived learning, upserted into the memory store
// by (org, scope, entity key, category).
type Lesson struct {
	Scope       MemoryScope       `json:"scope"`
	EntityKey   string            `json:"entity_key,omitempty"`
	Category    string            `json:"category"`
	Description string            `json:"description"`
	Evidence    []string          `json:"evidence,omitempty"`
	Conditions  *MemoryConditions `json:"conditions,omitempty"`
}

// Validate checks lesson fields before they reach the memory store.
func (l Lesson) Validate() error {
	if !l.Scope.Valid() {
		return fmt.Errorf("scope must be one of entity, pattern, config (got %q)", l.Scope)
	}
	if l.Scope == ScopeEntity && l.EntityKey == "" {
		return fmt.Errorf("entity_key is required for entity-scoped lessons")
	}
	if l.Category == "" {
		return fmt.Errorf("category is required")
	}
	if l.Description == "" {
		return fmt.Errorf("description is required")
	}
	return nil
}

// FeedbackType classifies human feedback on an execution.
type FeedbackType string

const (
	FeedbackCorrection FeedbackType = "correction"
	FeedbackApproval   FeedbackType = "approval"
	FeedbackRejection  FeedbackType = "rejection"
)

// Valid reports whether t is a known feedback type.
func (t FeedbackType) Valid() bool {
	return t == FeedbackCorrection || t == FeedbackApproval || t == FeedbackRejection
}
