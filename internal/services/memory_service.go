// Package services exposes the memory store and the reward flywheel to the
// serving layer. Services own validation and the action log; storage and
// vector packages stay free of business rules.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bossandy123/z-memory/internal/llm"
	"github.com/bossandy123/z-memory/internal/metrics"
	"github.com/bossandy123/z-memory/internal/storage"
	"github.com/bossandy123/z-memory/internal/vector"
	"github.com/bossandy123/z-memory/pkg/types"
)

var (
	// ErrDisabled is returned when the requested subsystem or entity kind is
	// switched off in configuration.
	ErrDisabled = errors.New("feature disabled")

	// ErrForbidden is returned when a memory is addressed through an entity
	// that does not own it.
	ErrForbidden = errors.New("memory belongs to another entity")
)

const (
	existingEventLimit = 50
	defaultTopK        = 5
	maxTopK            = 100
	defaultLogLimit    = 10
)

// MemoryRepository is the storage a MemoryService needs.
type MemoryRepository interface {
	storage.MemoryStore
	storage.ActionLogStore
}

// CandidateSource proposes memory operations for content under a mode.
type CandidateSource interface {
	Extract(ctx context.Context, mode types.ExtractionMode, content, entityID string, kind types.EntityKind, existing []*types.Memory) ([]types.ExtractedMemory, error)
}

// LogListener is told about every appended action log.
type LogListener func(log *types.ActionLog)

// StoreRequest describes a memory to store directly.
type StoreRequest struct {
	Kind        types.EntityKind
	EntityID    string
	Content     string
	Tier        types.Tier
	Metadata    map[string]interface{}
	IsPermanent bool
	ExpiresAt   *time.Time

	// Reason overrides the default insert log reason.
	Reason string

	// LogMetadata is merged into the insert log's metadata.
	LogMetadata map[string]interface{}
}

// UpdateRequest describes a change to an existing memory. Nil fields are kept.
type UpdateRequest struct {
	Content  *string
	Metadata map[string]interface{}
	Reason   string

	// LogMetadata is merged into the update log's metadata.
	LogMetadata map[string]interface{}
}

// ExtractionItem reports what happened to one extracted candidate.
type ExtractionItem struct {
	MemoryID     string       `json:"id,omitempty"`
	Action       types.Action `json:"action"`
	Tier         types.Tier   `json:"memory_layer"`
	Content      string       `json:"content"`
	Reason       string       `json:"reason"`
	LLMAction    types.Action `json:"llm_action,omitempty"`
	PolicyAction types.Action `json:"rl_action,omitempty"`
	Confidence   *float64     `json:"confidence,omitempty"`
	Skipped      bool         `json:"skipped,omitempty"`
}

// ExtractionResult summarises one ExtractAndStore call.
type ExtractionResult struct {
	Mode         types.ExtractionMode `json:"mode"`
	Total        int                  `json:"total_extracted"`
	Inserted     int                  `json:"inserted"`
	Updated      int                  `json:"updated"`
	Ignored      int                  `json:"ignored"`
	Deleted      int                  `json:"deleted"`
	Skipped      int                  `json:"skipped"`
	ProfileCount int                  `json:"profile_count"`
	EventCount   int                  `json:"event_count"`
	Memories     []ExtractionItem     `json:"memories"`
}

// MemoryService stores, mutates and queries tiered memories, logging every
// decision to the action log.
type MemoryService struct {
	repo      MemoryRepository
	index     vector.Index
	embedder  llm.EmbeddingGenerator
	extractor CandidateSource
	enabled   map[types.EntityKind]bool
	logger    *slog.Logger
	metrics   *metrics.Manager
	now       func() time.Time
	listeners []LogListener
}

// MemoryServiceOption configures a MemoryService.
type MemoryServiceOption func(*MemoryService)

// WithMemoryMetrics records memory operations on m.
func WithMemoryMetrics(m *metrics.Manager) MemoryServiceOption {
	return func(s *MemoryService) { s.metrics = m }
}

// WithLogListener registers fn to run after every appended log.
func WithLogListener(fn LogListener) MemoryServiceOption {
	return func(s *MemoryService) { s.listeners = append(s.listeners, fn) }
}

// WithMemoryClock overrides time.Now.
func WithMemoryClock(now func() time.Time) MemoryServiceOption {
	return func(s *MemoryService) { s.now = now }
}

// WithEnabledKinds restricts which entity kinds may be used. All kinds are
// enabled by default.
func WithEnabledKinds(user, agent bool) MemoryServiceOption {
	return func(s *MemoryService) {
		s.enabled = map[types.EntityKind]bool{types.EntityUser: user, types.EntityAgent: agent}
	}
}

// NewMemoryService creates a MemoryService. extractor may be nil, in which
// case ExtractAndStore is unavailable.
func NewMemoryService(repo MemoryRepository, index vector.Index, embedder llm.EmbeddingGenerator, extractor CandidateSource, logger *slog.Logger, opts ...MemoryServiceOption) *MemoryService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MemoryService{
		repo:      repo,
		index:     index,
		embedder:  embedder,
		extractor: extractor,
		enabled:   map[types.EntityKind]bool{types.EntityUser: true, types.EntityAgent: true},
		logger:    logger,
		metrics:   metrics.NoOpManager(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// KindEnabled reports whether memories of kind can be used.
func (s *MemoryService) KindEnabled(kind types.EntityKind) bool {
	return s.enabled[kind]
}

func (s *MemoryService) checkEntity(kind types.EntityKind, entityID string) error {
	if !kind.IsValid() {
		return fmt.Errorf("%w: invalid entity kind %q", storage.ErrInvalidInput, kind)
	}
	if strings.TrimSpace(entityID) == "" {
		return fmt.Errorf("%w: entity id is required", storage.ErrInvalidInput)
	}
	if !s.enabled[kind] {
		return fmt.Errorf("%w: %s memory", ErrDisabled, kind)
	}
	return nil
}

// Store embeds and persists a new memory and logs the insert.
func (s *MemoryService) Store(ctx context.Context, req StoreRequest) (*types.Memory, error) {
	if err := s.checkEntity(req.Kind, req.EntityID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("%w: content is required", storage.ErrInvalidInput)
	}
	if req.Tier == "" {
		req.Tier = types.TierEvent
	}
	if !req.Tier.IsValid() {
		return nil, fmt.Errorf("%w: invalid tier %q", storage.ErrInvalidInput, req.Tier)
	}

	vec, err := s.embedder.Embed(ctx, req.Content)
	if err != nil {
		return nil, fmt.Errorf("embed memory: %w", err)
	}

	now := s.now().UTC()
	m := &types.Memory{
		ID:         uuid.New().String(),
		EntityID:   req.EntityID,
		EntityKind: req.Kind,
		Tier:       req.Tier,
		Content:    req.Content,
		Metadata:   types.CloneMetadata(req.Metadata),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if req.Tier == types.TierEvent {
		m.IsPermanent = req.IsPermanent
		m.ExpiresAt = req.ExpiresAt
	}
	m.VectorID = m.ID

	collection := vector.CollectionName(m.EntityKind, m.EntityID)
	if err := s.index.Upsert(ctx, collection, pointFor(m, vec)); err != nil {
		return nil, fmt.Errorf("index memory: %w", err)
	}
	if err := s.repo.CreateMemory(ctx, m); err != nil {
		if derr := s.index.Delete(ctx, collection, m.ID); derr != nil {
			s.logger.Warn("failed to remove orphaned vector point", "memory_id", m.ID, "error", derr)
		}
		return nil, err
	}

	reason := req.Reason
	if reason == "" {
		reason = fmt.Sprintf("inserted new %s memory", m.Tier)
	}
	if err := s.appendLog(ctx, m, types.ActionInsert, reason, req.LogMetadata); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns one memory.
func (s *MemoryService) Get(ctx context.Context, id string) (*types.Memory, error) {
	return s.repo.GetMemory(ctx, id)
}

// GetOwned returns a memory, failing with ErrForbidden when it belongs to a
// different entity.
func (s *MemoryService) GetOwned(ctx context.Context, kind types.EntityKind, entityID, id string) (*types.Memory, error) {
	if err := s.checkEntity(kind, entityID); err != nil {
		return nil, err
	}
	m, err := s.repo.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.EntityKind != kind || m.EntityID != entityID {
		return nil, ErrForbidden
	}
	return m, nil
}

// ListProfile returns an entity's profile memories, newest first.
func (s *MemoryService) ListProfile(ctx context.Context, kind types.EntityKind, entityID string) ([]*types.Memory, error) {
	return s.list(ctx, kind, entityID, types.TierProfile, 1000)
}

// ListEvents returns up to limit unexpired event memories, newest first.
func (s *MemoryService) ListEvents(ctx context.Context, kind types.EntityKind, entityID string, limit int) ([]*types.Memory, error) {
	return s.list(ctx, kind, entityID, types.TierEvent, limit)
}

func (s *MemoryService) list(ctx context.Context, kind types.EntityKind, entityID string, tier types.Tier, limit int) ([]*types.Memory, error) {
	if err := s.checkEntity(kind, entityID); err != nil {
		return nil, err
	}
	mems, err := s.repo.ListMemories(ctx, storage.MemoryFilter{EntityKind: kind, EntityID: entityID, Tier: tier, Limit: limit})
	if err != nil {
		return nil, err
	}
	return s.dropExpired(mems), nil
}

func (s *MemoryService) dropExpired(mems []*types.Memory) []*types.Memory {
	now := s.now().UTC()
	out := mems[:0]
	for _, m := range mems {
		if !m.IsExpired(now) {
			out = append(out, m)
		}
	}
	return out
}

// Update rewrites a memory's content and/or metadata, re-embedding changed
// content, and logs the update.
func (s *MemoryService) Update(ctx context.Context, id string, req UpdateRequest) (*types.Memory, error) {
	m, err := s.repo.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.update(ctx, m, req)
}

func (s *MemoryService) update(ctx context.Context, m *types.Memory, req UpdateRequest) (*types.Memory, error) {
	if req.Content == nil && req.Metadata == nil {
		return nil, fmt.Errorf("%w: nothing to update", storage.ErrInvalidInput)
	}

	if req.Content != nil && *req.Content != m.Content {
		if strings.TrimSpace(*req.Content) == "" {
			return nil, fmt.Errorf("%w: content cannot be empty", storage.ErrInvalidInput)
		}
		vec, err := s.embedder.Embed(ctx, *req.Content)
		if err != nil {
			return nil, fmt.Errorf("embed memory: %w", err)
		}
		m.Content = *req.Content
		if err := s.index.Upsert(ctx, vector.CollectionName(m.EntityKind, m.EntityID), pointFor(m, vec)); err != nil {
			return nil, fmt.Errorf("index memory: %w", err)
		}
	}
	if req.Metadata != nil {
		merged := types.CloneMetadata(m.Metadata)
		for k, v := range req.Metadata {
			merged[k] = v
		}
		m.Metadata = merged
	}
	m.UpdatedAt = s.now().UTC()

	if err := s.repo.UpdateMemory(ctx, m); err != nil {
		return nil, err
	}

	reason := req.Reason
	if reason == "" {
		reason = "manual update"
	}
	if err := s.appendLog(ctx, m, types.ActionUpdate, reason, req.LogMetadata); err != nil {
		return nil, err
	}
	return m, nil
}

// Delete logs the deletion, then removes the memory row and its vector point.
func (s *MemoryService) Delete(ctx context.Context, id, reason string) error {
	m, err := s.repo.GetMemory(ctx, id)
	if err != nil {
		return err
	}
	return s.delete(ctx, m, reason, nil)
}

func (s *MemoryService) delete(ctx context.Context, m *types.Memory, reason string, logMeta map[string]interface{}) error {
	if reason == "" {
		reason = "manual delete"
	}
	if err := s.appendLog(ctx, m, types.ActionDelete, reason, logMeta); err != nil {
		return err
	}
	if err := s.repo.DeleteMemory(ctx, m.ID); err != nil {
		return err
	}
	if err := s.index.Delete(ctx, vector.CollectionName(m.EntityKind, m.EntityID), m.VectorID); err != nil {
		s.logger.Warn("failed to remove vector point", "memory_id", m.ID, "error", err)
	}
	return nil
}

// Logs returns the action logs recorded against a memory, newest first.
func (s *MemoryService) Logs(ctx context.Context, memoryID string, tier types.Tier, limit int) ([]*types.ActionLog, error) {
	if limit <= 0 {
		limit = defaultLogLimit
	}
	return s.repo.ListLogs(ctx, storage.LogFilter{MemoryID: memoryID, Tier: tier, Limit: limit})
}

// Query embeds text, searches the entity's collection and returns the
// matching memories with their similarity. Each hit is logged as a query
// action; those logs are the usage signal rewards are computed from.
func (s *MemoryService) Query(ctx context.Context, kind types.EntityKind, entityID, text string, topK int) ([]*types.Memory, error) {
	if err := s.checkEntity(kind, entityID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: query text is required", storage.ErrInvalidInput)
	}
	if topK <= 0 {
		topK = defaultTopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}

	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := s.index.Search(ctx, vector.CollectionName(kind, entityID), vec, topK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	now := s.now().UTC()
	results := make([]*types.Memory, 0, len(hits))
	for _, h := range hits {
		m, err := s.repo.GetMemory(ctx, h.ID)
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Debug("vector hit without memory row", "memory_id", h.ID)
			continue
		}
		if err != nil {
			return nil, err
		}
		if m.IsExpired(now) {
			continue
		}
		m.Score = h.Score

		if err := s.appendLog(ctx, m, types.ActionQuery, "retrieved by similarity query",
			map[string]interface{}{"score": h.Score}); err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, nil
}

// ExtractAndStore extracts candidates from content with the given mode and
// applies them in order.
func (s *MemoryService) ExtractAndStore(ctx context.Context, kind types.EntityKind, entityID, content string, mode types.ExtractionMode) (*ExtractionResult, error) {
	if err := s.checkEntity(kind, entityID); err != nil {
		return nil, err
	}
	if s.extractor == nil {
		return nil, fmt.Errorf("%w: extraction", ErrDisabled)
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: content is required", storage.ErrInvalidInput)
	}
	if mode == "" {
		mode = types.ModeLLM
	}
	if !mode.IsValid() {
		return nil, fmt.Errorf("%w: invalid extraction mode %q", storage.ErrInvalidInput, mode)
	}

	existing, err := s.existingMemories(ctx, kind, entityID)
	if err != nil {
		return nil, err
	}

	candidates, err := s.extractor.Extract(ctx, mode, content, entityID, kind, existing)
	if err != nil {
		return nil, err
	}

	res := &ExtractionResult{Mode: mode, Total: len(candidates), Memories: make([]ExtractionItem, 0, len(candidates))}
	for i := range candidates {
		item, err := s.apply(ctx, kind, entityID, &candidates[i])
		if err != nil {
			return nil, err
		}
		res.count(item)
		res.Memories = append(res.Memories, item)
	}

	s.logger.Info("extraction applied",
		"entity_kind", kind, "entity_id", entityID, "mode", mode, "total", res.Total,
		"inserted", res.Inserted, "updated", res.Updated, "ignored", res.Ignored,
		"deleted", res.Deleted, "skipped", res.Skipped)
	return res, nil
}

func (r *ExtractionResult) count(item ExtractionItem) {
	if item.Tier == types.TierProfile {
		r.ProfileCount++
	} else {
		r.EventCount++
	}
	if item.Skipped {
		r.Skipped++
		return
	}
	switch item.Action {
	case types.ActionInsert:
		r.Inserted++
	case types.ActionUpdate:
		r.Updated++
	case types.ActionIgnore:
		r.Ignored++
	case types.ActionDelete:
		r.Deleted++
	}
}

func (s *MemoryService) existingMemories(ctx context.Context, kind types.EntityKind, entityID string) ([]*types.Memory, error) {
	profile, err := s.ListProfile(ctx, kind, entityID)
	if err != nil {
		return nil, err
	}
	events, err := s.ListEvents(ctx, kind, entityID, existingEventLimit)
	if err != nil {
		return nil, err
	}
	return append(profile, events...), nil
}

// apply executes one candidate. Update and delete candidates whose target
// could not be resolved to a memory of this entity are skipped.
func (s *MemoryService) apply(ctx context.Context, kind types.EntityKind, entityID string, c *types.ExtractedMemory) (ExtractionItem, error) {
	item := ExtractionItem{
		MemoryID:     c.MemoryID,
		Action:       c.Action,
		Tier:         c.Tier,
		Content:      c.Content,
		Reason:       c.Reason,
		LLMAction:    c.LLMAction,
		PolicyAction: c.PolicyAction,
		Confidence:   c.Confidence,
	}
	if item.Tier == "" {
		item.Tier = types.TierEvent
	}
	logMeta := arbitrationMeta(c)

	var target *types.Memory
	if c.Action != types.ActionInsert && c.MemoryID != "" {
		m, err := s.GetOwned(ctx, kind, entityID, c.MemoryID)
		switch {
		case err == nil:
			target = m
			item.Tier = m.Tier
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, ErrForbidden):
		default:
			return item, err
		}
	}

	switch c.Action {
	case types.ActionIgnore:
		if target != nil {
			if err := s.appendLog(ctx, target, types.ActionIgnore, c.Reason, logMeta); err != nil {
				return item, err
			}
		}

	case types.ActionUpdate:
		if target == nil {
			item.Skipped = true
			s.logger.Warn("skipping update without a resolvable target", "entity_id", entityID, "content", c.Content)
			break
		}
		content := c.Content
		if _, err := s.update(ctx, target, UpdateRequest{Content: &content, Metadata: c.Metadata, Reason: c.Reason, LogMetadata: logMeta}); err != nil {
			return item, err
		}

	case types.ActionDelete:
		if target == nil {
			item.Skipped = true
			s.logger.Warn("skipping delete without a resolvable target", "entity_id", entityID, "content", c.Content)
			break
		}
		if err := s.delete(ctx, target, c.Reason, logMeta); err != nil {
			return item, err
		}

	case types.ActionInsert:
		m, err := s.Store(ctx, StoreRequest{
			Kind:        kind,
			EntityID:    entityID,
			Content:     c.Content,
			Tier:        item.Tier,
			Metadata:    c.Metadata,
			Reason:      c.Reason,
			LogMetadata: logMeta,
		})
		if err != nil {
			return item, err
		}
		item.MemoryID = m.ID

	default:
		item.Skipped = true
		s.logger.Warn("skipping candidate with unsupported action", "action", c.Action)
	}
	return item, nil
}

func arbitrationMeta(c *types.ExtractedMemory) map[string]interface{} {
	meta := map[string]interface{}{}
	if c.LLMAction != "" {
		meta["llm_action"] = string(c.LLMAction)
	}
	if c.PolicyAction != "" {
		meta["rl_action"] = string(c.PolicyAction)
	}
	if c.Confidence != nil {
		meta["confidence"] = *c.Confidence
	}
	if c.Enhanced {
		meta["rl_enhanced"] = true
	}
	return meta
}

// appendLog writes a log for m. The log carries the memory's feature tags
// and owner so training can rebuild its state later.
func (s *MemoryService) appendLog(ctx context.Context, m *types.Memory, action types.Action, reason string, extra map[string]interface{}) error {
	meta := map[string]interface{}{
		"entity_id":   m.EntityID,
		"entity_kind": string(m.EntityKind),
	}
	for _, k := range []string{"importance", "memory_type", "category", "source", "auto_extracted"} {
		if v, ok := m.Metadata[k]; ok {
			meta[k] = v
		}
	}
	for k, v := range extra {
		meta[k] = v
	}

	l := &types.ActionLog{
		ID:        uuid.New().String(),
		MemoryID:  m.ID,
		Tier:      m.Tier,
		Action:    action,
		Reason:    reason,
		Metadata:  meta,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.AppendLog(ctx, l); err != nil {
		return fmt.Errorf("append %s log for memory %s: %w", action, m.ID, err)
	}
	s.metrics.RecordMemoryOperation(string(action), string(m.Tier))
	for _, fn := range s.listeners {
		fn(l)
	}
	return nil
}

func pointFor(m *types.Memory, vec []float32) vector.Point {
	return vector.Point{
		ID:     m.ID,
		Vector: vec,
		Payload: map[string]string{
			"memory_id": m.ID,
			"tier":      string(m.Tier),
			"content":   m.Content,
		},
	}
}
