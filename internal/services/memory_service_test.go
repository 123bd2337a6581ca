package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bossandy123/z-memory/internal/logging"
	"github.com/bossandy123/z-memory/internal/storage"
	"github.com/bossandy123/z-memory/internal/storage/sqlite"
	"github.com/bossandy123/z-memory/internal/storage/sqlstore"
	"github.com/bossandy123/z-memory/internal/vector"
	"github.com/bossandy123/z-memory/pkg/types"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type stubEmbedder struct {
	err error
}

func (e *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	// Texts about tea point one way, everything else another.
	if strings.Contains(text, "tea") {
		return []float32{1, 0.1, 0}, nil
	}
	return []float32{0, 0.1, 1}, nil
}

func (e *stubEmbedder) GetModel() string { return "stub" }

type stubSource struct {
	candidates []types.ExtractedMemory
	gotMode    types.ExtractionMode
	gotExist   []*types.Memory
}

func (s *stubSource) Extract(ctx context.Context, mode types.ExtractionMode, content, entityID string, kind types.EntityKind, existing []*types.Memory) ([]types.ExtractedMemory, error) {
	s.gotMode = mode
	s.gotExist = existing
	return s.candidates, nil
}

type fixture struct {
	store *sqlstore.Store
	index *vector.ChromemIndex
	svc   *MemoryService
	src   *stubSource
	logs  []*types.ActionLog
	clock time.Time
}

func newFixture(t *testing.T, opts ...MemoryServiceOption) *fixture {
	t.Helper()
	store, err := sqlite.Open(context.Background(), ":memory:", logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	idx, err := vector.NewChromem("", logging.Discard())
	require.NoError(t, err)

	f := &fixture{store: store, index: idx, src: &stubSource{}, clock: testNow}
	opts = append([]MemoryServiceOption{
		// Every call advances one second so newest-first ordering is stable.
		WithMemoryClock(func() time.Time {
			f.clock = f.clock.Add(time.Second)
			return f.clock
		}),
		WithLogListener(func(l *types.ActionLog) { f.logs = append(f.logs, l) }),
	}, opts...)
	f.svc = NewMemoryService(store, idx, &stubEmbedder{}, f.src, logging.Discard(), opts...)
	return f
}

func (f *fixture) store1(t *testing.T, content string, tier types.Tier) *types.Memory {
	t.Helper()
	m, err := f.svc.Store(context.Background(), StoreRequest{
		Kind: types.EntityUser, EntityID: "alice", Content: content, Tier: tier,
		Metadata: map[string]interface{}{"importance": 4, "category": "preference"},
	})
	require.NoError(t, err)
	return m
}

func TestStore_PersistsIndexesAndLogs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := f.store1(t, "likes green tea", types.TierProfile)
	assert.Equal(t, m.ID, m.VectorID)

	got, err := f.svc.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "likes green tea", got.Content)

	hits, err := f.index.Search(ctx, vector.CollectionName(types.EntityUser, "alice"), []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, m.ID, hits[0].ID)

	require.Len(t, f.logs, 1)
	l := f.logs[0]
	assert.Equal(t, types.ActionInsert, l.Action)
	assert.Equal(t, "inserted new profile memory", l.Reason)
	assert.Equal(t, "alice", l.Metadata["entity_id"])
	assert.Equal(t, "user", l.Metadata["entity_kind"])
	assert.Equal(t, "preference", l.Metadata["category"])
}

func TestStore_Validation(t *testing.T) {
	f := newFixture(t, WithEnabledKinds(true, false))
	ctx := context.Background()

	_, err := f.svc.Store(ctx, StoreRequest{Kind: types.EntityUser, EntityID: "alice"})
	assert.True(t, errors.Is(err, storage.ErrInvalidInput))

	_, err = f.svc.Store(ctx, StoreRequest{Kind: "robot", EntityID: "r", Content: "x"})
	assert.True(t, errors.Is(err, storage.ErrInvalidInput))

	_, err = f.svc.Store(ctx, StoreRequest{Kind: types.EntityAgent, EntityID: "bot", Content: "x"})
	assert.True(t, errors.Is(err, ErrDisabled))
}

func TestStore_EmbeddingFailureWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.svc.embedder = &stubEmbedder{err: errors.New("provider down")}

	_, err := f.svc.Store(context.Background(), StoreRequest{Kind: types.EntityUser, EntityID: "alice", Content: "x"})
	require.Error(t, err)
	assert.Empty(t, f.logs)
}

func TestUpdateAndDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.store1(t, "likes green tea", types.TierProfile)

	content := "likes oolong tea"
	updated, err := f.svc.Update(ctx, m.ID, UpdateRequest{Content: &content, Metadata: map[string]interface{}{"quality_score": 0.9}})
	require.NoError(t, err)
	assert.Equal(t, content, updated.Content)
	assert.Equal(t, 0.9, updated.Metadata["quality_score"])
	assert.Equal(t, "preference", updated.Metadata["category"], "metadata is merged")

	_, err = f.svc.Update(ctx, m.ID, UpdateRequest{})
	assert.True(t, errors.Is(err, storage.ErrInvalidInput))

	require.NoError(t, f.svc.Delete(ctx, m.ID, "no longer true"))
	_, err = f.svc.Get(ctx, m.ID)
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	logs, err := f.svc.Logs(ctx, m.ID, "", 10)
	require.NoError(t, err)
	require.Len(t, logs, 3, "logs survive the memory")
	assert.Equal(t, types.ActionDelete, logs[0].Action)
	assert.Equal(t, "no longer true", logs[0].Reason)

	assert.True(t, errors.Is(f.svc.Delete(ctx, m.ID, ""), storage.ErrNotFound))
}

func TestGetOwned(t *testing.T) {
	f := newFixture(t)
	m := f.store1(t, "likes green tea", types.TierProfile)

	_, err := f.svc.GetOwned(context.Background(), types.EntityUser, "bob", m.ID)
	assert.True(t, errors.Is(err, ErrForbidden))

	got, err := f.svc.GetOwned(context.Background(), types.EntityUser, "alice", m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
}

func TestQuery_LogsEveryHitAndSkipsExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tea := f.store1(t, "likes green tea", types.TierProfile)
	past := testNow.Add(-time.Hour)
	expired, err := f.svc.Store(ctx, StoreRequest{
		Kind: types.EntityUser, EntityID: "alice", Content: "tea tasting on friday",
		Tier: types.TierEvent, ExpiresAt: &past,
	})
	require.NoError(t, err)
	f.logs = nil

	results, err := f.svc.Query(ctx, types.EntityUser, "alice", "tea", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, tea.ID, results[0].ID)
	assert.Greater(t, results[0].Score, 0.0)

	require.Len(t, f.logs, 1)
	assert.Equal(t, types.ActionQuery, f.logs[0].Action)
	assert.Equal(t, tea.ID, f.logs[0].MemoryID)

	events, err := f.svc.ListEvents(ctx, types.EntityUser, "alice", 10)
	require.NoError(t, err)
	assert.Empty(t, events, "expired event %s is hidden", expired.ID)

	_, err = f.svc.Query(ctx, types.EntityUser, "alice", " ", 5)
	assert.True(t, errors.Is(err, storage.ErrInvalidInput))
}

func TestExtractAndStore_AppliesCandidatesInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	keep := f.store1(t, "likes green tea", types.TierProfile)
	change := f.store1(t, "works at acme", types.TierProfile)
	drop := f.store1(t, "lives in paris", types.TierProfile)
	f.logs = nil

	conf := 0.75
	f.src.candidates = []types.ExtractedMemory{
		{Content: "likes green tea", Action: types.ActionIgnore, Reason: "duplicate", MemoryID: keep.ID, Tier: types.TierProfile},
		{Content: "works at globex", Action: types.ActionUpdate, Reason: "changed jobs", MemoryID: change.ID,
			LLMAction: types.ActionInsert, PolicyAction: types.ActionUpdate, Confidence: &conf, Enhanced: true},
		{Content: "", Action: types.ActionDelete, Reason: "moved away", MemoryID: drop.ID},
		{Content: "went hiking", Action: types.ActionInsert, Reason: "new event", Tier: types.TierEvent,
			Metadata: map[string]interface{}{"importance": 2}},
		{Content: "unknown target", Action: types.ActionUpdate, Reason: "no id"},
	}

	res, err := f.svc.ExtractAndStore(ctx, types.EntityUser, "alice", "conversation", types.ModeEnsemble)
	require.NoError(t, err)

	assert.Equal(t, types.ModeEnsemble, f.src.gotMode)
	assert.Len(t, f.src.gotExist, 3)

	assert.Equal(t, 5, res.Total)
	assert.Equal(t, 1, res.Ignored)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 3, res.ProfileCount)
	assert.Equal(t, 2, res.EventCount)
	assert.NotEmpty(t, res.Memories[3].MemoryID)

	actions := make([]types.Action, 0, len(f.logs))
	for _, l := range f.logs {
		actions = append(actions, l.Action)
	}
	assert.Equal(t, []types.Action{types.ActionIgnore, types.ActionUpdate, types.ActionDelete, types.ActionInsert}, actions)

	upd := f.logs[1]
	assert.Equal(t, "changed jobs", upd.Reason)
	assert.Equal(t, "insert", upd.Metadata["llm_action"])
	assert.Equal(t, "update", upd.Metadata["rl_action"])
	assert.Equal(t, 0.75, upd.Metadata["confidence"])

	got, err := f.svc.Get(ctx, change.ID)
	require.NoError(t, err)
	assert.Equal(t, "works at globex", got.Content)

	_, err = f.svc.Get(ctx, drop.ID)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestExtractAndStore_IgnoresOtherEntitiesMemories(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.svc.Store(ctx, StoreRequest{Kind: types.EntityUser, EntityID: "bob", Content: "likes coffee", Tier: types.TierProfile})
	require.NoError(t, err)
	f.src.candidates = []types.ExtractedMemory{{Content: "x", Action: types.ActionDelete, MemoryID: m.ID}}

	res, err := f.svc.ExtractAndStore(ctx, types.EntityUser, "alice", "conversation", types.ModeLLM)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)

	_, err = f.svc.Get(ctx, m.ID)
	assert.NoError(t, err)
}

func TestExtractAndStore_RejectsUnknownMode(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ExtractAndStore(context.Background(), types.EntityUser, "alice", "c", "random")
	assert.True(t, errors.Is(err, storage.ErrInvalidInput))
}
