package memory

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CherryPod/sentinel-sub001/pkg/bus"
	"github.com/CherryPod/sentinel-sub001/pkg/database"
)

// stubEmbedding maps texts onto a tiny fixed vector space so similarity is
// deterministic without a model.
func stubEmbedding(_ context.Context, text string) ([]float32, error) {
	lower := strings.ToLower(text)
	v := []float32{0.01, 0.01, 0.01}
	if strings.Contains(lower, "deploy") {
		v[0] = 1
	}
	if strings.Contains(lower, "grocery") {
		v[1] = 1
	}
	if strings.Contains(lower, "meeting") {
		v[2] = 1
	}
	return v, nil
}

func testMemory(t *testing.T) *Store {
	t.Helper()
	client, err := database.NewClient(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	s, err := NewStore("", stubEmbedding, client.DB(), bus.New(nil), nil)
	require.NoError(t, err)
	return s
}

func TestStoreAndGet(t *testing.T) {
	s := testMemory(t)

	id, err := s.Store(context.Background(), "deploy checklist: run migrations first", map[string]string{"kind": "note"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "deploy checklist: run migrations first", got.Content)
	assert.Equal(t, "note", got.Metadata["kind"])
	assert.False(t, got.CreatedAt.IsZero())
}

func TestStoreRejectsEmpty(t *testing.T) {
	s := testMemory(t)
	_, err := s.Store(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestSearchRanksBySimilarity(t *testing.T) {
	s := testMemory(t)
	ctx := context.Background()

	_, err := s.Store(ctx, "deploy notes for the api service", nil)
	require.NoError(t, err)
	_, err = s.Store(ctx, "grocery list: milk and eggs", nil)
	require.NoError(t, err)
	_, err = s.Store(ctx, "meeting summary from monday", nil)
	require.NoError(t, err)

	results, err := s.Search(ctx, "how do I deploy", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Contains(t, results[0].Chunk.Content, "deploy")
	assert.GreaterOrEqual(t, results[0].Similarity, results[1].Similarity)
}

func TestSearchClampsToCollectionSize(t *testing.T) {
	s := testMemory(t)
	_, err := s.Store(context.Background(), "deploy runbook", nil)
	require.NoError(t, err)

	results, err := s.Search(context.Background(), "deploy", 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestSearchEmptyStore(t *testing.T) {
	s := testMemory(t)
	results, err := s.Search(context.Background(), "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestDelete(t *testing.T) {
	s := testMemory(t)
	ctx := context.Background()

	id, err := s.Store(ctx, "deploy memo", nil)
	require.NoError(t, err)
	require.Equal(t, 1, s.Count())

	require.NoError(t, s.Delete(ctx, id))
	assert.Equal(t, 0, s.Count())

	_, err = s.Get(id)
	assert.Error(t, err)
}

func TestList(t *testing.T) {
	s := testMemory(t)
	ctx := context.Background()

	_, err := s.Store(ctx, "deploy first", nil)
	require.NoError(t, err)
	_, err = s.Store(ctx, "grocery second", nil)
	require.NoError(t, err)

	chunks, err := s.List(10)
	require.NoError(t, err)
	assert.Len(t, chunks, 2)
}

func TestStoredEventPublished(t *testing.T) {
	client, err := database.NewClient(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	b := bus.New(nil)
	events := make(chan string, 1)
	b.Subscribe("memory.stored", func(_ context.Context, topic string, _ any) {
		events <- topic
	})

	s, err := NewStore("", stubEmbedding, client.DB(), b, nil)
	require.NoError(t, err)

	_, err = s.Store(context.Background(), "deploy memo", nil)
	require.NoError(t, err)

	select {
	case topic := <-events:
		assert.Equal(t, "memory.stored", topic)
	case <-time.After(time.Second):
		t.Fatal("memory.stored event not published")
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	client, err := database.NewClient(context.Background(), filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	s1, err := NewStore(dir, stubEmbedding, client.DB(), nil, nil)
	require.NoError(t, err)
	_, err = s1.Store(context.Background(), "deploy knowledge survives restarts", nil)
	require.NoError(t, err)

	s2, err := NewStore(dir, stubEmbedding, client.DB(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, s2.Count())

	results, err := s2.Search(context.Background(), "deploy", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Chunk.Content, "survives")
}
