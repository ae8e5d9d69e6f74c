package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbus/agentbus/pkg/config"
)

// bagOfWordsEmbedding is a tiny deterministic embedding over a fixed
// vocabulary, good enough to rank exact topic matches above others.
func bagOfWordsEmbedding(_ context.Context, text string) ([]float32, error) {
	vocab := []string{"auth", "billing", "search", "todo", "design", "api"}
	vec := make([]float32, len(vocab))
	lower := strings.ToLower(text)
	for i, word := range vocab {
		if strings.Contains(lower, word) {
			vec[i] = 1
		}
	}
	// Avoid the zero vector; cosine similarity is undefined there.
	vec = append(vec, 0.1)
	return vec, nil
}

func TestChromemClient_StoreAndSearch(t *testing.T) {
	ctx := context.Background()
	client, err := NewChromemClient(config.MemoryConfig{Enabled: true}, bagOfWordsEmbedding)
	require.NoError(t, err)

	require.NoError(t, client.Store(ctx, "job-1", "prd", "the auth flow uses magic links"))
	require.NoError(t, client.Store(ctx, "job-1", "plan", "billing is out of scope"))
	require.NoError(t, client.Store(ctx, "job-2", "prd", "auth for another job"))

	hits, err := client.Search(ctx, "job-1", "how does auth work", 2)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Contains(t, hits[0].Content, "auth")
	assert.Equal(t, "prd", hits[0].Kind)

	// Job scoping: job-2's entries never leak into job-1 results.
	for _, hit := range hits {
		assert.NotContains(t, hit.Content, "another job")
	}
}

func TestChromemClient_EmptySearch(t *testing.T) {
	client, err := NewChromemClient(config.MemoryConfig{Enabled: true}, bagOfWordsEmbedding)
	require.NoError(t, err)

	hits, err := client.Search(context.Background(), "job-1", "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestNoop(t *testing.T) {
	ctx := context.Background()
	var client Client = Noop{}

	require.NoError(t, client.Store(ctx, "job-1", "prd", "content"))
	hits, err := client.Search(ctx, "job-1", "query", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
