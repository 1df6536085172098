package engine

import (
	"testing"

	"github.com/Lay3rLabs/wavs/internal/model"
	"github.com/stretchr/testify/require"
)

func TestComponentCache_GetOrInsert_DeduplicatesByDigest(t *testing.T) {
	cache := newComponentCache()
	comp := model.Component{Source: []byte("function handle(x){return x;}")}

	got1, err := cache.getOrInsert(comp)
	require.NoError(t, err)
	require.NotEmpty(t, got1.Digest)

	got2, err := cache.getOrInsert(comp)
	require.NoError(t, err)
	require.Equal(t, got1.Digest, got2.Digest)
	require.Equal(t, 1, cache.len())
}

func TestComponentCache_RejectsMismatchedDigest(t *testing.T) {
	cache := newComponentCache()
	comp := model.Component{Source: []byte("function handle(x){return x;}"), Digest: "not-the-real-digest"}

	_, err := cache.getOrInsert(comp)
	require.Error(t, err)
}

func TestComponentCache_DistinctSourcesGetDistinctEntries(t *testing.T) {
	cache := newComponentCache()
	_, err := cache.getOrInsert(model.Component{Source: []byte("a")})
	require.NoError(t, err)
	_, err = cache.getOrInsert(model.Component{Source: []byte("b")})
	require.NoError(t, err)
	require.Equal(t, 2, cache.len())
}
