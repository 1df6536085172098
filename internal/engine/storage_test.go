package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsolatedStorage_ScopedToNamespace(t *testing.T) {
	backend := newStorageBackend(nil)
	s1 := newIsolatedStorage("svc-1", "wf-1", backend, 0)
	s2 := newIsolatedStorage("svc-2", "wf-1", backend, 0)

	require.NoError(t, s1.Set(context.Background(), "k", []byte("v1")))
	require.NoError(t, s2.Set(context.Background(), "k", []byte("v2")))

	got1, err := s1.Get(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got1)

	got2, err := s2.Get(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got2)
}

func TestIsolatedStorage_RejectsPathTraversal(t *testing.T) {
	backend := newStorageBackend(nil)
	s := newIsolatedStorage("svc-1", "wf-1", backend, 0)

	_, err := s.Get(context.Background(), "../other")
	require.Error(t, err)
	err = s.Set(context.Background(), "../other", []byte("x"))
	require.Error(t, err)
}

func TestIsolatedStorage_EnforcesQuota(t *testing.T) {
	backend := newStorageBackend(nil)
	s := newIsolatedStorage("svc-1", "wf-1", backend, 4)

	err := s.Set(context.Background(), "k", []byte("toolong"))
	require.Error(t, err)
}

func TestIsolatedStorage_SealsValuesAtRestWithStorageKey(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	backend := newStorageBackend(key)
	s := newIsolatedStorage("svc-1", "wf-1", backend, 0)

	require.NoError(t, s.Set(context.Background(), "k", []byte("secret-value")))

	sealed, ok := backend.data["svc-1/wf-1"]["k"]
	require.True(t, ok)
	require.NotContains(t, string(sealed), "secret-value")

	got, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, []byte("secret-value"), got)
}

func TestIsolatedStorage_WrongNamespaceCannotDecryptSealedValue(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	backend := newStorageBackend(key)
	s := newIsolatedStorage("svc-1", "wf-1", backend, 0)
	require.NoError(t, s.Set(context.Background(), "k", []byte("secret-value")))

	sealed := backend.data["svc-1/wf-1"]["k"]
	_, err := backend.unseal("svc-2/wf-1", sealed)
	require.Error(t, err)
}

func TestIsolatedStorage_ListAndDelete(t *testing.T) {
	backend := newStorageBackend(nil)
	s := newIsolatedStorage("svc-1", "wf-1", backend, 0)

	require.NoError(t, s.Set(context.Background(), "a/1", []byte("x")))
	require.NoError(t, s.Set(context.Background(), "a/2", []byte("y")))
	require.NoError(t, s.Set(context.Background(), "b/1", []byte("z")))

	keys, err := s.List(context.Background(), "a/")
	require.NoError(t, err)
	require.Len(t, keys, 2)

	require.NoError(t, s.Delete(context.Background(), "a/1"))
	keys, err = s.List(context.Background(), "a/")
	require.NoError(t, err)
	require.Len(t, keys, 1)
}
