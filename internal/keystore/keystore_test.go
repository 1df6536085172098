package keystore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyFor_DeterministicAndScopedPerService(t *testing.T) {
	ks, err := New([]byte("root-seed-material"))
	require.NoError(t, err)

	k1, err := ks.KeyFor("svc-1")
	require.NoError(t, err)
	k2, err := ks.KeyFor("svc-1")
	require.NoError(t, err)
	require.Equal(t, k1.Serialize(), k2.Serialize(), "KeyFor must be deterministic per service id")

	k3, err := ks.KeyFor("svc-2")
	require.NoError(t, err)
	require.NotEqual(t, k1.Serialize(), k3.Serialize(), "distinct service ids must derive distinct keys")
}

func TestNew_RejectsEmptySeed(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestKeyFor_RejectsEmptyServiceID(t *testing.T) {
	ks, err := New([]byte("seed"))
	require.NoError(t, err)
	_, err = ks.KeyFor("")
	require.Error(t, err)
}

func TestAddressFor_Stable(t *testing.T) {
	ks, err := New([]byte("seed"))
	require.NoError(t, err)

	a1, err := ks.AddressFor("svc-1")
	require.NoError(t, err)
	a2, err := ks.AddressFor("svc-1")
	require.NoError(t, err)
	require.Equal(t, a1, a2)
	require.Len(t, a1, 42) // "0x" + 40 hex chars
}

func TestSign_ProducesRecoverableSignature(t *testing.T) {
	ks, err := New([]byte("seed"))
	require.NoError(t, err)

	var digest [32]byte
	copy(digest[:], []byte("some-32-byte-preimage-digest!!!!"))

	sig, err := ks.Sign("svc-1", digest)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	require.LessOrEqual(t, sig[64], byte(3))
}

func TestDrop_RemovesCachedKeyButRederivesSame(t *testing.T) {
	ks, err := New([]byte("seed"))
	require.NoError(t, err)

	k1, err := ks.KeyFor("svc-1")
	require.NoError(t, err)
	ks.Drop("svc-1")
	k2, err := ks.KeyFor("svc-1")
	require.NoError(t, err)
	require.Equal(t, k1.Serialize(), k2.Serialize())
}
