// Isolated per-service KV storage, adapted from the teacher's
// system/sandbox.IsolatedStorage: a namespace-prefixed view over a shared
// backend, with path-traversal-safe keys and a byte quota. The teacher's
// database/bus/network sandboxed resources have no WAVS analogue (a
// component's only host-provided stateful resource is its own KV store) so
// only the storage half of that sandbox model is carried forward. Values are
// additionally sealed at rest with the teacher's infrastructure/crypto
// envelope construction, keyed per namespace off the engine's storage root
// key, so one service's component cannot make sense of another's bytes even
// if it somehow obtained direct backend access.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Lay3rLabs/wavs/infrastructure/crypto"
	werrors "github.com/Lay3rLabs/wavs/infrastructure/errors"
)

const storageEnvelopeInfo = "wavs-storage-v1"

// storageBackend is the shared, namespace-keyed map every service's
// isolatedStorage view is carved out of. Values are stored as envelope
// ciphertext; rootKey is nil in tests that don't care about sealing.
type storageBackend struct {
	mu      sync.RWMutex
	data    map[string]map[string][]byte // namespace -> key -> sealed value
	rootKey []byte
}

func newStorageBackend(rootKey []byte) *storageBackend {
	return &storageBackend{data: make(map[string]map[string][]byte), rootKey: rootKey}
}

func (b *storageBackend) seal(namespace string, value []byte) ([]byte, error) {
	if len(b.rootKey) == 0 {
		return value, nil
	}
	return crypto.EncryptEnvelope(b.rootKey, []byte(namespace), storageEnvelopeInfo, value)
}

func (b *storageBackend) unseal(namespace string, value []byte) ([]byte, error) {
	if len(b.rootKey) == 0 {
		return value, nil
	}
	return crypto.DecryptEnvelope(b.rootKey, []byte(namespace), storageEnvelopeInfo, value)
}

func (b *storageBackend) get(namespace, key string) ([]byte, bool, error) {
	b.mu.RLock()
	ns, ok := b.data[namespace]
	if !ok {
		b.mu.RUnlock()
		return nil, false, nil
	}
	sealed, ok := ns[key]
	b.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	plain, err := b.unseal(namespace, sealed)
	if err != nil {
		return nil, false, err
	}
	return plain, true, nil
}

func (b *storageBackend) set(namespace, key string, value []byte) error {
	sealed, err := b.seal(namespace, value)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ns, ok := b.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		b.data[namespace] = ns
	}
	ns[key] = sealed
	return nil
}

func (b *storageBackend) delete(namespace, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data[namespace], key)
}

func (b *storageBackend) list(namespace, prefix string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []string
	for k := range b.data[namespace] {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

func (b *storageBackend) size(namespace string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var total int64
	for k, v := range b.data[namespace] {
		total += int64(len(k) + len(v))
	}
	return total
}

// isolatedStorage is the per-service, per-workflow view a running component
// is given: every key is implicitly scoped to its namespace and cannot
// escape it.
type isolatedStorage struct {
	namespace string
	backend   *storageBackend
	maxBytes  int64
}

func sanitizeNamespace(serviceID, workflowID string) string {
	ns := serviceID + "/" + workflowID
	ns = strings.ReplaceAll(ns, "..", "_")
	return ns
}

func newIsolatedStorage(serviceID, workflowID string, backend *storageBackend, maxBytes int64) *isolatedStorage {
	return &isolatedStorage{
		namespace: sanitizeNamespace(serviceID, workflowID),
		backend:   backend,
		maxBytes:  maxBytes,
	}
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("storage key cannot be empty")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("storage key cannot contain '..'")
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("storage key cannot start with '/'")
	}
	return nil
}

func (s *isolatedStorage) Get(_ context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	v, _, err := s.backend.get(s.namespace, key)
	if err != nil {
		return nil, werrors.New(werrors.ClassExecution, werrors.CodeComponentError, "storage unseal failed").
			With("namespace", s.namespace).With("cause", err.Error())
	}
	return v, nil
}

func (s *isolatedStorage) Set(_ context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if s.maxBytes > 0 {
		current := s.backend.size(s.namespace)
		if current+int64(len(key)+len(value)) > s.maxBytes {
			return werrors.New(werrors.ClassExecution, werrors.CodeComponentError, "storage quota exceeded").
				With("namespace", s.namespace).With("max_bytes", s.maxBytes)
		}
	}
	if err := s.backend.set(s.namespace, key, value); err != nil {
		return werrors.New(werrors.ClassExecution, werrors.CodeComponentError, "storage seal failed").
			With("namespace", s.namespace).With("cause", err.Error())
	}
	return nil
}

func (s *isolatedStorage) Delete(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.backend.delete(s.namespace, key)
	return nil
}

func (s *isolatedStorage) List(_ context.Context, prefix string) ([]string, error) {
	if prefix != "" {
		if err := validateKey(prefix); err != nil {
			return nil, err
		}
	}
	return s.backend.list(s.namespace, prefix), nil
}
