package queue

import "sync"

// MemoryBackend keeps records in a map. It is durable only for the lifetime of
// the value, which is enough to simulate a process restart by building a new
// Store over the same backend.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[string][]byte
	putErr  error
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string][]byte)}
}

// Put implements Backend.
func (m *MemoryBackend) Put(id string, rec []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	cp := make([]byte, len(rec))
	copy(cp, rec)
	m.records[id] = cp
	return nil
}

// Delete implements Backend.
func (m *MemoryBackend) Delete(id string) error {
	m.mu.Lock()
	delete(m.records, id)
	m.mu.Unlock()
	return nil
}

// ForEach implements Backend.
func (m *MemoryBackend) ForEach(fn func(id string, rec []byte) error) error {
	m.mu.Lock()
	snapshot := make(map[string][]byte, len(m.records))
	for k, v := range m.records {
		snapshot[k] = v
	}
	m.mu.Unlock()

	for k, v := range snapshot {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Backend.
func (m *MemoryBackend) Close() error { return nil }

// SetPutError makes subsequent Puts fail with err (nil restores normal behavior).
func (m *MemoryBackend) SetPutError(err error) {
	m.mu.Lock()
	m.putErr = err
	m.mu.Unlock()
}

// Len returns the number of stored records.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
