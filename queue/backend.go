package queue

// Backend is the durable substrate the Store persists to. Each Put and Delete
// must be atomic and durable before it returns.
type Backend interface {
	// Put creates or replaces the record stored under id.
	Put(id string, record []byte) error
	// Delete removes the record stored under id. Deleting a missing id is not an error.
	Delete(id string) error
	// ForEach calls fn for every stored record. fn must not retain record.
	ForEach(fn func(id string, record []byte) error) error
	// Close releases the backend.
	Close() error
}
