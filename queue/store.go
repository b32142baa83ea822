package queue

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/peerpost/backoff"
	"github.com/opd-ai/peerpost/clock"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound indicates the message id is unknown to the store.
	ErrNotFound = errors.New("message not found")
	// ErrNotPending indicates MarkInFlight lost the race or the message is not waiting.
	ErrNotPending = errors.New("message not pending")
	// ErrNotInFlight indicates a result was reported for a message nobody dispatched.
	ErrNotInFlight = errors.New("message not in flight")
	// ErrTerminal indicates the message is delivered or permanently failed and
	// can no longer change.
	ErrTerminal = errors.New("message in terminal state")
)

// Options configures a Store.
type Options struct {
	Backoff backoff.Backoff
	Clock   clock.Clock
}

// Stats is a snapshot of the messages known to the store, by status.
type Stats struct {
	Pending         int
	InFlight        int
	Delivered       int
	FailedPermanent int
}

// Store is the single source of truth for outbound message state. Mutations are
// serialized per message id and persisted to the backend before they return;
// mutations of different ids proceed in parallel.
type Store struct {
	backend Backend
	backoff backoff.Backoff
	clock   clock.Clock
	locks   *keyedMutex

	mu    sync.RWMutex
	index map[string]*QueuedMessage
	seq   uint64
}

// NewStore creates a store over backend. Call Load before use to rehydrate
// messages that survived a restart.
func NewStore(backend Backend, opts Options) *Store {
	if len(opts.Backoff.Tiers) == 0 {
		opts.Backoff = backoff.Default()
	}
	return &Store{
		backend: backend,
		backoff: opts.Backoff,
		clock:   clock.OrReal(opts.Clock),
		locks:   newKeyedMutex(),
		index:   make(map[string]*QueuedMessage),
	}
}

// Backoff returns the store's retry schedule.
func (s *Store) Backoff() backoff.Backoff {
	return s.backoff
}

// Load rehydrates every non-terminal message from the backend. Messages found
// in-flight were interrupted by a crash; they are reset to pending and the
// reset is persisted. Undecodable records are skipped and logged.
func (s *Store) Load() (int, error) {
	loaded := make(map[string]*QueuedMessage)
	var maxSeq uint64
	var reset int

	err := s.backend.ForEach(func(id string, rec []byte) error {
		m, err := decodeMessage(rec)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Load",
				"package":  "queue",
				"id":       id,
				"error":    err.Error(),
			}).Warn("Skipping unreadable queue record")
			return nil
		}
		if m.Seq > maxSeq {
			maxSeq = m.Seq
		}
		if m.Status.Terminal() {
			return nil
		}
		if m.Status == StatusInFlight {
			m.Status = StatusPending
			data, err := encodeMessage(m)
			if err != nil {
				return err
			}
			if err := s.backend.Put(m.ID, data); err != nil {
				return fmt.Errorf("reset in-flight message %s: %w", m.ID, err)
			}
			reset++
		}
		loaded[m.ID] = m
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("load queue: %w", err)
	}

	s.mu.Lock()
	s.index = loaded
	if maxSeq > s.seq {
		s.seq = maxSeq
	}
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":       "Load",
		"package":        "queue",
		"messages":       len(loaded),
		"inflight_reset": reset,
	}).Info("Queue loaded")
	return len(loaded), nil
}

// Enqueue stores a new pending message and returns its generated id. Only
// ConversationID, RecipientID and Envelope are taken from msg. The message is
// due immediately.
func (s *Store) Enqueue(msg *QueuedMessage) (string, error) {
	if msg == nil || msg.RecipientID == "" {
		return "", errors.New("enqueue: recipient required")
	}
	if len(msg.Envelope) == 0 {
		return "", errors.New("enqueue: empty envelope")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate message id: %w", err)
	}
	now := s.clock.Now()

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	m := &QueuedMessage{
		ID:             id.String(),
		ConversationID: msg.ConversationID,
		RecipientID:    msg.RecipientID,
		Envelope:       append([]byte(nil), msg.Envelope...),
		Seq:            seq,
		NextRetryAt:    now,
		Status:         StatusPending,
		CreatedAt:      now,
	}
	if err := s.persist(m); err != nil {
		return "", err
	}
	return m.ID, nil
}

// Get returns a copy of the message with id.
func (s *Store) Get(id string) (QueuedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.index[id]
	if !ok {
		return QueuedMessage{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *m, nil
}

// Due returns copies of every pending message whose NextRetryAt is not after
// now, ordered by NextRetryAt and then by enqueue order.
func (s *Store) Due(now time.Time) []QueuedMessage {
	s.mu.RLock()
	due := make([]QueuedMessage, 0)
	for _, m := range s.index {
		if m.Due(now) {
			due = append(due, *m)
		}
	}
	s.mu.RUnlock()

	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextRetryAt.Equal(due[j].NextRetryAt) {
			return due[i].NextRetryAt.Before(due[j].NextRetryAt)
		}
		return due[i].Seq < due[j].Seq
	})
	return due
}

// Heads returns the head-of-line message of every recipient with undelivered
// messages, in enqueue order.
func (s *Store) Heads() []QueuedMessage {
	s.mu.RLock()
	heads := make(map[string]*QueuedMessage)
	for _, m := range s.index {
		if m.Status.Terminal() {
			continue
		}
		if h, ok := heads[m.RecipientID]; !ok || m.Seq < h.Seq {
			heads[m.RecipientID] = m
		}
	}
	out := make([]QueuedMessage, 0, len(heads))
	for _, m := range heads {
		out = append(out, *m)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Pending returns copies of all non-terminal messages for recipientID in
// enqueue order.
func (s *Store) Pending(recipientID string) []QueuedMessage {
	s.mu.RLock()
	var out []QueuedMessage
	for _, m := range s.index {
		if m.RecipientID == recipientID && !m.Status.Terminal() {
			out = append(out, *m)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// List returns copies of every indexed message in enqueue order. After Load
// that is the undelivered backlog plus anything that reached a terminal
// status since.
func (s *Store) List() []QueuedMessage {
	s.mu.RLock()
	out := make([]QueuedMessage, 0, len(s.index))
	for _, m := range s.index {
		out = append(out, *m)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// NextWake returns the earliest NextRetryAt among head-of-line messages that
// are pending. A message queued behind an in-flight head never sets the wake
// time; it becomes eligible when that head completes.
func (s *Store) NextWake() (time.Time, bool) {
	var next time.Time
	found := false
	for _, head := range s.Heads() {
		if head.Status != StatusPending {
			continue
		}
		if !found || head.NextRetryAt.Before(next) {
			next = head.NextRetryAt
			found = true
		}
	}
	return next, found
}

// MarkInFlight atomically moves a pending message to in-flight. It fails with
// ErrNotPending if another dispatcher already claimed it, which makes it the
// guard against sending the same message twice.
func (s *Store) MarkInFlight(id string) (QueuedMessage, error) {
	return s.mutate(id, func(m *QueuedMessage) error {
		if m.Status != StatusPending {
			return fmt.Errorf("%w: %s is %s", ErrNotPending, id, m.Status)
		}
		m.Status = StatusInFlight
		m.LastAttemptAt = s.clock.Now()
		return nil
	})
}

// MarkDelivered moves an in-flight or pending message to delivered. A late
// acknowledgment for a message already rescheduled still counts.
func (s *Store) MarkDelivered(id string) (QueuedMessage, error) {
	return s.mutate(id, func(m *QueuedMessage) error {
		if m.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrTerminal, id, m.Status)
		}
		m.Status = StatusDelivered
		m.LastError = ""
		return nil
	})
}

// MarkFailed records a failed attempt on an in-flight message. attempts is
// incremented; a transient failure reschedules the message to the backoff tier
// for the new attempt count, a permanent one makes it failed-permanent.
func (s *Store) MarkFailed(id string, permanent bool, cause error) (QueuedMessage, error) {
	return s.mutate(id, func(m *QueuedMessage) error {
		if m.Status != StatusInFlight {
			return fmt.Errorf("%w: %s is %s", ErrNotInFlight, id, m.Status)
		}
		m.Attempts++
		m.Deferrals = 0
		if cause != nil {
			m.LastError = cause.Error()
		}
		if permanent {
			m.Status = StatusFailedPermanent
			return nil
		}
		m.Status = StatusPending
		s.advance(m, s.backoff.Delay(m.Attempts-1))
		return nil
	})
}

// MarkDeferred returns an in-flight message to pending because the recipient
// was not connected. No attempt is consumed; the message waits for the tier
// that follows its current attempt count.
func (s *Store) MarkDeferred(id string) (QueuedMessage, error) {
	return s.mutate(id, func(m *QueuedMessage) error {
		if m.Status != StatusInFlight {
			return fmt.Errorf("%w: %s is %s", ErrNotInFlight, id, m.Status)
		}
		m.Deferrals++
		m.Status = StatusPending
		s.advance(m, s.backoff.Delay(m.Attempts))
		return nil
	})
}

// Release returns an in-flight message to pending without touching its
// counters or schedule, for when the connection it was waiting on was closed
// locally.
func (s *Store) Release(id string) (QueuedMessage, error) {
	return s.mutate(id, func(m *QueuedMessage) error {
		if m.Status != StatusInFlight {
			return fmt.Errorf("%w: %s is %s", ErrNotInFlight, id, m.Status)
		}
		m.Status = StatusPending
		return nil
	})
}

// advance moves NextRetryAt to now+delay, never backwards.
func (s *Store) advance(m *QueuedMessage, delay time.Duration) {
	next := s.clock.Now().Add(delay)
	if next.After(m.NextRetryAt) {
		m.NextRetryAt = next
	}
}

// Cleanup deletes delivered messages older than retention and every
// failed-permanent message, including records that were never loaded. It
// returns the number of records removed.
func (s *Store) Cleanup(now time.Time, retention time.Duration) (int, error) {
	var victims []string
	err := s.backend.ForEach(func(id string, rec []byte) error {
		m, err := decodeMessage(rec)
		if err != nil {
			return nil
		}
		switch m.Status {
		case StatusFailedPermanent:
			victims = append(victims, id)
		case StatusDelivered:
			ref := m.LastAttemptAt
			if ref.IsZero() {
				ref = m.CreatedAt
			}
			if now.Sub(ref) >= retention {
				victims = append(victims, id)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup scan: %w", err)
	}

	removed := 0
	for _, id := range victims {
		unlock := s.locks.Lock(id)
		s.mu.RLock()
		m, ok := s.index[id]
		live := ok && !m.Status.Terminal()
		s.mu.RUnlock()
		if live {
			unlock()
			continue
		}
		if err := s.backend.Delete(id); err != nil {
			unlock()
			return removed, fmt.Errorf("cleanup delete %s: %w", id, err)
		}
		s.mu.Lock()
		delete(s.index, id)
		s.mu.Unlock()
		unlock()
		removed++
	}
	return removed, nil
}

// Stats counts the indexed messages by status.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st Stats
	for _, m := range s.index {
		switch m.Status {
		case StatusPending:
			st.Pending++
		case StatusInFlight:
			st.InFlight++
		case StatusDelivered:
			st.Delivered++
		case StatusFailedPermanent:
			st.FailedPermanent++
		}
	}
	return st
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// mutate applies fn to a copy of the message under the id lock, persists the
// copy and only then publishes it to the index.
func (s *Store) mutate(id string, fn func(m *QueuedMessage) error) (QueuedMessage, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	s.mu.RLock()
	cur, ok := s.index[id]
	s.mu.RUnlock()
	if !ok {
		return QueuedMessage{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next := *cur
	if err := fn(&next); err != nil {
		return *cur, err
	}
	if err := s.persist(&next); err != nil {
		return *cur, err
	}
	return next, nil
}

func (s *Store) persist(m *QueuedMessage) error {
	data, err := encodeMessage(m)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	if err := s.backend.Put(m.ID, data); err != nil {
		return fmt.Errorf("persist message %s: %w", m.ID, err)
	}
	s.mu.Lock()
	s.index[m.ID] = m
	s.mu.Unlock()
	return nil
}
