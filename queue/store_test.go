package queue

import (
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opd-ai/peerpost/backoff"
	"github.com/opd-ai/peerpost/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, backend Backend) (*Store, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(epoch)
	s := NewStore(backend, Options{Clock: clk})
	_, err := s.Load()
	require.NoError(t, err)
	return s, clk
}

func enqueue(t *testing.T, s *Store, recipient string, payload string) string {
	t.Helper()
	id, err := s.Enqueue(&QueuedMessage{
		ConversationID: "conv",
		RecipientID:    recipient,
		Envelope:       []byte(payload),
	})
	require.NoError(t, err)
	return id
}

func TestEnqueueAssignsIdentity(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryBackend())

	a := enqueue(t, s, "bob", "one")
	b := enqueue(t, s, "bob", "two")
	assert.NotEqual(t, a, b)

	ma, err := s.Get(a)
	require.NoError(t, err)
	mb, err := s.Get(b)
	require.NoError(t, err)

	assert.Equal(t, StatusPending, ma.Status)
	assert.Equal(t, 0, ma.Attempts)
	assert.Equal(t, epoch, ma.NextRetryAt)
	assert.Equal(t, epoch, ma.CreatedAt)
	assert.Less(t, ma.Seq, mb.Seq)
}

func TestEnqueueRejectsIncompleteMessages(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryBackend())

	_, err := s.Enqueue(nil)
	assert.Error(t, err)
	_, err = s.Enqueue(&QueuedMessage{Envelope: []byte("x")})
	assert.Error(t, err)
	_, err = s.Enqueue(&QueuedMessage{RecipientID: "bob"})
	assert.Error(t, err)
}

func TestEnqueuePersistFailureLeavesNoTrace(t *testing.T) {
	backend := NewMemoryBackend()
	s, _ := newTestStore(t, backend)
	backend.SetPutError(errors.New("disk full"))

	_, err := s.Enqueue(&QueuedMessage{RecipientID: "bob", Envelope: []byte("x")})
	require.Error(t, err)
	assert.Equal(t, Stats{}, s.Stats())
	assert.Equal(t, 0, backend.Len())
}

func TestGetUnknown(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryBackend())
	_, err := s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.MarkInFlight("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDueOrdering(t *testing.T) {
	s, clk := newTestStore(t, NewMemoryBackend())

	first := enqueue(t, s, "bob", "1")
	second := enqueue(t, s, "carol", "2")
	third := enqueue(t, s, "bob", "3")

	// Push first into the future.
	_, err := s.MarkInFlight(first)
	require.NoError(t, err)
	_, err = s.MarkFailed(first, false, errors.New("boom"))
	require.NoError(t, err)

	due := s.Due(clk.Now())
	require.Len(t, due, 2)
	assert.Equal(t, second, due[0].ID)
	assert.Equal(t, third, due[1].ID)

	clk.Advance(time.Second)
	due = s.Due(clk.Now())
	require.Len(t, due, 3)
	assert.Equal(t, second, due[0].ID)
	assert.Equal(t, third, due[1].ID)
	assert.Equal(t, first, due[2].ID)
}

// headOf returns recipientID's entry from Heads.
func headOf(s *Store, recipientID string) (QueuedMessage, bool) {
	for _, h := range s.Heads() {
		if h.RecipientID == recipientID {
			return h, true
		}
	}
	return QueuedMessage{}, false
}

func TestHeadIsOldestUndelivered(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryBackend())

	_, ok := headOf(s, "bob")
	assert.False(t, ok)

	m1 := enqueue(t, s, "bob", "1")
	m2 := enqueue(t, s, "bob", "2")
	enqueue(t, s, "carol", "x")

	head, ok := headOf(s, "bob")
	require.True(t, ok)
	assert.Equal(t, m1, head.ID)

	_, err := s.MarkInFlight(m1)
	require.NoError(t, err)
	head, _ = headOf(s, "bob")
	assert.Equal(t, m1, head.ID, "in-flight head still blocks the recipient")

	_, err = s.MarkDelivered(m1)
	require.NoError(t, err)
	head, _ = headOf(s, "bob")
	assert.Equal(t, m2, head.ID)

	pending := s.Pending("bob")
	require.Len(t, pending, 1)
	assert.Equal(t, m2, pending[0].ID)
}

func TestHeadsOnePerRecipient(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryBackend())
	assert.Empty(t, s.Heads())

	b1 := enqueue(t, s, "bob", "1")
	c1 := enqueue(t, s, "carol", "1")
	enqueue(t, s, "bob", "2")
	d1 := enqueue(t, s, "dave", "1")

	_, err := s.MarkInFlight(d1)
	require.NoError(t, err)
	_, err = s.MarkFailed(d1, true, errors.New("gone"))
	require.NoError(t, err)

	heads := s.Heads()
	require.Len(t, heads, 2, "terminal messages are not heads")
	assert.Equal(t, b1, heads[0].ID)
	assert.Equal(t, c1, heads[1].ID)

	all := s.List()
	require.Len(t, all, 4)
	assert.Equal(t, b1, all[0].ID)
	assert.Equal(t, d1, all[3].ID)
	assert.Equal(t, StatusFailedPermanent, all[3].Status)
}

func TestMarkInFlightOnlyOnce(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryBackend())
	id := enqueue(t, s, "bob", "1")

	const racers = 32
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.MarkInFlight(id); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrNotPending)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestRetryTiers(t *testing.T) {
	s, clk := newTestStore(t, NewMemoryBackend())
	id := enqueue(t, s, "bob", "1")

	want := []time.Duration{
		1 * time.Second,
		5 * time.Second,
		15 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for i, delay := range want {
		_, err := s.MarkInFlight(id)
		require.NoError(t, err, "attempt %d", i+1)
		m, err := s.MarkFailed(id, false, errors.New("send failed"))
		require.NoError(t, err)
		assert.Equal(t, i+1, m.Attempts)
		assert.Equal(t, StatusPending, m.Status)
		assert.Equal(t, clk.Now().Add(delay), m.NextRetryAt, "attempt %d", i+1)
		assert.Equal(t, "send failed", m.LastError)
		assert.Empty(t, s.Due(clk.Now()))

		clk.Advance(delay)
		require.Len(t, s.Due(clk.Now()), 1)
	}
}

func TestMarkFailedPermanent(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryBackend())
	id := enqueue(t, s, "bob", "1")

	_, err := s.MarkFailed(id, false, nil)
	assert.ErrorIs(t, err, ErrNotInFlight)

	_, err = s.MarkInFlight(id)
	require.NoError(t, err)
	m, err := s.MarkFailed(id, true, errors.New("rejected"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailedPermanent, m.Status)
	assert.Equal(t, 1, m.Attempts)

	_, err = s.MarkDelivered(id)
	assert.ErrorIs(t, err, ErrTerminal)
	_, err = s.MarkInFlight(id)
	assert.ErrorIs(t, err, ErrNotPending)

	_, ok := headOf(s, "bob")
	assert.False(t, ok)
}

func TestMarkDeferredKeepsAttempts(t *testing.T) {
	s, clk := newTestStore(t, NewMemoryBackend())
	id := enqueue(t, s, "bob", "1")

	_, err := s.MarkInFlight(id)
	require.NoError(t, err)
	m, err := s.MarkDeferred(id)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Attempts)
	assert.Equal(t, 1, m.Deferrals)
	assert.Equal(t, StatusPending, m.Status)
	assert.Equal(t, clk.Now().Add(time.Second), m.NextRetryAt)

	clk.Advance(time.Second)
	_, err = s.MarkInFlight(id)
	require.NoError(t, err)
	m, err = s.MarkFailed(id, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Attempts)
	assert.Equal(t, 0, m.Deferrals, "a counted attempt resets deferrals")

	// Deferral after one attempt waits for the second tier.
	clk.Advance(time.Second)
	_, err = s.MarkInFlight(id)
	require.NoError(t, err)
	m, err = s.MarkDeferred(id)
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(5*time.Second), m.NextRetryAt)
}

func TestNextRetryNeverMovesBackwards(t *testing.T) {
	s, clk := newTestStore(t, &MemoryBackend{records: map[string][]byte{}})
	s.backoff = backoff.Backoff{Tiers: []time.Duration{time.Minute, time.Second}}
	id := enqueue(t, s, "bob", "1")

	_, err := s.MarkInFlight(id)
	require.NoError(t, err)
	m, err := s.MarkFailed(id, false, nil)
	require.NoError(t, err)
	later := m.NextRetryAt

	// Force the message back in-flight without it being due.
	_, err = s.mutate(id, func(m *QueuedMessage) error {
		m.Status = StatusInFlight
		return nil
	})
	require.NoError(t, err)
	m, err = s.MarkFailed(id, false, nil)
	require.NoError(t, err)
	assert.Equal(t, later, m.NextRetryAt)
	assert.True(t, clk.Now().Add(time.Second).Before(m.NextRetryAt))
}

func TestRelease(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryBackend())
	id := enqueue(t, s, "bob", "1")
	before, _ := s.Get(id)

	_, err := s.MarkInFlight(id)
	require.NoError(t, err)
	m, err := s.Release(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, m.Status)
	assert.Equal(t, 0, m.Attempts)
	assert.Equal(t, before.NextRetryAt, m.NextRetryAt)
}

func TestLateAckOnPendingMessage(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryBackend())
	id := enqueue(t, s, "bob", "1")
	_, err := s.MarkInFlight(id)
	require.NoError(t, err)
	_, err = s.MarkFailed(id, false, errors.New("ack timeout"))
	require.NoError(t, err)

	m, err := s.MarkDelivered(id)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, m.Status)
	assert.Empty(t, m.LastError)
}

func TestMutationNotAppliedWhenPersistFails(t *testing.T) {
	backend := NewMemoryBackend()
	s, _ := newTestStore(t, backend)
	id := enqueue(t, s, "bob", "1")

	backend.SetPutError(errors.New("io error"))
	_, err := s.MarkInFlight(id)
	require.Error(t, err)

	m, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, m.Status)

	backend.SetPutError(nil)
	_, err = s.MarkInFlight(id)
	assert.NoError(t, err)
}

func TestNextWake(t *testing.T) {
	s, clk := newTestStore(t, NewMemoryBackend())
	_, ok := s.NextWake()
	assert.False(t, ok)

	a := enqueue(t, s, "bob", "1")
	wake, ok := s.NextWake()
	require.True(t, ok)
	assert.Equal(t, clk.Now(), wake)

	_, err := s.MarkInFlight(a)
	require.NoError(t, err)
	_, ok = s.NextWake()
	assert.False(t, ok, "in-flight messages do not wake the loop")

	// A message behind the in-flight head waits for the head, not the clock.
	enqueue(t, s, "bob", "2")
	_, ok = s.NextWake()
	assert.False(t, ok)

	clk.Advance(time.Second)
	c := enqueue(t, s, "carol", "1")
	wake, ok = s.NextWake()
	require.True(t, ok)
	assert.Equal(t, clk.Now(), wake)
	_, err = s.MarkInFlight(c)
	require.NoError(t, err)

	_, err = s.MarkFailed(a, false, nil)
	require.NoError(t, err)
	wake, _ = s.NextWake()
	assert.Equal(t, clk.Now().Add(time.Second), wake)
}

func TestLoadSurvivesCrash(t *testing.T) {
	backend := NewMemoryBackend()
	s, clk := newTestStore(t, backend)

	pending := enqueue(t, s, "bob", "pending")
	inflight := enqueue(t, s, "bob", "inflight")
	delivered := enqueue(t, s, "carol", "delivered")
	failed := enqueue(t, s, "dave", "failed")

	_, err := s.MarkInFlight(inflight)
	require.NoError(t, err)
	_, err = s.MarkInFlight(delivered)
	require.NoError(t, err)
	_, err = s.MarkDelivered(delivered)
	require.NoError(t, err)
	_, err = s.MarkInFlight(failed)
	require.NoError(t, err)
	_, err = s.MarkFailed(failed, true, nil)
	require.NoError(t, err)

	// Simulate a restart: a fresh store over the same backend.
	restarted := NewStore(backend, Options{Clock: clk})
	n, err := restarted.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	m, err := restarted.Get(inflight)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, m.Status, "interrupted attempts return to pending")
	assert.Equal(t, []byte("inflight"), m.Envelope)

	_, err = restarted.Get(pending)
	assert.NoError(t, err)
	_, err = restarted.Get(delivered)
	assert.ErrorIs(t, err, ErrNotFound)

	// Sequence numbers continue after the highest persisted one.
	next := enqueue(t, restarted, "bob", "after")
	nm, _ := restarted.Get(next)
	fm, _ := s.Get(failed)
	assert.Greater(t, nm.Seq, fm.Seq)

	// The reset is durable.
	again := NewStore(backend, Options{Clock: clk})
	_, err = again.Load()
	require.NoError(t, err)
	m, err = again.Get(inflight)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, m.Status)
}

func TestLoadSkipsCorruptRecords(t *testing.T) {
	backend := NewMemoryBackend()
	require.NoError(t, backend.Put("junk", []byte{0xff, 0x00}))
	s, _ := newTestStore(t, backend)
	enqueue(t, s, "bob", "1")

	restarted := NewStore(backend, Options{})
	n, err := restarted.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCleanup(t *testing.T) {
	backend := NewMemoryBackend()
	s, clk := newTestStore(t, backend)

	old := enqueue(t, s, "bob", "old")
	_, err := s.MarkInFlight(old)
	require.NoError(t, err)
	_, err = s.MarkDelivered(old)
	require.NoError(t, err)

	failed := enqueue(t, s, "bob", "failed")
	_, err = s.MarkInFlight(failed)
	require.NoError(t, err)
	_, err = s.MarkFailed(failed, true, nil)
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	recent := enqueue(t, s, "bob", "recent")
	_, err = s.MarkInFlight(recent)
	require.NoError(t, err)
	_, err = s.MarkDelivered(recent)
	require.NoError(t, err)

	live := enqueue(t, s, "bob", "live")

	removed, err := s.Cleanup(clk.Now(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 2, backend.Len())

	_, err = s.Get(old)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(failed)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(recent)
	assert.NoError(t, err)
	_, err = s.Get(live)
	assert.NoError(t, err)
}

func TestStats(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryBackend())
	a := enqueue(t, s, "bob", "a")
	b := enqueue(t, s, "carol", "b")
	enqueue(t, s, "dave", "c")

	_, err := s.MarkInFlight(a)
	require.NoError(t, err)
	_, err = s.MarkInFlight(b)
	require.NoError(t, err)
	_, err = s.MarkDelivered(b)
	require.NoError(t, err)

	assert.Equal(t, Stats{Pending: 1, InFlight: 1, Delivered: 1}, s.Stats())
}

func TestConcurrentEnqueueAndMutate(t *testing.T) {
	s, _ := newTestStore(t, NewMemoryBackend())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				id, err := s.Enqueue(&QueuedMessage{RecipientID: "bob", Envelope: []byte("x")})
				if !assert.NoError(t, err) {
					return
				}
				_, err = s.MarkInFlight(id)
				assert.NoError(t, err)
				_, err = s.MarkDelivered(id)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, Stats{Delivered: 400}, s.Stats())
}

func TestPersistentBackends(t *testing.T) {
	cases := map[string]func(t *testing.T, dir string) Backend{
		"bolt": func(t *testing.T, dir string) Backend {
			b, err := OpenBolt(filepath.Join(dir, BoltFile))
			require.NoError(t, err)
			return b
		},
		"sqlite": func(t *testing.T, dir string) Backend {
			b, err := OpenSQLite(filepath.Join(dir, SQLiteFile))
			require.NoError(t, err)
			return b
		},
	}

	for name, open := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			clk := clock.NewManual(epoch)

			s := NewStore(open(t, dir), Options{Clock: clk})
			_, err := s.Load()
			require.NoError(t, err)
			a := enqueue(t, s, "bob", "first")
			b := enqueue(t, s, "bob", "second")
			_, err = s.MarkInFlight(a)
			require.NoError(t, err)
			_, err = s.MarkFailed(a, false, errors.New("timeout"))
			require.NoError(t, err)
			_, err = s.MarkInFlight(b)
			require.NoError(t, err)
			require.NoError(t, s.Close())

			reopened := NewStore(open(t, dir), Options{Clock: clk})
			defer reopened.Close()
			n, err := reopened.Load()
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			ma, err := reopened.Get(a)
			require.NoError(t, err)
			assert.Equal(t, 1, ma.Attempts)
			assert.Equal(t, "timeout", ma.LastError)
			assert.Equal(t, epoch.Add(time.Second), ma.NextRetryAt)
			assert.Equal(t, []byte("first"), ma.Envelope)

			mb, err := reopened.Get(b)
			require.NoError(t, err)
			assert.Equal(t, StatusPending, mb.Status)

			head, ok := headOf(reopened, "bob")
			require.True(t, ok)
			assert.Equal(t, a, head.ID)

			_, err = reopened.MarkInFlight(b)
			require.NoError(t, err)
			_, err = reopened.MarkDelivered(b)
			require.NoError(t, err)
			removed, err := reopened.Cleanup(epoch.Add(48*time.Hour), time.Hour)
			require.NoError(t, err)
			assert.Equal(t, 1, removed)
		})
	}
}

func TestRecordCodec(t *testing.T) {
	m := &QueuedMessage{
		ID:             "id-1",
		ConversationID: "conv",
		RecipientID:    "bob",
		Envelope:       []byte{1, 2, 3},
		Attempts:       2,
		Deferrals:      1,
		Seq:            9,
		NextRetryAt:    epoch.Add(time.Minute),
		Status:         StatusInFlight,
		CreatedAt:      epoch,
		LastError:      "nope",
	}
	data, err := encodeMessage(m)
	require.NoError(t, err)
	got, err := decodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, m, got)

	_, err = decodeMessage([]byte{0xa0})
	assert.Error(t, err)
}
