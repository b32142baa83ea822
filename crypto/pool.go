package crypto

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/katzenpost/hpqc/kem"
	"golang.org/x/sync/errgroup"
)

// ErrPoolClosed is returned for work submitted after Close.
var ErrPoolClosed = errors.New("crypto pool closed")

// Pool runs envelope encryption and decryption on a fixed set of worker
// goroutines so CPU-bound KEM operations never run on the dispatch loop or on
// channel I/O goroutines. Submitters block while every worker is busy.
type Pool struct {
	workers   int
	jobs      chan func()
	quit      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewPool starts a pool with the given number of workers. Zero or negative
// selects runtime.NumCPU().
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	p := &Pool{
		workers: workers,
		jobs:    make(chan func()),
		quit:    make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	NewLogger("NewPool").WithField("workers", workers).Debug("Crypto pool started")
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case fn := <-p.jobs:
			fn()
		case <-p.quit:
			return
		}
	}
}

// Workers returns the pool size.
func (p *Pool) Workers() int {
	return p.workers
}

// Close stops the workers after in-progress jobs finish.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.quit)
	})
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn()
	}
	select {
	case p.jobs <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrPoolClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Encrypt runs EncryptFor on a worker.
func (p *Pool) Encrypt(ctx context.Context, plaintext []byte, recipient kem.PublicKey) (*Envelope, error) {
	var (
		env *Envelope
		err error
	)
	if runErr := p.run(ctx, func() { env, err = EncryptFor(plaintext, recipient) }); runErr != nil {
		return nil, runErr
	}
	return env, err
}

// Decrypt runs DecryptFrom on a worker.
func (p *Pool) Decrypt(ctx context.Context, env *Envelope, own kem.PrivateKey) ([]byte, error) {
	var (
		plaintext []byte
		err       error
	)
	if runErr := p.run(ctx, func() { plaintext, err = DecryptFrom(env, own) }); runErr != nil {
		return nil, runErr
	}
	return plaintext, err
}

// EncryptFanout encrypts the same plaintext individually for every recipient,
// keyed by peer id. Each recipient gets its own KEM encapsulation.
func (p *Pool) EncryptFanout(ctx context.Context, plaintext []byte, recipients map[string]kem.PublicKey) (map[string]*Envelope, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	var mu sync.Mutex
	out := make(map[string]*Envelope, len(recipients))
	for id, pub := range recipients {
		g.Go(func() error {
			env, err := p.Encrypt(gctx, plaintext, pub)
			if err != nil {
				return err
			}
			mu.Lock()
			out[id] = env
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
