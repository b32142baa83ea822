package crypto

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/kem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolEncryptDecrypt(t *testing.T) {
	pool := NewPool(2)
	defer pool.Close()
	kp := generateForTest(t, "")

	env, err := pool.Encrypt(context.Background(), []byte("pooled"), kp.Public)
	require.NoError(t, err)

	pt, err := pool.Decrypt(context.Background(), env, kp.Private)
	require.NoError(t, err)
	assert.Equal(t, []byte("pooled"), pt)
}

func TestPoolDefaultsToNumCPU(t *testing.T) {
	pool := NewPool(0)
	defer pool.Close()
	assert.Greater(t, pool.Workers(), 0)
}

func TestPoolDecryptErrorPropagates(t *testing.T) {
	pool := NewPool(1)
	defer pool.Close()
	kp := generateForTest(t, "")

	env, err := pool.Encrypt(context.Background(), []byte("x"), kp.Public)
	require.NoError(t, err)
	env.Ciphertext[0] ^= 0xff

	_, err = pool.Decrypt(context.Background(), env, kp.Private)
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestPoolConcurrentUse(t *testing.T) {
	pool := NewPool(4)
	defer pool.Close()
	kp := generateForTest(t, "")

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := []byte(fmt.Sprintf("message %d", i))
			env, err := pool.Encrypt(context.Background(), msg, kp.Public)
			if err != nil {
				errs <- err
				return
			}
			pt, err := pool.Decrypt(context.Background(), env, kp.Private)
			if err != nil {
				errs <- err
				return
			}
			if string(pt) != string(msg) {
				errs <- fmt.Errorf("got %q want %q", pt, msg)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestPoolEncryptFanout(t *testing.T) {
	pool := NewPool(2)
	defer pool.Close()

	recipients := make(map[string]kem.PublicKey)
	pairs := make(map[string]*KeyPair)
	for i := 0; i < 5; i++ {
		kp := generateForTest(t, "")
		recipients[kp.ID()] = kp.Public
		pairs[kp.ID()] = kp
	}

	envs, err := pool.EncryptFanout(context.Background(), []byte("broadcast"), recipients)
	require.NoError(t, err)
	require.Len(t, envs, len(recipients))

	for id, env := range envs {
		pt, err := DecryptFrom(env, pairs[id].Private)
		require.NoError(t, err)
		assert.Equal(t, []byte("broadcast"), pt)
	}
}

func TestPoolClosed(t *testing.T) {
	pool := NewPool(1)
	pool.Close()
	kp := generateForTest(t, "")

	_, err := pool.Encrypt(context.Background(), []byte("late"), kp.Public)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolContextCancelled(t *testing.T) {
	pool := NewPool(1)
	defer pool.Close()
	kp := generateForTest(t, "")

	block := make(chan struct{})
	go func() {
		_ = pool.run(context.Background(), func() { <-block })
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := pool.Encrypt(ctx, []byte("queued"), kp.Public)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(block)
}
