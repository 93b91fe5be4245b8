package isolation

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerSerializesSameUser(t *testing.T) {
	m := NewManager(time.Second)

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithUserLock(context.Background(), "u1", func() error {
				n := atomic.AddInt32(&inside, 1)
				for {
					cur := atomic.LoadInt32(&maxInside)
					if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, m.ActiveUsers(), "idle users must be released")
}

func TestManagerDifferentUsersDoNotContend(t *testing.T) {
	m := NewManager(200 * time.Millisecond)
	held := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = m.WithUserLock(context.Background(), "a", func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := m.WithUserLock(context.Background(), "b", func() error { return nil })
	assert.NoError(t, err)
	close(release)
}

func TestManagerTimeout(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	held := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	go func() {
		_ = m.WithUserLock(context.Background(), "u1", func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	called := false
	err := m.WithUserLock(context.Background(), "u1", func() error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLockTimeout))
	assert.False(t, called)
}

func TestManagerReleasesOnPanic(t *testing.T) {
	m := NewManager(100 * time.Millisecond)

	func() {
		defer func() { _ = recover() }()
		_ = m.WithUserLock(context.Background(), "u1", func() error { panic("boom") })
	}()

	err := m.WithUserLock(context.Background(), "u1", func() error { return nil })
	assert.NoError(t, err)
}

func TestManagerPropagatesError(t *testing.T) {
	m := NewManager(0)
	want := errors.New("apply failed")

	err := m.WithUserLock(context.Background(), "u1", func() error { return want })
	assert.Equal(t, want, err)
	assert.Equal(t, DefaultTimeout, m.Timeout())
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("AMAS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("AMAS_TEST_REDIS_ADDR not set")
	}

	rdb, err := DialRedis(context.Background(), addr, "", 0)
	require.NoError(t, err)

	opts := DefaultRedisOptions()
	opts.Prefix = "amas:test:lock:"
	opts.Timeout = 50 * time.Millisecond
	l := NewRedisLocker(rdb, opts, nil)
	defer l.Close()

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.WithUserLock(context.Background(), "u1", func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err = l.WithUserLock(context.Background(), "u1", func() error { return nil })
	assert.True(t, errors.Is(err, ErrLockTimeout))

	close(release)
	<-done
	assert.NoError(t, l.WithUserLock(context.Background(), "u1", func() error { return nil }))
}
