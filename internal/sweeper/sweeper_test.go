package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/ledgercore/internal/service"
)

type fakeDeposits struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeDeposits) SweepExpired(_ context.Context, limit int) (service.SweepResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return service.SweepResult{Examined: 1, Expired: 1}, f.err
}

func (f *fakeDeposits) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeLoans struct {
	mu   sync.Mutex
	asOf []time.Time
}

func (f *fakeLoans) MarkOverdue(_ context.Context, asOf time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asOf = append(f.asOf, asOf)
	return 0, nil
}

func newRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestRedisLeaseIsExclusive(t *testing.T) {
	client, mr := newRedis(t)
	ctx := context.Background()

	a, b := NewRedisLease(client), NewRedisLease(client)

	ok, err := a.Acquire(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// only the owner can release
	require.NoError(t, b.Release(ctx, "job"))
	assert.True(t, mr.Exists(leaseKeyPrefix+"job"))
	require.NoError(t, a.Release(ctx, "job"))
	assert.False(t, mr.Exists(leaseKeyPrefix+"job"))

	ok, err = b.Acquire(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = a.Acquire(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "an expired lease can be taken over")
}

func TestRunOnceSkipsWithoutLease(t *testing.T) {
	client, _ := newRedis(t)
	ctx := context.Background()

	holder := NewRedisLease(client)
	ok, err := holder.Acquire(ctx, leaseName, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	deposits, loans := &fakeDeposits{}, &fakeLoans{}
	s := New(deposits, loans, NewRedisLease(client), Config{Interval: time.Second, LeaseTTL: time.Minute, BatchSize: 10})
	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, 0, deposits.Calls())
	assert.Empty(t, loans.asOf)
}

func TestRunOnceSweepsAndReleases(t *testing.T) {
	client, mr := newRedis(t)
	ctx := context.Background()

	at := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	deposits, loans := &fakeDeposits{}, &fakeLoans{}
	s := New(deposits, loans, NewRedisLease(client), Config{Interval: time.Second, LeaseTTL: time.Minute, BatchSize: 10})
	s.Now = func() time.Time { return at }

	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, 1, deposits.Calls())
	require.Len(t, loans.asOf, 1)
	assert.True(t, loans.asOf[0].Equal(at))
	assert.False(t, mr.Exists(leaseKeyPrefix+leaseName))
}

func TestRunOnceWithoutRedis(t *testing.T) {
	client, mr := newRedis(t)
	mr.Close()

	deposits, loans := &fakeDeposits{}, &fakeLoans{}
	s := New(deposits, loans, NewRedisLease(client), Config{Interval: time.Second, LeaseTTL: time.Minute})
	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, 1, deposits.Calls())
}

func TestRunOnceStopsOnSweepError(t *testing.T) {
	deposits, loans := &fakeDeposits{err: errors.New("db down")}, &fakeLoans{}
	s := New(deposits, loans, nil, Config{Interval: time.Second})
	assert.EqualError(t, s.RunOnce(context.Background()), "db down")
	assert.Empty(t, loans.asOf)
}

func TestRunStopsOnCancel(t *testing.T) {
	deposits, loans := &fakeDeposits{}, &fakeLoans{}
	s := New(deposits, loans, LocalLease{}, Config{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return deposits.Calls() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
