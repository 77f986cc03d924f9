package service_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/ledgercore/internal/events"
	"github.com/punchamoorthee/ledgercore/internal/gateway"
	"github.com/punchamoorthee/ledgercore/internal/service"
	"github.com/punchamoorthee/ledgercore/internal/store"
)

const horizon = 7 * 24 * time.Hour

var t0 = time.Date(2025, time.January, 15, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type harness struct {
	store      *store.Bolt
	gw         *gateway.Sandbox
	pub        *recordingPublisher
	clock      *clock
	ledger     *service.LedgerService
	deposits   *service.DepositService
	reconciler *service.Reconciler
	loans      *service.LoanService
	status     *service.StatusService
}

func newHarness(t *testing.T, policy service.PartialPolicy) *harness {
	t.Helper()
	s, err := store.NewBolt(filepath.Join(t.TempDir(), "service.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	h := &harness{
		store: s,
		gw:    gateway.NewSandbox("http://sandbox.local"),
		pub:   &recordingPublisher{},
		clock: &clock{now: t0},
	}
	h.ledger = service.NewLedgerService(s)
	h.ledger.Now = h.clock.Now
	h.deposits = service.NewDepositService(s, h.gw, h.pub, horizon)
	h.deposits.Now = h.clock.Now
	h.reconciler = service.NewReconciler(s, h.gw, h.pub)
	h.reconciler.Now = h.clock.Now
	h.loans = service.NewLoanService(s, h.pub, policy)
	h.loans.Now = h.clock.Now
	h.status = service.NewStatusService(s, h.reconciler, h.loans)
	return h
}

func ptr[T any](v T) *T { return &v }
