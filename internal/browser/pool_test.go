package browser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeFactory spawns instances backed by plain contexts so tests never launch Chrome.
type fakeFactory struct {
	mu      sync.Mutex
	spawned int
	failAt  map[int]error
	cancels []context.CancelFunc
}

func (f *fakeFactory) make(_ context.Context, id int) (*Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.spawned
	f.spawned++
	if err, ok := f.failAt[idx]; ok {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.cancels = append(f.cancels, cancel)
	return &Instance{id: id, ctx: ctx, cancel: cancel}, nil
}

func (f *fakeFactory) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawned
}

func newTestPool(t *testing.T, size int, factory *fakeFactory) *Pool {
	t.Helper()
	p, err := newPool(Config{PoolSize: size, PageTimeout: time.Second}, zap.NewNop(), factory.make)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestPoolPrewarmsAllInstances(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	p := newTestPool(t, 3, f)

	require.Equal(t, 3, f.spawnCount())
	s := p.Stats()
	require.Equal(t, 3, s.Size)
	require.Equal(t, 3, s.Available)
	require.Equal(t, 0, s.InUse)
}

func TestWithPageFailsFastWhenExhausted(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	p := newTestPool(t, 1, f)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- p.WithPage(context.Background(), 0, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := p.WithPage(context.Background(), 0, func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrPoolExhausted)
	require.Equal(t, uint64(1), p.Stats().Exhausted)

	close(release)
	require.NoError(t, <-done)

	// The instance is back in the free set.
	require.NoError(t, p.WithPage(context.Background(), 0, func(context.Context) error { return nil }))
	require.Equal(t, uint64(2), p.Stats().PagesServed)
}

func TestWithPageReturnsInstanceOnPanic(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	p := newTestPool(t, 1, f)

	func() {
		defer func() {
			require.NotNil(t, recover(), "expected the panic to propagate")
		}()
		_ = p.WithPage(context.Background(), 0, func(context.Context) error {
			panic("render blew up")
		})
	}()

	s := p.Stats()
	require.Equal(t, 1, s.Available, "instance must be returned exactly once despite the panic")
	require.Equal(t, 0, s.InUse)
	require.NoError(t, p.WithPage(context.Background(), 0, func(context.Context) error { return nil }))
}

func TestWithPageReplacesCrashedInstance(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	p := newTestPool(t, 1, f)

	err := p.WithPage(context.Background(), 0, func(context.Context) error {
		f.cancels[0]()
		return errors.New("target crashed")
	})
	require.Error(t, err)

	s := p.Stats()
	require.Equal(t, uint64(1), s.CrashesReplaced)
	require.Equal(t, 1, s.Size, "capacity must be restored after a crash")
	require.Equal(t, 1, s.Available)
	require.Equal(t, 2, f.spawnCount())

	require.NoError(t, p.WithPage(context.Background(), 0, func(context.Context) error { return nil }))
}

func TestCheckoutRestoresCapacityAfterFailedReplacement(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{failAt: map[int]error{1: errors.New("no more chrome")}}
	p := newTestPool(t, 1, f)

	// Crash the only instance; the immediate replacement attempt fails.
	_ = p.WithPage(context.Background(), 0, func(context.Context) error {
		f.cancels[0]()
		return errors.New("target crashed")
	})
	require.Equal(t, 0, p.Stats().Size)

	// The next checkout notices the shortfall and spawns a fresh instance.
	require.NoError(t, p.WithPage(context.Background(), 0, func(context.Context) error { return nil }))
	s := p.Stats()
	require.Equal(t, 1, s.Size)
	require.Equal(t, 1, s.Available)
	require.Equal(t, 3, f.spawnCount())
}

func TestWithPageCountsTimeouts(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	p := newTestPool(t, 1, f)

	err := p.WithPage(context.Background(), 20*time.Millisecond, func(pageCtx context.Context) error {
		<-pageCtx.Done()
		return pageCtx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	s := p.Stats()
	require.Equal(t, uint64(1), s.Timeouts)
	require.Equal(t, uint64(0), s.Failures)
	require.Equal(t, 1, s.Available)
}

func TestWithPageSeesCallerCancellation(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	p := newTestPool(t, 1, f)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := p.WithPage(ctx, time.Minute, func(pageCtx context.Context) error {
		<-pageCtx.Done()
		return pageCtx.Err()
	})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrPoolExhausted)
}

func TestCloseRejectsFurtherCheckouts(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	p := newTestPool(t, 2, f)
	p.Close()

	err := p.WithPage(context.Background(), 0, func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrPoolClosed)

	for _, cancelFn := range f.cancels {
		cancelFn()
	}
}

// Not parallel: the in-use gauge is process-global.
func TestWithPageExportsInUseGauge(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, 2, f)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- p.WithPage(context.Background(), 0, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	require.Equal(t, 1, p.Stats().InUse)
	require.Equal(t, 1.0, gaugeValue(t, "docsift_browser_pages_in_use"))

	close(release)
	require.NoError(t, <-done)

	require.Equal(t, 0, p.Stats().InUse)
	require.Equal(t, 0.0, gaugeValue(t, "docsift_browser_pages_in_use"))
}

func gaugeValue(t *testing.T, name string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s is not registered", name)
	return 0
}
