// Package browser manages a fixed-size pool of pre-warmed headless Chrome instances.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/docsift/docsift/internal/telemetry"
)

// ErrPoolExhausted is returned by WithPage when every instance is checked out.
// The pool never queues callers; backpressure belongs to the caller.
var ErrPoolExhausted = errors.New("browser pool exhausted")

// ErrPoolClosed is returned once Close has been called.
var ErrPoolClosed = errors.New("browser pool closed")

// Config controls pool sizing and per-page budgets.
type Config struct {
	PoolSize    int
	UserAgent   string
	PageTimeout time.Duration
}

// Instance is one long-lived browser owned by the pool. Pages are opened as
// fresh tabs under the instance context and closed after every checkout.
type Instance struct {
	id     int
	ctx    context.Context
	cancel context.CancelFunc
}

type instanceFactory func(parent context.Context, id int) (*Instance, error)

// Pool hands out exclusive browser instances. Instances are started eagerly
// so the first fetch does not pay browser startup cost, and an instance whose
// browser died while checked out is replaced on return.
type Pool struct {
	cfg    Config
	logger *zap.Logger

	allocator   context.Context
	allocCancel context.CancelFunc
	newInstance instanceFactory

	free chan *Instance

	mu              sync.Mutex
	closed          bool
	size            int
	inUse           int
	nextID          int
	pagesServed     uint64
	failures        uint64
	timeouts        uint64
	exhausted       uint64
	crashesReplaced uint64
}

// Stats is a point-in-time snapshot of pool occupancy and counters.
type Stats struct {
	Size            int
	Available       int
	InUse           int
	PagesServed     uint64
	Failures        uint64
	Timeouts        uint64
	Exhausted       uint64
	CrashesReplaced uint64
}

// New starts a pool of cfg.PoolSize headless Chrome instances. Startup fails
// if any instance cannot be launched.
func New(cfg Config, logger *zap.Logger) (*Pool, error) {
	return newPool(cfg, logger, nil)
}

// newPool accepts an instance factory so tests can avoid launching Chrome.
func newPool(cfg Config, logger *zap.Logger, factory instanceFactory) (*Pool, error) {
	if cfg.PoolSize <= 0 {
		return nil, fmt.Errorf("pool size must be > 0")
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		cfg:    cfg,
		logger: logger,
		free:   make(chan *Instance, cfg.PoolSize),
	}
	if factory == nil {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", "new"),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("hide-scrollbars", true),
			chromedp.Flag("enable-automation", false),
		)
		if cfg.UserAgent != "" {
			opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
		}
		p.allocator, p.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
		factory = spawnChrome
	}
	p.newInstance = factory

	for i := 0; i < cfg.PoolSize; i++ {
		inst, err := p.spawn()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("prewarm browser %d: %w", i, err)
		}
		p.free <- inst
		p.size++
	}
	return p, nil
}

// spawnChrome creates a browser context and launches the browser immediately.
func spawnChrome(parent context.Context, id int) (*Instance, error) {
	ctx, cancel := chromedp.NewContext(parent)
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return &Instance{id: id, ctx: ctx, cancel: cancel}, nil
}

func (p *Pool) spawn() (*Instance, error) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.mu.Unlock()
	return p.newInstance(p.allocator, id)
}

// WithPage checks out an instance, opens a fresh page under it, and runs fn
// with a context bounded by timeout (cfg.PageTimeout when zero). The page is
// closed and the instance returned on every exit path, including a panic in
// fn. When no instance is free the call fails immediately with
// ErrPoolExhausted.
func (p *Pool) WithPage(ctx context.Context, timeout time.Duration, fn func(pageCtx context.Context) error) error {
	inst, err := p.checkout()
	if err != nil {
		return err
	}
	defer p.checkin(inst)

	if timeout <= 0 {
		timeout = p.cfg.PageTimeout
	}

	pageCtx, closePage := chromedp.NewContext(inst.ctx)
	defer closePage()

	pageCtx, cancel := context.WithTimeout(pageCtx, timeout)
	defer cancel()

	// Page contexts descend from the instance, not the caller, so bridge the
	// caller's cancellation in explicitly.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err = fn(pageCtx)

	p.mu.Lock()
	switch {
	case err == nil:
		p.pagesServed++
	case errors.Is(err, context.DeadlineExceeded):
		p.timeouts++
	default:
		p.failures++
	}
	p.mu.Unlock()

	return err
}

func (p *Pool) checkout() (*Instance, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	short := p.size < p.cfg.PoolSize
	p.mu.Unlock()

	select {
	case inst := <-p.free:
		p.mu.Lock()
		p.inUse++
		telemetry.SetBrowserPagesInUse(p.inUse)
		p.mu.Unlock()
		return inst, nil
	default:
	}

	// A failed replacement may have left the pool below capacity. Try to
	// restore it before reporting exhaustion.
	if short {
		if inst, err := p.spawn(); err == nil {
			p.mu.Lock()
			p.size++
			p.inUse++
			telemetry.SetBrowserPagesInUse(p.inUse)
			p.mu.Unlock()
			return inst, nil
		}
	}

	p.mu.Lock()
	p.exhausted++
	p.mu.Unlock()
	return nil, ErrPoolExhausted
}

// checkin returns an instance to the free set. An instance whose browser
// context ended while checked out is discarded and replaced so capacity does
// not shrink over the process lifetime.
func (p *Pool) checkin(inst *Instance) {
	p.mu.Lock()
	p.inUse--
	telemetry.SetBrowserPagesInUse(p.inUse)
	closed := p.closed
	p.mu.Unlock()

	if closed {
		inst.cancel()
		return
	}

	if inst.ctx.Err() == nil {
		p.free <- inst
		return
	}

	inst.cancel()
	p.logger.Warn("browser instance crashed while checked out", zap.Int("instance_id", inst.id))

	replacement, err := p.spawn()
	if err != nil {
		p.mu.Lock()
		p.size--
		p.mu.Unlock()
		p.logger.Error("replacing crashed browser failed; pool is short one instance",
			zap.Int("instance_id", inst.id), zap.Error(err))
		return
	}

	p.mu.Lock()
	p.crashesReplaced++
	p.mu.Unlock()
	p.free <- replacement
	p.logger.Info("replaced crashed browser instance",
		zap.Int("old_instance_id", inst.id), zap.Int("new_instance_id", replacement.id))
}

// Stats reports occupancy counts and cumulative counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:            p.size,
		Available:       len(p.free),
		InUse:           p.inUse,
		PagesServed:     p.pagesServed,
		Failures:        p.failures,
		Timeouts:        p.timeouts,
		Exhausted:       p.exhausted,
		CrashesReplaced: p.crashesReplaced,
	}
}

// Close shuts down idle instances and the allocator. Checked-out instances
// are destroyed when returned.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

drain:
	for {
		select {
		case inst := <-p.free:
			inst.cancel()
		default:
			break drain
		}
	}

	if p.allocCancel != nil {
		p.allocCancel()
	}
}
