// Package feed routes store change notifications to the controller caches
// that need to re-read the changed rows.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/fieldops/internal/metrics"
	"github.com/kiranshivaraju/fieldops/internal/store"
	"github.com/kiranshivaraju/fieldops/pkg/models"
)

// Refresher is the part of a controller the router drives.
type Refresher interface {
	Refresh(ctx context.Context) error
	RefreshByID(ctx context.Context, id uuid.UUID) error
}

// Route binds one table of one tenant to the controller owning its cache.
type Route struct {
	Table    string
	TenantID uuid.UUID
	Target   Refresher
}

// Options configures a Router. Zero values fall back to defaults.
type Options struct {
	// BackoffInitial and BackoffMax bound the delay between attempts to
	// re-establish a dropped subscription. The delay doubles each attempt.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// RefreshAttempts is how many times a failed refresh is tried before the
	// route resubscribes and resynchronises from scratch.
	RefreshAttempts int
	Metrics         metrics.Recorder
	Logger          *slog.Logger
}

// Router runs one watcher goroutine per registered route.
type Router struct {
	sub  store.Subscriber
	opts Options

	mu     sync.Mutex
	stops  map[*watcher]context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewRouter creates a Router reading notifications from sub.
func NewRouter(sub store.Subscriber, opts Options) *Router {
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}
	if opts.RefreshAttempts <= 0 {
		opts.RefreshAttempts = 3
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Router{sub: sub, opts: opts, stops: make(map[*watcher]context.CancelFunc)}
}

// Register starts watching route until ctx ends, the returned stop func is
// called, or the router is closed. The target gets a full refresh as soon as
// the subscription is established.
func (r *Router) Register(ctx context.Context, route Route) (stop func(), err error) {
	if route.Target == nil {
		return nil, errors.New("feed: route has no target")
	}
	if route.Table != models.TableJobs && route.Table != models.TableTimeEntries {
		return nil, fmt.Errorf("feed: unknown table %q", route.Table)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("feed: router closed")
	}

	wctx, cancel := context.WithCancel(ctx)
	w := &watcher{
		router: r,
		route:  route,
		logger: r.opts.Logger.With("table", route.Table, "tenant_id", route.TenantID),
	}
	r.stops[w] = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.forget(w)
		w.run(wctx)
	}()

	return cancel, nil
}

// Routes returns the number of live watchers.
func (r *Router) Routes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stops)
}

// Close stops every watcher and waits for them to exit.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	for _, cancel := range r.stops {
		cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Router) forget(w *watcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.stops[w]; ok {
		cancel()
		delete(r.stops, w)
	}
}

type watcher struct {
	router *Router
	route  Route
	logger *slog.Logger
}

// run keeps a subscription alive. Every (re)establishment is followed by a
// full refresh, since notifications sent while disconnected are lost.
func (w *watcher) run(ctx context.Context) {
	b := w.newBackOff()
	established := false

	for {
		sub, err := w.router.sub.Subscribe(ctx, w.route.Table, w.route.TenantID)
		if err == nil {
			if established {
				w.router.opts.Metrics.FeedReconnect(w.route.Table)
				w.logger.InfoContext(ctx, "change feed re-established")
			}
			if err = w.refreshAll(ctx); err == nil {
				established = true
				b.Reset()
				err = w.consume(ctx, sub)
			}
			sub.Unsubscribe()
		}
		if ctx.Err() != nil {
			return
		}

		delay := b.NextBackOff()
		w.logger.WarnContext(ctx, "change feed interrupted, retrying", "error", err, "retry_in", delay)
		if !sleep(ctx, delay) {
			return
		}
	}
}

// consume applies notifications until the subscription ends or a refresh
// keeps failing. It returns the reason.
func (w *watcher) consume(ctx context.Context, sub store.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-sub.Changes():
			if !ok {
				err := sub.Err()
				if err == nil {
					err = store.ErrSubscriptionClosed
				}
				return err
			}
			if err := w.handle(ctx, c); err != nil {
				return err
			}
		}
	}
}

// handle re-reads the truth for one notification. The payload is only used
// to pick the row; a notification without an id triggers a full refresh.
func (w *watcher) handle(ctx context.Context, c models.Change) error {
	if c.ID == uuid.Nil {
		return w.refreshAll(ctx)
	}
	return w.refresh(ctx, func(ctx context.Context) error {
		return w.route.Target.RefreshByID(ctx, c.ID)
	}, "id", c.ID)
}

func (w *watcher) refreshAll(ctx context.Context) error {
	return w.refresh(ctx, w.route.Target.Refresh)
}

// refresh runs fn, retrying failures with backoff. A failed refresh leaves the
// target's cache as it was.
func (w *watcher) refresh(ctx context.Context, fn func(context.Context) error, attrs ...any) error {
	b := w.newBackOff()
	var err error
	for attempt := 1; attempt <= w.router.opts.RefreshAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.router.opts.Metrics.RefreshFailure(w.route.Table)
		w.logger.WarnContext(ctx, "cache refresh failed", append(attrs, "attempt", attempt, "error", err)...)
		if attempt < w.router.opts.RefreshAttempts && !sleep(ctx, b.NextBackOff()) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("refresh %s: %w", w.route.Table, err)
}

func (w *watcher) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.router.opts.BackoffInitial
	b.MaxInterval = w.router.opts.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
