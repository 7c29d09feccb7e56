package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/fieldops/pkg/models"
)

// notifyChannel must match the channel used by notify_row_change() in the migrations.
const notifyChannel = "fieldops_changes"

// notifyHub shares one LISTEN connection among all subscriptions of a PostgresStore.
// When the connection fails every subscription is closed with the error, and the
// next Subscribe call opens a fresh connection.
type notifyHub struct {
	pool *pgxpool.Pool

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	cancel context.CancelFunc
}

func newNotifyHub(pool *pgxpool.Pool) *notifyHub {
	return &notifyHub{pool: pool, subs: make(map[*subscription]struct{})}
}

func (h *notifyHub) subscribe(ctx context.Context, table string, tenantID uuid.UUID) (*subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel == nil {
		if err := h.startLocked(ctx); err != nil {
			return nil, err
		}
	}
	sub := newSubscription(table, tenantID, h.remove)
	h.subs[sub] = struct{}{}
	return sub, nil
}

func (h *notifyHub) startLocked(ctx context.Context) error {
	pooled, err := h.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	conn := pooled.Hijack()
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		_ = conn.Close(context.Background())
		return fmt.Errorf("listen %s: %w", notifyChannel, err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go h.listen(listenCtx, conn)
	return nil
}

func (h *notifyHub) listen(ctx context.Context, conn *pgx.Conn) {
	defer conn.Close(context.Background())

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("change notification listener stopped", "error", err)
				h.fail(fmt.Errorf("wait for notification: %w", err))
			}
			return
		}

		var change models.Change
		if err := json.Unmarshal([]byte(n.Payload), &change); err != nil {
			slog.Warn("malformed change notification", "payload", n.Payload, "error", err)
			continue
		}
		h.dispatch(change)
	}
}

func (h *notifyHub) dispatch(change models.Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if !sub.matches(change) {
			continue
		}
		if !sub.deliver(change) {
			delete(h.subs, sub)
		}
	}
	h.stopIfIdleLocked()
}

func (h *notifyHub) fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		sub.close(err)
	}
	h.subs = make(map[*subscription]struct{})
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

func (h *notifyHub) remove(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub)
	h.stopIfIdleLocked()
}

func (h *notifyHub) stopIfIdleLocked() {
	if len(h.subs) == 0 && h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}
