// Package events publishes domain events after a write has been confirmed.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/fieldops/internal/cache"
	"github.com/kiranshivaraju/fieldops/pkg/models"
)

// Publisher delivers an event to interested observers.
type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
}

// RedisPublisher fans events out on a per-tenant Redis channel.
type RedisPublisher struct {
	cache cache.Cache
}

func NewRedisPublisher(c cache.Cache) *RedisPublisher {
	return &RedisPublisher{cache: c}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev models.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if err := p.cache.Publish(ctx, cache.EventChannel(ev.TenantID), payload); err != nil {
		return fmt.Errorf("publishing %s: %w", ev.Type, err)
	}
	return nil
}

// LogPublisher writes events to the log. Used when Redis is not configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, ev models.Event) error {
	attrs := []any{
		"type", ev.Type,
		"tenant_id", ev.TenantID,
		"actor_id", ev.ActorID,
		"entity_id", ev.EntityID,
	}
	if ev.From != "" || ev.To != "" {
		attrs = append(attrs, "from", ev.From, "to", ev.To)
	}
	p.logger.InfoContext(ctx, "domain event", attrs...)
	return nil
}

// Emit publishes ev and logs a failure instead of returning it; the write the
// event describes has already been committed.
func Emit(ctx context.Context, pub Publisher, logger *slog.Logger, ev models.Event) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, ev); err != nil {
		logger.WarnContext(ctx, "event publish failed",
			"type", ev.Type,
			"tenant_id", ev.TenantID,
			"entity_id", ev.EntityID,
			"error", err,
		)
	}
}
