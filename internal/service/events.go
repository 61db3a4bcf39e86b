package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/p2pmarket/internal/domain"
)

// Publisher pushes lifecycle events and operation updates onto the signal
// bus. A Publisher with a nil bus drops everything, so callers never need to
// check whether Redis is configured.
type Publisher struct {
	bus    domain.SignalBus
	logger *slog.Logger
	now    func() time.Time
}

// NewPublisher creates a Publisher. bus may be nil.
func NewPublisher(bus domain.SignalBus, logger *slog.Logger) *Publisher {
	return &Publisher{
		bus:    bus,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ListingEvent publishes ev on domain.ChannelListingEvents.
func (p *Publisher) ListingEvent(ctx context.Context, ev domain.ListingEvent) {
	if p == nil || p.bus == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = p.now()
	}
	p.publish(ctx, domain.ChannelListingEvents, ev)
}

// Operation publishes an operation snapshot on domain.ChannelOperations.
func (p *Publisher) Operation(ctx context.Context, op Operation) {
	p.publish(ctx, domain.ChannelOperations, op)
}

func (p *Publisher) publish(ctx context.Context, channel string, v any) {
	if p == nil || p.bus == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.WarnContext(ctx, "publisher: marshal failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	// Delivery outlives the caller's context.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := p.bus.Publish(pubCtx, channel, payload); err != nil {
		p.logger.WarnContext(ctx, "publisher: publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}
