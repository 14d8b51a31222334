package services

import (
	"context"
	"maps"
	"time"
)

// Domain event types published after a mutation commits.
const (
	EventOrderCreated        = "order.created"
	EventOrderStatusChanged  = "order.status_changed"
	EventOrderDriverAssigned = "order.driver_assigned"
	EventItemsReconciled     = "order.items_reconciled"
	EventRefundStatusChanged = "order.refund_status_changed"
	EventCashoutRequested    = "settlement.cashout_requested"
	EventCashoutPaid         = "settlement.cashout_paid"
	EventDiscountCommitted   = "procurement.discount_committed"
)

// DomainEvent describes a committed state change for downstream subscribers.
type DomainEvent struct {
	Type        string
	AggregateID string
	ActorID     string
	OccurredAt  time.Time
	Payload     map[string]any
}

// EventPublisher delivers domain events to subscribers.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event DomainEvent) error
}

// Logger is the structured logging hook shared by services.
type Logger func(ctx context.Context, event string, fields map[string]any)

func nopLogger(context.Context, string, map[string]any) {}

type eventSink struct {
	publisher EventPublisher
	logger    Logger
}

// publish never fails the caller; the write it describes has already committed.
func (s eventSink) publish(ctx context.Context, events ...DomainEvent) {
	if s.publisher == nil {
		return
	}
	for _, event := range events {
		if event.Payload != nil {
			event.Payload = maps.Clone(event.Payload)
		}
		if err := s.publisher.PublishEvent(ctx, event); err != nil {
			s.logger(ctx, "event.publish.failed", map[string]any{
				"type":      event.Type,
				"aggregate": event.AggregateID,
				"error":     err.Error(),
			})
		}
	}
}
