package intake

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tidilihatim/avolship-sub008/internal/config"
	"github.com/tidilihatim/avolship-sub008/internal/coordinator"
	"github.com/tidilihatim/avolship-sub008/internal/log"
	"github.com/tidilihatim/avolship-sub008/internal/store"
)

type cancelledPayload struct {
	OrderID string `json:"order_id"`
}

// Intake subscribes to the order-management collaborator's pub/sub
// channels and maps its events onto the coordinator: created orders
// enter the pool, cancelled orders are withdrawn.
type Intake struct {
	client *redis.Client
	coord  *coordinator.Coordinator
	cfg    *config.Config
	logger *log.Logger
}

func New(client *redis.Client, coord *coordinator.Coordinator, cfg *config.Config, logger *log.Logger) *Intake {
	return &Intake{
		client: client,
		coord:  coord,
		cfg:    cfg,
		logger: logger,
	}
}

// Run consumes upstream order events until ctx is done, resubscribing
// with backoff when the connection drops.
func (i *Intake) Run(ctx context.Context) {
	for {
		if err := i.consume(ctx); err != nil {
			if ctx.Err() != nil {
				i.logger.Infow("Order intake shutting down")
				return
			}
			i.logger.Errorw("Order intake disconnected, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (i *Intake) consume(ctx context.Context) error {
	pubsub := i.client.Subscribe(ctx, i.cfg.OrderCreatedChannel, i.cfg.OrderCancelledChannel)
	defer pubsub.Close()

	// Fail fast if the subscription never establishes.
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	i.logger.Infow("Order intake subscribed",
		"created_channel", i.cfg.OrderCreatedChannel,
		"cancelled_channel", i.cfg.OrderCancelledChannel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			i.handle(msg)
		}
	}
}

func (i *Intake) handle(msg *redis.Message) {
	switch msg.Channel {
	case i.cfg.OrderCreatedChannel:
		var order store.Order
		if err := json.Unmarshal([]byte(msg.Payload), &order); err != nil {
			i.logger.Errorw("Malformed order-created event", "error", err)
			return
		}
		if order.ID == "" {
			i.logger.Errorw("Order-created event without id")
			return
		}
		if err := i.coord.EnqueueNewOrder(order); err != nil {
			if errors.Is(err, store.ErrDuplicateOrder) {
				// Upstream delivery is at-least-once; replays are expected.
				i.logger.Debugw("Duplicate order-created event", "order_id", order.ID)
				return
			}
			i.logger.Errorw("Failed to enqueue order", "error", err, "order_id", order.ID)
		}
	case i.cfg.OrderCancelledChannel:
		var payload cancelledPayload
		if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil || payload.OrderID == "" {
			i.logger.Errorw("Malformed order-cancelled event", "error", err)
			return
		}
		i.coord.RemoveOrder(payload.OrderID)
	}
}
