package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/Gthulhu/fleet/config"
	"github.com/Gthulhu/fleet/domain"
	"github.com/Gthulhu/fleet/metrics"
	"github.com/Gthulhu/fleet/pkg/logger"
	"github.com/Gthulhu/fleet/pkg/util"
	"github.com/rs/xid"
	"go.uber.org/fx"
	"golang.org/x/sync/errgroup"
)

const coordinatorSender = "coordinator"

type Params struct {
	fx.In
	Registry  domain.Registry
	Driver    domain.RuntimeDriver
	Config    config.HubConfig
	Collector *metrics.FleetCollector
}

// NewHub builds the communication hub. The messaging key is derived once
// from the configured pre-shared secret.
func NewHub(params Params) (*Hub, error) {
	if params.Config.SharedSecret == "" {
		return nil, fmt.Errorf("hub shared secret is not configured")
	}
	key := util.DeriveMessagingKey(params.Config.SharedSecret, params.Config.ClusterName)
	c, err := newCodec(key)
	if err != nil {
		return nil, err
	}
	return &Hub{
		cfg:      params.Config,
		registry: params.Registry,
		driver:   params.Driver,
		codec:    c,
		queue:    newDispatchQueue(),
		metrics:  params.Collector,
	}, nil
}

// Hub provides at-most-once encrypted message delivery between the
// coordinator and containers. Messages are dispatched in priority order;
// retry policy belongs to the caller.
type Hub struct {
	cfg      config.HubConfig
	registry domain.Registry
	driver   domain.RuntimeDriver
	codec    *codec
	queue    *dispatchQueue
	metrics  *metrics.FleetCollector
}

// Send enqueues msg and blocks until the dispatch loop resolves it or ctx is
// done. A message whose TTL elapses before dispatch resolves as Expired,
// never silently dropped.
func (h *Hub) Send(ctx context.Context, msg *domain.Message) (domain.DeliveryResult, error) {
	if msg.ID == "" {
		msg.ID = xid.New().String()
	}
	if msg.Sender == "" {
		msg.Sender = coordinatorSender
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Recipient == "" {
		return domain.DeliveryResult{}, fmt.Errorf("message %s has no recipient", msg.ID)
	}

	p := &pending{msg: msg, done: make(chan domain.DeliveryResult, 1)}
	h.queue.push(p)

	select {
	case res := <-p.done:
		return res, nil
	case <-ctx.Done():
		return domain.DeliveryResult{}, ctx.Err()
	}
}

// Broadcast fans payload out to every active container. Each recipient's
// outcome is reported independently; partial failure does not fail the
// whole broadcast.
func (h *Hub) Broadcast(ctx context.Context, payload []byte, ttl time.Duration, priority domain.MessagePriority) ([]domain.DeliveryResult, error) {
	targets := h.registry.ListActive(ctx)
	results := make([]domain.DeliveryResult, len(targets))

	var g errgroup.Group
	for i, target := range targets {
		g.Go(func() error {
			res, err := h.Send(ctx, &domain.Message{
				Recipient:  target.ID,
				Payload:    payload,
				TTLSeconds: int(ttl / time.Second),
				Priority:   priority,
			})
			if err != nil {
				res = domain.DeliveryResult{
					Recipient: target.ID,
					Status:    domain.DeliveryFailed,
					Error:     err.Error(),
				}
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// RunDispatcher drains the queue on a fixed interval until stop is closed.
// Each delivery runs on its own goroutine so one unreachable container does
// not stall the rest of the queue.
func (h *Hub) RunDispatcher(ctx context.Context, stop <-chan struct{}) {
	logger.Logger(ctx).Info().
		Dur("interval", h.cfg.DispatchInterval).
		Msg("hub dispatcher starting")

	ticker := time.NewTicker(h.cfg.DispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.drain(ctx)
		case <-stop:
			h.drainFinal(ctx)
			logger.Logger(ctx).Info().Msg("hub dispatcher stopped")
			return
		}
	}
}

func (h *Hub) drain(ctx context.Context) {
	for {
		p := h.queue.pop()
		if p == nil {
			return
		}
		go h.resolve(ctx, p)
	}
}

// drainFinal fails whatever is still queued at shutdown so no sender is left
// waiting.
func (h *Hub) drainFinal(ctx context.Context) {
	for {
		p := h.queue.pop()
		if p == nil {
			return
		}
		p.done <- domain.DeliveryResult{
			MessageID:   p.msg.ID,
			Recipient:   p.msg.Recipient,
			Status:      domain.DeliveryFailed,
			Error:       "hub shutting down",
			CompletedAt: time.Now(),
		}
	}
}

// resolve performs one at-most-once delivery attempt. Payload contents are
// never logged.
func (h *Hub) resolve(ctx context.Context, p *pending) {
	now := time.Now()
	result := domain.DeliveryResult{
		MessageID: p.msg.ID,
		Recipient: p.msg.Recipient,
	}

	if p.msg.Expired(now) {
		result.Status = domain.DeliveryExpired
		result.Error = domain.ErrExpired.Error()
		result.CompletedAt = now
		h.metrics.MessagesExpired.Inc()
		logger.Logger(ctx).Debug().
			Str("message_id", p.msg.ID).
			Str("recipient", p.msg.Recipient).
			Msg("message expired before dispatch")
		p.done <- result
		return
	}

	target, err := h.registry.Get(ctx, p.msg.Recipient)
	if err != nil {
		result.Status = domain.DeliveryFailed
		result.Error = err.Error()
		result.CompletedAt = time.Now()
		h.metrics.MessagesFailed.Inc()
		p.done <- result
		return
	}

	sealed, err := h.codec.seal(p.msg)
	if err != nil {
		result.Status = domain.DeliveryFailed
		result.Error = err.Error()
		result.CompletedAt = time.Now()
		h.metrics.MessagesFailed.Inc()
		p.done <- result
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, h.cfg.SendTimeout)
	defer cancel()
	if err := h.driver.Deliver(sendCtx, target, sealed); err != nil {
		result.Status = domain.DeliveryFailed
		result.Error = err.Error()
		result.CompletedAt = time.Now()
		h.metrics.MessagesFailed.Inc()
		logger.Logger(ctx).Debug().Err(err).
			Str("message_id", p.msg.ID).
			Str("recipient", p.msg.Recipient).
			Str("priority", p.msg.Priority.String()).
			Msg("message delivery failed")
		p.done <- result
		return
	}

	result.Status = domain.DeliveryDelivered
	result.CompletedAt = time.Now()
	h.metrics.MessagesDelivered.Inc()
	p.done <- result
}
