package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acmegate/acmegate/internal/model"
)

// renewalCooldownBase is the cooldown after one failed attempt; it doubles
// with each consecutive failure.
const renewalCooldownBase = time.Hour

// RenewOrder obtains a fresh certificate by creating and driving a
// replacement order for the same domain set. The original order and its
// certificate are untouched until the replacement reaches valid, so a failed
// renewal never invalidates a still-live certificate. It holds the original
// order's lock, so a renewal can never run concurrently with a manual retry.
func (e *Engine) RenewOrder(ctx context.Context, orderID string) (*model.Order, error) {
	if !e.locks.TryAcquire(orderID) {
		return nil, &OrderBusyError{OrderID: orderID}
	}
	defer e.locks.Release(orderID)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.locks.SetCancel(orderID, cancel)

	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("engine: load order %s for renewal: %w", orderID, err)
	}
	if order.Mode == model.ModeProxy {
		// Proxied orders belong to external clients; their renewal is the
		// client's job.
		return nil, fmt.Errorf("engine: proxied order %s is not renewed by the scheduler", orderID)
	}

	autoRenew := order.AutoRenew
	order.LastAttemptAt = time.Now()
	if err := e.store.SaveOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("engine: record renewal attempt on order %s: %w", orderID, err)
	}

	// The replacement stays out of the scheduler's reach until it supersedes
	// the original; otherwise a failed attempt would leave two renewable
	// orders for one domain set.
	replacement := &model.Order{
		ID:            uuid.New().String(),
		Mode:          order.Mode,
		Status:        model.StatusCreated,
		Domains:       append([]string(nil), order.Domains...),
		ChallengeType: order.ChallengeType,
		Environment:   order.Environment,
		IssuerID:      order.IssuerID,
		CSRPEM:        order.CSRPEM,
		AutoRenew:     false,
		ExpiresAt:     time.Now().Add(7 * 24 * time.Hour),
	}
	if err := e.store.SaveOrder(ctx, replacement); err != nil {
		return nil, fmt.Errorf("engine: persist renewal order for %s: %w", orderID, err)
	}
	e.sink.Emit(Event{OrderID: replacement.ID, From: "", To: model.StatusCreated, Detail: "renewal of order " + order.ID})

	var driveErr error
	if e.locks.TryAcquire(replacement.ID) {
		switch replacement.Mode {
		case model.ModeClient:
			driveErr = e.processClientOrder(ctx, replacement)
		case model.ModeLocal:
			driveErr = e.processLocalOrder(ctx, replacement)
		}
		e.locks.Release(replacement.ID)
	}

	if driveErr != nil {
		order.RenewalFailures++
		order.LastErrorAt = time.Now()
		if saveErr := e.store.SaveOrder(ctx, order); saveErr != nil {
			logger.Error("Failed to record renewal failure",
				zap.String("order_id", order.ID), zap.Error(saveErr))
		}
		return replacement, driveErr
	}
	if replacement.Status != model.StatusValid {
		// Held for operator approval; the original stays authoritative.
		return replacement, nil
	}

	order.AutoRenew = false
	order.RenewalFailures = 0
	order.LastRenewalAt = time.Now()
	if err := e.store.SaveOrder(ctx, order); err != nil {
		return replacement, fmt.Errorf("engine: retire renewed order %s: %w", orderID, err)
	}
	replacement.AutoRenew = autoRenew
	if err := e.store.SaveOrder(ctx, replacement); err != nil {
		return replacement, fmt.Errorf("engine: persist renewal order for %s: %w", orderID, err)
	}
	logger.Info("Renewed order",
		zap.String("order_id", order.ID),
		zap.String("replacement_id", replacement.ID),
		zap.Strings("domains", order.Domains))
	return replacement, nil
}

// RenewalScheduler periodically renews auto-renew orders approaching expiry.
type RenewalScheduler struct {
	engine      *Engine
	interval    time.Duration
	window      time.Duration
	maxFailures int

	stop chan struct{}
	done chan struct{}
}

// NewRenewalScheduler builds a scheduler over the engine using the
// configured interval, window, and failure cutoff.
func NewRenewalScheduler(e *Engine) *RenewalScheduler {
	return &RenewalScheduler{
		engine:      e,
		interval:    e.cfg.RenewalInterval,
		window:      e.cfg.RenewalWindow,
		maxFailures: e.cfg.RenewalMaxFailures,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the scheduler loop. It runs one sweep immediately, then on
// every tick until Stop is called.
func (s *RenewalScheduler) Start() {
	go func() {
		defer close(s.done)
		logger.Info("Renewal scheduler started",
			zap.Duration("interval", s.interval),
			zap.Duration("window", s.window))
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.Sweep(context.Background())
		for {
			select {
			case <-ticker.C:
				s.Sweep(context.Background())
			case <-s.stop:
				logger.Info("Renewal scheduler stopped")
				return
			}
		}
	}()
}

// Stop halts the scheduler and waits for the loop to exit.
func (s *RenewalScheduler) Stop() {
	close(s.stop)
	<-s.done
}

// Sweep renews every eligible order once. Orders still inside their failure
// cooldown, past the failure cutoff, or currently locked are skipped.
func (s *RenewalScheduler) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(s.window)
	orders, err := s.engine.store.ListRenewableOrders(ctx, cutoff)
	if err != nil {
		logger.Error("Failed to list renewable orders", zap.Error(err))
		return
	}

	for _, order := range orders {
		if !s.eligible(order) {
			continue
		}
		l := logger.With(zap.String("order_id", order.ID), zap.Strings("domains", order.Domains))
		l.Info("Renewing order", zap.Time("expires_at", order.ExpiresAt))

		replacement, err := s.engine.RenewOrder(ctx, order.ID)
		switch {
		case err == nil:
			l.Info("Order renewed", zap.String("replacement_id", replacement.ID))
		case errors.As(err, new(*OrderBusyError)):
			l.Debug("Order busy, skipping this sweep")
		case errors.As(err, new(*RateLimitedError)):
			l.Warn("Renewal rate limited, will retry next sweep", zap.Error(err))
		default:
			l.Error("Renewal failed", zap.Error(err))
		}
	}
}

func (s *RenewalScheduler) eligible(order *model.Order) bool {
	if order.Mode == model.ModeProxy {
		return false
	}
	if order.RenewalFailures >= s.maxFailures {
		logger.Warn("Order reached renewal failure cutoff, leaving it alone",
			zap.String("order_id", order.ID),
			zap.Int("failures", order.RenewalFailures))
		return false
	}
	if order.RenewalFailures > 0 {
		cooldown := renewalCooldownBase << (order.RenewalFailures - 1)
		if time.Since(order.LastAttemptAt) < cooldown {
			return false
		}
	}
	return true
}
