package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/songzhibin97/cycletrader/internal/models"
	"github.com/songzhibin97/cycletrader/internal/stream"
	"github.com/songzhibin97/cycletrader/internal/trading"
)

// EventMonitor waits for execution reports on a user data stream. The
// subscription key is renewed by a heartbeat goroutine; drops and failed
// renewals reopen the session within the retry budget.
type EventMonitor struct {
	cfg  Config
	deps Deps
}

var errHeartbeat = errors.New("heartbeat failed")

func (m *EventMonitor) Supervise(ctx context.Context, job Job) (*Outcome, error) {
	if err := validateJob(job); err != nil {
		return nil, err
	}

	order := job.Order
	tracker := NewTracker(order.Symbol, order.OrderID, m.deps.Logger, m.deps.Journal, m.deps.Clock.Now)
	if err := tracker.Transition(ctx, StateResting, "sell placed"); err != nil {
		return nil, err
	}
	logger := tracker.logger

	last := order
	failures := 0
	delays := m.cfg.Retry.Backoff()
	var lastErr error

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if failures > m.cfg.Retry.MaxAttempts {
				logger.Error("order supervision lost, order left resting", "failures", failures, "error", lastErr)
				return finish(ctx, tracker, failedOutcome(last, models.ExitSupervisionLost,
					fmt.Errorf("%w: %v", models.ErrSupervisionLost, lastErr)))
			}
			wait := delays.Duration()
			logger.Warn("reconnecting user stream", "attempt", failures, "wait", wait.String(), "error", lastErr)
			if err := sleep(ctx, m.deps.Clock, wait); err != nil {
				return finish(ctx, tracker, failedOutcome(last, models.ExitError, err))
			}
		}

		session, err := m.deps.Feed.Open(ctx)
		if err != nil {
			failures++
			lastErr = err
			continue
		}

		// 重连后补查订单，防止断线期间成交
		if attempt > 0 {
			if current, err := m.deps.Gateway.GetOrder(ctx, order.Symbol, order.OrderID); err != nil {
				logger.Warn("failed to re-check order after reconnect", "error", err)
			} else {
				last = current
				tracker.RaiseExecuted(current.ExecutedQty)
				if current.Status.IsFinal() {
					_ = session.Close()
					return finish(ctx, tracker, finalOutcome(current))
				}
			}
		}

		out, sessionErr := m.watch(ctx, session, tracker, &last, func() {
			failures = 0
			delays.Reset()
		})
		if out != nil {
			return finish(ctx, tracker, out)
		}
		if ctx.Err() != nil {
			return finish(ctx, tracker, failedOutcome(last, models.ExitError, ctx.Err()))
		}
		failures++
		lastErr = sessionErr
	}
}

// watch consumes one session until an outcome or a session failure. The
// heartbeat goroutine and the session are released before it returns.
func (m *EventMonitor) watch(ctx context.Context, session stream.Session, tracker *Tracker, last **trading.Order, onRenewed func()) (*Outcome, error) {
	order := *last
	logger := tracker.logger

	stop := make(chan struct{})
	renewals := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.heartbeat(ctx, session, stop, renewals)
	}()
	defer func() {
		close(stop)
		wg.Wait()
		if err := session.Close(); err != nil {
			logger.Debug("failed to close user stream session", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-session.Done():
			return nil, session.Err()

		case err := <-renewals:
			if err != nil {
				return nil, fmt.Errorf("%w: %v", errHeartbeat, err)
			}
			logger.Debug("user stream key renewed")
			onRenewed()

		case ev := <-session.Events():
			if ev.OrderID != order.OrderID || ev.Symbol != order.Symbol {
				continue
			}

			updated := *(*last)
			updated.Status = ev.Status
			updated.ExecutedQty = ev.ExecutedQty
			updated.CumQuoteQty = ev.CumQuoteQty
			updated.UpdatedAt = ev.EventTime
			*last = &updated

			if tracker.RaiseExecuted(ev.ExecutedQty) && !ev.Status.IsFinal() {
				logger.Info("sell partially filled",
					"executed_qty", ev.ExecutedQty.String(),
					"last_qty", ev.LastQty.String(),
					"last_price", ev.LastPrice.String(),
				)
			}
			if ev.Status.IsFinal() {
				return finalOutcome(&updated), nil
			}
		}
	}
}

func (m *EventMonitor) heartbeat(ctx context.Context, session stream.Session, stop <-chan struct{}, renewals chan<- error) {
	for {
		select {
		case <-stop:
			return
		case <-m.deps.Clock.After(m.cfg.HeartbeatInterval):
		}

		err := session.Renew(ctx)
		select {
		case renewals <- err:
		case <-stop:
			return
		}
		if err != nil {
			return
		}
	}
}
