package emitter

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"peerbeacon/discovery"
	"peerbeacon/models"
)

// StartEmitter starts publishing and subscribing. It is a no-op while running.
// Transient start failures are retried with exponential backoff; a fatal
// failure or exhausted retries terminate the stream.
func (e *Emitter) StartEmitter(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.State() {
	case StateRunning:
		return nil
	case StateTerminated:
		return errors.WithStack(ErrTerminated)
	}
	return e.startLocked(ctx)
}

// PauseEmitter stops the transport and gates inbound messages. The announcement
// and the counters are kept. Queued events are still delivered, and so are the
// stop statuses the transport reports.
func (e *Emitter) PauseEmitter() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.State() != StateRunning {
		return
	}
	e.setState(StatePaused)
	e.stopTransport()
	e.logger().Debug("Emitter paused")
}

// ResumeEmitter restarts a paused emitter with the configuration active before
// pausing. It is a no-op unless paused.
func (e *Emitter) ResumeEmitter(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.State() != StatePaused {
		return nil
	}
	return e.startLocked(ctx)
}

// ResetEmitter stops everything and clears the start attempt counter, the last
// publish state and the terminal flag. The next StartEmitter is a cold start.
func (e *Emitter) ResetEmitter() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.setState(StateIdle)
	e.stopTransport()
	e.stats.startAttempts.Store(0)
	e.publishing.Store(false)
	e.subscribing.Store(false)
	e.logger().Debug("Emitter reset")
}

func (e *Emitter) startLocked(ctx context.Context) error {
	log := e.logger()
	e.setState(StateRunning)

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = e.cfg.RetryInterval
	exp.MaxInterval = maxRetryInterval
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(e.cfg.StartRetries)), ctx)

	err := backoff.RetryNotify(func() error {
		if e.State() == StateTerminated {
			return backoff.Permanent(errors.WithStack(ErrTerminated))
		}
		e.stats.startAttempts.Add(1)
		err := e.startTransport(ctx)
		if errors.Is(err, discovery.ErrUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, delay time.Duration) {
		log.Warn("Starting transport failed, retrying", zap.Error(err), zap.Duration("delay", delay))
	})
	if err == nil {
		log.Info("Emitter started", zap.Uint64("attempts", e.stats.startAttempts.Load()))
		return nil
	}

	e.stopTransport()

	if ctx.Err() != nil && !errors.Is(err, discovery.ErrUnavailable) {
		e.setState(StateIdle)
		return errors.WithStack(ctx.Err())
	}

	err = errors.Wrap(err, "start transport")
	if e.terminate() {
		log.Error("Emitter terminated", zap.Error(err))
		e.enqueueControl(models.NewTerminalFailure(err))
	}
	return err
}

func (e *Emitter) startTransport(ctx context.Context) error {
	if err := e.cfg.Transport.StartSubscribe(ctx); err != nil {
		return errors.Wrap(err, "start subscribe")
	}
	if err := e.cfg.Transport.StartPublish(ctx, discovery.Advertisement{
		Name:    e.cfg.AdvertisedName,
		Payload: e.payload,
	}); err != nil {
		return errors.Wrap(err, "start publish")
	}
	return nil
}

// stopTransport must be called with e.mu held.
func (e *Emitter) stopTransport() {
	log := e.logger()
	if err := e.cfg.Transport.StopPublish(); err != nil {
		log.Warn("Stopping publish failed", zap.Error(err))
	}
	if err := e.cfg.Transport.StopSubscribe(); err != nil {
		log.Warn("Stopping subscribe failed", zap.Error(err))
	}
}

// haltAsync stops the transport after the pipeline terminated the stream.
// The pipeline never takes e.mu, so the stop runs on its own goroutine.
func (e *Emitter) haltAsync() {
	e.haltMu.Lock()
	defer e.haltMu.Unlock()
	if e.haltClosed {
		// shutdown stops the transport itself.
		return
	}

	e.haltWG.Add(1)
	go func() {
		defer e.haltWG.Done()

		e.mu.Lock()
		defer e.mu.Unlock()
		if e.State() == StateTerminated {
			e.stopTransport()
		}
	}()
}
