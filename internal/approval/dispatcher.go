package approval

import (
	"context"
	"log/slog"
)

// Dispatcher is the single consumer of the engine's outbound stream; it fans
// each escalated request out to every registered channel.
type Dispatcher struct {
	engine   Engine
	channels []Channel
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher wires channels to an engine.
func NewDispatcher(engine Engine, logger *slog.Logger, channels ...Channel) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		engine:   engine,
		channels: channels,
		logger:   logger.With("component", "approval"),
	}
}

// Start starts every channel and the fan-out loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)

	for _, ch := range d.channels {
		if err := ch.Start(d.ctx); err != nil {
			return err
		}
		d.logger.Info("approval channel started", "channel", ch.Name())
	}

	go func() {
		for {
			select {
			case <-d.ctx.Done():
				return
			case req, ok := <-d.engine.Outbound():
				if !ok {
					return
				}
				for _, ch := range d.channels {
					ch.Notify(req)
				}
			}
		}
	}()
	return nil
}

// Stop stops the fan-out loop and every channel.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	for _, ch := range d.channels {
		if err := ch.Stop(); err != nil {
			d.logger.Warn("channel stop failed", "channel", ch.Name(), "error", err)
		}
	}
}
