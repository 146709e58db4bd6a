package metrics

import (
	"context"
	"log/slog"

	"github.com/benchwork/benchwork/pkg/bus"
	"github.com/benchwork/benchwork/pkg/core"
)

// Observer feeds every live bus event through Observe, keeping the
// prometheus collectors current without instrumenting the components
// themselves.
type Observer struct {
	bus *bus.Bus
	log *slog.Logger
}

// NewObserver creates an Observer. A nil logger disables logging.
func NewObserver(eb *bus.Bus, log *slog.Logger) *Observer {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Observer{bus: eb, log: log}
}

// Run blocks consuming events until ctx ends or the bus closes.
func (o *Observer) Run(ctx context.Context) error {
	sub := o.bus.Subscribe(core.EventFilter{})
	defer sub.Close()

	o.log.Debug("metrics observer started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-sub.C:
			if !ok {
				return nil
			}
			Observe(e)
		}
	}
}
