package egress

import (
	"context"
	"time"

	"github.com/sunfield/mesh-daq/internal/metrics"
	"github.com/sunfield/mesh-daq/internal/pipeline"
	"go.uber.org/zap"
)

// Pitcher is the terminal pipeline stage: it throws each compressed
// batch at the external bus. Publish failures are logged and the stage
// keeps looping; delivery guarantees are out of scope.
type Pitcher struct {
	pipeline.Base
	bus      Bus
	subject  string
	throttle time.Duration
}

func NewPitcher(bus Bus, subject string, throttle time.Duration, queueSize int, log *zap.Logger) *Pitcher {
	return &Pitcher{
		Base:     pipeline.NewBase("pitcher", pipeline.RoleGeneric, queueSize, log),
		bus:      bus,
		subject:  subject,
		throttle: throttle,
	}
}

func (p *Pitcher) Run(ctx context.Context) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			p.Heartbeat()
		case item, ok := <-p.In():
			if !ok {
				return
			}
			p.Heartbeat()
			payload, isBytes := item.([]byte)
			if !isBytes {
				p.Logger().Warn("dropping non-payload pitcher input")
				continue
			}
			p.publish(ctx, payload)
			if p.throttle > 0 && !sleep(ctx, p.throttle) {
				return
			}
		}
	}
}

// publish lazily connects on first use and after failed connects.
func (p *Pitcher) publish(ctx context.Context, payload []byte) {
	if !p.bus.Connected() {
		if err := p.bus.Connect(ctx); err != nil {
			metrics.PublishTotal.WithLabelValues(p.subject, "connect_error").Inc()
			p.Logger().Warn("egress bus unavailable, dropping batch",
				zap.Int("bytes", len(payload)), zap.Error(err))
			return
		}
	}
	if err := p.bus.Publish(ctx, p.subject, payload); err != nil {
		metrics.PublishTotal.WithLabelValues(p.subject, "error").Inc()
		p.Logger().Warn("publish failed",
			zap.String("subject", p.subject),
			zap.Int("bytes", len(payload)),
			zap.Error(err),
		)
		return
	}
	metrics.PublishTotal.WithLabelValues(p.subject, "ok").Inc()
	p.Logger().Debug("batch published",
		zap.String("subject", p.subject),
		zap.Int("bytes", len(payload)),
	)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
