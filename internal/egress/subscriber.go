package egress

import (
	"context"
	"time"

	"github.com/sunfield/mesh-daq/internal/mesh"
	"go.uber.org/zap"
)

// CommandSubscriber bridges bus command requests onto the ingress
// queue, where the router handles them alongside mesh indications.
type CommandSubscriber struct {
	bus     Bus
	subject string
	ingress chan<- mesh.Indication
	log     *zap.Logger
}

func NewCommandSubscriber(bus Bus, subject string, ingress chan<- mesh.Indication, log *zap.Logger) *CommandSubscriber {
	return &CommandSubscriber{bus: bus, subject: subject, ingress: ingress, log: log}
}

func (c *CommandSubscriber) Start(ctx context.Context) error {
	if !c.bus.Connected() {
		if err := c.bus.Connect(ctx); err != nil {
			return err
		}
	}
	return c.bus.Subscribe(ctx, c.subject, func(_ string, data []byte) {
		ind := mesh.Indication{
			Gateway:    "bus",
			Kind:       mesh.CommandRequest,
			Length:     len(data),
			Body:       data,
			ReceivedOn: time.Now().UTC(),
		}
		// Never block a bus callback; command requests are advisory.
		select {
		case c.ingress <- ind:
		default:
			c.log.Warn("ingress queue full, dropping command request",
				zap.String("subject", c.subject))
		}
	})
}
