package daq

import (
	"context"
	"fmt"

	"github.com/sunfield/mesh-daq/internal/mesh"
	"github.com/sunfield/mesh-daq/internal/metrics"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// dispatchEntry maps one handler to the command ids it wants.
type dispatchEntry struct {
	name  string
	wants []byte
	fn    func(ctx context.Context, cmd mesh.Command) (bool, error)
}

func (e dispatchEntry) wantsID(id byte) bool {
	for _, w := range e.wants {
		if w == id {
			return true
		}
	}
	return false
}

// observeDepth warns when the ingress queue backs up past the
// configured threshold.
func (p *Process) observeDepth() {
	depth := len(p.ingress)
	metrics.QueueDepth.WithLabelValues("ingress").Set(float64(depth))
	if depth >= p.cfg.DAQ.BackpressureQSize {
		p.log.Warn("ingress queue backpressure",
			zap.Int("depth", depth),
			zap.Int("threshold", p.cfg.DAQ.BackpressureQSize),
		)
	}
}

// route handles one ingress item. Frame-level errors stay here: the
// frame is dropped and logged, the connection that produced it is none
// of our business.
func (p *Process) route(ctx context.Context, ind mesh.Indication) {
	switch ind.Kind {
	case mesh.MeshIndication:
		p.routeMeshIndication(ctx, ind)
	case mesh.CommandRequest:
		p.routeCommandRequest(ctx, ind)
	default:
		metrics.IndicationsTotal.WithLabelValues("unknown", "dropped").Inc()
		p.log.Warn("dropping indication of unknown kind",
			zap.String("kind", ind.Kind),
			zap.String("gateway", ind.Gateway),
		)
	}
}

func (p *Process) routeMeshIndication(ctx context.Context, ind mesh.Indication) {
	msg, err := mesh.Decode(ind.Body)
	if err != nil {
		metrics.IndicationsTotal.WithLabelValues("mesh", "malformed").Inc()
		p.log.Warn("dropping malformed frame",
			zap.Int("length", ind.Length),
			zap.Error(err),
		)
		return
	}
	metrics.IndicationsTotal.WithLabelValues("mesh", "ok").Inc()
	if msg.SkippedCommands > 0 {
		metrics.CommandsDroppedTotal.Add(float64(msg.SkippedCommands))
		p.log.Warn("frame carried undecodable commands",
			zap.String("macaddr", msg.Addr),
			zap.Int("skipped", msg.SkippedCommands),
		)
	}

	p.log.Debug("mesh indication",
		zap.String("macaddr", msg.Addr),
		zap.Uint16("request_id", msg.RequestID),
		zap.Int("commands", len(msg.Commands)),
		zap.Time("received_on", ind.ReceivedOn),
	)

	for _, cmd := range msg.Commands {
		metrics.CommandsTotal.WithLabelValues(fmt.Sprintf("%#02x", cmd.ID())).Inc()
		p.dispatch(ctx, cmd)
	}
}

// dispatch runs every handler whose wanted-id list includes the
// command. Handler errors are logged and do not stop the remaining
// handlers; the result is the AND over handlers that ran.
func (p *Process) dispatch(ctx context.Context, cmd mesh.Command) bool {
	all := true
	for _, h := range p.handlers {
		if !h.wantsID(cmd.ID()) {
			continue
		}
		handled, err := h.fn(ctx, cmd)
		if err != nil {
			p.log.Error("handler failed",
				zap.String("handler", h.name),
				zap.String("command", fmt.Sprintf("%#02x", cmd.ID())),
				zap.Error(err),
			)
			all = false
			continue
		}
		all = all && handled
	}
	return all
}

// routeCommandRequest decodes a {func, args} request, invokes it, and
// publishes the result on the response subject when the bus is up.
func (p *Process) routeCommandRequest(ctx context.Context, ind mesh.Indication) {
	var req struct {
		Func string         `bson:"func"`
		Args map[string]any `bson:"args"`
	}
	if err := bson.Unmarshal(ind.Body, &req); err != nil {
		metrics.IndicationsTotal.WithLabelValues("command", "malformed").Inc()
		p.log.Warn("dropping malformed command request", zap.Error(err))
		return
	}
	metrics.IndicationsTotal.WithLabelValues("command", "ok").Inc()

	res := p.commands.Invoke(ctx, req.Func, req.Args)
	p.log.Info("command request",
		zap.String("func", req.Func),
		zap.Bool("status", res.Status),
	)

	if p.internal == nil || !p.internal.Connected() {
		return
	}
	doc, err := bson.Marshal(res)
	if err != nil {
		p.log.Error("command result not encodable", zap.Error(err))
		return
	}
	if err := p.internal.Publish(ctx, p.cfg.NATS.ResponseTopic, doc); err != nil {
		p.log.Warn("command response publish failed",
			zap.String("subject", p.cfg.NATS.ResponseTopic),
			zap.Error(err),
		)
	}
}
