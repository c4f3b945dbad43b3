// Package daq is the process supervisor: it owns the gateway, the
// handler pipeline, and the ingress router that joins them.
package daq

import (
	"context"
	"fmt"
	"time"

	"github.com/sunfield/mesh-daq/internal/command"
	"github.com/sunfield/mesh-daq/internal/config"
	"github.com/sunfield/mesh-daq/internal/devstate"
	"github.com/sunfield/mesh-daq/internal/egress"
	"github.com/sunfield/mesh-daq/internal/gateway"
	"github.com/sunfield/mesh-daq/internal/mesh"
	"github.com/sunfield/mesh-daq/internal/pipeline"
	"github.com/sunfield/mesh-daq/internal/registry"
	"github.com/sunfield/mesh-daq/internal/telemetry"
	"go.uber.org/zap"
)

// drainWindow bounds how long Stop spends routing ingress leftovers.
const drainWindow = 5 * time.Second

// Process wires the components together and drives them through one
// start/run/stop cycle.
type Process struct {
	cfg *config.Config
	log *zap.Logger

	gw      *gateway.Gateway
	manager *pipeline.Manager
	head    chan any
	ingress chan mesh.Indication

	internal egress.Bus // command/response transport, may be nil
	external egress.Bus // batch egress
	sub      *egress.CommandSubscriber

	commands *command.Registry
	devices  *devstate.Store
	monitors *registry.Monitors // nil when disabled

	sunrise  time.Time
	reqIDs   requestIDs
	handlers []dispatchEntry
}

// New assembles a process. internal carries command requests and
// responses; external carries published batches. monitors may be nil.
func New(cfg *config.Config, internal, external egress.Bus, devices *devstate.Store, monitors *registry.Monitors, log *zap.Logger) (*Process, error) {
	comp, err := pipeline.ForCodec(cfg.DAQ.Compression.Codec)
	if err != nil {
		return nil, err
	}

	p := &Process{
		cfg:      cfg,
		log:      log,
		ingress:  make(chan mesh.Indication, cfg.DAQ.QueueSize),
		internal: internal,
		external: external,
		devices:  devices,
		monitors: monitors,
		sunrise:  telemetry.Sunrise(time.Now()),
	}
	p.reqIDs.seed()

	p.gw = gateway.New(cfg.Gateway, p.ingress, log.Named("gateway"))

	p.manager = pipeline.NewManager(log.Named("pipeline"))
	enc := pipeline.NewEncodeStage(cfg.DAQ.QueueSize, log.Named("pipeline.encode"))
	batch := pipeline.NewBatchStage(
		cfg.DAQ.Compression.BatchOn,
		cfg.DAQ.Compression.BatchAge(),
		comp,
		cfg.DAQ.QueueSize,
		log.Named("pipeline.batch"),
	)
	pitcher := egress.NewPitcher(
		external,
		cfg.NATS.ExternalMeshTopic,
		cfg.DAQ.Throttle(),
		cfg.DAQ.QueueSize,
		log.Named("pipeline.pitcher"),
	)
	p.manager.Chain(enc, batch, pitcher)
	p.head = p.manager.Head()

	p.commands = command.NewRegistry(command.Deps{
		Tuner:         p.manager,
		Devices:       devices,
		NextRequestID: p.NextRequestID,
		Log:           log.Named("command"),
	})

	// Static dispatch table: a handler runs iff the command's id is
	// listed for it.
	p.handlers = []dispatchEntry{
		{name: "data_report", wants: []byte{mesh.CmdDataIndication}, fn: p.handleDataReport},
	}

	if internal != nil {
		p.sub = egress.NewCommandSubscriber(internal, cfg.NATS.CommandTopic, p.ingress, log.Named("egress.commands"))
	}

	p.log.Info("sunrise time base fixed",
		zap.Time("sunrise", p.sunrise))
	return p, nil
}

// Gateway exposes the gateway for readiness checks.
func (p *Process) Gateway() *gateway.Gateway { return p.gw }

// Manager exposes the pipeline manager, mostly for tests and tunables.
func (p *Process) Manager() *pipeline.Manager { return p.manager }

// NextRequestID hands out mesh request ids; see requestIDs.
func (p *Process) NextRequestID() uint16 { return p.reqIDs.Next() }

// InjectRecord places a pre-normalized record directly on the pipeline
// head, bypassing the wire path.
func (p *Process) InjectRecord(ctx context.Context, rec *telemetry.Record) error {
	select {
	case p.head <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start brings up the gateway, then the pipeline, then the command
// subscriber. A dead command bus is logged and tolerated; a failed
// gateway bind is fatal.
func (p *Process) Start(ctx context.Context) error {
	if err := p.gw.Start(); err != nil {
		return fmt.Errorf("daq: %w", err)
	}
	p.manager.Start(ctx)
	if p.sub != nil {
		if err := p.sub.Start(ctx); err != nil {
			p.log.Warn("command subscriber unavailable", zap.Error(err))
		}
	}
	p.log.Info("daq started")
	return nil
}

// Run drains the ingress queue until the context ends.
func (p *Process) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ind := <-p.ingress:
			p.observeDepth()
			p.route(ctx, ind)
		}
	}
}

// Stop tears down in reverse order. Component errors are logged, not
// propagated: shutdown always completes.
func (p *Process) Stop() {
	p.gw.Stop()

	// Route whatever the gateway enqueued before it stopped, bounded
	// so a wedged pipeline cannot hang shutdown.
	drainCtx, cancel := context.WithTimeout(context.Background(), drainWindow)
	defer cancel()
drain:
	for {
		select {
		case ind := <-p.ingress:
			p.route(drainCtx, ind)
		case <-drainCtx.Done():
			break drain
		default:
			break drain
		}
	}

	p.manager.Stop()
	if p.internal != nil {
		p.internal.Close()
	}
	if p.external != nil {
		p.external.Close()
	}
	if p.monitors != nil {
		p.monitors.Close()
	}
	if p.devices != nil {
		p.devices.Close()
	}
	cleanupScratch(p.log)
	p.log.Info("daq stopped")
}
