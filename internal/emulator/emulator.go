// Package emulator generates monitor traffic for development: it
// discovers a running server over the MARCO/POLO channel, then streams
// synthetic DataIndication frames for a set of panels, optionally
// degraded by injected faults.
package emulator

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"time"

	"github.com/sunfield/mesh-daq/internal/command"
	"github.com/sunfield/mesh-daq/internal/config"
	"github.com/sunfield/mesh-daq/internal/devstate"
	"github.com/sunfield/mesh-daq/internal/mesh"
	"go.uber.org/zap"
)

const discoveryWait = 2 * time.Second

// Emulator drives a set of fake panels against one server.
type Emulator struct {
	cfg     *config.Config
	faults  *devstate.Store // nil disables fault lookups
	log     *zap.Logger
	started time.Time
	reqID   uint16
}

func New(cfg *config.Config, faults *devstate.Store, log *zap.Logger) *Emulator {
	return &Emulator{cfg: cfg, faults: faults, log: log, started: time.Now()}
}

// Discover broadcasts MARCO on the autodiscovery port and waits for a
// POLO, retrying until the context ends. Returns the server's IP.
func (e *Emulator) Discover(ctx context.Context) (string, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: e.cfg.Gateway.AdRespondPort})
	if err != nil {
		return "", fmt.Errorf("emulator: binding respond port %d: %w", e.cfg.Gateway.AdRespondPort, err)
	}
	defer conn.Close()

	dest := &net.UDPAddr{
		IP:   net.IPv4bcast,
		Port: e.cfg.Gateway.AdListenPort,
	}
	buf := make([]byte, 64)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if _, err := conn.WriteToUDP([]byte("MARCO"), dest); err != nil {
			e.log.Warn("emulator: marco send failed", zap.Error(err))
		}
		conn.SetReadDeadline(time.Now().Add(discoveryWait))
		n, sender, err := conn.ReadFromUDP(buf)
		if err != nil {
			e.log.Debug("emulator: no polo yet, retrying")
			continue
		}
		if string(buf[:n]) != "POLO" {
			continue
		}
		e.log.Info("emulator: server discovered",
			zap.String("server", sender.IP.String()))
		return sender.IP.String(), nil
	}
}

// Run streams frames to the server until the context ends. One sweep
// sends one single-sample DataIndication per configured panel.
func (e *Emulator) Run(ctx context.Context, host string) error {
	if len(e.cfg.Emulator.PanelMACs) == 0 {
		return fmt.Errorf("emulator: no panel_macs configured")
	}

	addr := net.JoinHostPort(host, strconv.Itoa(e.cfg.Gateway.CommPort))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("emulator: dialing %s: %w", addr, err)
	}
	defer conn.Close()
	e.log.Info("emulator: connected", zap.String("server", addr),
		zap.Int("panels", len(e.cfg.Emulator.PanelMACs)))

	for cycle := 0; ; cycle++ {
		for _, mac := range e.cfg.Emulator.PanelMACs {
			if err := ctx.Err(); err != nil {
				return nil
			}
			if err := e.sendStatus(ctx, conn, mac); err != nil {
				return err
			}
			if !sleep(ctx, e.cfg.Emulator.PanelPause()) {
				return nil
			}
		}
		e.log.Debug("emulator: sweep complete", zap.Int("cycle", cycle))
		if !sleep(ctx, e.cfg.Emulator.CyclePause()) {
			return nil
		}
	}
}

func (e *Emulator) sendStatus(ctx context.Context, conn net.Conn, mac string) error {
	normalized, ok := command.IsMACAddr(mac)
	if !ok {
		e.log.Warn("emulator: skipping invalid panel mac", zap.String("macaddr", mac))
		return nil
	}

	fault := devstate.FaultNormal
	if e.faults != nil {
		fault = e.faults.Fault(ctx, normalized)
	}
	vi, vo, ii, io := e.profile(fault)

	di := &mesh.DataIndication{OpStat: 1, RegStat: 1}
	di.AddData(uint16(time.Since(e.started)/time.Second), vi, vo, ii, io, vi*ii, vo*io)

	e.reqID++
	msg := command.BasicMessage(e.reqID, normalized, mesh.DTypePLM, di)
	msg.SourceHopcount = uint8(1 + rand.Intn(10))

	raw, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("emulator: encoding frame for %s: %w", normalized, err)
	}
	frame, err := mesh.Frame(raw)
	if err != nil {
		e.log.Warn("emulator: payload too large, skipping",
			zap.String("macaddr", normalized), zap.Error(err))
		return nil
	}
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("emulator: writing frame: %w", err)
	}
	e.log.Debug("emulator: status sent",
		zap.String("macaddr", normalized),
		zap.String("fault", fault),
	)
	return nil
}

// profile produces the electrical values for one reading under the
// given fault state. A healthy panel sits near 39 V and 7.5 A.
func (e *Emulator) profile(fault string) (vi, vo, ii, io float64) {
	vi = 38 + 2*rand.Float64()
	ii = 7 + rand.Float64()
	switch fault {
	case "short_circuit":
		return vi, 0, ii, 9 + rand.Float64()
	case "open_circuit":
		return vi, vi, 0, 0
	case "low_voltage":
		vi = 20 + 5*rand.Float64()
		return vi, vi - 0.2, ii, ii - 0.1
	case "dead_panel":
		return 0, 0, 0, 0
	default:
		return vi, vi - 0.1, ii, ii - 0.1
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
