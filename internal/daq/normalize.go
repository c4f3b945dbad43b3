package daq

import (
	"context"
	"time"

	"github.com/sunfield/mesh-daq/internal/mesh"
	"github.com/sunfield/mesh-daq/internal/metrics"
	"github.com/sunfield/mesh-daq/internal/telemetry"
	"go.uber.org/zap"
)

// handleDataReport normalizes every sample in a DataIndication into a
// pipeline record. Sample order is preserved as the codec emitted it;
// the blocking send onto the pipeline head is the backpressure point.
func (p *Process) handleDataReport(ctx context.Context, cmd mesh.Command) (bool, error) {
	di, ok := cmd.(*mesh.DataIndication)
	if !ok || di.Header == nil {
		return false, nil
	}

	if di.Trailing > 0 {
		p.log.Warn("data indication carried a partial trailing sample",
			zap.String("macaddr", di.Header.Addr),
			zap.Int("trailing_bytes", di.Trailing),
		)
	}

	now := time.Now().UTC()
	for _, s := range di.Data {
		rec := &telemetry.Record{
			Type:       telemetry.TypeMon,
			MacAddr:    di.Header.Addr,
			Freezetime: telemetry.Freezetime(p.sunrise, s.Timestamp),
			Localtime:  now,
			RegStat:    int(di.RegStat),
			OpStat:     int(di.OpStat),
			Vi:         s.Vi,
			Vo:         s.Vo,
			Ii:         s.Ii,
			Io:         s.Io,
			Pi:         s.Pi,
			Po:         s.Po,
		}
		select {
		case p.head <- rec:
		case <-ctx.Done():
			return false, ctx.Err()
		}
		metrics.RecordsTotal.WithLabelValues("normalized").Inc()
		p.devices.Put(ctx, rec)
	}

	if p.monitors != nil {
		if err := p.monitors.UpsertMonitor(ctx, di.Header.Addr, int(di.Header.DType)); err != nil {
			p.log.Warn("monitor registry upsert failed",
				zap.String("macaddr", di.Header.Addr),
				zap.Error(err),
			)
		}
	}
	return true, nil
}
