package pipeline

import (
	"context"
	"time"

	"github.com/sunfield/mesh-daq/internal/metrics"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// batchWait bounds how long the batcher blocks on input before
// re-checking the age trigger.
const batchWait = 5 * time.Second

// Envelope is the published batch shape. Cache holds the encoded
// records in arrival order; LastProcessed is the flush time in epoch
// seconds.
type Envelope struct {
	Cache         []bson.Raw `bson:"cache"`
	LastProcessed float64    `bson:"last_processed"`
}

// BatchStage accumulates encoded records and flushes them as one
// compressed envelope when either the size or the age threshold trips.
// Thresholds are re-read from the shared state map every cycle so they
// can be retuned on a live process. An empty batch is never emitted.
type BatchStage struct {
	Base
	comp    Compressor
	batchOn int
	batchAt time.Duration
}

func NewBatchStage(batchOn int, batchAt time.Duration, comp Compressor, queueSize int, log *zap.Logger) *BatchStage {
	return &BatchStage{
		Base:    NewBase("batch", RoleCompiler, queueSize, log),
		comp:    comp,
		batchOn: batchOn,
		batchAt: batchAt,
	}
}

func (s *BatchStage) Run(ctx context.Context) {
	var cache []bson.Raw
	last := time.Now()

	wait := time.NewTimer(batchWait)
	defer wait.Stop()

	for {
		batchOn, batchAt := s.tunables()

		// Wake at the age deadline when a batch is pending, else at
		// the idle interval.
		d := batchWait
		if len(cache) > 0 {
			if until := time.Until(last.Add(batchAt)); until < d {
				d = until
			}
			if d < 0 {
				d = 0
			}
		}
		if !wait.Stop() {
			select {
			case <-wait.C:
			default:
			}
		}
		wait.Reset(d)

		closed := false
		select {
		case <-ctx.Done():
			s.flush(ctx, &cache, &last, "drain")
			return
		case item, ok := <-s.In():
			if !ok {
				closed = true
				break
			}
			// Shape is the encode stage's job; append as-is.
			if doc, isDoc := item.(bson.Raw); isDoc {
				cache = append(cache, doc)
			} else {
				s.Logger().Warn("dropping non-document batch input",
					zap.String("stage", s.Name()))
			}
		case <-wait.C:
		}

		s.Heartbeat()

		if closed {
			s.flush(ctx, &cache, &last, "drain")
			return
		}

		switch {
		case len(cache) >= batchOn:
			s.flush(ctx, &cache, &last, "size")
		case len(cache) > 0 && time.Since(last) >= batchAt:
			s.flush(ctx, &cache, &last, "age")
		case len(cache) == 0:
			// Nothing pending; age counts from the next arrival.
			last = time.Now()
		}
	}
}

// tunables reads the live thresholds, falling back to the constructor
// values when the state map has no override.
func (s *BatchStage) tunables() (int, time.Duration) {
	on, at := s.batchOn, s.batchAt
	if v, ok := s.Tunable("batch_on"); ok {
		switch n := v.(type) {
		case int:
			on = n
		case int32:
			on = int(n)
		case int64:
			on = int(n)
		case float64:
			on = int(n)
		}
	}
	if v, ok := s.Tunable("batch_at"); ok {
		switch n := v.(type) {
		case time.Duration:
			at = n
		case float64:
			at = time.Duration(n * float64(time.Second))
		case int:
			at = time.Duration(n) * time.Second
		case int64:
			at = time.Duration(n) * time.Second
		}
	}
	if on < 1 {
		on = 1
	}
	return on, at
}

func (s *BatchStage) flush(ctx context.Context, cache *[]bson.Raw, last *time.Time, trigger string) {
	if len(*cache) == 0 {
		return
	}
	now := time.Now()
	env := Envelope{
		Cache:         *cache,
		LastProcessed: float64(now.UnixNano()) / float64(time.Second),
	}

	size := len(*cache)
	*cache = nil
	*last = now

	doc, err := bson.Marshal(env)
	if err != nil {
		s.Logger().Error("dropping batch: envelope encoding failed",
			zap.Int("records", size), zap.Error(err))
		return
	}
	payload, err := s.comp.Compress(doc)
	if err != nil {
		s.Logger().Error("dropping batch: compression failed",
			zap.String("codec", s.comp.Name()),
			zap.Int("records", size), zap.Error(err))
		return
	}

	if !s.Emit(ctx, payload) {
		return
	}
	metrics.BatchSize.Observe(float64(size))
	metrics.BatchBytes.Observe(float64(len(payload)))
	metrics.BatchesTotal.WithLabelValues(trigger).Inc()
	s.Logger().Debug("batch flushed",
		zap.String("trigger", trigger),
		zap.Int("records", size),
		zap.Int("bytes", len(payload)),
	)
}
