package crm

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/authscape/crmsync/internal/domain/crm"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// progressTicker forwards coarse progress to a ProgressReporter from its own
// goroutine. Ticks are dropped when the buffer is full so record workers
// never wait on the reporter.
type progressTicker struct {
	reporter crm.ProgressReporter
	ctx      context.Context
	logger   *zap.Logger
	syncID   string
	total    int64
	interval int64

	processed atomic.Int64
	ticks     chan int64
	done      chan struct{}
	reported  atomic.Int64
}

// startProgress registers the sync with the reporter and starts the
// dispatcher. A nil reporter or a failing StartSync yields a nil ticker,
// whose methods are no-ops.
func startProgress(ctx context.Context, reporter crm.ProgressReporter, mappingID uuid.UUID, label string, total int64, interval, buffer int, logger *zap.Logger) *progressTicker {
	if reporter == nil {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	syncID, err := reporter.StartSync(ctx, mappingID, label, total)
	if err != nil {
		logger.Debug("Progress reporter rejected sync start", zap.Error(err))
		return nil
	}
	if interval < 1 {
		interval = 1
	}
	if buffer < 1 {
		buffer = 1
	}
	t := &progressTicker{
		reporter: reporter,
		ctx:      ctx,
		logger:   logger,
		syncID:   syncID,
		total:    total,
		interval: int64(interval),
		ticks:    make(chan int64, buffer),
		done:     make(chan struct{}),
	}
	go t.run()
	return t
}

// SyncID returns the reporter-assigned id
func (t *progressTicker) SyncID() string {
	if t == nil {
		return ""
	}
	return t.syncID
}

// Advance counts one processed record and emits a tick on the first record,
// every interval records and the last record of a known total.
func (t *progressTicker) Advance() {
	if t == nil {
		return
	}
	n := t.processed.Add(1)
	if n != 1 && n%t.interval != 0 && n != t.total {
		return
	}
	select {
	case t.ticks <- n:
	default:
	}
}

func (t *progressTicker) run() {
	defer close(t.done)
	for n := range t.ticks {
		t.report(n)
	}
}

func (t *progressTicker) report(n int64) {
	if n <= t.reported.Load() {
		return
	}
	t.reported.Store(n)
	msg := fmt.Sprintf("%d records processed", n)
	if t.total > 0 {
		msg = fmt.Sprintf("%d of %d records processed", n, t.total)
	}
	if err := t.reporter.ReportProgress(t.ctx, t.syncID, n, msg); err != nil {
		t.logger.Debug("Progress report failed", zap.String("sync_id", t.syncID), zap.Error(err))
	}
}

// Complete drains the dispatcher, reports the final count and closes the
// sync. Advance must not be called afterwards.
func (t *progressTicker) Complete(success bool, message string) {
	if t == nil {
		return
	}
	close(t.ticks)
	<-t.done
	t.report(t.processed.Load())
	if err := t.reporter.CompleteSync(t.ctx, t.syncID, success, message); err != nil {
		t.logger.Debug("Progress completion failed", zap.String("sync_id", t.syncID), zap.Error(err))
	}
}
