package crm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/authscape/crmsync/internal/domain/crm"
	"github.com/authscape/crmsync/internal/infrastructure/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// syncPass holds the state of one orchestration run against one connection.
// The connection pointer is shared with the provider so refreshed tokens are
// seen by every later call of the pass.
type syncPass struct {
	svc      *SyncService
	kind     string
	conn     *crm.Connection
	provider crm.Provider
	resolver *LookupResolver
	result   *crm.SyncResult
	progress *progressTicker

	ctx      context.Context
	cancel   context.CancelFunc
	halted   atomic.Bool
	haltOnce sync.Once

	// collect remembers unresolved relationship targets for the backfill phase
	collect  bool
	deferMu  sync.Mutex
	deferred []deferredLink
}

// deferredLink is a record whose relationship targets were not correlated
// when the record itself was written.
type deferredLink struct {
	mapping       *crm.EntityMapping
	direction     crm.Direction
	localID       int64
	remoteID      string
	record        *crm.Record
	relationships []crm.RelationshipMapping
}

func (s *SyncService) newPass(ctx context.Context, kind string, conn *crm.Connection, provider crm.Provider, result *crm.SyncResult, collect bool) *syncPass {
	ctx = logger.WithSyncPass(ctx, logger.Pass{ConnectionID: conn.ID.String(), SyncID: result.CorrelationID, Kind: kind})
	ctx, cancel := context.WithCancel(ctx)
	p := &syncPass{
		svc:      s,
		kind:     kind,
		conn:     conn,
		provider: provider,
		result:   result,
		ctx:      ctx,
		cancel:   cancel,
		collect:  collect,
	}
	p.resolver = NewLookupResolver(provider, conn, s.logger)
	p.log(ctx).Info("Sync pass started", zap.String("connection", conn.Name))
	return p
}

func (p *syncPass) log(ctx context.Context) *logger.ContextLogger {
	return logger.WithLogger(ctx, p.svc.logger)
}

// stopped reports whether no further records may be started.
func (p *syncPass) stopped(ctx context.Context) bool {
	return p.halted.Load() || ctx.Err() != nil
}

// halt stops the pass after an authentication failure. The failure is
// reported once.
func (p *syncPass) halt(ctx context.Context, err error) {
	p.haltOnce.Do(func() {
		p.halted.Store(true)
		p.result.AddError("authentication failed, sync halted: %v", err)
		p.log(ctx).Error("Authentication failed, halting sync pass", zap.Error(err))
		p.cancel()
	})
}

func (p *syncPass) close() {
	p.cancel()
}

// passError reports a failure that concerns a whole mapping rather than one
// record, such as a failed listing.
func (p *syncPass) passError(ctx context.Context, op string, err error) {
	if crm.ClassifyError(err) == crm.KindAuth {
		p.halt(ctx, err)
		return
	}
	if ctx.Err() != nil && isContextError(err) {
		return
	}
	p.result.AddError("%s: %v", op, err)
	p.log(ctx).Error("Sync step failed", zap.String("op", op), zap.Error(err))
}

// forEach runs fn over items on at most Concurrency workers. No new item is
// started once the pass has stopped.
func forEach[T any](p *syncPass, ctx context.Context, items []T, fn func(context.Context, T)) {
	g := new(errgroup.Group)
	g.SetLimit(p.svc.opts.Concurrency)
	for _, item := range items {
		if p.stopped(ctx) {
			break
		}
		g.Go(func() error {
			if !p.stopped(ctx) {
				fn(ctx, item)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (p *syncPass) deferLink(l deferredLink) {
	if !p.collect || len(l.relationships) == 0 {
		return
	}
	p.deferMu.Lock()
	p.deferred = append(p.deferred, l)
	p.deferMu.Unlock()
}

func (p *syncPass) takeDeferred() []deferredLink {
	p.deferMu.Lock()
	defer p.deferMu.Unlock()
	out := p.deferred
	p.deferred = nil
	return out
}

// ---------------------------------------------------------------------------
// Correlation helpers
// ---------------------------------------------------------------------------

func (p *syncPass) correlationByLocal(ctx context.Context, t crm.EntityType, id int64) (*crm.CorrelationEntry, error) {
	entry, err := p.svc.deps.Correlations.GetByLocal(ctx, p.conn.ID, t, id)
	if errors.Is(err, crm.ErrCorrelationNotFound) {
		return nil, nil
	}
	return entry, err
}

func (p *syncPass) correlationByRemote(ctx context.Context, entity, id string) (*crm.CorrelationEntry, error) {
	entry, err := p.svc.deps.Correlations.GetByRemote(ctx, p.conn.ID, entity, id)
	switch {
	case errors.Is(err, crm.ErrCorrelationNotFound):
		return nil, nil
	case errors.Is(err, crm.ErrDuplicateCorrelation):
		return nil, crm.ConflictError("correlation lookup", err)
	}
	return entry, err
}

// saveCorrelation runs even when the pass is cancelled: the remote or local
// write it records has already happened.
func (p *syncPass) saveCorrelation(ctx context.Context, entry *crm.CorrelationEntry) error {
	return p.svc.deps.Correlations.Upsert(context.WithoutCancel(ctx), entry)
}

// ---------------------------------------------------------------------------
// Outcomes
// ---------------------------------------------------------------------------

// recordOutcome describes one attempted record write.
type recordOutcome struct {
	mapping      *crm.EntityMapping
	direction    crm.Direction
	action       crm.SyncAction
	localType    crm.EntityType
	localID      int64
	remoteEntity string
	remoteID     string
	err          error
	details      map[string]string
	started      time.Time
	// followUp marks a relationship-only write for a record already counted
	followUp bool
}

func newOutcome(m *crm.EntityMapping, direction crm.Direction) recordOutcome {
	return recordOutcome{
		mapping:      m,
		direction:    direction,
		action:       crm.ActionUpdate,
		localType:    m.LocalEntityType,
		remoteEntity: m.RemoteEntityName,
		details:      make(map[string]string),
		started:      time.Now(),
	}
}

func (o *recordOutcome) note(key, value string) {
	o.details[key] = value
}

func (o *recordOutcome) describe() string {
	local := fmt.Sprintf("%s %d", o.localType, o.localID)
	if o.localID == 0 {
		local = string(o.localType)
	}
	remote := o.remoteEntity
	if o.remoteID != "" {
		remote += " " + o.remoteID
	}
	if o.direction == crm.DirectionInbound {
		return fmt.Sprintf("inbound %s -> %s", remote, local)
	}
	return fmt.Sprintf("outbound %s -> %s", local, remote)
}

// unchanged counts a correlated record that needs no write.
func (p *syncPass) unchanged() {
	p.result.Count(func(s *crm.SyncStats) {
		s.Processed++
		s.Skipped++
	})
	p.progress.Advance()
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// complete applies the error policy to an outcome: counters, the error list,
// the audit log and metrics.
func (p *syncPass) complete(ctx context.Context, o recordOutcome) {
	// interrupted mid-record: leave it for the next pass
	if o.err != nil && ctx.Err() != nil && isContextError(o.err) {
		return
	}

	status := crm.StatusSuccess
	kind := crm.ClassifyError(o.err)
	switch kind {
	case "":
	case crm.KindAuth:
		p.halt(ctx, o.err)
		status = crm.StatusFailed
	case crm.KindValidation:
		status = crm.StatusSkipped
	case crm.KindConflict:
		status = crm.StatusConflict
		o.note("conflict", o.err.Error())
	default:
		status = crm.StatusFailed
	}

	p.result.Count(func(s *crm.SyncStats) {
		if !o.followUp {
			s.Processed++
		}
		switch status {
		case crm.StatusSuccess:
			if o.followUp {
				return
			}
			switch o.action {
			case crm.ActionCreate:
				s.Created++
			case crm.ActionUpdate:
				s.Updated++
			case crm.ActionDelete:
				s.Deleted++
			}
			if o.direction == crm.DirectionInbound {
				s.Inbound++
			} else {
				s.Outbound++
			}
		case crm.StatusFailed:
			s.Failed++
		default:
			s.Skipped++
		}
	})

	if o.err != nil && kind != crm.KindAuth {
		p.result.AddError("%s: %v", o.describe(), o.err)
		p.log(ctx).Warn("Record sync failed",
			zap.String("record", o.describe()),
			zap.String("status", string(status)),
			zap.String("kind", string(kind)),
			zap.Error(o.err))
	} else if o.err == nil {
		p.log(ctx).Debug("Record synced",
			zap.String("record", o.describe()),
			zap.String("action", string(o.action)))
	}

	p.appendLog(ctx, o, status)
	p.svc.metrics.RecordRecordOutcome(ctx, string(o.direction), string(o.action), string(status))
	if !o.followUp {
		p.progress.Advance()
	}
}

func (p *syncPass) appendLog(ctx context.Context, o recordOutcome, status crm.SyncStatus) {
	entry := &crm.SyncLog{
		ID:               uuid.New(),
		ConnectionID:     p.conn.ID,
		SyncID:           p.result.CorrelationID,
		LocalEntityType:  o.localType,
		LocalID:          o.localID,
		RemoteEntityName: o.remoteEntity,
		RemoteID:         o.remoteID,
		Direction:        o.direction,
		Action:           o.action,
		Status:           status,
		Duration:         time.Since(o.started),
		CreatedAt:        time.Now().UTC(),
	}
	if o.mapping != nil {
		id := o.mapping.ID
		entry.EntityMappingID = &id
	}
	if o.err != nil {
		entry.Error = o.err.Error()
	}
	if len(o.details) > 0 {
		entry.Details = o.details
	}
	if err := p.svc.deps.Logs.Append(context.WithoutCancel(ctx), entry); err != nil {
		p.log(ctx).Warn("Failed to append sync log", zap.Error(err))
	}
}
