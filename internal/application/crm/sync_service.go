package crm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/authscape/crmsync/internal/domain/crm"
	"github.com/authscape/crmsync/internal/infrastructure/logger"
	"github.com/authscape/crmsync/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Pass kinds, used for spans, metrics and profiling labels.
const (
	PassFull          = "full"
	PassIncremental   = "incremental"
	PassMapping       = "mapping"
	PassOutbound      = "outbound_record"
	PassInbound       = "inbound_record"
	PassRelationships = "relationships"
)

// SyncOptions tune record processing
type SyncOptions struct {
	// Concurrency bounds the record workers of one pass
	Concurrency int
	// ProgressInterval emits a progress tick every N records
	ProgressInterval int
	// ProgressBuffer is the number of pending ticks kept before dropping
	ProgressBuffer int
}

// DefaultSyncOptions returns the default options
func DefaultSyncOptions() SyncOptions {
	return SyncOptions{
		Concurrency:      4,
		ProgressInterval: 10,
		ProgressBuffer:   64,
	}
}

// SyncDependencies are the ports the orchestrator works through.
// Progress may be nil.
type SyncDependencies struct {
	Connections  crm.ConnectionRepository
	Mappings     crm.EntityMappingRepository
	Correlations crm.CorrelationStore
	Logs         crm.SyncLogRepository
	Locals       crm.LocalEntityStore
	Providers    crm.ProviderFactory
	Progress     crm.ProgressReporter
}

// SyncService orchestrates record synchronization between the local store
// and remote CRMs. Its entry points never return errors: every failure is
// reported through the SyncResult.
type SyncService struct {
	deps    SyncDependencies
	opts    SyncOptions
	logger  *zap.Logger
	locks   *keyedMutex
	matcher *IdentityMatcher
	metrics *telemetry.SyncMetrics
	now     func() time.Time
}

// NewSyncService creates a new SyncService
func NewSyncService(deps SyncDependencies, opts SyncOptions, log *zap.Logger) *SyncService {
	if log == nil {
		log = zap.NewNop()
	}
	defaults := DefaultSyncOptions()
	if opts.Concurrency < 1 {
		opts.Concurrency = defaults.Concurrency
	}
	if opts.ProgressInterval < 1 {
		opts.ProgressInterval = defaults.ProgressInterval
	}
	if opts.ProgressBuffer < 1 {
		opts.ProgressBuffer = defaults.ProgressBuffer
	}
	return &SyncService{
		deps:    deps,
		opts:    opts,
		logger:  log.Named("crm_sync"),
		locks:   newKeyedMutex(),
		matcher: NewIdentityMatcher(deps.Correlations, deps.Locals),
		now:     time.Now,
	}
}

// SetSyncMetrics sets the metrics collector
func (s *SyncService) SetSyncMetrics(m *telemetry.SyncMetrics) {
	s.metrics = m
}

// ---------------------------------------------------------------------------
// Connection passes
// ---------------------------------------------------------------------------

// SyncAll runs a full sync of every enabled mapping of a connection.
func (s *SyncService) SyncAll(ctx context.Context, connectionID uuid.UUID) *crm.SyncResult {
	return s.syncConnection(ctx, connectionID, PassFull)
}

// SyncIncremental runs the same traversal as SyncAll with the inbound
// listing narrowed to records modified since the connection's last sync.
func (s *SyncService) SyncIncremental(ctx context.Context, connectionID uuid.UUID) *crm.SyncResult {
	return s.syncConnection(ctx, connectionID, PassIncremental)
}

func (s *SyncService) syncConnection(ctx context.Context, connectionID uuid.UUID, kind string) *crm.SyncResult {
	result := crm.NewSyncResult(uuid.NewString())
	ctx, span := telemetry.StartServiceSpan(ctx, "crm_sync", "sync_"+kind,
		telemetry.WithAttribute("connection_id", connectionID.String()))
	defer span.End()

	conn, provider, err := s.openConnection(ctx, connectionID)
	if err != nil {
		return s.abort(ctx, span, kind, result, err)
	}
	mappings, err := s.deps.Mappings.FindEnabledByConnection(ctx, conn.ID)
	if err == nil && len(mappings) == 0 {
		err = crm.ConfigurationError("sync connection", crm.ErrNoEnabledMappings)
	}
	if err != nil {
		s.saveSyncError(ctx, conn, err)
		return s.abort(ctx, span, kind, result, err)
	}

	var since *time.Time
	if kind == PassIncremental {
		since = conn.LastSyncAt
	}
	started := s.now().UTC()

	p := s.newPass(ctx, kind, conn, provider, result, true)
	telemetry.WithProfilingLabels(p.ctx, telemetry.SyncOperationLabels(kind, string(conn.ProviderType)), func(ctx context.Context) {
		for _, m := range mappings {
			if m.AllowsOutbound() {
				p.runOutbound(ctx, m)
			}
		}
		for _, m := range mappings {
			if m.AllowsInbound() {
				p.runInbound(ctx, m, since)
			}
		}
		p.backfillRelationships(ctx)
	})
	p.close()

	s.finishPass(ctx, span, p)
	s.saveConnection(ctx, p, &started)
	return result
}

// SyncEntityMapping runs one mapping with live progress reporting.
func (s *SyncService) SyncEntityMapping(ctx context.Context, mappingID uuid.UUID, fullSync bool) *crm.SyncResult {
	result := crm.NewSyncResult(uuid.NewString())
	ctx, span := telemetry.StartServiceSpan(ctx, "crm_sync", "sync_mapping",
		telemetry.WithAttribute("mapping_id", mappingID.String()),
		telemetry.WithAttribute("full_sync", fullSync))
	defer span.End()

	m, conn, provider, err := s.openMapping(ctx, mappingID)
	if err != nil {
		return s.abort(ctx, span, PassMapping, result, err)
	}
	if !m.Enabled {
		return s.abort(ctx, span, PassMapping, result, crm.ConfigurationError("sync mapping",
			fmt.Errorf("%w: mapping %s is disabled", crm.ErrNoEnabledMappings, m.ID)))
	}

	var since *time.Time
	if !fullSync {
		since = conn.LastSyncAt
	}
	total := s.estimate(ctx, conn, provider, m, since)
	label := fmt.Sprintf("%s <-> %s", m.LocalEntityType, m.RemoteEntityName)
	progress := startProgress(ctx, s.deps.Progress, m.ID, label, total, s.opts.ProgressInterval, s.opts.ProgressBuffer, s.logger)
	if id := progress.SyncID(); id != "" {
		result.CorrelationID = id
	}

	p := s.newPass(ctx, PassMapping, conn, provider, result, true)
	p.progress = progress
	telemetry.WithProfilingLabels(p.ctx, telemetry.SyncOperationLabels(PassMapping, string(conn.ProviderType)), func(ctx context.Context) {
		if m.AllowsOutbound() {
			p.runOutbound(ctx, m)
		}
		if m.AllowsInbound() {
			p.runInbound(ctx, m, since)
		}
		p.backfillRelationships(ctx)
	})
	p.close()

	s.finishPass(ctx, span, p)
	s.saveConnection(ctx, p, nil)
	progress.Complete(result.Success, result.Message)
	return result
}

// ---------------------------------------------------------------------------
// Single record passes
// ---------------------------------------------------------------------------

// SyncOutbound pushes one local record through every enabled outbound
// mapping of its type. A correlated record that no longer exists locally is
// deleted remotely.
func (s *SyncService) SyncOutbound(ctx context.Context, connectionID uuid.UUID, entityType crm.EntityType, entityID int64) *crm.SyncResult {
	result := crm.NewSyncResult(uuid.NewString())
	ctx, span := telemetry.StartServiceSpan(ctx, "crm_sync", "sync_outbound",
		telemetry.WithAttribute("connection_id", connectionID.String()),
		telemetry.WithAttribute("entity_type", string(entityType)))
	defer span.End()

	conn, provider, err := s.openConnection(ctx, connectionID)
	if err != nil {
		return s.abort(ctx, span, PassOutbound, result, err)
	}
	mappings, err := s.mappingsWhere(ctx, conn.ID, func(m *crm.EntityMapping) bool {
		return m.LocalEntityType == entityType && m.AllowsOutbound()
	})
	if err != nil {
		return s.abort(ctx, span, PassOutbound, result, err)
	}

	p := s.newPass(ctx, PassOutbound, conn, provider, result, false)
	for _, m := range mappings {
		if p.stopped(p.ctx) {
			break
		}
		p.syncOutboundRecord(p.ctx, m, entityID)
	}
	p.close()

	s.finishPass(ctx, span, p)
	s.saveConnection(ctx, p, nil)
	return result
}

// SyncInbound pulls one remote record through every enabled inbound mapping
// of its entity. A correlated record that no longer exists remotely is
// deleted locally.
func (s *SyncService) SyncInbound(ctx context.Context, connectionID uuid.UUID, remoteEntity, remoteID string) *crm.SyncResult {
	return s.inbound(ctx, connectionID, remoteEntity, remoteID, false)
}

// DeleteInbound applies a remote deletion: the correlated local record and
// its correlation entry are removed.
func (s *SyncService) DeleteInbound(ctx context.Context, connectionID uuid.UUID, remoteEntity, remoteID string) *crm.SyncResult {
	return s.inbound(ctx, connectionID, remoteEntity, remoteID, true)
}

func (s *SyncService) inbound(ctx context.Context, connectionID uuid.UUID, remoteEntity, remoteID string, deleted bool) *crm.SyncResult {
	result := crm.NewSyncResult(uuid.NewString())
	remoteEntity = strings.ToLower(strings.TrimSpace(remoteEntity))
	remoteID = crm.NormalizeRemoteID(remoteID)
	ctx, span := telemetry.StartServiceSpan(ctx, "crm_sync", "sync_inbound",
		telemetry.WithAttribute("connection_id", connectionID.String()),
		telemetry.WithAttribute("remote_entity", remoteEntity))
	defer span.End()

	if remoteID == "" {
		return s.abort(ctx, span, PassInbound, result, crm.ValidationError("sync inbound", crm.ErrMissingIdentifier))
	}
	conn, provider, err := s.openConnection(ctx, connectionID)
	if err != nil {
		return s.abort(ctx, span, PassInbound, result, err)
	}
	mappings, err := s.mappingsWhere(ctx, conn.ID, func(m *crm.EntityMapping) bool {
		return m.RemoteEntityName == remoteEntity && m.AllowsInbound()
	})
	if err != nil {
		return s.abort(ctx, span, PassInbound, result, err)
	}

	p := s.newPass(ctx, PassInbound, conn, provider, result, false)
	for _, m := range mappings {
		if p.stopped(p.ctx) {
			break
		}
		if deleted {
			p.deleteLocal(p.ctx, m, remoteID)
		} else {
			p.syncInboundByID(p.ctx, m, remoteID)
		}
	}
	p.close()

	s.finishPass(ctx, span, p)
	s.saveConnection(ctx, p, nil)
	return result
}

// SyncRelationships re-resolves only the relationship fields of every
// correlated record of a mapping. Scalar fields are not touched.
func (s *SyncService) SyncRelationships(ctx context.Context, mappingID uuid.UUID) *crm.SyncResult {
	result := crm.NewSyncResult(uuid.NewString())
	ctx, span := telemetry.StartServiceSpan(ctx, "crm_sync", "sync_relationships",
		telemetry.WithAttribute("mapping_id", mappingID.String()))
	defer span.End()

	m, conn, provider, err := s.openMapping(ctx, mappingID)
	if err != nil {
		return s.abort(ctx, span, PassRelationships, result, err)
	}
	if len(m.RelationshipMappings) == 0 {
		return s.abort(ctx, span, PassRelationships, result, crm.ConfigurationError("sync relationships",
			fmt.Errorf("%w: mapping %s has none", crm.ErrRelationshipMappingNotFound, m.ID)))
	}
	entries, err := s.deps.Correlations.ListByConnectionAndType(ctx, conn.ID, m.LocalEntityType)
	if err != nil {
		return s.abort(ctx, span, PassRelationships, result, err)
	}
	linked := make([]crm.CorrelationEntry, 0, len(entries))
	for _, e := range entries {
		if e.RemoteEntityName == m.RemoteEntityName {
			linked = append(linked, e)
		}
	}

	p := s.newPass(ctx, PassRelationships, conn, provider, result, false)
	forEach(p, p.ctx, linked, func(ctx context.Context, e crm.CorrelationEntry) {
		p.refreshRelationships(ctx, m, e)
	})
	p.close()

	s.finishPass(ctx, span, p)
	s.saveConnection(ctx, p, nil)
	return result
}

// ---------------------------------------------------------------------------
// Setup and teardown
// ---------------------------------------------------------------------------

func (s *SyncService) openConnection(ctx context.Context, connectionID uuid.UUID) (*crm.Connection, crm.Provider, error) {
	conn, err := s.deps.Connections.FindByID(ctx, connectionID)
	if err != nil {
		if errors.Is(err, crm.ErrConnectionNotFound) {
			return nil, nil, crm.ConfigurationError("load connection", err)
		}
		return nil, nil, err
	}
	if !conn.Enabled {
		return nil, nil, crm.ConfigurationError("load connection",
			fmt.Errorf("%w: %s", crm.ErrConnectionDisabled, conn.Name))
	}
	provider, err := s.deps.Providers.ProviderFor(conn)
	if err != nil {
		return nil, nil, crm.ConfigurationError("load provider", err)
	}
	return conn, provider, nil
}

func (s *SyncService) openMapping(ctx context.Context, mappingID uuid.UUID) (*crm.EntityMapping, *crm.Connection, crm.Provider, error) {
	m, err := s.deps.Mappings.FindByID(ctx, mappingID)
	if err != nil {
		if errors.Is(err, crm.ErrEntityMappingNotFound) {
			return nil, nil, nil, crm.ConfigurationError("load mapping", err)
		}
		return nil, nil, nil, err
	}
	conn, provider, err := s.openConnection(ctx, m.ConnectionID)
	if err != nil {
		return nil, nil, nil, err
	}
	return m, conn, provider, nil
}

func (s *SyncService) mappingsWhere(ctx context.Context, connectionID uuid.UUID, keep func(*crm.EntityMapping) bool) ([]*crm.EntityMapping, error) {
	all, err := s.deps.Mappings.FindEnabledByConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	out := make([]*crm.EntityMapping, 0, len(all))
	for _, m := range all {
		if keep(m) {
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		return nil, crm.ConfigurationError("select mappings", crm.ErrNoEnabledMappings)
	}
	return out, nil
}

// estimate counts the records a mapping pass will visit. Counting is best
// effort: failures count as zero.
func (s *SyncService) estimate(ctx context.Context, conn *crm.Connection, provider crm.Provider, m *crm.EntityMapping, since *time.Time) int64 {
	var total int64
	if m.AllowsOutbound() {
		n, err := s.deps.Locals.Count(ctx, m.LocalEntityType)
		if err != nil {
			s.logger.Debug("Local record count failed", zap.Error(err))
		} else {
			total += n
		}
	}
	if counter, ok := provider.(crm.RecordCounter); ok && m.AllowsInbound() {
		n, err := counter.CountRecords(ctx, conn, crm.ListQuery{
			EntityName:    m.RemoteEntityName,
			ModifiedSince: since,
			Filter:        m.Filter,
		})
		if err != nil {
			s.logger.Debug("Remote record count failed", zap.Error(err))
		} else {
			total += n
		}
	}
	return total
}

func (s *SyncService) abort(ctx context.Context, span trace.Span, kind string, result *crm.SyncResult, err error) *crm.SyncResult {
	logger.WithLogger(ctx, s.logger).Error("Sync aborted",
		zap.String("pass", kind),
		zap.String("sync_id", result.CorrelationID),
		zap.String("kind", string(crm.ClassifyError(err))),
		zap.Error(err))
	result.Abort(err)
	telemetry.RecordError(span, err)
	s.metrics.RecordPass(ctx, kind, false, result.Duration)
	return result
}

func (s *SyncService) finishPass(ctx context.Context, span trace.Span, p *syncPass) {
	result := p.result
	switch {
	case p.halted.Load():
		result.Message = fmt.Sprintf("Sync halted: authentication failed for connection %s", p.conn.Name)
		telemetry.AddEvent(span, "auth_halt", "connection", p.conn.Name)
	case ctx.Err() != nil:
		result.AddError("sync cancelled: %v", ctx.Err())
		result.Message = "Sync cancelled before all records were processed"
	}
	result.Finish()

	stats := result.Snapshot()
	telemetry.SetAttributes(span,
		telemetry.SpanAttrSyncID, result.CorrelationID,
		"processed", stats.Processed,
		"failed", stats.Failed,
		"errors", result.ErrorCount())
	if result.Success {
		telemetry.SetOK(span)
	} else {
		telemetry.RecordError(span, errors.New(result.Message))
	}
	s.metrics.RecordPass(ctx, p.kind, result.Success, result.Duration)

	p.log(p.ctx).Info("Sync pass completed",
		zap.Bool("success", result.Success),
		zap.Int("processed", stats.Processed),
		zap.Int("created", stats.Created),
		zap.Int("updated", stats.Updated),
		zap.Int("deleted", stats.Deleted),
		zap.Int("failed", stats.Failed),
		zap.Int("skipped", stats.Skipped),
		zap.Duration("duration", result.Duration))
}

// saveConnection persists sync bookkeeping and refreshed tokens. With a
// started time the pass stamps LastSyncAt, unless it was halted or
// cancelled, in which case only the error is recorded.
func (s *SyncService) saveConnection(ctx context.Context, p *syncPass, started *time.Time) {
	conn := p.conn
	errMsg := ""
	if len(p.result.Errors) > 0 {
		errMsg = p.result.Errors[0]
	}
	interrupted := p.halted.Load() || ctx.Err() != nil
	switch {
	case started != nil && !interrupted:
		conn.RecordSyncCompleted(*started, errMsg)
	case started != nil:
		conn.LastSyncError = errMsg
		conn.UpdatedAt = s.now()
	case !conn.CredentialsChanged():
		return
	}
	if err := s.deps.Connections.Save(context.WithoutCancel(ctx), conn); err != nil {
		p.log(ctx).Error("Failed to save connection after sync", zap.Error(err))
	}
}

func (s *SyncService) saveSyncError(ctx context.Context, conn *crm.Connection, err error) {
	conn.LastSyncError = err.Error()
	conn.UpdatedAt = s.now()
	if saveErr := s.deps.Connections.Save(context.WithoutCancel(ctx), conn); saveErr != nil {
		logger.WithLogger(ctx, s.logger).Error("Failed to save connection sync error", zap.Error(saveErr))
	}
}
