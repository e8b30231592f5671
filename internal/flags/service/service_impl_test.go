package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	auditdomain "github.com/smallbiznis/allocledger/internal/audit/domain"
	"github.com/smallbiznis/allocledger/internal/clock"
	"github.com/smallbiznis/allocledger/internal/flags/domain"
	"github.com/smallbiznis/allocledger/internal/flags/repository"
	obsmetrics "github.com/smallbiznis/allocledger/internal/observability/metrics"
	"github.com/smallbiznis/allocledger/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordingAuditService struct {
	actions []string
}

func (r *recordingAuditService) AuditLog(ctx context.Context, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error {
	r.actions = append(r.actions, action)
	return nil
}

func (r *recordingAuditService) AuditLogTx(ctx context.Context, tx *gorm.DB, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error {
	r.actions = append(r.actions, action)
	return nil
}

func (r *recordingAuditService) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	return auditdomain.ListAuditLogResponse{}, nil
}

type fixture struct {
	db      *gorm.DB
	svc     *Service
	audit   *recordingAuditService
	metrics *obsmetrics.LedgerMetrics
	reg     *prometheus.Registry
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	conn := db.NewTest(t, &domain.FlagRecord{}, &domain.FlagAudit{})
	node, err := snowflake.NewNode(10)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	audit := &recordingAuditService{}
	reg := prometheus.NewRegistry()
	metrics := obsmetrics.NewLedgerMetricsForTest(reg)
	svc := NewService(Params{
		DB:      conn,
		Log:     zap.NewNop(),
		GenID:   node,
		Repo:    repository.Provide(),
		Clock:   clock.NewFakeClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)),
		Audit:   audit,
		Metrics: metrics,
	})
	if err := svc.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return fixture{db: conn, svc: svc, audit: audit, metrics: metrics, reg: reg}
}

func assertCount(t *testing.T, conn *gorm.DB, query string, expected int64, args ...any) {
	t.Helper()
	var count int64
	if err := conn.Raw(query, args...).Scan(&count).Error; err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != expected {
		t.Fatalf("expected %d rows for %q, got %d", expected, query, count)
	}
}

func TestLoadSeedsDefaults(t *testing.T) {
	f := newFixture(t)

	assertCount(t, f.db, "SELECT COUNT(*) FROM allocation_flags", int64(len(domain.Definitions())))
	state, err := f.svc.GetState(domain.FlagBackfill)
	if err != nil || state != domain.StateReadOnly {
		t.Fatalf("expected read_only backfill, got %s %v", state, err)
	}
	if !f.svc.Loaded() {
		t.Fatalf("service should report loaded")
	}
}

func TestSetStateRejectsSkippingStages(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.SetState(context.Background(), domain.FlagDualWrite, domain.StateEnforce, "ops")
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	assertCount(t, f.db, "SELECT COUNT(*) FROM allocation_flag_audits", 0)
	if got := f.svc.Snapshot().WriteMode(); got != domain.StateOff {
		t.Fatalf("state must be unchanged, got %s", got)
	}
}

func TestSetStateRecordsAuditAndSwapsSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before := f.svc.Snapshot()
	change, err := f.svc.SetState(ctx, domain.FlagDualWrite, domain.StateShadow, "ops@example.com")
	if err != nil {
		t.Fatalf("set state: %v", err)
	}
	if !change.Changed || change.Previous != domain.StateOff || change.Current != domain.StateShadow {
		t.Fatalf("unexpected change %+v", change)
	}

	if before.WriteMode() != domain.StateOff {
		t.Fatalf("earlier snapshot must stay isolated, got %s", before.WriteMode())
	}
	if f.svc.Snapshot().WriteMode() != domain.StateShadow {
		t.Fatalf("new snapshot should see shadow")
	}

	assertCount(t, f.db, "SELECT COUNT(*) FROM allocation_flag_audits WHERE flag_name = ? AND previous_state = ? AND new_state = ? AND actor = ?", 1,
		"allocation_dual_write", "off", "shadow", "ops@example.com")
	assertCount(t, f.db, "SELECT COUNT(*) FROM allocation_flags WHERE flag_name = ? AND current_state = ?", 1, "allocation_dual_write", "shadow")

	if len(f.audit.actions) != 1 || f.audit.actions[0] != auditdomain.ActionFlagUpdated {
		t.Fatalf("expected one flag audit log, got %v", f.audit.actions)
	}

	series, err := testutil.GatherAndCount(f.reg, "allocledger_flag_transitions_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if series != 1 {
		t.Fatalf("expected one flag transition series, got %d", series)
	}

	history, err := f.svc.History(ctx, domain.FlagDualWrite, 10)
	if err != nil || len(history) != 1 {
		t.Fatalf("expected one history row, got %d %v", len(history), err)
	}

	view, err := f.svc.Get(domain.FlagDualWrite)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.ModifiedBy != "ops@example.com" || len(view.Next) != 2 {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestSetSameStateIsNoop(t *testing.T) {
	f := newFixture(t)

	change, err := f.svc.SetState(context.Background(), domain.FlagBackfill, domain.StateReadOnly, "ops")
	if err != nil {
		t.Fatalf("set state: %v", err)
	}
	if change.Changed {
		t.Fatalf("same state must not report a change")
	}
	assertCount(t, f.db, "SELECT COUNT(*) FROM allocation_flag_audits", 0)
	if len(f.audit.actions) != 0 {
		t.Fatalf("no audit log expected, got %v", f.audit.actions)
	}
}

func TestSetStateValidatesInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.SetState(ctx, "allocation_unknown", domain.StateOn, "ops"); !errors.Is(err, domain.ErrUnknownFlag) {
		t.Fatalf("expected ErrUnknownFlag, got %v", err)
	}
	if _, err := f.svc.SetState(ctx, domain.FlagBackfill, domain.StateOn, "ops"); !errors.Is(err, domain.ErrUnknownState) {
		t.Fatalf("expected ErrUnknownState, got %v", err)
	}
	if _, err := f.svc.SetState(ctx, domain.FlagBackfill, domain.StateActive, " "); !errors.Is(err, domain.ErrInvalidActor) {
		t.Fatalf("expected ErrInvalidActor, got %v", err)
	}
}

func TestRefreshPicksUpExternalChanges(t *testing.T) {
	f := newFixture(t)

	if err := f.db.Exec("UPDATE allocation_flags SET current_state = ? WHERE flag_name = ?", "on", "allocation_usage_visibility").Error; err != nil {
		t.Fatalf("update: %v", err)
	}
	if f.svc.Snapshot().State(domain.FlagUsageVisibility) != domain.StateOff {
		t.Fatalf("in-memory state must not change before refresh")
	}
	if err := f.svc.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if f.svc.Snapshot().State(domain.FlagUsageVisibility) != domain.StateOn {
		t.Fatalf("refresh should load stored state")
	}
}

func TestSnapshotBeforeLoadUsesDefaults(t *testing.T) {
	svc := NewService(Params{Log: zap.NewNop()})
	if svc.Loaded() {
		t.Fatalf("fresh service must not be loaded")
	}
	if svc.Snapshot().WriteMode() != domain.StateOff {
		t.Fatalf("expected default write mode off")
	}
}

func TestBroadcastMessageRoundTrip(t *testing.T) {
	origin, name, ok := decodeMessage(encodeMessage("node-a", domain.FlagReadSwitch))
	if !ok || origin != "node-a" || name != domain.FlagReadSwitch {
		t.Fatalf("unexpected decode %q %q %v", origin, name, ok)
	}
	if _, _, ok := decodeMessage("garbage"); ok {
		t.Fatalf("malformed payload must be rejected")
	}

	var b *Broadcaster
	if err := b.Publish(context.Background(), domain.FlagReadSwitch); err != nil {
		t.Fatalf("nil broadcaster publish should be a no-op: %v", err)
	}
}
