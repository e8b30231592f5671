package service

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/allocledger/internal/audit/domain"
	"github.com/smallbiznis/allocledger/internal/clock"
	"github.com/smallbiznis/allocledger/internal/flags/domain"
	obsmetrics "github.com/smallbiznis/allocledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Repo        domain.Repository
	Clock       clock.Clock               `optional:"true"`
	Audit       auditdomain.Service       `optional:"true"`
	Broadcaster *Broadcaster              `optional:"true"`
	Metrics     *obsmetrics.LedgerMetrics `optional:"true"`
	OTel        *obsmetrics.Metrics       `optional:"true"`
}

// table is the immutable in-memory copy of allocation_flags.
type table struct {
	records map[domain.Name]domain.FlagRecord
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	repo        domain.Repository
	clock       clock.Clock
	audit       auditdomain.Service
	broadcaster *Broadcaster
	metrics     *obsmetrics.LedgerMetrics
	otel        *obsmetrics.Metrics

	current atomic.Pointer[table]
}

func NewService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("flags.service"),
		genID:       p.GenID,
		repo:        p.Repo,
		clock:       clk,
		audit:       p.Audit,
		broadcaster: p.Broadcaster,
		metrics:     p.Metrics,
		otel:        p.OTel,
	}
}

// Load seeds missing flags with their defaults and reads the table into memory.
func (s *Service) Load(ctx context.Context) error {
	now := s.clock.Now()
	defaults := make([]domain.FlagRecord, 0)
	for _, def := range domain.Definitions() {
		defaults = append(defaults, domain.FlagRecord{
			FlagName:     def.Name,
			CurrentState: def.Default,
			LastModified: now,
			ModifiedBy:   "system",
		})
	}
	if err := s.repo.EnsureDefaults(ctx, s.db, defaults); err != nil {
		return fmt.Errorf("seed flags: %w", err)
	}
	return s.Refresh(ctx)
}

// Refresh replaces the in-memory table with the stored state.
func (s *Service) Refresh(ctx context.Context) error {
	records, err := s.repo.List(ctx, s.db)
	if err != nil {
		return fmt.Errorf("load flags: %w", err)
	}

	next := &table{records: make(map[domain.Name]domain.FlagRecord, len(records))}
	for _, record := range records {
		def, ok := domain.Lookup(record.FlagName)
		if !ok {
			s.log.Warn("ignoring undeclared flag", zap.String("flag", string(record.FlagName)))
			continue
		}
		if !def.HasState(record.CurrentState) {
			s.log.Error("stored flag state is not declared, using default",
				zap.String("flag", string(record.FlagName)),
				zap.String("state", string(record.CurrentState)),
				zap.String("default", string(def.Default)),
			)
			record.CurrentState = def.Default
		}
		next.records[record.FlagName] = record
	}
	s.current.Store(next)
	return nil
}

func (s *Service) Snapshot() domain.Snapshot {
	t := s.current.Load()
	if t == nil {
		return domain.DefaultSnapshot()
	}
	states := make(map[domain.Name]domain.State, len(t.records))
	for name, record := range t.records {
		states[name] = record.CurrentState
	}
	return domain.NewSnapshot(states)
}

func (s *Service) GetState(name domain.Name) (domain.State, error) {
	if _, ok := domain.Lookup(name); !ok {
		return "", domain.ErrUnknownFlag
	}
	return s.Snapshot().State(name), nil
}

// SetState moves a flag along its transition table. Setting the current state
// again is a no-op and writes no audit row.
func (s *Service) SetState(ctx context.Context, name domain.Name, state domain.State, actor string) (domain.Change, error) {
	def, ok := domain.Lookup(name)
	if !ok {
		return domain.Change{}, domain.ErrUnknownFlag
	}
	if !def.HasState(state) {
		return domain.Change{}, domain.ErrUnknownState
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return domain.Change{}, domain.ErrInvalidActor
	}

	var (
		change domain.Change
		saved  domain.FlagRecord
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := s.repo.Lock(ctx, tx, name)
		if err != nil {
			return err
		}

		current := def.Default
		if record != nil && def.HasState(record.CurrentState) {
			current = record.CurrentState
		}
		change = domain.Change{Flag: name, Previous: current, Current: current}
		if current == state {
			return nil
		}
		if !def.CanTransition(current, state) {
			return fmt.Errorf("%w: %s cannot move from %s to %s", domain.ErrInvalidTransition, name, current, state)
		}

		now := s.clock.Now()
		saved = domain.FlagRecord{
			FlagName:     name,
			CurrentState: state,
			LastModified: now,
			ModifiedBy:   actor,
		}
		if err := s.repo.Save(ctx, tx, saved); err != nil {
			return err
		}
		if err := s.repo.InsertAudit(ctx, tx, &domain.FlagAudit{
			ID:            s.genID.Generate(),
			FlagName:      name,
			PreviousState: current,
			NewState:      state,
			Actor:         actor,
			CreatedAt:     now,
		}); err != nil {
			return err
		}
		if s.audit != nil {
			target := string(name)
			if err := s.audit.AuditLogTx(ctx, tx, "", &actor, auditdomain.ActionFlagUpdated, "allocation_flag", &target, map[string]any{
				"previous_state": string(current),
				"new_state":      string(state),
			}); err != nil {
				return err
			}
		}

		change.Current = state
		change.Changed = true
		return nil
	})
	if err != nil {
		return domain.Change{}, err
	}
	if !change.Changed {
		return change, nil
	}

	s.swap(saved)
	s.metrics.IncFlagTransition(string(name), string(change.Previous), string(change.Current))
	s.otel.RecordFlagChange(ctx, string(name), string(change.Current))
	s.log.Info("allocation flag changed",
		zap.String("flag", string(name)),
		zap.String("previous_state", string(change.Previous)),
		zap.String("new_state", string(change.Current)),
		zap.String("actor", actor),
	)

	if err := s.broadcaster.Publish(ctx, name); err != nil {
		s.log.Warn("failed to broadcast flag change", zap.String("flag", string(name)), zap.Error(err))
	}
	return change, nil
}

// swap installs a copy of the current table with record replaced.
func (s *Service) swap(record domain.FlagRecord) {
	for {
		old := s.current.Load()
		next := &table{records: make(map[domain.Name]domain.FlagRecord)}
		if old != nil {
			for k, v := range old.records {
				next.records[k] = v
			}
		}
		next.records[record.FlagName] = record
		if s.current.CompareAndSwap(old, next) {
			return
		}
	}
}

func (s *Service) List() []domain.FlagView {
	defs := domain.Definitions()
	views := make([]domain.FlagView, 0, len(defs))
	for _, def := range defs {
		views = append(views, s.view(def))
	}
	return views
}

func (s *Service) Get(name domain.Name) (domain.FlagView, error) {
	def, ok := domain.Lookup(name)
	if !ok {
		return domain.FlagView{}, domain.ErrUnknownFlag
	}
	return s.view(def), nil
}

func (s *Service) view(def domain.Definition) domain.FlagView {
	state := def.Default
	view := domain.FlagView{
		Name:        def.Name,
		Description: def.Description,
		Default:     def.Default,
		States:      append([]domain.State(nil), def.States...),
	}
	if t := s.current.Load(); t != nil {
		if record, ok := t.records[def.Name]; ok {
			state = record.CurrentState
			modified := record.LastModified
			view.LastModified = &modified
			view.ModifiedBy = record.ModifiedBy
		}
	}
	view.State = state
	view.Next = def.Next(state)
	return view
}

func (s *Service) History(ctx context.Context, name domain.Name, limit int) ([]domain.FlagAudit, error) {
	if _, ok := domain.Lookup(name); !ok {
		return nil, domain.ErrUnknownFlag
	}
	return s.repo.ListAudits(ctx, s.db, name, limit)
}

// Loaded reports whether Load or Refresh has completed at least once.
func (s *Service) Loaded() bool {
	return s.current.Load() != nil
}

var _ domain.Service = (*Service)(nil)
