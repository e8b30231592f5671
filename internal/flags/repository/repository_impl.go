package repository

import (
	"context"

	"github.com/smallbiznis/allocledger/internal/flags/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]domain.FlagRecord, error) {
	var records []domain.FlagRecord
	err := db.WithContext(ctx).Raw(
		`SELECT flag_name, current_state, last_modified, modified_by
		 FROM allocation_flags
		 ORDER BY flag_name`,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) Lock(ctx context.Context, db *gorm.DB, name domain.Name) (*domain.FlagRecord, error) {
	var record domain.FlagRecord
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("flag_name = ?", string(name)).
		Limit(1).
		Find(&record).Error
	if err != nil {
		return nil, err
	}
	if record.FlagName == "" {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) EnsureDefaults(ctx context.Context, db *gorm.DB, records []domain.FlagRecord) error {
	for _, record := range records {
		err := db.WithContext(ctx).Exec(
			`INSERT INTO allocation_flags (flag_name, current_state, last_modified, modified_by)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (flag_name) DO NOTHING`,
			string(record.FlagName),
			string(record.CurrentState),
			record.LastModified,
			record.ModifiedBy,
		).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) Save(ctx context.Context, db *gorm.DB, record domain.FlagRecord) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO allocation_flags (flag_name, current_state, last_modified, modified_by)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (flag_name) DO UPDATE SET
			current_state = excluded.current_state,
			last_modified = excluded.last_modified,
			modified_by = excluded.modified_by`,
		string(record.FlagName),
		string(record.CurrentState),
		record.LastModified,
		record.ModifiedBy,
	).Error
}

func (r *repo) InsertAudit(ctx context.Context, db *gorm.DB, audit *domain.FlagAudit) error {
	if audit == nil {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO allocation_flag_audits (id, flag_name, previous_state, new_state, actor, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		audit.ID,
		string(audit.FlagName),
		string(audit.PreviousState),
		string(audit.NewState),
		audit.Actor,
		audit.CreatedAt,
	).Error
}

func (r *repo) ListAudits(ctx context.Context, db *gorm.DB, name domain.Name, limit int) ([]domain.FlagAudit, error) {
	if limit <= 0 {
		limit = 50
	}
	var audits []domain.FlagAudit
	err := db.WithContext(ctx).Raw(
		`SELECT id, flag_name, previous_state, new_state, actor, created_at
		 FROM allocation_flag_audits
		 WHERE flag_name = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		string(name),
		limit,
	).Scan(&audits).Error
	if err != nil {
		return nil, err
	}
	return audits, nil
}
