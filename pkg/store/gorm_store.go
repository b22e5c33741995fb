package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"arcanabot/pkg/domain"
)

const migrateLockID int64 = 81428142

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock
// so concurrent bot/worker starts do not race the schema.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&AnalysisRecordModel{},
			&CreditBalanceModel{},
			&BonusGrantModel{},
			&RejectionCounterModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateRecord inserts a new analysis record.
func (s *GormStore) CreateRecord(ctx context.Context, rec domain.AnalysisRecord) error {
	model := recordToModel(rec)
	return s.db.WithContext(ctx).Create(&model).Error
}

// GetRecord retrieves a record by ID.
func (s *GormStore) GetRecord(ctx context.Context, id string) (domain.AnalysisRecord, bool, error) {
	var model AnalysisRecordModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.AnalysisRecord{}, false, nil
		}
		return domain.AnalysisRecord{}, false, err
	}
	return recordFromModel(model), true, nil
}

// SetRecordStatus moves a record to a new status with optional error detail.
// The detail is stored as a JSON document; the jsonb column rejects anything
// that is not valid JSON, so it is always encoded before the update.
func (s *GormStore) SetRecordStatus(ctx context.Context, id string, status domain.ReadingStatus, detail domain.ErrorDetail) error {
	updates := map[string]any{
		"status":     string(status),
		"updated_at": time.Now().UTC(),
	}
	if !detail.Empty() {
		encoded, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("encode error detail: %w", err)
		}
		updates["error_detail"] = datatypes.JSON(encoded)
	}
	return s.db.WithContext(ctx).Model(&AnalysisRecordModel{}).Where("id = ?", id).Updates(updates).Error
}

// SetRecordIntermediate persists the first-stage result for retopic reuse.
func (s *GormStore) SetRecordIntermediate(ctx context.Context, id string, intermediate string) error {
	return s.db.WithContext(ctx).Model(&AnalysisRecordModel{}).Where("id = ?", id).Updates(map[string]any{
		"intermediate": intermediate,
		"updated_at":   time.Now().UTC(),
	}).Error
}

// CompleteRecord marks a record completed with its final interpretation.
func (s *GormStore) CompleteRecord(ctx context.Context, id string, interpretation string) error {
	return s.db.WithContext(ctx).Model(&AnalysisRecordModel{}).Where("id = ?", id).Updates(map[string]any{
		"status":         string(domain.StatusCompleted),
		"interpretation": interpretation,
		"updated_at":     time.Now().UTC(),
	}).Error
}

// CompletedFacets lists completed facets within a session group, excluding
// the all sentinel.
func (s *GormStore) CompletedFacets(ctx context.Context, sessionGroupID string) ([]domain.Facet, error) {
	var facets []string
	err := s.db.WithContext(ctx).
		Model(&AnalysisRecordModel{}).
		Distinct("facet").
		Where("session_group_id = ? AND status = ? AND facet <> ?",
			sessionGroupID, string(domain.StatusCompleted), string(domain.FacetAll)).
		Pluck("facet", &facets).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.Facet, 0, len(facets))
	for _, f := range facets {
		out = append(out, domain.Facet(f))
	}
	return out, nil
}

// Balance returns the legacy balance for an identity and credit type.
func (s *GormStore) Balance(ctx context.Context, identity int64, creditType domain.CreditType) (int64, error) {
	var model CreditBalanceModel
	err := s.db.WithContext(ctx).First(&model, "identity = ? AND credit_type = ?", identity, string(creditType)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return model.Amount, nil
}

// Consume decrements the balance iff sufficient, in one conditional UPDATE.
// Returns false on insufficiency without error.
func (s *GormStore) Consume(ctx context.Context, identity int64, creditType domain.CreditType, amount int64) (bool, error) {
	res := s.db.WithContext(ctx).Exec(
		`UPDATE credit_balance_models SET amount = amount - ?, updated_at = ?
		 WHERE identity = ? AND credit_type = ? AND amount >= ?`,
		amount, time.Now().UTC(), identity, string(creditType), amount)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Refund increments the balance, creating the row when absent.
func (s *GormStore) Refund(ctx context.Context, identity int64, creditType domain.CreditType, amount int64) error {
	model := CreditBalanceModel{
		Identity:   identity,
		CreditType: string(creditType),
		Amount:     amount,
		UpdatedAt:  time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "identity"}, {Name: "credit_type"}},
		DoUpdates: clause.Assignments(map[string]any{
			"amount":     gorm.Expr("credit_balance_models.amount + ?", amount),
			"updated_at": time.Now().UTC(),
		}),
	}).Create(&model).Error
}

// GrantOnce records the grant key and credits the amount inside one
// transaction; the unique key makes repeat calls no-ops.
func (s *GormStore) GrantOnce(ctx context.Context, identity int64, grantKey string, creditType domain.CreditType, amount int64) (bool, error) {
	granted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		grant := BonusGrantModel{Identity: identity, GrantKey: grantKey, GrantedAt: time.Now().UTC()}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&grant)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		granted = true
		model := CreditBalanceModel{
			Identity:   identity,
			CreditType: string(creditType),
			Amount:     amount,
			UpdatedAt:  time.Now().UTC(),
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "identity"}, {Name: "credit_type"}},
			DoUpdates: clause.Assignments(map[string]any{
				"amount":     gorm.Expr("credit_balance_models.amount + ?", amount),
				"updated_at": time.Now().UTC(),
			}),
		}).Create(&model).Error
	})
	if err != nil {
		return false, err
	}
	return granted, nil
}

// AcquireRejectionSlot atomically claims one personalized-rejection slot for
// the UTC day, refusing once the limit is reached.
func (s *GormStore) AcquireRejectionSlot(ctx context.Context, identity int64, day string, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	res := s.db.WithContext(ctx).Exec(
		`INSERT INTO rejection_counter_models (identity, day, count) VALUES (?, ?, 1)
		 ON CONFLICT (identity, day) DO UPDATE SET count = rejection_counter_models.count + 1
		 WHERE rejection_counter_models.count < ?`,
		identity, day, limit)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ReleaseRejectionSlot returns a slot claimed for a personalized message that
// was never sent.
func (s *GormStore) ReleaseRejectionSlot(ctx context.Context, identity int64, day string) error {
	return s.db.WithContext(ctx).Exec(
		`UPDATE rejection_counter_models SET count = count - 1
		 WHERE identity = ? AND day = ? AND count > 0`,
		identity, day).Error
}

func recordToModel(rec domain.AnalysisRecord) AnalysisRecordModel {
	model := AnalysisRecordModel{
		ID:             rec.ID,
		Identity:       rec.Identity,
		Persona:        string(rec.Persona),
		Facet:          string(rec.Facet),
		Language:       rec.Language,
		Status:         string(rec.Status),
		Intermediate:   rec.Intermediate,
		Interpretation: rec.Interpretation,
		SessionGroupID: rec.SessionGroupID,
		CreditType:     string(rec.CreditType),
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
	if !rec.ErrorDetail.Empty() {
		if encoded, err := json.Marshal(rec.ErrorDetail); err == nil {
			model.ErrorDetail = datatypes.JSON(encoded)
		}
	}
	return model
}

func recordFromModel(model AnalysisRecordModel) domain.AnalysisRecord {
	var detail domain.ErrorDetail
	if len(model.ErrorDetail) > 0 {
		_ = json.Unmarshal(model.ErrorDetail, &detail)
	}
	return domain.AnalysisRecord{
		ID:             model.ID,
		Identity:       model.Identity,
		Persona:        domain.Persona(model.Persona),
		Facet:          domain.Facet(model.Facet),
		Language:       model.Language,
		Status:         domain.ReadingStatus(model.Status),
		Intermediate:   model.Intermediate,
		Interpretation: model.Interpretation,
		ErrorDetail:    detail,
		SessionGroupID: model.SessionGroupID,
		CreditType:     domain.CreditType(model.CreditType),
		CreatedAt:      model.CreatedAt,
		UpdatedAt:      model.UpdatedAt,
	}
}

var _ Store = (*GormStore)(nil)
