package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/emberwatch/emberwatch/internal/logger"
)

type firedKey struct {
	SubjectID string    `gorm:"primaryKey;size:191"`
	Bucket    int64     `gorm:"primaryKey;autoIncrement:false"`
	FiredAt   time.Time `gorm:"index;not null"`
}

func (firedKey) TableName() string { return "ledger_fired_keys" }

type contactRecord struct {
	Email     string    `gorm:"primaryKey;size:191"`
	SubjectID string    `gorm:"size:191;not null"`
	UpdatedAt time.Time `gorm:"index;not null"`
}

func (contactRecord) TableName() string { return "ledger_contacts" }

// SQLStore keeps the ledger in SQLite or MySQL so several processes can share
// it. The composite primary key makes the insert in TryMark the test-and-set.
type SQLStore struct {
	db        *gorm.DB
	retention Retention
	now       func() time.Time
}

// OpenSQL opens and migrates a ledger database. backend is "sqlite" or "mysql".
func OpenSQL(backend, dsn string, r Retention, log logger.Logger) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch backend {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported ledger backend %q", backend)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.NewGormAdapter(log.Module("sql"), 200*time.Millisecond),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	if backend == "sqlite" {
		// SQLite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := db.AutoMigrate(&firedKey{}, &contactRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate ledger schema: %w", err)
	}

	return &SQLStore{db: db, retention: r, now: time.Now}, nil
}

func (s *SQLStore) TryMark(ctx context.Context, key Key) (bool, error) {
	now := s.now()
	db := s.db.WithContext(ctx)

	// A stale row left by a missed purge must not block a new alert.
	if err := db.
		Where("subject_id = ? AND bucket = ? AND fired_at < ?", key.SubjectID, key.Bucket, now.Add(-s.retention.Fired)).
		Delete(&firedKey{}).Error; err != nil {
		return false, err
	}

	res := db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&firedKey{SubjectID: key.SubjectID, Bucket: key.Bucket, FiredAt: now})
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *SQLStore) IsMarked(ctx context.Context, key Key) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&firedKey{}).
		Where("subject_id = ? AND bucket = ? AND fired_at >= ?", key.SubjectID, key.Bucket, s.now().Add(-s.retention.Fired)).
		Count(&n).Error
	return n > 0, err
}

func (s *SQLStore) Unmark(ctx context.Context, key Key) error {
	return s.db.WithContext(ctx).
		Where("subject_id = ? AND bucket = ?", key.SubjectID, key.Bucket).
		Delete(&firedKey{}).Error
}

func (s *SQLStore) PutContact(ctx context.Context, email, subjectID string) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "email"}},
			DoUpdates: clause.AssignmentColumns([]string{"subject_id", "updated_at"}),
		}).
		Create(&contactRecord{Email: email, SubjectID: subjectID, UpdatedAt: s.now()}).Error
}

func (s *SQLStore) GetContact(ctx context.Context, email string) (string, bool, error) {
	var rec contactRecord
	err := s.db.WithContext(ctx).
		Where("email = ? AND updated_at >= ?", email, s.now().Add(-s.retention.Contact)).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return rec.SubjectID, true, nil
}

func (s *SQLStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("fired_at < ?", now.Add(-s.retention.Fired)).Delete(&firedKey{})
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected

		res = tx.Where("updated_at < ?", now.Add(-s.retention.Contact)).Delete(&contactRecord{})
		if res.Error != nil {
			return res.Error
		}
		total += res.RowsAffected
		return nil
	})
	return total, err
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
