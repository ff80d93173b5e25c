// Package sqlstore keeps sessions in a relational "sessions" table through gorm.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"codedojo/collab/internal/models"
	"codedojo/collab/internal/store"
)

type sessionRecord struct {
	ID          string    `gorm:"primaryKey;size:36"`
	SessionCode string    `gorm:"size:8;uniqueIndex;not null"`
	Title       string    `gorm:"size:255"`
	Language    string    `gorm:"size:50;not null;default:python"`
	Code        string    `gorm:"type:text;not null;default:''"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null;index"`
}

func (sessionRecord) TableName() string { return "sessions" }

func (r *sessionRecord) toModel() *models.Session {
	return &models.Session{
		ID:        r.ID,
		Code:      r.SessionCode,
		Title:     r.Title,
		Language:  r.Language,
		Text:      r.Code,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type Store struct {
	DB  *gorm.DB
	now func() time.Time
}

// New migrates the schema and returns a store over db.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&sessionRecord{}); err != nil {
		return nil, fmt.Errorf("migrate sessions table: %w", err)
	}
	return &Store{DB: db, now: time.Now}, nil
}

func gormConfig() *gorm.Config {
	return &gorm.Config{Logger: logger.Default.LogMode(logger.Warn), TranslateError: true}
}

func OpenPostgres(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return New(db)
}

func OpenSQLite(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return New(db)
}

func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Get(ctx context.Context, code string) (*models.Session, error) {
	var rec sessionRecord
	err := s.DB.WithContext(ctx).First(&rec, "session_code = ?", store.NormalizeCode(code)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.toModel(), nil
}

func (s *Store) SetCode(ctx context.Context, code, text string) (*models.Session, error) {
	return s.update(ctx, code, map[string]interface{}{"code": text})
}

func (s *Store) SetLanguage(ctx context.Context, code, language string) (*models.Session, error) {
	return s.update(ctx, code, map[string]interface{}{"language": language})
}

// update writes through a map so that empty strings are persisted.
func (s *Store) update(ctx context.Context, code string, fields map[string]interface{}) (*models.Session, error) {
	fields["updated_at"] = s.now()
	res := s.DB.WithContext(ctx).Model(&sessionRecord{}).
		Where("session_code = ?", store.NormalizeCode(code)).
		Updates(fields)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, store.ErrSessionNotFound
	}
	return s.Get(ctx, code)
}

func (s *Store) Create(ctx context.Context, title, language string) (*models.Session, error) {
	return store.CreateUnique(ctx, func(ctx context.Context, code string) (*models.Session, error) {
		var taken int64
		if err := s.DB.WithContext(ctx).Model(&sessionRecord{}).Where("session_code = ?", code).Count(&taken).Error; err != nil {
			return nil, err
		}
		if taken > 0 {
			return nil, store.ErrCodeTaken
		}
		sess := store.NewSession(uuid.NewString(), code, title, language, s.now())
		rec := sessionRecord{
			ID:          sess.ID,
			SessionCode: sess.Code,
			Title:       sess.Title,
			Language:    sess.Language,
			Code:        sess.Text,
			CreatedAt:   sess.CreatedAt,
			UpdatedAt:   sess.UpdatedAt,
		}
		if err := s.DB.WithContext(ctx).Create(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return nil, store.ErrCodeTaken
			}
			return nil, err
		}
		return rec.toModel(), nil
	})
}

func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.DB.WithContext(ctx).Where("updated_at < ?", cutoff).Delete(&sessionRecord{})
	return res.RowsAffected, res.Error
}
