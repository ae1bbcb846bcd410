package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"keygate/internal/domain"
	apperrors "keygate/internal/errors"
)

// Open opens the SQLite database at path and migrates the schema.
// Pass ":memory:" for an ephemeral database in tests.
func Open(path string) (*gorm.DB, error) {
	dsn := path
	if path == ":memory:" {
		// Unique shared-cache name so every pooled connection sees the
		// same in-memory database and parallel tests stay isolated.
		dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer; one pooled connection sidesteps
	// lock contention without weakening the conditional-write semantics.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&domain.License{},
		&domain.Session{},
		&domain.BannedDevice{},
		&domain.DownloadToken{},
		&domain.AuditEntry{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return db, nil
}

// NewStores builds the full repository set on one database handle.
func NewStores(db *gorm.DB) *Stores {
	return &Stores{
		Licenses: &GormLicenseStore{db: db},
		Sessions: &GormSessionStore{db: db},
		Bans:     &GormBanStore{db: db},
		Tokens:   &GormTokenStore{db: db},
		Audit:    &GormAuditStore{db: db},
	}
}

// GormLicenseStore implements LicenseStore on GORM.
type GormLicenseStore struct {
	db *gorm.DB
}

func (s *GormLicenseStore) Get(ctx context.Context, key string) (*domain.License, error) {
	var license domain.License
	err := s.db.WithContext(ctx).First(&license, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrLicenseNotFound
	}
	if err != nil {
		return nil, apperrors.Storage("license get", err)
	}
	return &license, nil
}

func (s *GormLicenseStore) Create(ctx context.Context, license *domain.License) error {
	if err := s.db.WithContext(ctx).Create(license).Error; err != nil {
		return apperrors.Storage("license create", err)
	}
	return nil
}

func (s *GormLicenseStore) MarkExpired(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).
		Model(&domain.License{}).
		Where("key = ? AND status = ?", key, domain.StatusActive).
		Update("status", domain.StatusExpired).Error
	if err != nil {
		return apperrors.Storage("license mark expired", err)
	}
	return nil
}

func (s *GormLicenseStore) ConsumeGrace(ctx context.Context, key string) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&domain.License{}).
		Where("key = ? AND grace_period_allowed = ? AND duplicate_detected = ?", key, true, false).
		Updates(map[string]interface{}{
			"grace_period_allowed": false,
			"duplicate_detected":   true,
		})
	if res.Error != nil {
		return false, apperrors.Storage("license consume grace", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormLicenseStore) ResetDuplicateFlag(ctx context.Context, key string) error {
	res := s.db.WithContext(ctx).
		Model(&domain.License{}).
		Where("key = ?", key).
		Updates(map[string]interface{}{
			"grace_period_allowed": true,
			"duplicate_detected":   false,
		})
	if res.Error != nil {
		return apperrors.Storage("license reset duplicate flag", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrLicenseNotFound
	}
	return nil
}

func (s *GormLicenseStore) SetStatus(ctx context.Context, key string, status domain.LicenseStatus) error {
	res := s.db.WithContext(ctx).
		Model(&domain.License{}).
		Where("key = ?", key).
		Update("status", status)
	if res.Error != nil {
		return apperrors.Storage("license set status", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrLicenseNotFound
	}
	return nil
}

// GormSessionStore implements SessionStore on GORM.
type GormSessionStore struct {
	db *gorm.DB
}

func (s *GormSessionStore) Upsert(ctx context.Context, session *domain.Session) (*domain.Session, bool, error) {
	candidateID := session.SessionID
	if candidateID == "" {
		candidateID = uuid.New().String()
		session.SessionID = candidateID
	}

	// One conditional write keyed on (license_key, device_id). An existing
	// row keeps its session ID and created_at; only the activity fields
	// move. This is the transactional upsert the validation race rides on.
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "license_key"}, {Name: "device_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"active":       true,
			"device_name":  session.DeviceName,
			"last_seen_at": session.LastSeenAt,
		}),
	}).Create(session).Error
	if err != nil {
		return nil, false, apperrors.Storage("session upsert", err)
	}

	// Read-after-write so the caller sees the persisted row, including the
	// original session ID when the upsert hit an existing device. The row
	// was inserted by this call iff it carries our candidate ID.
	var persisted domain.Session
	err = s.db.WithContext(ctx).
		First(&persisted, "license_key = ? AND device_id = ?", session.LicenseKey, session.DeviceID).Error
	if err != nil {
		return nil, false, apperrors.Storage("session reload", err)
	}
	return &persisted, persisted.SessionID == candidateID, nil
}

func (s *GormSessionStore) ListActive(ctx context.Context, licenseKey string) ([]domain.Session, error) {
	var sessions []domain.Session
	err := s.db.WithContext(ctx).
		Where("license_key = ? AND active = ?", licenseKey, true).
		Order("created_at ASC").
		Find(&sessions).Error
	if err != nil {
		return nil, apperrors.Storage("session list active", err)
	}
	return sessions, nil
}

func (s *GormSessionStore) List(ctx context.Context, licenseKey string) ([]domain.Session, error) {
	var sessions []domain.Session
	err := s.db.WithContext(ctx).
		Where("license_key = ?", licenseKey).
		Order("created_at ASC").
		Find(&sessions).Error
	if err != nil {
		return nil, apperrors.Storage("session list", err)
	}
	return sessions, nil
}

func (s *GormSessionStore) Deactivate(ctx context.Context, sessionID string) error {
	err := s.db.WithContext(ctx).
		Model(&domain.Session{}).
		Where("session_id = ?", sessionID).
		Update("active", false).Error
	if err != nil {
		return apperrors.Storage("session deactivate", err)
	}
	return nil
}

func (s *GormSessionStore) DeactivateAll(ctx context.Context, licenseKey string) error {
	err := s.db.WithContext(ctx).
		Model(&domain.Session{}).
		Where("license_key = ? AND active = ?", licenseKey, true).
		Update("active", false).Error
	if err != nil {
		return apperrors.Storage("session deactivate all", err)
	}
	return nil
}

// GormBanStore implements BanStore on GORM.
type GormBanStore struct {
	db *gorm.DB
}

func (s *GormBanStore) IsBanned(ctx context.Context, deviceID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&domain.BannedDevice{}).
		Where("device_id = ?", deviceID).
		Count(&count).Error
	if err != nil {
		return false, apperrors.Storage("ban lookup", err)
	}
	return count > 0, nil
}

func (s *GormBanStore) Ban(ctx context.Context, deviceID string) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		DoNothing: true,
	}).Create(&domain.BannedDevice{DeviceID: deviceID})
	if res.Error != nil {
		return false, apperrors.Storage("ban insert", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormBanStore) Unban(ctx context.Context, deviceID string) error {
	err := s.db.WithContext(ctx).
		Delete(&domain.BannedDevice{}, "device_id = ?", deviceID).Error
	if err != nil {
		return apperrors.Storage("ban delete", err)
	}
	return nil
}

func (s *GormBanStore) List(ctx context.Context) ([]domain.BannedDevice, error) {
	var banned []domain.BannedDevice
	err := s.db.WithContext(ctx).Order("created_at ASC").Find(&banned).Error
	if err != nil {
		return nil, apperrors.Storage("ban list", err)
	}
	return banned, nil
}

// GormTokenStore implements TokenStore on GORM.
type GormTokenStore struct {
	db *gorm.DB
}

func (s *GormTokenStore) Create(ctx context.Context, token *domain.DownloadToken) error {
	if err := s.db.WithContext(ctx).Create(token).Error; err != nil {
		return apperrors.Storage("token create", err)
	}
	return nil
}

func (s *GormTokenStore) Get(ctx context.Context, token string) (*domain.DownloadToken, error) {
	var row domain.DownloadToken
	err := s.db.WithContext(ctx).First(&row, "token = ?", token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrTokenNotFound
	}
	if err != nil {
		return nil, apperrors.Storage("token get", err)
	}
	return &row, nil
}

func (s *GormTokenStore) LatestCreatedAt(ctx context.Context, email string) (time.Time, bool, error) {
	var row domain.DownloadToken
	err := s.db.WithContext(ctx).
		Where("email = ?", email).
		Order("created_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, apperrors.Storage("token latest", err)
	}
	return row.CreatedAt, true, nil
}

func (s *GormTokenStore) MarkUsed(ctx context.Context, token string, usedAt time.Time, ip, userAgent string) (bool, error) {
	// The single-use invariant lives here: the condition and the write are
	// one statement, so under N concurrent redemptions exactly one caller
	// sees RowsAffected == 1.
	res := s.db.WithContext(ctx).
		Model(&domain.DownloadToken{}).
		Where("token = ? AND is_used = ?", token, false).
		Updates(map[string]interface{}{
			"is_used":            true,
			"used_at":            usedAt,
			"used_by_ip":         ip,
			"used_by_user_agent": userAgent,
		})
	if res.Error != nil {
		return false, apperrors.Storage("token mark used", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// GormAuditStore implements AuditStore on GORM.
type GormAuditStore struct {
	db *gorm.DB
}

func (s *GormAuditStore) Append(ctx context.Context, entry *domain.AuditEntry) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return apperrors.Storage("audit append", err)
	}
	return nil
}

func (s *GormAuditStore) ListByLicense(ctx context.Context, licenseKey string, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []domain.AuditEntry
	err := s.db.WithContext(ctx).
		Where("license_key = ?", licenseKey).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, apperrors.Storage("audit list", err)
	}
	return entries, nil
}
