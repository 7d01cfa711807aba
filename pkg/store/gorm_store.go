package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/sync/singleflight"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"femora/internal/util"
	"femora/pkg/domain"
)

const migrateLockID int64 = 52815281

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db       *gorm.DB
	profiles singleflight.Group
}

// NewGormStore opens the DB and runs auto-migrations.
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
		if err := tx.AutoMigrate(&ProfileModel{}, &ScanModel{}, &ChatSessionModel{}); err != nil {
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

// GetOrCreateProfile reads or lazily creates the tenant's profile. Concurrent
// first fetches for the same tenant are collapsed so only one create runs.
func (s *GormStore) GetOrCreateProfile(identity domain.Identity) (domain.UserProfile, error) {
	v, err, _ := s.profiles.Do(identity.TenantID, func() (any, error) {
		var model ProfileModel
		err := s.db.First(&model, "tenant_id = ?", identity.TenantID).Error
		if err == gorm.ErrRecordNotFound {
			now := time.Now().UTC()
			profile := domain.UserProfile{
				TenantID:    identity.TenantID,
				Email:       identity.Email,
				DisplayName: identity.Name,
				AvatarURL:   identity.AvatarURL,
				CreatedAt:   now,
				LastLoginAt: now,
			}
			created := profileToModel(profile)
			if err := s.db.Create(&created).Error; err != nil {
				return domain.UserProfile{}, fmt.Errorf("create profile: %w", err)
			}
			return profile, nil
		}
		if err != nil {
			return domain.UserProfile{}, fmt.Errorf("load profile: %w", err)
		}
		profile := mergeIdentity(profileFromModel(model), identity)
		profile.LastLoginAt = time.Now().UTC()
		if err := s.db.Model(&ProfileModel{}).
			Where("tenant_id = ?", identity.TenantID).
			Updates(map[string]any{
				"email":         profile.Email,
				"display_name":  profile.DisplayName,
				"avatar_url":    profile.AvatarURL,
				"last_login_at": profile.LastLoginAt,
			}).Error; err != nil {
			return domain.UserProfile{}, fmt.Errorf("refresh profile: %w", err)
		}
		return profile, nil
	})
	if err != nil {
		return domain.UserProfile{}, err
	}
	return v.(domain.UserProfile), nil
}

// SaveOnboarding overwrites the onboarding document and stamps completion
// time server-side.
func (s *GormStore) SaveOnboarding(tenantID string, data domain.OnboardingData) error {
	if err := s.ensureTenantRoot(tenantID); err != nil {
		return err
	}
	data.CompletedAt = time.Now().UTC()
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal onboarding: %w", err)
	}
	if err := s.db.Model(&ProfileModel{}).
		Where("tenant_id = ?", tenantID).
		Update("onboarding", raw).Error; err != nil {
		return fmt.Errorf("save onboarding: %w", err)
	}
	return nil
}

// GetOnboarding returns nil when the tenant has no onboarding answers yet.
func (s *GormStore) GetOnboarding(tenantID string) (*domain.OnboardingData, error) {
	var model ProfileModel
	if err := s.db.First(&model, "tenant_id = ?", tenantID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("load profile: %w", err)
	}
	if len(model.Onboarding) == 0 {
		return nil, nil
	}
	var data domain.OnboardingData
	if err := json.Unmarshal(model.Onboarding, &data); err != nil {
		return nil, fmt.Errorf("decode onboarding: %w", err)
	}
	return &data, nil
}

// CreateScanSession writes a new pending scan and returns its id.
func (s *GormStore) CreateScanSession(tenantID string, seed domain.NewScan) (string, error) {
	scan := newScanSession(tenantID, seed)
	model := scanToModel(scan)
	if err := s.db.Create(&model).Error; err != nil {
		return "", fmt.Errorf("create scan: %w", err)
	}
	return scan.ID, nil
}

// UpdateScanSession merges the update into an existing scan, enforcing
// forward-only status transitions and result immutability.
func (s *GormStore) UpdateScanSession(tenantID, scanID string, update domain.ScanUpdate) error {
	var model ScanModel
	if err := s.db.First(&model, "id = ? AND tenant_id = ?", scanID, tenantID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return ErrScanNotFound
		}
		return fmt.Errorf("load scan: %w", err)
	}
	existing := scanFromModel(model)
	if err := checkScanUpdate(existing, update); err != nil {
		return err
	}
	merged := scanToModel(mergeScan(existing, update))
	if err := s.db.Save(&merged).Error; err != nil {
		return fmt.Errorf("update scan: %w", err)
	}
	return nil
}

// GetScanSession reports absence through the bool, never as an error.
func (s *GormStore) GetScanSession(tenantID, scanID string) (domain.ScanSession, bool, error) {
	var model ScanModel
	if err := s.db.First(&model, "id = ? AND tenant_id = ?", scanID, tenantID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.ScanSession{}, false, nil
		}
		return domain.ScanSession{}, false, fmt.Errorf("load scan: %w", err)
	}
	return scanFromModel(model), true, nil
}

// ListScanSessions returns the tenant's scans, most recent capture first.
func (s *GormStore) ListScanSessions(tenantID string) ([]domain.ScanSession, error) {
	var models []ScanModel
	if err := s.db.Where("tenant_id = ?", tenantID).
		Order("captured_at DESC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	scans := make([]domain.ScanSession, 0, len(models))
	for _, m := range models {
		scans = append(scans, scanFromModel(m))
	}
	return scans, nil
}

// SaveChatSession ensures the tenant root exists, then upserts the chat
// document with the full message list. The two writes are deliberately
// independent; a failed ensure skips the save entirely.
func (s *GormStore) SaveChatSession(tenantID, sessionID string, messages []domain.ChatMessage) error {
	if err := s.ensureTenantRoot(tenantID); err != nil {
		return err
	}
	rawMessages, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	now := time.Now().UTC()
	model := ChatSessionModel{
		ID:             sessionID,
		TenantID:       tenantID,
		Messages:       rawMessages,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}, {Name: "tenant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"messages", "last_activity_at"}),
	}).Create(&model).Error; err != nil {
		return fmt.Errorf("save chat session: %w", err)
	}
	return nil
}

// GetChatSession reports absence through the bool.
func (s *GormStore) GetChatSession(tenantID, sessionID string) (domain.ChatSession, bool, error) {
	var model ChatSessionModel
	if err := s.db.First(&model, "id = ? AND tenant_id = ?", sessionID, tenantID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.ChatSession{}, false, nil
		}
		return domain.ChatSession{}, false, fmt.Errorf("load chat session: %w", err)
	}
	return chatFromModel(model), true, nil
}

// ListChatSessions returns the tenant's chats, most recent activity first.
func (s *GormStore) ListChatSessions(tenantID string) ([]domain.ChatSession, error) {
	var models []ChatSessionModel
	if err := s.db.Where("tenant_id = ?", tenantID).
		Order("last_activity_at DESC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list chat sessions: %w", err)
	}
	chats := make([]domain.ChatSession, 0, len(models))
	for _, m := range models {
		chats = append(chats, chatFromModel(m))
	}
	return chats, nil
}

// EraseTenant deletes scans, then chats, then the profile. Each delete is an
// independent statement; a failure stops the sequence without rolling back
// the deletes that already ran.
func (s *GormStore) EraseTenant(tenantID string) error {
	if err := s.db.Delete(&ScanModel{}, "tenant_id = ?", tenantID).Error; err != nil {
		return fmt.Errorf("erase scans: %w", err)
	}
	if err := s.db.Delete(&ChatSessionModel{}, "tenant_id = ?", tenantID).Error; err != nil {
		return fmt.Errorf("erase chat sessions: %w", err)
	}
	if err := s.db.Delete(&ProfileModel{}, "tenant_id = ?", tenantID).Error; err != nil {
		return fmt.Errorf("erase profile: %w", err)
	}
	return nil
}

// ensureTenantRoot creates a minimal profile stub when the tenant has no root
// document yet. Idempotent.
func (s *GormStore) ensureTenantRoot(tenantID string) error {
	now := time.Now().UTC()
	stub := ProfileModel{TenantID: tenantID, CreatedAt: now, LastLoginAt: now}
	if err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&stub).Error; err != nil {
		return fmt.Errorf("ensure tenant root: %w", err)
	}
	return nil
}

func newScanSession(tenantID string, seed domain.NewScan) domain.ScanSession {
	scanType := seed.ScanType
	if scanType == "" {
		scanType = domain.DefaultScanType
	}
	images := seed.Images
	if images == nil {
		images = []string{}
	}
	return domain.ScanSession{
		ID:         util.NewID(),
		TenantID:   tenantID,
		ScanType:   scanType,
		CapturedAt: time.Now().UTC(),
		Status:     domain.ScanPending,
		Images:     images,
		Metadata:   seed.Metadata,
	}
}

func mergeIdentity(profile domain.UserProfile, identity domain.Identity) domain.UserProfile {
	if identity.Email != "" {
		profile.Email = identity.Email
	}
	if identity.Name != "" {
		profile.DisplayName = identity.Name
	}
	if identity.AvatarURL != "" {
		profile.AvatarURL = identity.AvatarURL
	}
	return profile
}

func profileToModel(p domain.UserProfile) ProfileModel {
	var onboarding []byte
	if p.Onboarding != nil {
		onboarding, _ = json.Marshal(p.Onboarding)
	}
	prefs, _ := json.Marshal(p.Preferences)
	return ProfileModel{
		TenantID:    p.TenantID,
		Email:       p.Email,
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
		CreatedAt:   p.CreatedAt,
		LastLoginAt: p.LastLoginAt,
		Onboarding:  onboarding,
		Preferences: prefs,
	}
}

func profileFromModel(m ProfileModel) domain.UserProfile {
	profile := domain.UserProfile{
		TenantID:    m.TenantID,
		Email:       m.Email,
		DisplayName: m.DisplayName,
		AvatarURL:   m.AvatarURL,
		CreatedAt:   m.CreatedAt,
		LastLoginAt: m.LastLoginAt,
	}
	if len(m.Onboarding) > 0 {
		var data domain.OnboardingData
		if err := json.Unmarshal(m.Onboarding, &data); err == nil {
			profile.Onboarding = &data
		}
	}
	if len(m.Preferences) > 0 {
		_ = json.Unmarshal(m.Preferences, &profile.Preferences)
	}
	return profile
}

func scanToModel(scan domain.ScanSession) ScanModel {
	images, _ := json.Marshal(scan.Images)
	var result, processing, urls, meta []byte
	if scan.Result != nil {
		result, _ = json.Marshal(scan.Result)
	}
	if scan.Processing != nil {
		processing, _ = json.Marshal(scan.Processing)
	}
	if scan.ImageURLs != nil {
		urls, _ = json.Marshal(scan.ImageURLs)
	}
	if scan.Metadata != nil {
		meta, _ = json.Marshal(scan.Metadata)
	}
	return ScanModel{
		ID:         scan.ID,
		TenantID:   scan.TenantID,
		ScanType:   scan.ScanType,
		CapturedAt: scan.CapturedAt,
		Status:     string(scan.Status),
		Images:     images,
		Result:     result,
		Processing: processing,
		Backend:    string(scan.Backend),
		ImageURLs:  urls,
		Metadata:   meta,
	}
}

func scanFromModel(m ScanModel) domain.ScanSession {
	scan := domain.ScanSession{
		ID:         m.ID,
		TenantID:   m.TenantID,
		ScanType:   m.ScanType,
		CapturedAt: m.CapturedAt,
		Status:     domain.ScanStatus(m.Status),
		Images:     []string{},
		Backend:    domain.ScanBackend(m.Backend),
	}
	if len(m.Images) > 0 {
		_ = json.Unmarshal(m.Images, &scan.Images)
	}
	if len(m.Result) > 0 {
		var result domain.AnalysisResult
		if err := json.Unmarshal(m.Result, &result); err == nil {
			scan.Result = &result
		}
	}
	if len(m.Processing) > 0 {
		var processing domain.ProcessingStatus
		if err := json.Unmarshal(m.Processing, &processing); err == nil {
			scan.Processing = &processing
		}
	}
	if len(m.ImageURLs) > 0 {
		_ = json.Unmarshal(m.ImageURLs, &scan.ImageURLs)
	}
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &scan.Metadata)
	}
	return scan
}

func chatFromModel(m ChatSessionModel) domain.ChatSession {
	chat := domain.ChatSession{
		ID:             m.ID,
		TenantID:       m.TenantID,
		Messages:       []domain.ChatMessage{},
		CreatedAt:      m.CreatedAt,
		LastActivityAt: m.LastActivityAt,
	}
	if len(m.Messages) > 0 {
		_ = json.Unmarshal(m.Messages, &chat.Messages)
	}
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &chat.Metadata)
	}
	return chat
}
