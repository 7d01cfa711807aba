package store

import (
	"sort"
	"sync"
	"time"

	"femora/pkg/domain"
)

// MemoryStore keeps tenant data in-process. It backs tests and local
// development and mirrors GormStore's semantics exactly.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]domain.UserProfile
	scans    map[string]map[string]domain.ScanSession // tenant -> scan id -> scan
	chats    map[string]map[string]domain.ChatSession // tenant -> session id -> chat
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]domain.UserProfile),
		scans:    make(map[string]map[string]domain.ScanSession),
		chats:    make(map[string]map[string]domain.ChatSession),
	}
}

func (m *MemoryStore) GetOrCreateProfile(identity domain.Identity) (domain.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if profile, ok := m.profiles[identity.TenantID]; ok {
		profile = mergeIdentity(profile, identity)
		profile.LastLoginAt = time.Now().UTC()
		m.profiles[identity.TenantID] = profile
		return profile, nil
	}
	now := time.Now().UTC()
	profile := domain.UserProfile{
		TenantID:    identity.TenantID,
		Email:       identity.Email,
		DisplayName: identity.Name,
		AvatarURL:   identity.AvatarURL,
		CreatedAt:   now,
		LastLoginAt: now,
	}
	m.profiles[identity.TenantID] = profile
	return profile, nil
}

func (m *MemoryStore) SaveOnboarding(tenantID string, data domain.OnboardingData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	profile, ok := m.profiles[tenantID]
	if !ok {
		now := time.Now().UTC()
		profile = domain.UserProfile{TenantID: tenantID, CreatedAt: now, LastLoginAt: now}
	}
	data.CompletedAt = time.Now().UTC()
	profile.Onboarding = &data
	m.profiles[tenantID] = profile
	return nil
}

func (m *MemoryStore) GetOnboarding(tenantID string) (*domain.OnboardingData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	profile, ok := m.profiles[tenantID]
	if !ok || profile.Onboarding == nil {
		return nil, nil
	}
	data := *profile.Onboarding
	return &data, nil
}

func (m *MemoryStore) CreateScanSession(tenantID string, seed domain.NewScan) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	scan := newScanSession(tenantID, seed)
	if m.scans[tenantID] == nil {
		m.scans[tenantID] = make(map[string]domain.ScanSession)
	}
	m.scans[tenantID][scan.ID] = scan
	return scan.ID, nil
}

func (m *MemoryStore) UpdateScanSession(tenantID, scanID string, update domain.ScanUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	scan, ok := m.scans[tenantID][scanID]
	if !ok {
		return ErrScanNotFound
	}
	if err := checkScanUpdate(scan, update); err != nil {
		return err
	}
	m.scans[tenantID][scanID] = mergeScan(scan, update)
	return nil
}

func (m *MemoryStore) GetScanSession(tenantID, scanID string) (domain.ScanSession, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	scan, ok := m.scans[tenantID][scanID]
	return scan, ok, nil
}

func (m *MemoryStore) ListScanSessions(tenantID string) ([]domain.ScanSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	scans := make([]domain.ScanSession, 0, len(m.scans[tenantID]))
	for _, scan := range m.scans[tenantID] {
		scans = append(scans, scan)
	}
	sort.Slice(scans, func(i, j int) bool {
		return scans[i].CapturedAt.After(scans[j].CapturedAt)
	})
	return scans, nil
}

func (m *MemoryStore) SaveChatSession(tenantID, sessionID string, messages []domain.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[tenantID]; !ok {
		now := time.Now().UTC()
		m.profiles[tenantID] = domain.UserProfile{TenantID: tenantID, CreatedAt: now, LastLoginAt: now}
	}
	now := time.Now().UTC()
	copied := make([]domain.ChatMessage, len(messages))
	copy(copied, messages)
	chat, ok := m.chats[tenantID][sessionID]
	if !ok {
		chat = domain.ChatSession{ID: sessionID, TenantID: tenantID, CreatedAt: now}
	}
	chat.Messages = copied
	chat.LastActivityAt = now
	if m.chats[tenantID] == nil {
		m.chats[tenantID] = make(map[string]domain.ChatSession)
	}
	m.chats[tenantID][sessionID] = chat
	return nil
}

func (m *MemoryStore) GetChatSession(tenantID, sessionID string) (domain.ChatSession, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chat, ok := m.chats[tenantID][sessionID]
	return chat, ok, nil
}

func (m *MemoryStore) ListChatSessions(tenantID string) ([]domain.ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chats := make([]domain.ChatSession, 0, len(m.chats[tenantID]))
	for _, chat := range m.chats[tenantID] {
		chats = append(chats, chat)
	}
	sort.Slice(chats, func(i, j int) bool {
		return chats[i].LastActivityAt.After(chats[j].LastActivityAt)
	})
	return chats, nil
}

func (m *MemoryStore) EraseTenant(tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scans, tenantID)
	delete(m.chats, tenantID)
	delete(m.profiles, tenantID)
	return nil
}
