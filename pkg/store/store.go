package store

import (
	"errors"

	"femora/pkg/domain"
)

// ErrStatusTransition is returned when a scan update would move status
// backward. pending -> processing -> completed/failed is the only legal
// direction, and terminal states never change again.
var ErrStatusTransition = errors.New("scan status transition not allowed")

// ErrResultImmutable is returned when an update tries to replace an analysis
// result that was already recorded.
var ErrResultImmutable = errors.New("analysis result already set")

// ErrScanNotFound is returned by UpdateScanSession for an unknown scan id.
var ErrScanNotFound = errors.New("scan session not found")

// Store defines tenant-scoped persistence for profiles, scans, and chats.
// Every operation is partitioned by the tenant id issued by the external
// identity provider; there are no cross-tenant reads or writes.
type Store interface {
	// GetOrCreateProfile reads the tenant's profile, creating it from the
	// live identity when absent. When present, live identity fields take
	// precedence over stored copies and the last-login timestamp is
	// refreshed.
	GetOrCreateProfile(identity domain.Identity) (domain.UserProfile, error)

	// SaveOnboarding overwrites the embedded onboarding document wholesale
	// and stamps the completion timestamp with the call time, ignoring any
	// timestamp supplied by the caller.
	SaveOnboarding(tenantID string, data domain.OnboardingData) error

	// GetOnboarding returns nil when the tenant has not completed
	// onboarding. Absence is not an error.
	GetOnboarding(tenantID string) (*domain.OnboardingData, error)

	// CreateScanSession allocates an id and writes a pending scan seeded
	// from the supplied fields, defaulting scan type and images.
	CreateScanSession(tenantID string, seed domain.NewScan) (string, error)

	// UpdateScanSession merges non-nil fields into the existing scan.
	// Backward status transitions and result replacement are rejected.
	UpdateScanSession(tenantID, scanID string, update domain.ScanUpdate) error

	GetScanSession(tenantID, scanID string) (domain.ScanSession, bool, error)

	// ListScanSessions returns the tenant's scans ordered by capture time,
	// most recent first.
	ListScanSessions(tenantID string) ([]domain.ScanSession, error)

	// SaveChatSession first ensures the tenant root exists (creating a
	// minimal profile stub when it does not), then upserts the chat
	// document with the full message list and a fresh last-activity
	// timestamp. The two steps are independent writes, not a transaction.
	SaveChatSession(tenantID, sessionID string, messages []domain.ChatMessage) error

	GetChatSession(tenantID, sessionID string) (domain.ChatSession, bool, error)

	// ListChatSessions returns the tenant's chats ordered by last activity,
	// most recent first.
	ListChatSessions(tenantID string) ([]domain.ChatSession, error)

	// EraseTenant deletes every scan, then every chat, then the profile.
	// Each delete is issued independently; a failure partway leaves the
	// tenant partially erased.
	EraseTenant(tenantID string) error
}

// Stats derives per-tenant usage counters from the list operations. Any
// underlying failure yields an all-zero stats object, never an error: the
// profile screen renders a placeholder rather than breaking.
func Stats(s Store, tenantID string) domain.UserStats {
	var stats domain.UserStats
	scans, err := s.ListScanSessions(tenantID)
	if err != nil {
		return domain.UserStats{}
	}
	chats, err := s.ListChatSessions(tenantID)
	if err != nil {
		return domain.UserStats{}
	}
	stats.TotalScans = len(scans)
	for _, scan := range scans {
		if scan.Status == domain.ScanCompleted {
			stats.CompletedScans++
		}
	}
	stats.TotalChats = len(chats)
	if len(scans) > 0 {
		t := scans[0].CapturedAt
		stats.LastScanAt = &t
	}
	if len(chats) > 0 {
		t := chats[0].LastActivityAt
		stats.LastChatAt = &t
	}
	return stats
}

// checkScanUpdate enforces the shared merge rules for scan updates.
func checkScanUpdate(existing domain.ScanSession, update domain.ScanUpdate) error {
	if update.Status != nil {
		next := *update.Status
		if !next.Valid() {
			return ErrStatusTransition
		}
		if next != existing.Status && next.Rank() <= existing.Status.Rank() {
			return ErrStatusTransition
		}
	}
	if update.Result != nil && existing.Result != nil {
		return ErrResultImmutable
	}
	return nil
}

// mergeScan applies a partial update to a scan value.
func mergeScan(scan domain.ScanSession, update domain.ScanUpdate) domain.ScanSession {
	if update.Status != nil {
		scan.Status = *update.Status
	}
	if update.CapturedAt != nil {
		scan.CapturedAt = *update.CapturedAt
	}
	if update.Result != nil {
		scan.Result = update.Result
	}
	if update.Processing != nil {
		scan.Processing = update.Processing
	}
	if update.Backend != nil {
		scan.Backend = *update.Backend
	}
	if update.Images != nil {
		scan.Images = update.Images
	}
	if update.ImageURLs != nil {
		scan.ImageURLs = update.ImageURLs
	}
	if update.Metadata != nil {
		if scan.Metadata == nil {
			scan.Metadata = make(map[string]string, len(update.Metadata))
		}
		for k, v := range update.Metadata {
			scan.Metadata[k] = v
		}
	}
	return scan
}
