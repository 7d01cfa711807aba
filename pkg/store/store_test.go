package store

import (
	"testing"
	"time"

	"femora/pkg/domain"
)

func testIdentity(tenant string) domain.Identity {
	return domain.Identity{
		TenantID: tenant,
		Email:    tenant + "@example.com",
		Name:     "Test User",
	}
}

func TestGetOrCreateProfileIdempotent(t *testing.T) {
	s := NewMemoryStore()
	first, err := s.GetOrCreateProfile(testIdentity("u1"))
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	second, err := s.GetOrCreateProfile(testIdentity("u1"))
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if first.TenantID != second.TenantID {
		t.Fatalf("tenant id changed: %q vs %q", first.TenantID, second.TenantID)
	}
	if !first.CreatedAt.Equal(second.CreatedAt) {
		t.Fatalf("creation timestamp changed: %v vs %v", first.CreatedAt, second.CreatedAt)
	}
	if first.Email != second.Email {
		t.Fatalf("email changed: %q vs %q", first.Email, second.Email)
	}
}

func TestGetOrCreateProfileLiveIdentityWins(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.GetOrCreateProfile(testIdentity("u1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	updated := domain.Identity{TenantID: "u1", Email: "new@example.com", Name: "Renamed"}
	profile, err := s.GetOrCreateProfile(updated)
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if profile.Email != "new@example.com" || profile.DisplayName != "Renamed" {
		t.Fatalf("live identity fields should win, got %+v", profile)
	}
}

func TestCreateScanSessionDefaults(t *testing.T) {
	s := NewMemoryStore()
	id, err := s.CreateScanSession("u1", domain.NewScan{ScanType: "breast-scan"})
	if err != nil {
		t.Fatalf("create scan: %v", err)
	}
	scan, ok, err := s.GetScanSession("u1", id)
	if err != nil || !ok {
		t.Fatalf("get scan: ok=%v err=%v", ok, err)
	}
	if scan.Status != domain.ScanPending {
		t.Fatalf("new scan status = %q, want pending", scan.Status)
	}
	if scan.ScanType != "breast-scan" {
		t.Fatalf("scan type = %q", scan.ScanType)
	}
	if scan.Images == nil || len(scan.Images) != 0 {
		t.Fatalf("images should default to empty list, got %#v", scan.Images)
	}
}

func TestCreateScanSessionDefaultType(t *testing.T) {
	s := NewMemoryStore()
	id, err := s.CreateScanSession("u1", domain.NewScan{})
	if err != nil {
		t.Fatalf("create scan: %v", err)
	}
	scan, _, _ := s.GetScanSession("u1", id)
	if scan.ScanType != domain.DefaultScanType {
		t.Fatalf("scan type = %q, want %q", scan.ScanType, domain.DefaultScanType)
	}
}

func TestGetScanSessionAbsent(t *testing.T) {
	s := NewMemoryStore()
	_, ok, err := s.GetScanSession("u1", "missing")
	if err != nil {
		t.Fatalf("absence should not be an error: %v", err)
	}
	if ok {
		t.Fatalf("missing scan reported as present")
	}
}

func TestUpdateScanSessionForwardOnly(t *testing.T) {
	s := NewMemoryStore()
	id, _ := s.CreateScanSession("u1", domain.NewScan{})

	processing := domain.ScanProcessing
	if err := s.UpdateScanSession("u1", id, domain.ScanUpdate{Status: &processing}); err != nil {
		t.Fatalf("pending -> processing: %v", err)
	}
	completed := domain.ScanCompleted
	if err := s.UpdateScanSession("u1", id, domain.ScanUpdate{Status: &completed}); err != nil {
		t.Fatalf("processing -> completed: %v", err)
	}

	pending := domain.ScanPending
	if err := s.UpdateScanSession("u1", id, domain.ScanUpdate{Status: &pending}); err != ErrStatusTransition {
		t.Fatalf("completed -> pending should be rejected, got %v", err)
	}
	failed := domain.ScanFailed
	if err := s.UpdateScanSession("u1", id, domain.ScanUpdate{Status: &failed}); err != ErrStatusTransition {
		t.Fatalf("completed -> failed should be rejected, got %v", err)
	}
}

func TestUpdateScanSessionResultImmutable(t *testing.T) {
	s := NewMemoryStore()
	id, _ := s.CreateScanSession("u1", domain.NewScan{})
	result := &domain.AnalysisResult{Findings: "first", RiskLevel: domain.RiskLow}
	if err := s.UpdateScanSession("u1", id, domain.ScanUpdate{Result: result}); err != nil {
		t.Fatalf("first result: %v", err)
	}
	replacement := &domain.AnalysisResult{Findings: "second", RiskLevel: domain.RiskHigh}
	if err := s.UpdateScanSession("u1", id, domain.ScanUpdate{Result: replacement}); err != ErrResultImmutable {
		t.Fatalf("result replacement should be rejected, got %v", err)
	}
}

func TestUpdateScanSessionUnknownID(t *testing.T) {
	s := NewMemoryStore()
	status := domain.ScanProcessing
	if err := s.UpdateScanSession("u1", "missing", domain.ScanUpdate{Status: &status}); err != ErrScanNotFound {
		t.Fatalf("expected ErrScanNotFound, got %v", err)
	}
}

func TestListScanSessionsOrder(t *testing.T) {
	s := NewMemoryStore()
	older, _ := s.CreateScanSession("u1", domain.NewScan{})
	newer, _ := s.CreateScanSession("u1", domain.NewScan{})

	past := time.Now().UTC().Add(-time.Hour)
	if err := s.UpdateScanSession("u1", older, domain.ScanUpdate{CapturedAt: &past}); err != nil {
		t.Fatalf("backdate scan: %v", err)
	}

	scans, err := s.ListScanSessions("u1")
	if err != nil {
		t.Fatalf("list scans: %v", err)
	}
	if len(scans) != 2 {
		t.Fatalf("expected 2 scans, got %d", len(scans))
	}
	if scans[0].ID != newer || scans[1].ID != older {
		t.Fatalf("scans not ordered most recent first: %q, %q", scans[0].ID, scans[1].ID)
	}
}

func TestChatSessionRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	messages := []domain.ChatMessage{
		{ID: "m1", Text: "hello", FromUser: true, Timestamp: time.Now().UTC()},
		{ID: "m2", Text: "hi there", FromUser: false, Timestamp: time.Now().UTC()},
	}
	if err := s.SaveChatSession("u1", "sess-1", messages); err != nil {
		t.Fatalf("save chat: %v", err)
	}
	chat, ok, err := s.GetChatSession("u1", "sess-1")
	if err != nil || !ok {
		t.Fatalf("get chat: ok=%v err=%v", ok, err)
	}
	if len(chat.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(chat.Messages))
	}
	for i := range messages {
		if chat.Messages[i].ID != messages[i].ID || chat.Messages[i].Text != messages[i].Text {
			t.Fatalf("message %d mismatch: %+v vs %+v", i, chat.Messages[i], messages[i])
		}
	}
}

func TestSaveChatSessionOverwritesMessageList(t *testing.T) {
	s := NewMemoryStore()
	first := []domain.ChatMessage{{ID: "m1", Text: "one", FromUser: true}}
	second := []domain.ChatMessage{
		{ID: "m1", Text: "one", FromUser: true},
		{ID: "m2", Text: "two", FromUser: false},
		{ID: "m3", Text: "three", FromUser: true},
	}
	if err := s.SaveChatSession("u1", "sess-1", first); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := s.SaveChatSession("u1", "sess-1", second); err != nil {
		t.Fatalf("second save: %v", err)
	}
	chat, _, _ := s.GetChatSession("u1", "sess-1")
	if len(chat.Messages) != 3 {
		t.Fatalf("second save should replace the list wholesale, got %d messages", len(chat.Messages))
	}
}

func TestSaveChatSessionEnsuresTenantRoot(t *testing.T) {
	s := NewMemoryStore()
	if err := s.SaveChatSession("fresh-tenant", "sess-1", nil); err != nil {
		t.Fatalf("save chat: %v", err)
	}
	profile, err := s.GetOrCreateProfile(testIdentity("fresh-tenant"))
	if err != nil {
		t.Fatalf("profile fetch: %v", err)
	}
	if profile.TenantID != "fresh-tenant" {
		t.Fatalf("tenant root missing after chat save")
	}
}

func TestSaveOnboardingOverwritesWholesale(t *testing.T) {
	s := NewMemoryStore()
	dataA := domain.OnboardingData{
		Age:             34,
		FamilyHistory:   true,
		PriorConditions: []string{"cyst"},
	}
	dataB := domain.OnboardingData{
		Age:               41,
		ChronicConditions: []string{"diabetes"},
	}
	if err := s.SaveOnboarding("u1", dataA); err != nil {
		t.Fatalf("save A: %v", err)
	}
	if err := s.SaveOnboarding("u1", dataB); err != nil {
		t.Fatalf("save B: %v", err)
	}
	got, err := s.GetOnboarding("u1")
	if err != nil || got == nil {
		t.Fatalf("get onboarding: %v, %v", got, err)
	}
	if got.Age != 41 || got.FamilyHistory || len(got.PriorConditions) != 0 {
		t.Fatalf("fields from the earlier save leaked through: %+v", got)
	}
	if len(got.ChronicConditions) != 1 || got.ChronicConditions[0] != "diabetes" {
		t.Fatalf("latest save not preserved: %+v", got)
	}
}

func TestSaveOnboardingStampsCompletionTime(t *testing.T) {
	s := NewMemoryStore()
	supplied := time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)
	before := time.Now().UTC()
	if err := s.SaveOnboarding("u1", domain.OnboardingData{Age: 30, CompletedAt: supplied}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, _ := s.GetOnboarding("u1")
	if got.CompletedAt.Before(before) {
		t.Fatalf("completion timestamp should be call time, got %v", got.CompletedAt)
	}
}

func TestEraseTenantIdempotent(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.GetOrCreateProfile(testIdentity("u1")); err != nil {
		t.Fatalf("profile: %v", err)
	}
	if _, err := s.CreateScanSession("u1", domain.NewScan{}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if err := s.SaveChatSession("u1", "sess-1", nil); err != nil {
		t.Fatalf("chat: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := s.EraseTenant("u1"); err != nil {
			t.Fatalf("erase %d: %v", i, err)
		}
		scans, _ := s.ListScanSessions("u1")
		chats, _ := s.ListChatSessions("u1")
		onboarding, _ := s.GetOnboarding("u1")
		if len(scans) != 0 || len(chats) != 0 || onboarding != nil {
			t.Fatalf("tenant not empty after erase %d", i)
		}
	}
}

func TestStatsEmptyTenant(t *testing.T) {
	s := NewMemoryStore()
	stats := Stats(s, "u-empty")
	if stats.TotalScans != 0 || stats.CompletedScans != 0 || stats.TotalChats != 0 {
		t.Fatalf("expected zero stats, got %+v", stats)
	}
	if stats.LastScanAt != nil || stats.LastChatAt != nil {
		t.Fatalf("expected no last dates, got %+v", stats)
	}
}

func TestStatsCounts(t *testing.T) {
	s := NewMemoryStore()
	completedID, _ := s.CreateScanSession("u1", domain.NewScan{})
	if _, err := s.CreateScanSession("u1", domain.NewScan{}); err != nil {
		t.Fatalf("second scan: %v", err)
	}
	processing := domain.ScanProcessing
	completed := domain.ScanCompleted
	if err := s.UpdateScanSession("u1", completedID, domain.ScanUpdate{Status: &processing}); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	if err := s.UpdateScanSession("u1", completedID, domain.ScanUpdate{Status: &completed}); err != nil {
		t.Fatalf("to completed: %v", err)
	}
	if err := s.SaveChatSession("u1", "sess-1", nil); err != nil {
		t.Fatalf("chat: %v", err)
	}

	stats := Stats(s, "u1")
	if stats.TotalScans != 2 || stats.CompletedScans != 1 || stats.TotalChats != 1 {
		t.Fatalf("counts wrong: %+v", stats)
	}
	if stats.LastScanAt == nil || stats.LastChatAt == nil {
		t.Fatalf("last dates missing: %+v", stats)
	}
}
