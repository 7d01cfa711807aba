package events

import (
	"context"
	"testing"
)

func TestNewEventStampsIDAndTime(t *testing.T) {
	event := NewEvent(TypeScanCompleted, "u1", "scan-1", map[string]string{"riskLevel": "Low"})
	if event.ID == "" {
		t.Fatalf("event id missing")
	}
	if event.Timestamp.IsZero() {
		t.Fatalf("event timestamp missing")
	}
	if event.Type != TypeScanCompleted || event.TenantID != "u1" || event.EntityID != "scan-1" {
		t.Fatalf("event fields wrong: %+v", event)
	}
	other := NewEvent(TypeScanFailed, "u1", "scan-1", nil)
	if other.ID == event.ID {
		t.Fatalf("event ids should be unique")
	}
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = Nop{}
	if err := p.Publish(context.Background(), NewEvent(TypePersistenceFailure, "u1", "", nil)); err != nil {
		t.Fatalf("nop publish: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("nop close: %v", err)
	}
}
