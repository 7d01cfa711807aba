package storage

import "testing"

func TestFrameKey(t *testing.T) {
	got := FrameKey("u1", "scan-9", 3)
	want := "tenants/u1/scans/scan-9/frame-3.jpg"
	if got != want {
		t.Fatalf("FrameKey = %q, want %q", got, want)
	}
}
