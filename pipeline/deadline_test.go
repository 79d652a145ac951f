package pipeline

import (
	"testing"
	"time"
)

func TestDeadlineZeroNeverExpires(t *testing.T) {
	var d Deadline
	if d.Expired(time.Now().Add(100 * 365 * 24 * time.Hour)) {
		t.Errorf("zero Deadline should never expire")
	}
}

func TestDeadlineExpiresAtOrAfter(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewDeadline(at)

	if d.Expired(at.Add(-time.Second)) {
		t.Errorf("Expired() = true before the deadline")
	}
	if !d.Expired(at) {
		t.Errorf("Expired() = false exactly at the deadline")
	}
	if !d.Expired(at.Add(time.Second)) {
		t.Errorf("Expired() = false after the deadline")
	}
}
