package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m417z/winbindex-go/internal/config"
	"github.com/m417z/winbindex-go/model"
	"github.com/m417z/winbindex-go/symbolserver"
)

func deltaInfo(timestamp uint32) *model.FileInfo {
	return &model.FileInfo{
		Size:                        0x20000,
		Timestamp:                   timestamp,
		HasMachineType:              true,
		MachineType:                 0x8664,
		HasTimestamp:                true,
		HasLastSection:              true,
		LastSectionVirtualAddress:   0x1a000,
		LastSectionPointerToRawData: 0x19000,
	}
}

func TestPendingSymbolServerWorkFiltersDeltaTierOnly(t *testing.T) {
	index := model.FileHashIndex{
		"b.exe": {"h1": model.TierDelta, "h2": model.TierDeltaPlus},
		"a.exe": {"h3": model.TierDelta},
	}
	pending := pendingSymbolServerWork(index, nil)
	if len(pending) != 2 {
		t.Fatalf("pendingSymbolServerWork() = %v, want 2 entries", pending)
	}
	if pending[0].Name != "a.exe" {
		t.Errorf("pending[0].Name = %q, want sorted order starting with a.exe", pending[0].Name)
	}
}

func TestPendingSymbolServerWorkResumesFromNext(t *testing.T) {
	index := model.FileHashIndex{
		"a.exe": {"h1": model.TierDelta},
		"b.exe": {"h2": model.TierDelta},
		"c.exe": {"h3": model.TierDelta},
	}
	progress := &model.InfoSources{Next: &model.NameHash{Name: "b.exe", Hash: "h2"}}
	pending := pendingSymbolServerWork(index, progress)
	if len(pending) != 2 || pending[0].Name != "b.exe" {
		t.Errorf("pendingSymbolServerWork() = %v, want to resume from b.exe", pending)
	}
}

func TestRunSymbolServerSweepLeavesAmbiguousAtDelta(t *testing.T) {
	index := model.FileHashIndex{"notepad.exe": {"h1": model.TierDelta}}
	progress := &model.InfoSources{}
	cfg := config.DefaultConf()
	cfg.SymbolURL = "https://msdl.example.test/download/symbols"
	cfg.SymbolServerConnections = 4

	head := func(_ context.Context, _ string) (int, error) { return 302, nil }
	prober := symbolserver.NewProber(&cfg, head, nil)

	lookup := func(name, hash string) (*model.FileInfo, bool) {
		return deltaInfo(0x1234), true
	}

	found, err := RunSymbolServerSweep(context.Background(), prober, index, progress, Deadline{}, lookup)
	if err != nil {
		t.Fatalf("RunSymbolServerSweep() error: %v", err)
	}
	if found != 0 {
		// An always-302 fake makes every candidate resolve, which Probe
		// treats as ambiguous (not found) by design; assert that instead.
		t.Errorf("found = %d, want 0 for an ambiguous always-302 fake", found)
	}
	if index["notepad.exe"]["h1"] != model.TierDelta {
		t.Errorf("tier should remain delta when the sweep is ambiguous")
	}
}

func TestRunSymbolServerSweepUpgradesOnUniqueMatch(t *testing.T) {
	index := model.FileHashIndex{"notepad.exe": {"h1": model.TierDelta}}
	progress := &model.InfoSources{}
	cfg := config.DefaultConf()
	cfg.SymbolURL = "https://msdl.example.test/download/symbols"
	cfg.SymbolServerConnections = 4

	var calls int32
	head := func(_ context.Context, _ string) (int, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return 302, nil
		}
		return 404, nil
	}
	prober := symbolserver.NewProber(&cfg, head, nil)
	lookup := func(name, hash string) (*model.FileInfo, bool) { return deltaInfo(0x1234), true }

	found, err := RunSymbolServerSweep(context.Background(), prober, index, progress, Deadline{}, lookup)
	if err != nil {
		t.Fatalf("RunSymbolServerSweep() error: %v", err)
	}
	if found != 1 {
		t.Fatalf("found = %d, want 1", found)
	}
	if index["notepad.exe"]["h1"] != model.TierDeltaPlus {
		t.Errorf("tier = %v, want delta+ after a unique resolution", index["notepad.exe"]["h1"])
	}
	if len(progress.Found) != 1 {
		t.Errorf("progress.Found = %v, want one entry", progress.Found)
	}
}

func TestRunSymbolServerSweepStopsAtDeadline(t *testing.T) {
	index := model.FileHashIndex{
		"a.exe": {"h1": model.TierDelta},
		"b.exe": {"h2": model.TierDelta},
	}
	progress := &model.InfoSources{}
	lookup := func(name, hash string) (*model.FileInfo, bool) { return deltaInfo(1), true }

	expired := NewDeadline(time.Now().Add(-time.Hour))
	cfg := config.DefaultConf()
	prober := symbolserver.NewProber(&cfg, func(context.Context, string) (int, error) { return 404, nil }, nil)

	found, err := RunSymbolServerSweep(context.Background(), prober, index, progress, expired, lookup)
	if err != nil {
		t.Fatalf("RunSymbolServerSweep() error: %v", err)
	}
	if found != 0 {
		t.Errorf("found = %d, want 0 when the deadline has already passed", found)
	}
	if progress.Next == nil || progress.Next.Name != "a.exe" {
		t.Errorf("progress.Next = %v, want to resume from a.exe", progress.Next)
	}
}
