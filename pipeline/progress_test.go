package pipeline

import (
	"testing"

	"github.com/go-test/deep"
	"github.com/m417z/winbindex-go/model"
)

func TestProgressRoundTrip(t *testing.T) {
	dir := t.TempDir()

	state := &model.ProgressState{FilesTotal: 3}
	state.MarkProcessed("notepad.exe")

	if err := SaveProgress(dir, state); err != nil {
		t.Fatalf("SaveProgress() error: %v", err)
	}

	loaded, err := LoadProgress(dir)
	if err != nil {
		t.Fatalf("LoadProgress() error: %v", err)
	}
	if diff := deep.Equal(state, loaded); diff != nil {
		t.Errorf("round trip diff: %v", diff)
	}
}

func TestLoadProgressMissingFileReturnsZeroValue(t *testing.T) {
	dir := t.TempDir()
	state, err := LoadProgress(dir)
	if err != nil {
		t.Fatalf("LoadProgress() error: %v", err)
	}
	if state.FilesTotal != 0 || state.IsProcessed("anything") {
		t.Errorf("expected a zero-value ProgressState for a missing file")
	}
}

func TestFileHashIndexRoundTrip(t *testing.T) {
	dir := t.TempDir()
	index := model.FileHashIndex{
		"notepad.exe": {"abc": model.TierDelta},
	}

	if err := SaveFileHashIndex(dir, index); err != nil {
		t.Fatalf("SaveFileHashIndex() error: %v", err)
	}
	loaded, err := LoadFileHashIndex(dir)
	if err != nil {
		t.Fatalf("LoadFileHashIndex() error: %v", err)
	}
	if diff := deep.Equal(index, loaded); diff != nil {
		t.Errorf("round trip diff: %v", diff)
	}
}

func TestSymbolServerProgressRoundTrip(t *testing.T) {
	dir := t.TempDir()
	progress := &model.InfoSources{
		Found: []model.NameHash{{Name: "notepad.exe", Hash: "abc"}},
		Next:  &model.NameHash{Name: "notepad.exe", Hash: "def"},
	}

	if err := SaveSymbolServerProgress(dir, progress); err != nil {
		t.Fatalf("SaveSymbolServerProgress() error: %v", err)
	}
	loaded, err := LoadSymbolServerProgress(dir)
	if err != nil {
		t.Fatalf("LoadSymbolServerProgress() error: %v", err)
	}
	if diff := deep.Equal(progress, loaded); diff != nil {
		t.Errorf("round trip diff: %v", diff)
	}
}
