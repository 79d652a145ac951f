package archive

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

// fakeTools simulates a tree of nested CABs in memory: archiveContents maps
// an archive's basename to the entries it contains (cabs and/or
// manifests); Expand "extracts" the matching entries into a virtual
// directory listing, and ListFiles reads that listing back.
type fakeTools struct {
	archiveContents map[string][]string
	dirs            map[string][]string
}

func newFakeTools() *fakeTools {
	return &fakeTools{
		archiveContents: map[string][]string{},
		dirs:            map[string][]string{},
	}
}

func (f *fakeTools) Expand(_ context.Context, archive, pattern, dir string) error {
	entries := f.archiveContents[filepath.Base(archive)]
	for _, e := range entries {
		matched, err := filepath.Match(pattern, e)
		if err != nil {
			return err
		}
		if matched {
			f.dirs[dir] = append(f.dirs[dir], filepath.Join(dir, e))
		}
	}
	return nil
}

func (f *fakeTools) ListFiles(_ context.Context, dir, pattern string) ([]string, error) {
	var out []string
	for _, path := range f.dirs[dir] {
		matched, err := filepath.Match(pattern, filepath.Base(path))
		if err != nil {
			return nil, err
		}
		if matched {
			out = append(out, path)
		}
	}
	return out, nil
}

func (f *fakeTools) ExtractWIM(_ context.Context, _, _ string) error { return nil }
func (f *fakeTools) ExtractPSF(_ context.Context, _, _ string) error { return nil }
func (f *fakeTools) ApplyNullDifferential(_ context.Context, _, _ string) error { return nil }

func TestExtractFromCABChainSkipsWSUSScan(t *testing.T) {
	fake := newFakeTools()
	fake.archiveContents["update.cab"] = []string{"inner.cab", "WSUSSCAN.cab"}
	fake.archiveContents["inner.cab"] = []string{"component.manifest"}

	u := NewUnpacker(fake, 4)
	manifests, err := u.extractFromCABChain(context.Background(), "update.cab", "/work")
	if err != nil {
		t.Fatalf("extractFromCABChain() error: %v", err)
	}

	sort.Strings(manifests)
	if len(manifests) != 1 || filepath.Base(manifests[0]) != "component.manifest" {
		t.Errorf("manifests = %v, want exactly one component.manifest", manifests)
	}
}

func TestExtractFromCABChainRejectsUnboundedNesting(t *testing.T) {
	fake := newFakeTools()
	// Every level's cab contains another cab of the same name, forever.
	for i := 0; i <= maxExpandDepth+1; i++ {
		fake.archiveContents["loop.cab"] = []string{"loop.cab"}
	}

	u := NewUnpacker(fake, 4)
	_, err := u.extractFromCABChain(context.Background(), "loop.cab", "/work")
	if err == nil {
		t.Fatalf("expected an error when CAB nesting exceeds the depth limit")
	}
}

func TestExtractManifestsRejectsUnknownFormat(t *testing.T) {
	fake := newFakeTools()
	u := NewUnpacker(fake, 4)
	_, err := u.ExtractManifests(context.Background(), "mystery.bin", "/work", []byte("not a known archive"))
	if err == nil {
		t.Fatalf("expected an error for an unrecognized archive format")
	}
}

func TestVerifyNoMergeConflictAcceptsIdenticalDuplicate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "component.manifest")
	if err := os.WriteFile(path, []byte("same bytes"), 0o666); err != nil {
		t.Fatal(err)
	}

	seen := map[string][32]byte{}
	if err := VerifyNoMergeConflict(dir, seen); err != nil {
		t.Fatalf("VerifyNoMergeConflict() first pass error: %v", err)
	}

	// Re-extracting the identical archive writes the identical bytes again.
	if err := os.WriteFile(path, []byte("same bytes"), 0o666); err != nil {
		t.Fatal(err)
	}
	if err := VerifyNoMergeConflict(dir, seen); err != nil {
		t.Errorf("VerifyNoMergeConflict() rejected a byte-identical duplicate: %v", err)
	}
}

func TestVerifyNoMergeConflictRejectsAlteredByte(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "component.manifest")
	if err := os.WriteFile(path, []byte("original bytes"), 0o666); err != nil {
		t.Fatal(err)
	}

	seen := map[string][32]byte{}
	if err := VerifyNoMergeConflict(dir, seen); err != nil {
		t.Fatalf("VerifyNoMergeConflict() first pass error: %v", err)
	}

	if err := os.WriteFile(path, []byte("altered  bytes"), 0o666); err != nil {
		t.Fatal(err)
	}
	if err := VerifyNoMergeConflict(dir, seen); err == nil {
		t.Fatalf("expected a hard failure when a single byte of a duplicate changes")
	}
}
