package merge

import (
	"testing"

	"github.com/go-test/deep"
	"github.com/m417z/winbindex-go/internal/config"
	"github.com/m417z/winbindex-go/model"
)

func TestMergeFirstSighting(t *testing.T) {
	incoming := &model.FileInfo{Size: 100, MD5: "abc"}
	got, err := Merge(nil, incoming, SourceUpdate, "notepad.exe")
	if err != nil {
		t.Fatalf("Merge() error: %v", err)
	}
	if got != incoming {
		t.Errorf("Merge() = %v, want incoming returned unchanged", got)
	}
}

func TestMergePrefersHigherTier(t *testing.T) {
	existing := &model.FileInfo{Size: 100, MD5: "abc"} // raw
	incoming := &model.FileInfo{Size: 100, MD5: "abc", SHA1: "def", SHA256: "ghi"} // raw_file

	got, err := Merge(existing, incoming, SourceUpdate, "notepad.exe")
	if err != nil {
		t.Fatalf("Merge() error: %v", err)
	}
	if got != incoming {
		t.Errorf("Merge() did not prefer the richer raw_file record")
	}
}

func TestMergeKeepsExistingWhenIncomingIsWeaker(t *testing.T) {
	existing := &model.FileInfo{Size: 100, MD5: "abc", SHA1: "def", SHA256: "ghi"}
	incoming := &model.FileInfo{Size: 100, MD5: "abc"}

	got, err := Merge(existing, incoming, SourceUpdate, "notepad.exe")
	if err != nil {
		t.Fatalf("Merge() error: %v", err)
	}
	if got != existing {
		t.Errorf("Merge() should have kept the existing richer record")
	}
}

func TestMergeRejectsSizeMismatch(t *testing.T) {
	existing := &model.FileInfo{Size: 100, MD5: "abc"}
	incoming := &model.FileInfo{Size: 200, MD5: "abc"}

	if _, err := Merge(existing, incoming, SourceUpdate, "notepad.exe"); err == nil {
		t.Fatalf("expected a merge conflict for mismatched size")
	}
}

func TestMergeFileUnknownSigBorrowsSigningStatus(t *testing.T) {
	existing := &model.FileInfo{
		Size: 100, MD5: "abc", SHA1: "def", SHA256: "ghi",
		HasMachineType: true, MachineType: 0x8664, HasTimestamp: true, Timestamp: 1,
		HasSigningStatus: true, SigningStatus: "Unknown",
	}
	incoming := &model.FileInfo{
		Size: 100, MD5: "abc", SHA1: "def", SHA256: "ghi",
		HasMachineType: true, MachineType: 0x8664, HasTimestamp: true, Timestamp: 1,
		HasSigningStatus: true, SigningStatus: "Signed",
		SigningDate: []string{"2023-01-01T00:00:00Z"},
	}

	got, err := Merge(existing, incoming, SourceVT, "notepad.exe")
	if err != nil {
		t.Fatalf("Merge() error: %v", err)
	}
	if got.SigningStatus != "Signed" {
		t.Errorf("SigningStatus = %q, want Signed", got.SigningStatus)
	}
	if got.Description != existing.Description {
		t.Errorf("expected the existing file_unknown_sig record to be preserved aside from signingStatus")
	}
}

func TestMergeSigningDateWithinTolerance(t *testing.T) {
	existing := &model.FileInfo{
		Size: 100, MD5: "abc", SHA1: "def", SHA256: "ghi",
		HasMachineType: true, MachineType: 0x8664, HasTimestamp: true, Timestamp: 1,
		HasSigningStatus: true, SigningStatus: "Signed",
		SigningDate: []string{"2023-01-01T00:00:00Z"},
	}
	incoming := &model.FileInfo{
		Size: 100, MD5: "abc", SHA1: "def", SHA256: "ghi",
		HasMachineType: true, MachineType: 0x8664, HasTimestamp: true, Timestamp: 1,
		HasSigningStatus: true, SigningStatus: "Signed",
		SigningDate: []string{"2023-01-02T06:00:00Z"}, // 30h later
	}

	if _, err := Merge(existing, incoming, SourceISO, "notepad.exe"); err != nil {
		t.Fatalf("Merge() error: %v, want tolerance to absorb a 30h difference", err)
	}
}

func TestMergeSigningDateOutsideToleranceFails(t *testing.T) {
	existing := &model.FileInfo{
		Size: 100, MD5: "abc", SHA1: "def", SHA256: "ghi",
		HasMachineType: true, MachineType: 0x8664, HasTimestamp: true, Timestamp: 1,
		HasSigningStatus: true, SigningStatus: "Signed",
		SigningDate: []string{"2023-01-01T00:00:00Z"},
	}
	incoming := &model.FileInfo{
		Size: 100, MD5: "abc", SHA1: "def", SHA256: "ghi",
		HasMachineType: true, MachineType: 0x8664, HasTimestamp: true, Timestamp: 1,
		HasSigningStatus: true, SigningStatus: "Signed",
		SigningDate: []string{"2023-01-03T00:00:00Z"}, // 48h later
	}

	if _, err := Merge(existing, incoming, SourceISO, "notepad.exe"); err == nil {
		t.Fatalf("expected a merge conflict for a 48h signingDate difference")
	}
}

func TestShouldSkipHashMismatchAllowlisted(t *testing.T) {
	cfg := config.DefaultConf()
	for pair, versions := range cfg.FileHashesMismatch {
		for version := range versions {
			skip, err := ShouldSkipHashMismatch(&cfg, pair.SHA256, pair.MD5, version)
			if err != nil {
				t.Fatalf("ShouldSkipHashMismatch() error: %v", err)
			}
			if !skip {
				t.Errorf("expected the allowlisted pair to be skipped for %s", version)
			}
		}
	}
}

func TestShouldSkipHashMismatchWrongVersionErrors(t *testing.T) {
	cfg := config.DefaultConf()
	for pair := range cfg.FileHashesMismatch {
		if _, err := ShouldSkipHashMismatch(&cfg, pair.SHA256, pair.MD5, "10-1507"); err == nil {
			t.Errorf("expected an error when the allowlisted pair is used under an unlisted version")
		}
	}
}

func TestMergeAllowsMultipleSigningTimesOnEdgePath(t *testing.T) {
	incoming := &model.FileInfo{
		Size: 100, MD5: "abc", SHA1: "def", SHA256: "ghi",
		HasMachineType: true, MachineType: 0x8664, HasTimestamp: true, Timestamp: 1,
		HasSigningStatus: true, SigningStatus: "Signed",
		SigningDate: []string{"2023-01-01T00:00:00Z", "2023-01-01T04:00:00Z"},
	}

	edgePath := `Program Files (x86)\Microsoft\Edge\Application\msedge.exe`
	if _, err := Merge(nil, incoming, SourceISO, edgePath); err != nil {
		t.Fatalf("Merge() error: %v, want two embedded signatures 4h apart accepted on an Edge path", err)
	}
}

func TestMergeRejectsMultipleSigningTimesOnNonEdgePath(t *testing.T) {
	incoming := &model.FileInfo{
		Size: 100, MD5: "abc", SHA1: "def", SHA256: "ghi",
		HasMachineType: true, MachineType: 0x8664, HasTimestamp: true, Timestamp: 1,
		HasSigningStatus: true, SigningStatus: "Signed",
		SigningDate: []string{"2023-01-01T00:00:00Z", "2023-01-01T04:00:00Z"},
	}

	if _, err := Merge(nil, incoming, SourceISO, `Windows\System32\notepad.exe`); err == nil {
		t.Fatalf("expected a merge conflict for two embedded signatures on a non-Edge path")
	}
}

func TestCanonicalFileInfoNormalizesCatalogFile(t *testing.T) {
	f := model.FileInfo{
		Description:   "  Notepad  ",
		SignatureType: "Catalog file",
		SigningDate:   []string{"2023-01-01T00:00:00Z"},
	}
	got := canonicalFileInfo(f)
	want := model.FileInfo{
		Description:   "Notepad",
		SigningStatus: "Unsigned",
	}
	if diff := deep.Equal(got, want); diff != nil {
		t.Errorf("canonicalFileInfo() diff: %v", diff)
	}
}
