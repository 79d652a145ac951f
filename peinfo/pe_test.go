package peinfo

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

type testInstance struct {
	testdir string
	t       *testing.T
}

func newTestInstance(t *testing.T) testInstance {
	testData := testInstance{t: t}

	var err error
	testData.testdir, err = os.MkdirTemp("", "peinfo-")
	if err != nil {
		testData.t.Fatal(err)
	}
	return testData
}

func (testData *testInstance) teardown() {
	if err := os.RemoveAll(testData.testdir); err != nil {
		testData.t.Error(err)
	}
}

// buildMinimalPE assembles a tiny, structurally valid-enough PE image for
// ExtractPEFile to read the fields it cares about: the DOS stub's
// e_lfanew pointer, the PE signature, and the COFF/optional header's
// machine, timestamp, and SizeOfImage fields.
func buildMinimalPE(machine uint16, timestamp, sizeOfImage uint32) []byte {
	const peOffset = 0x80
	buf := make([]byte, peOffset+0x58)

	buf[0] = 'M'
	buf[1] = 'Z'
	binary.LittleEndian.PutUint32(buf[0x3c:], peOffset)

	copy(buf[peOffset:], "PE\x00\x00")
	binary.LittleEndian.PutUint16(buf[peOffset+4:], machine)
	binary.LittleEndian.PutUint32(buf[peOffset+8:], timestamp)
	binary.LittleEndian.PutUint32(buf[peOffset+0x50:], sizeOfImage)

	return buf
}

func TestExtractPEFile(t *testing.T) {
	testData := newTestInstance(t)
	defer testData.teardown()

	path := filepath.Join(testData.testdir, "notepad.exe")
	content := buildMinimalPE(34404, 1609459200, 0x23000)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	info, err := ExtractPEFile(path)
	if err != nil {
		t.Fatalf("ExtractPEFile() error: %v", err)
	}

	if info.Size != int64(len(content)) {
		t.Errorf("Size = %d, want %d", info.Size, len(content))
	}
	if info.MD5 == "" {
		t.Errorf("expected MD5 to be populated")
	}
	if !info.HasMachineType || info.MachineType != 34404 {
		t.Errorf("MachineType = %v (%d), want 34404", info.HasMachineType, info.MachineType)
	}
	if !info.HasTimestamp || info.Timestamp != 1609459200 {
		t.Errorf("Timestamp = %v (%d), want 1609459200", info.HasTimestamp, info.Timestamp)
	}
	if !info.HasVirtualSize || info.VirtualSize != 0x23000 {
		t.Errorf("VirtualSize = %v (%#x), want 0x23000", info.HasVirtualSize, info.VirtualSize)
	}
}

func TestExtractPEFileNonPE(t *testing.T) {
	testData := newTestInstance(t)
	defer testData.teardown()

	path := filepath.Join(testData.testdir, "readme.txt")
	content := []byte("just a text file, not a PE image, but long enough to pass the size gate")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	info, err := ExtractPEFile(path)
	if err != nil {
		t.Fatalf("ExtractPEFile() error: %v", err)
	}
	if info.HasMachineType {
		t.Errorf("expected no machine type for a non-PE file")
	}
	if info.MD5 == "" {
		t.Errorf("expected MD5 to still be populated")
	}
}
