// Package index writes the grouped-by-filename index: one gzip-compressed
// JSON document per filename, keyed by SHA-256, holding every Windows
// version/update that file was seen under plus its merged FileInfo.
// Ported from upd05_group_by_filename.py's write_to_gzip_file,
// write_all_file_info, and add_file_info_from_update's write-once /
// append-only field rules.
package index

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/m417z/winbindex-go/merge"
	"github.com/m417z/winbindex-go/model"
	"github.com/pkg/errors"
)

// Writer applies one file's worth of newly contributed data to the
// grouped-by-filename index, in whichever IO mode a caller chose.
type Writer interface {
	// AddFromUpdate folds a file seen in an update manifest into filename's
	// document, keyed by fileHash (sha256, or sha1 when no sha256 is
	// available yet).
	AddFromUpdate(filename, fileHash string, info *model.FileInfo, windowsVersion, updateKB, updateInfo string, assembly model.AssemblyRef, attributes map[string]string) error
	// AddFromISO folds a file seen during an external ISO scan into
	// filename's document.
	AddFromISO(filename, fileHash string, info *model.FileInfo, sourcePath, windowsVersion, windowsVersionInfo string) error
	// AddFromVirusTotal folds an externally supplied VirusTotal record into
	// filename's document, upgrading its key from sha1 to sha256 when the
	// existing document was keyed by the weaker hash.
	AddFromVirusTotal(filename, fileHash string, info *model.FileInfo) error
	// Flush persists any buffered documents. StreamWriter's Flush is a
	// no-op since every call already wrote through.
	Flush() error
}

// filenameShard maps a filename to one of workers buckets. StreamWriter
// uses it to pick the mutex that guards a filename's document, so two
// writers never rewrite the same gzip without needing a lock per document.
func filenameShard(filename string, workers int) int {
	if workers <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(filename))
	return int(h.Sum32() % uint32(workers))
}

// writeGzipJSON mirrors write_to_gzip_file: deterministic gzip output so
// byte-identical input produces a byte-identical archive across reruns.
// Determinism requires pinning ModTime (gzip.Writer defaults it to the
// current time) and the compression level; the OS field defaults to
// "unknown" in the standard library already, matching orjson's output
// having no filesystem metadata to begin with.
func writeGzipJSON(path string, v interface{}, level int) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshaling grouped-index document")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return errors.Wrap(err, "creating gzip writer")
	}
	gz.ModTime = time.Unix(0, 0)
	if _, err := gz.Write(data); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readGzipJSON(path string, v interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	gz, err := gzipReader(data)
	if err != nil {
		return false, err
	}
	defer gz.Close()

	dec := json.NewDecoder(gz)
	if err := dec.Decode(v); err != nil {
		return false, errors.Wrap(err, "decoding grouped-index document")
	}
	return true, nil
}

func gzipReader(data []byte) (*gzip.Reader, error) {
	return gzip.NewReader(bytes.NewReader(data))
}

// applyUpdate performs the nested-structure surgery add_file_info_from_update
// does: locate or create the GroupedFile for fileHash, merge its FileInfo,
// and append/overwrite the per-(windowsVersion, updateKB) entry, asserting
// that updateInfo/windowsVersionInfo/assemblyIdentity are write-once (a
// later write disagreeing with an earlier one is a structural bug, not
// data to silently prefer).
func applyUpdate(doc model.GroupedFilenameDoc, filename, fileHash string, info *model.FileInfo, windowsVersion, updateKB, updateInfo string, assembly model.AssemblyRef, attributes map[string]string) error {
	gf, ok := doc[fileHash]
	if !ok {
		gf = &model.GroupedFile{WindowsVersions: map[string]map[string]model.UpdateEntry{}}
		doc[fileHash] = gf
	}

	merged, err := merge.Merge(gf.FileInfo, info, merge.SourceUpdate, filename)
	if err != nil {
		return err
	}
	gf.FileInfo = merged

	if gf.WindowsVersions[windowsVersion] == nil {
		gf.WindowsVersions[windowsVersion] = map[string]model.UpdateEntry{}
	}
	entry := gf.WindowsVersions[windowsVersion][updateKB]

	if entry.UpdateInfo != "" && entry.UpdateInfo != updateInfo {
		return fmt.Errorf("updateInfo for %s/%s changed from %q to %q", windowsVersion, updateKB, entry.UpdateInfo, updateInfo)
	}
	entry.UpdateInfo = updateInfo

	if entry.Assemblies == nil {
		entry.Assemblies = map[string]model.AssemblyRef{}
	}
	if existing, ok := entry.Assemblies[assembly.ManifestName]; ok {
		if !assemblyIdentityEqual(existing.AssemblyIdentity, assembly.AssemblyIdentity) {
			return fmt.Errorf("assemblyIdentity for %s changed across runs", assembly.ManifestName)
		}
	} else {
		entry.Assemblies[assembly.ManifestName] = assembly
	}

	if attributes != nil {
		entry.Attributes = entry.Attributes.AppendUnique(attributes)
	}

	gf.WindowsVersions[windowsVersion][updateKB] = entry
	return nil
}

func assemblyIdentityEqual(a, b model.AssemblyIdentity) bool {
	if len(a.Attributes) != len(b.Attributes) {
		return false
	}
	for i := range a.Attributes {
		if a.Attributes[i] != b.Attributes[i] {
			return false
		}
	}
	return true
}

// applyISO performs the equivalent surgery for an externally supplied ISO
// scan: merge the FileInfo, insert the source path (sorted,
// deduplicated), and write windowsVersionInfo once per windowsVersion.
func applyISO(doc model.GroupedFilenameDoc, filename, fileHash string, info *model.FileInfo, sourcePath, windowsVersion, windowsVersionInfo string) error {
	gf, ok := doc[fileHash]
	if !ok {
		gf = &model.GroupedFile{WindowsVersions: map[string]map[string]model.UpdateEntry{}}
		doc[fileHash] = gf
	}

	merged, err := merge.Merge(gf.FileInfo, info, merge.SourceISO, filename)
	if err != nil {
		return err
	}
	gf.FileInfo = merged

	if gf.WindowsVersions[windowsVersion] == nil {
		gf.WindowsVersions[windowsVersion] = map[string]model.UpdateEntry{}
	}
	// ISO-sourced data is nested under the empty update KB, since an ISO
	// isn't tied to a specific update.
	entry := gf.WindowsVersions[windowsVersion][""]
	if entry.WindowsVersionInfo != "" && entry.WindowsVersionInfo != windowsVersionInfo {
		return fmt.Errorf("windowsVersionInfo for %s changed from %q to %q", windowsVersion, entry.WindowsVersionInfo, windowsVersionInfo)
	}
	entry.WindowsVersionInfo = windowsVersionInfo
	entry.SourcePaths = entry.SourcePaths.Insort(sourcePath)
	gf.WindowsVersions[windowsVersion][""] = entry
	return nil
}

// applyVirusTotal merges an externally supplied VirusTotal record,
// upgrading the document's key from a sha1 to fileHash's sha256 when the
// two differ, mirroring group_update_assembly_by_filename's
// "file_hash != virustotal_info['sha256']" rekey. When existingKey is
// empty, a document entry keyed by info.SHA1 is taken as the existing key.
func applyVirusTotal(doc model.GroupedFilenameDoc, filename, existingKey, fileHash string, info *model.FileInfo) error {
	key := existingKey
	if key == "" && info != nil && info.SHA1 != "" && doc[info.SHA1] != nil {
		key = info.SHA1
	}
	if key == "" {
		key = fileHash
	}

	gf, ok := doc[key]
	if !ok {
		gf = &model.GroupedFile{WindowsVersions: map[string]map[string]model.UpdateEntry{}}
	}

	merged, err := merge.Merge(gf.FileInfo, info, merge.SourceVT, filename)
	if err != nil {
		return err
	}
	gf.FileInfo = merged

	if key != fileHash {
		delete(doc, key)
		key = fileHash
	}
	doc[key] = gf
	return nil
}
