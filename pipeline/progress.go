package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/m417z/winbindex-go/model"
	"github.com/pkg/errors"
)

// LoadProgress reads progress.json, returning a zero-value ProgressState
// (not an error) if the file doesn't exist yet, matching the Python
// driver's "if path.is_file()" guard.
func LoadProgress(outPath string) (*model.ProgressState, error) {
	var state model.ProgressState
	if err := readJSONIfExists(filepath.Join(outPath, "progress.json"), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// SaveProgress writes progress.json, sorted-keys for a stable diff across
// runs (json.dump(..., sort_keys=True) in the original).
func SaveProgress(outPath string, state *model.ProgressState) error {
	return writeJSONSorted(filepath.Join(outPath, "progress.json"), state)
}

// LoadSymbolServerProgress reads info_progress_symbol_server.json.
func LoadSymbolServerProgress(outPath string) (*model.InfoSources, error) {
	var progress model.InfoSources
	if err := readJSONIfExists(filepath.Join(outPath, "info_progress_symbol_server.json"), &progress); err != nil {
		return nil, err
	}
	return &progress, nil
}

// SaveSymbolServerProgress writes info_progress_symbol_server.json.
func SaveSymbolServerProgress(outPath string, progress *model.InfoSources) error {
	return writeJSONSorted(filepath.Join(outPath, "info_progress_symbol_server.json"), progress)
}

// LoadFileHashIndex reads info_sources.json, the per-(filename, hash)
// tier ledger every stage consults and updates.
func LoadFileHashIndex(outPath string) (model.FileHashIndex, error) {
	index := model.FileHashIndex{}
	if err := readJSONIfExists(filepath.Join(outPath, "info_sources.json"), &index); err != nil {
		return nil, err
	}
	return index, nil
}

// SaveFileHashIndex writes info_sources.json.
func SaveFileHashIndex(outPath string, index model.FileHashIndex) error {
	return writeJSONSorted(filepath.Join(outPath, "info_sources.json"), index)
}

func readJSONIfExists(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "decoding %s", path)
	}
	return nil
}

// writeJSONSorted marshals v with map keys in sorted order (encoding/json
// already sorts map[string]... keys) and writes it atomically, matching
// json.dump(..., sort_keys=True, indent=0)'s one-key-per-line, stable
// output.
func writeJSONSorted(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "")
	if err != nil {
		return errors.Wrapf(err, "marshaling %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// sortedKeys is a small helper used by stage drivers that need a
// deterministic iteration order over a map-shaped index.
func sortedKeys(m model.FileHashIndex) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
