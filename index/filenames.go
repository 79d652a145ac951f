package index

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/m417z/winbindex-go/internal/config"
	"github.com/pkg/errors"
)

// writeFilenamesIndex merges touched into the existing filenames.json (the
// flat list of every filename with a grouped-index document) and
// rewrites it, sorted and deduplicated, so a partial run never drops
// filenames a prior run already indexed.
func writeFilenamesIndex(cfg *config.Config, touched []string) error {
	path := filepath.Join(cfg.Paths.OutPath, "filenames.json")

	existing, err := readFilenamesIndex(path)
	if err != nil {
		return err
	}

	set := make(map[string]bool, len(existing)+len(touched))
	for _, f := range existing {
		set[f] = true
	}
	for _, f := range touched {
		set[f] = true
	}

	merged := make([]string, 0, len(set))
	for f := range set {
		merged = append(merged, f)
	}
	sort.Strings(merged)

	data, err := json.Marshal(merged)
	if err != nil {
		return errors.Wrap(err, "marshaling filenames.json")
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

func readFilenamesIndex(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var filenames []string
	if err := json.Unmarshal(data, &filenames); err != nil {
		return nil, errors.Wrap(err, "decoding filenames.json")
	}
	return filenames, nil
}
