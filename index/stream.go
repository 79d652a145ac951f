package index

import (
	"path/filepath"
	"sync"

	"github.com/m417z/winbindex-go/internal/config"
	"github.com/m417z/winbindex-go/internal/log"
	"github.com/m417z/winbindex-go/model"
)

// StreamWriter reads, modifies, and rewrites one filename's gzip document
// per call, the per-update path group_update_by_filename takes when
// config.high_mem_usage_for_performance is false. Filenames are locked by
// filenameShard's partition (one mutex per shard, not a single global
// mutex) so concurrent updates touching filenames in different shards
// don't serialize on each other, while two updates touching the same
// filename never race.
type StreamWriter struct {
	cfg   *config.Config
	locks []sync.Mutex
	seen  sync.Map // filename -> struct{}, for writeFilenamesIndex on Flush
	log   *log.Logger
}

// NewStreamWriter returns a StreamWriter that reads/writes documents
// directly under cfg.Paths.OutPath on every call.
func NewStreamWriter(cfg *config.Config) *StreamWriter {
	workers := cfg.GroupByFilenameWorkers
	if workers < 1 {
		workers = 1
	}
	return &StreamWriter{
		cfg:   cfg,
		locks: make([]sync.Mutex, workers),
		log:   log.For("index"),
	}
}

func (w *StreamWriter) lockFor(filename string) *sync.Mutex {
	return &w.locks[filenameShard(filename, len(w.locks))]
}

func (w *StreamWriter) path(filename string) string {
	return filepath.Join(w.cfg.Paths.OutPath, filename+".json.gz")
}

func (w *StreamWriter) readModifyWrite(filename string, apply func(model.GroupedFilenameDoc) error) error {
	lock := w.lockFor(filename)
	lock.Lock()
	defer lock.Unlock()

	path := w.path(filename)
	doc := model.GroupedFilenameDoc{}
	if _, err := readGzipJSON(path, &doc); err != nil {
		return err
	}

	if err := apply(doc); err != nil {
		return err
	}

	w.seen.Store(filename, struct{}{})
	return writeGzipJSON(path, doc, w.cfg.CompressionLevel)
}

func (w *StreamWriter) AddFromUpdate(filename, fileHash string, info *model.FileInfo, windowsVersion, updateKB, updateInfo string, assembly model.AssemblyRef, attributes map[string]string) error {
	return w.readModifyWrite(filename, func(doc model.GroupedFilenameDoc) error {
		return applyUpdate(doc, filename, fileHash, info, windowsVersion, updateKB, updateInfo, assembly, attributes)
	})
}

func (w *StreamWriter) AddFromISO(filename, fileHash string, info *model.FileInfo, sourcePath, windowsVersion, windowsVersionInfo string) error {
	return w.readModifyWrite(filename, func(doc model.GroupedFilenameDoc) error {
		return applyISO(doc, filename, fileHash, info, sourcePath, windowsVersion, windowsVersionInfo)
	})
}

func (w *StreamWriter) AddFromVirusTotal(filename, fileHash string, info *model.FileInfo) error {
	return w.readModifyWrite(filename, func(doc model.GroupedFilenameDoc) error {
		// The document may currently be keyed by a sha1 that fileHash (a
		// sha256) supersedes; with no existing key given, applyVirusTotal
		// finds that sha1 key through info.SHA1 and performs the rekey.
		return applyVirusTotal(doc, filename, "", fileHash, info)
	})
}

// Flush writes filenames.json, the index of every document this writer
// touched, mirroring the catalog's role for the grouped output.
func (w *StreamWriter) Flush() error {
	var filenames []string
	w.seen.Range(func(k, _ interface{}) bool {
		filenames = append(filenames, k.(string))
		return true
	})
	w.log.Complete("stream-wrote %d grouped-index documents", len(filenames))
	return writeFilenamesIndex(w.cfg, filenames)
}
