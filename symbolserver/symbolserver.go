// Package symbolserver recovers a file's SizeOfImage by probing
// msdl.microsoft.com's symbol server: for a delta-only record we already
// know the filename, timestamp, and the last section's virtual address
// and file offset, but not its mapped size, so we sweep a page-aligned
// range of candidate sizes and see which URL the symbol server has heard
// of. Ported from symbol_server_link_enumerate.py in full.
package symbolserver

import (
	"context"
	"fmt"

	"github.com/m417z/winbindex-go/internal/config"
	"github.com/m417z/winbindex-go/internal/log"
	"github.com/m417z/winbindex-go/model"
	"golang.org/x/sync/errgroup"
)

const pageSize = 0x1000

// Prober probes the symbol server for candidate (name, timestamp, size)
// triples, bounding in-flight HEAD requests to cfg.SymbolServerConnections.
type Prober struct {
	cfg   *config.Config
	head  HeadFunc
	cache Cache
	log   *log.Logger
}

// HeadFunc issues a HEAD request and returns its status code. Production
// code binds this to internal/helpers.HeadStatus; tests inject a fake.
type HeadFunc func(ctx context.Context, url string) (int, error)

// Cache memoizes previously resolved URLs so a resumed run doesn't
// re-issue HEADs for candidates it already settled. A cache miss behaves
// identically to having no cache at all.
type Cache interface {
	Get(ctx context.Context, url string) (valid bool, found bool)
	Put(ctx context.Context, url string, valid bool)
}

// NewProber builds a Prober. cache may be nil to disable memoization.
func NewProber(cfg *config.Config, head HeadFunc, cache Cache) *Prober {
	return &Prober{cfg: cfg, head: head, cache: cache, log: log.For("symbolserver")}
}

// MakeURL builds the symbol-server download URL for a given file name,
// PE timestamp, and candidate size, in the exact format the server
// expects: {name}/{timestamp:08X}{size:x}/{name}.
func MakeURL(baseURL, name string, timestamp uint32, size uint32) string {
	return fmt.Sprintf("%s/%s/%08X%x/%s", baseURL, name, timestamp, size, name)
}

func getMappedSize(size uint32) uint32 {
	return (size + pageSize - 1) &^ (pageSize - 1)
}

// candidateSizes returns the page-aligned SizeOfImage candidates to probe
// for a delta record, from the largest plausible size (the mapped size of
// the last section plus its on-disk signature trailer) down to the
// smallest (the last section's virtual address plus one page), matching
// get_symbol_server_links_for_file's sweep.
func candidateSizes(info *model.FileInfo) ([]uint32, error) {
	if !info.HasLastSection {
		return nil, fmt.Errorf("file info has no last-section fields to sweep from")
	}

	lastSectionAndSignatureSize := info.Size - int64(info.LastSectionPointerToRawData)
	if lastSectionAndSignatureSize < 0 {
		return nil, fmt.Errorf("file size smaller than last section's pointer to raw data")
	}

	upperBound := getMappedSize(info.LastSectionVirtualAddress + uint32(lastSectionAndSignatureSize))
	lowerBound := info.LastSectionVirtualAddress + pageSize

	if upperBound < lowerBound {
		return nil, fmt.Errorf("computed upper bound %#x below lower bound %#x", upperBound, lowerBound)
	}

	var sizes []uint32
	for size := upperBound; size >= lowerBound; size -= pageSize {
		sizes = append(sizes, size)
		if size < pageSize {
			break
		}
	}
	return sizes, nil
}

// Probe sweeps the candidate SizeOfImage values for name/info and returns
// the recovered VirtualSize. It succeeds only when exactly one candidate
// resolves to a valid (302) URL, mirroring the original's "adopt
// virtualSize only if len(valid_urls) == 1" rule — an ambiguous sweep is
// reported as not found rather than guessed at.
func (p *Prober) Probe(ctx context.Context, name string, info *model.FileInfo) (uint32, bool, error) {
	sizes, err := candidateSizes(info)
	if err != nil {
		return 0, false, err
	}

	urls := make([]string, len(sizes))
	for i, size := range sizes {
		urls[i] = MakeURL(p.cfg.SymbolURL, name, info.Timestamp, size)
	}

	valid, err := p.testURLs(ctx, urls)
	if err != nil {
		return 0, false, err
	}

	if len(valid) != 1 {
		return 0, false, nil
	}

	for i, url := range urls {
		if url == valid[0] {
			return sizes[i], true, nil
		}
	}
	return 0, false, nil
}

// testURLs issues bounded-concurrency HEAD requests for every url, using
// the cache to skip ones already resolved, and returns the subset whose
// HEAD reported the symbol server knows about it (a 302 redirect; 404
// means "not present" and is silently excluded; any other status is a
// transient error worth retrying the whole batch on, matching
// test_symbol_server_urls).
func (p *Prober) testURLs(ctx context.Context, urls []string) ([]string, error) {
	results := make([]bool, len(urls))
	known := make([]bool, len(urls))

	if p.cache != nil {
		for i, u := range urls {
			if valid, found := p.cache.Get(ctx, u); found {
				results[i] = valid
				known[i] = true
			}
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.SymbolServerConnections)

	for i, u := range urls {
		if known[i] {
			continue
		}
		i, u := i, u
		g.Go(func() error {
			status, err := p.head(ctx, u)
			if err != nil {
				return model.NewPipelineError(model.KindTransient, u, err)
			}
			switch status {
			case 302:
				results[i] = true
			case 404:
				results[i] = false
			default:
				return model.NewPipelineError(model.KindTransient, u,
					fmt.Errorf("unexpected HEAD status %d", status))
			}
			if p.cache != nil {
				p.cache.Put(ctx, u, results[i])
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var valid []string
	for i, u := range urls {
		if results[i] {
			valid = append(valid, u)
		}
	}
	return valid, nil
}
