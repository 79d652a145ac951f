package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/m417z/winbindex-go/internal/log"
	"github.com/m417z/winbindex-go/model"
	"github.com/m417z/winbindex-go/symbolserver"
)

// nameHashPair is a sortable (name, hash) pair, the unit of work for the
// symbol-server sweep, mirroring names_and_hashes.sort() in the Python
// driver.
type nameHashPair struct {
	Name string
	Hash string
}

func lessNameHash(a, b nameHashPair) bool {
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return a.Hash < b.Hash
}

// pendingSymbolServerWork collects every (name, hash) pair still at the
// delta tier, resuming from progress.Next if set, mirroring main's
// names_and_hashes construction and the "start from where we left off"
// slice.
func pendingSymbolServerWork(index model.FileHashIndex, progress *model.InfoSources) []nameHashPair {
	var pairs []nameHashPair
	for _, name := range sortedKeys(index) {
		for hash, tier := range index[name] {
			if tier == model.TierDelta {
				pairs = append(pairs, nameHashPair{Name: name, Hash: hash})
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return lessNameHash(pairs[i], pairs[j]) })

	if progress != nil && progress.Next != nil {
		for i, p := range pairs {
			if p.Name == progress.Next.Name && p.Hash == progress.Next.Hash {
				return pairs[i:]
			}
		}
	}
	return pairs
}

// RunSymbolServerSweep probes every pending delta-tier (name, hash) pair
// against the symbol server, upgrading successes to delta+ in index,
// until work runs out or deadline expires. It returns how many pairs were
// newly resolved. lookup supplies the FileInfo a given (name,
// hash) pair currently holds, since the probe sweep needs the delta
// record's last-section fields, which info_sources.json alone doesn't
// carry.
func RunSymbolServerSweep(ctx context.Context, prober *symbolserver.Prober, index model.FileHashIndex, progress *model.InfoSources, deadline Deadline, lookup func(name, hash string) (*model.FileInfo, bool)) (int, error) {
	logger := log.For("pipeline")
	pending := pendingSymbolServerWork(index, progress)

	found := 0
	for i, pair := range pending {
		if deadline.Expired(time.Now()) {
			progress.Next = &model.NameHash{Name: pair.Name, Hash: pair.Hash}
			logger.Begin("deadline reached, %d of %d pairs remain", len(pending)-i, len(pending))
			return found, nil
		}

		info, ok := lookup(pair.Name, pair.Hash)
		if !ok {
			progress.NotFound = append(progress.NotFound, model.NameHash{Name: pair.Name, Hash: pair.Hash})
			continue
		}

		virtualSize, resolved, err := prober.Probe(ctx, pair.Name, info)
		if err != nil {
			return found, err
		}
		if !resolved {
			progress.NotFound = append(progress.NotFound, model.NameHash{Name: pair.Name, Hash: pair.Hash})
			continue
		}

		info.HasVirtualSize = true
		info.VirtualSize = virtualSize
		index[pair.Name][pair.Hash] = model.TierDeltaPlus
		progress.Found = append(progress.Found, model.NameHash{Name: pair.Name, Hash: pair.Hash})
		found++
	}

	progress.Next = nil
	return found, nil
}
