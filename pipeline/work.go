package pipeline

import "sort"

// Stage names the kind of follow-up work a run can pick when there is no
// new update to ingest, mirroring main's "if no new updates, pick the
// next due follow-up stage" fallback.
type Stage string

const (
	StageUpdate       Stage = "update"
	StageSymbolServer Stage = "symbol_server"
	StageVirusTotal   Stage = "virustotal"
	StageISO          Stage = "iso"
	StageNone         Stage = ""
)

// NextUpdateKB returns the lexically-first KB present in current for
// windowsVersion but absent from stored, i.e. the next unit of ingestion
// work, mirroring process_updates' "next update KB to ingest" selection.
// ok is false when every KB in current is already stored.
func NextUpdateKB(current, stored map[string]bool) (kb string, ok bool) {
	var pending []string
	for k := range current {
		if !stored[k] {
			pending = append(pending, k)
		}
	}
	if len(pending) == 0 {
		return "", false
	}
	sort.Strings(pending)
	return pending[0], true
}

// SelectNextStage decides what a single run should do next: ingest the
// next new update if one exists, otherwise fall through the follow-up
// stages in the fixed order the original pipeline runs them
// (symbol-server, then VirusTotal, then ISO), picking the first one that
// still reports pending work.
func SelectNextStage(hasNextUpdate, symbolServerPending, virusTotalPending, isoPending bool) Stage {
	switch {
	case hasNextUpdate:
		return StageUpdate
	case symbolServerPending:
		return StageSymbolServer
	case virusTotalPending:
		return StageVirusTotal
	case isoPending:
		return StageISO
	default:
		return StageNone
	}
}
