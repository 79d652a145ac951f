// Package pipeline wraps the individual stages (catalog, fetch, parse,
// probe, merge/group) into a resumable driver: a single run performs at
// most one unit of work per cooperative deadline, persisting progress so
// the next invocation picks up exactly where the last one stopped. Ported
// from symbol_server_link_enumerate.py's main(time_to_stop) and
// upd05_group_by_filename.py's process_updates/group_update_by_filename.
package pipeline

import "time"

// Deadline is a cooperative cutoff: callers poll Expired at the top of
// each unit-of-work loop rather than being interrupted by a timer or
// signal, exactly mirroring the Python driver's `if time_to_stop and
// datetime.now() >= time_to_stop`. A zero Deadline never expires, for a
// run with no time budget.
type Deadline struct {
	at time.Time
}

// NewDeadline returns a Deadline that expires at at.
func NewDeadline(at time.Time) Deadline {
	return Deadline{at: at}
}

// Expired reports whether now (normally time.Now(), injected for tests)
// has reached or passed the deadline.
func (d Deadline) Expired(now time.Time) bool {
	if d.at.IsZero() {
		return false
	}
	return !now.Before(d.at)
}
