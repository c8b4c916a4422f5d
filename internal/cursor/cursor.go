// Package cursor decides which normalized entries are new relative to a
// feed's persisted progress marker and computes the updated marker.
package cursor

import (
	"sort"

	"github.com/aprlcat/rssbot/internal/model"
)

// maxSameInstantIDs caps the same-instant id set. Feeds publishing more
// entries in a single instant than this are a degenerate case; the oldest
// insertions are dropped first.
const maxSameInstantIDs = 16

// Diff returns the entries that are new relative to prev, oldest first, and
// the candidate cursor to commit once all of them have been delivered.
//
// An entry is new iff its publication time is strictly after prev.LastSeenAt,
// or equal to it with an id not yet in prev.LastSeenIDs. The candidate time
// is the maximum publication time across all input entries, never regressing
// below prev.LastSeenAt. Entries whose timestamps regress below the cursor
// are never reported again; duplicates are preferred over re-deliveries.
//
// A zero prev means the feed has never been polled: the cursor is seeded
// from the input without reporting anything as new, so a newly registered
// feed does not flood its backlog.
func Diff(prev model.Cursor, entries []model.Entry) ([]model.Entry, model.Cursor) {
	if len(entries) == 0 {
		return nil, prev
	}

	sorted := make([]model.Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].PublishedAt.Equal(sorted[j].PublishedAt) {
			return sorted[i].PublishedAt.Before(sorted[j].PublishedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	lastSeen := prev.LastSeenAt
	for _, e := range sorted {
		if e.PublishedAt.After(lastSeen) {
			lastSeen = e.PublishedAt
		}
	}

	var fresh []model.Entry
	if !prev.IsZero() {
		for _, e := range sorted {
			switch {
			case e.PublishedAt.After(prev.LastSeenAt):
				fresh = append(fresh, e)
			case e.PublishedAt.Equal(prev.LastSeenAt) && !prev.Contains(e.ID):
				fresh = append(fresh, e)
			}
		}
	}

	// Same-instant ids at the candidate time. When the cursor time did not
	// advance, ids carried in prev stay in the set even if their entries
	// have dropped out of the feed, so they cannot be re-delivered.
	var ids []string
	if lastSeen.Equal(prev.LastSeenAt) {
		ids = append(ids, prev.LastSeenIDs...)
	}
	for _, e := range sorted {
		if e.PublishedAt.Equal(lastSeen) && !containsID(ids, e.ID) {
			ids = append(ids, e.ID)
		}
	}
	if len(ids) > maxSameInstantIDs {
		ids = ids[len(ids)-maxSameInstantIDs:]
	}

	return fresh, model.Cursor{LastSeenAt: lastSeen, LastSeenIDs: ids}
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
