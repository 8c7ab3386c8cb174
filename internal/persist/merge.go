package persist

import (
	"strings"
	"time"

	"mediahub/pkg/models"
)

// Result is the outcome of reconciling two copies of a library.
type Result struct {
	Snapshot models.Snapshot
	// LocalChanged is set when the merged state differs from the local copy.
	LocalChanged bool
	// RemoteChanged is set when the remote copy is missing something the
	// merged state has and needs a push.
	RemoteChanged bool
}

// Merge combines two copies of a library record by record. For every
// identity key the later of the two versions wins, where a removal counts
// as a version stamped with its removal time. Records present on only one
// side are kept. On equal stamps a removal beats a live record, then the
// lexicographically larger list name wins, then the remote copy.
func Merge(local, remote models.Snapshot) models.Snapshot {
	return Reconcile(local, remote).Snapshot
}

func Reconcile(local, remote models.Snapshot) Result {
	le, re := collapseEntries(local), collapseEntries(remote)
	ll, rl := collapseLists(local), collapseLists(remote)

	lists := make(map[string]listRec, len(ll)+len(rl))
	for id, l := range ll {
		lists[id] = l
	}
	for id, r := range rl {
		if l, ok := lists[id]; ok {
			lists[id] = pickList(l, r)
		} else {
			lists[id] = r
		}
	}

	entries := make(map[string]entryRec, len(le)+len(re))
	for k, l := range le {
		entries[k] = l
	}
	for k, r := range re {
		if l, ok := entries[k]; ok {
			entries[k] = pickEntry(l, r)
		} else {
			entries[k] = r
		}
	}

	// an entry that lost its custom list to a removal goes with it
	for k, e := range entries {
		if e.removed {
			continue
		}
		id, ok := e.entry.List.CustomID()
		if !ok {
			continue
		}
		if l, known := lists[id]; known && l.removed {
			entries[k] = entryRec{removed: true, at: latest(e.at, l.at)}
		}
	}

	out := models.Snapshot{
		Owner:        local.Owner,
		Entries:      make([]models.LibraryEntry, 0, len(entries)),
		Lists:        make([]models.CustomList, 0, len(lists)),
		SelectedList: local.SelectedList,
		SavedAt:      latest(local.SavedAt, remote.SavedAt),
	}
	if out.Owner == "" {
		out.Owner = remote.Owner
	}
	// the selection is a device preference; a device with no library yet
	// takes the remote one
	if local.Empty() {
		out.SelectedList = remote.SelectedList
	}
	if l, ok := lists[out.SelectedList]; !ok || l.removed {
		out.SelectedList = ""
	}

	for k, e := range entries {
		if e.removed {
			out.RemovedEntries = append(out.RemovedEntries, models.Tombstone{Key: k, RemovedAt: e.at})
		} else {
			out.Entries = append(out.Entries, e.entry.Clone())
		}
	}
	for id, l := range lists {
		if l.removed {
			out.RemovedLists = append(out.RemovedLists, models.Tombstone{Key: id, RemovedAt: l.at})
		} else {
			out.Lists = append(out.Lists, l.list)
		}
	}
	out.Sort()

	return Result{
		Snapshot: out,
		LocalChanged: !sameEntries(entries, le) || !sameLists(lists, ll) ||
			out.SelectedList != local.SelectedList,
		RemoteChanged: !sameEntries(entries, re) || !sameLists(lists, rl) ||
			out.SelectedList != remote.SelectedList,
	}
}

type entryRec struct {
	entry   models.LibraryEntry
	removed bool
	at      time.Time
}

func (r entryRec) equal(o entryRec) bool {
	if r.removed != o.removed || !r.at.Equal(o.at) {
		return false
	}
	return r.removed || r.entry.Equal(o.entry)
}

type listRec struct {
	list    models.CustomList
	removed bool
	at      time.Time
}

func (r listRec) equal(o listRec) bool {
	if r.removed != o.removed || !r.at.Equal(o.at) {
		return false
	}
	return r.removed || r.list.Equal(o.list)
}

// collapseEntries reduces one side to a single record per key. A side can
// hold both an entry and a tombstone for a key when it was re-added after
// a removal; the later one stands.
func collapseEntries(s models.Snapshot) map[string]entryRec {
	out := make(map[string]entryRec, len(s.Entries)+len(s.RemovedEntries))
	for _, e := range s.Entries {
		e.Item = e.Item.Normalized()
		if !e.Key().Valid() || !e.List.Valid() {
			continue
		}
		rec := entryRec{entry: e, at: e.UpdatedAt}
		k := e.Key().String()
		if cur, ok := out[k]; ok {
			rec = pickEntry(cur, rec)
		}
		out[k] = rec
	}
	for _, t := range s.RemovedEntries {
		rec := entryRec{removed: true, at: t.RemovedAt}
		if cur, ok := out[t.Key]; ok {
			rec = pickEntry(cur, rec)
		}
		out[t.Key] = rec
	}
	return out
}

func collapseLists(s models.Snapshot) map[string]listRec {
	out := make(map[string]listRec, len(s.Lists)+len(s.RemovedLists))
	for _, l := range s.Lists {
		if l.ID == "" {
			continue
		}
		l.ItemCount = 0
		rec := listRec{list: l, at: l.UpdatedAt}
		if cur, ok := out[l.ID]; ok {
			rec = pickList(cur, rec)
		}
		out[l.ID] = rec
	}
	for _, t := range s.RemovedLists {
		rec := listRec{removed: true, at: t.RemovedAt}
		if cur, ok := out[t.Key]; ok {
			rec = pickList(cur, rec)
		}
		out[t.Key] = rec
	}
	return out
}

// pickEntry returns the winner between a and b, b being the remote side.
func pickEntry(a, b entryRec) entryRec {
	if c := a.at.Compare(b.at); c != 0 {
		if c > 0 {
			return a
		}
		return b
	}
	if a.removed != b.removed {
		if a.removed {
			return a
		}
		return b
	}
	if !a.removed {
		if c := strings.Compare(string(a.entry.List), string(b.entry.List)); c != 0 {
			if c > 0 {
				return a
			}
			return b
		}
	}
	return b
}

func pickList(a, b listRec) listRec {
	if c := a.at.Compare(b.at); c != 0 {
		if c > 0 {
			return a
		}
		return b
	}
	if a.removed != b.removed {
		if a.removed {
			return a
		}
		return b
	}
	if !a.removed {
		if c := strings.Compare(a.list.Name, b.list.Name); c != 0 {
			if c > 0 {
				return a
			}
			return b
		}
	}
	return b
}

func sameEntries(merged, side map[string]entryRec) bool {
	if len(merged) != len(side) {
		return false
	}
	for k, m := range merged {
		s, ok := side[k]
		if !ok || !m.equal(s) {
			return false
		}
	}
	return true
}

func sameLists(merged, side map[string]listRec) bool {
	if len(merged) != len(side) {
		return false
	}
	for id, m := range merged {
		s, ok := side[id]
		if !ok || !m.equal(s) {
			return false
		}
	}
	return true
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
