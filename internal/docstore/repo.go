// Package docstore is the server side of the per-user library document
// store: one row per identity key and per custom list, with removals kept
// as tombstone rows so that devices can reconcile.
package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"mediahub/internal/persist"
	"mediahub/pkg/models"
)

type Repo struct {
	DB  *sql.DB
	now func() time.Time
}

func NewRepo(db *sql.DB) *Repo {
	return &Repo{DB: db, now: time.Now}
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Load returns the stored library of userID. A user with nothing stored
// gets an empty snapshot.
func (r *Repo) Load(ctx context.Context, userID string) (models.Snapshot, error) {
	return r.load(ctx, r.DB, userID)
}

// Push merges snap into the stored library inside one transaction and
// returns the merged state. changed reports whether anything was written.
func (r *Repo) Push(ctx context.Context, userID string, snap models.Snapshot) (merged models.Snapshot, changed bool, err error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return models.Snapshot{}, false, fmt.Errorf("begin push library: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stored, err := r.load(ctx, tx, userID)
	if err != nil {
		return models.Snapshot{}, false, err
	}
	res := persist.Reconcile(stored, snap)
	merged = res.Snapshot
	merged.Owner = userID
	if !res.LocalChanged {
		if err = tx.Commit(); err != nil {
			return models.Snapshot{}, false, fmt.Errorf("commit push library: %w", err)
		}
		return merged, false, nil
	}

	if err = writeSnapshot(ctx, tx, userID, merged, r.now()); err != nil {
		return models.Snapshot{}, false, err
	}
	if err = tx.Commit(); err != nil {
		return models.Snapshot{}, false, fmt.Errorf("commit push library: %w", err)
	}
	return merged, true, nil
}

// PruneTombstones drops removal rows older than before and reports how many went.
func (r *Repo) PruneTombstones(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"library_entries", "custom_lists"} {
		res, err := r.DB.ExecContext(ctx, `DELETE FROM `+table+` WHERE deleted = 1 AND updated_at < ?`, before.UnixNano())
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (r *Repo) load(ctx context.Context, q queryer, userID string) (models.Snapshot, error) {
	snap := models.Snapshot{
		Owner:   userID,
		Entries: []models.LibraryEntry{},
		Lists:   []models.CustomList{},
	}

	rows, err := q.QueryContext(ctx, `
		SELECT item_key, doc, deleted, updated_at
		FROM library_entries
		WHERE user_id = ?
	`, userID)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("load library entries: %w", err)
	}
	err = scanDocs(rows, func(key, doc string, deleted bool, at time.Time) error {
		if deleted {
			snap.RemovedEntries = append(snap.RemovedEntries, models.Tombstone{Key: key, RemovedAt: at})
			return nil
		}
		var e models.LibraryEntry
		if err := json.Unmarshal([]byte(doc), &e); err != nil {
			return fmt.Errorf("decode entry %s: %w", key, err)
		}
		snap.Entries = append(snap.Entries, e)
		return nil
	})
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("load library entries: %w", err)
	}

	rows, err = q.QueryContext(ctx, `
		SELECT list_id, doc, deleted, updated_at
		FROM custom_lists
		WHERE user_id = ?
	`, userID)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("load custom lists: %w", err)
	}
	err = scanDocs(rows, func(id, doc string, deleted bool, at time.Time) error {
		if deleted {
			snap.RemovedLists = append(snap.RemovedLists, models.Tombstone{Key: id, RemovedAt: at})
			return nil
		}
		var l models.CustomList
		if err := json.Unmarshal([]byte(doc), &l); err != nil {
			return fmt.Errorf("decode list %s: %w", id, err)
		}
		snap.Lists = append(snap.Lists, l)
		return nil
	})
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("load custom lists: %w", err)
	}

	var updated int64
	err = q.QueryRowContext(ctx, `SELECT selected_list, updated_at FROM library_prefs WHERE user_id = ?`, userID).
		Scan(&snap.SelectedList, &updated)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return models.Snapshot{}, fmt.Errorf("load library prefs: %w", err)
	default:
		snap.SavedAt = time.Unix(0, updated).UTC()
	}

	snap.Sort()
	return snap, nil
}

func scanDocs(rows *sql.Rows, fn func(key, doc string, deleted bool, at time.Time) error) error {
	defer rows.Close()
	for rows.Next() {
		var (
			key, doc string
			deleted  bool
			at       int64
		)
		if err := rows.Scan(&key, &doc, &deleted, &at); err != nil {
			return err
		}
		if err := fn(key, doc, deleted, time.Unix(0, at).UTC()); err != nil {
			return err
		}
	}
	return rows.Err()
}

func writeSnapshot(ctx context.Context, tx *sql.Tx, userID string, snap models.Snapshot, now time.Time) error {
	upsertEntry := `
		INSERT INTO library_entries (user_id, item_key, doc, deleted, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, item_key) DO UPDATE SET
			doc = excluded.doc,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at
	`
	for _, e := range snap.Entries {
		doc, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx, upsertEntry, userID, e.Key().String(), string(doc), false, e.UpdatedAt.UnixNano()); err != nil {
			return fmt.Errorf("upsert library entry: %w", err)
		}
	}
	for _, t := range snap.RemovedEntries {
		if _, err := tx.ExecContext(ctx, upsertEntry, userID, t.Key, "", true, t.RemovedAt.UnixNano()); err != nil {
			return fmt.Errorf("upsert entry tombstone: %w", err)
		}
	}

	upsertList := `
		INSERT INTO custom_lists (user_id, list_id, doc, deleted, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, list_id) DO UPDATE SET
			doc = excluded.doc,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at
	`
	for _, l := range snap.Lists {
		l.ItemCount = 0
		doc, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("encode list: %w", err)
		}
		if _, err := tx.ExecContext(ctx, upsertList, userID, l.ID, string(doc), false, l.UpdatedAt.UnixNano()); err != nil {
			return fmt.Errorf("upsert custom list: %w", err)
		}
	}
	for _, t := range snap.RemovedLists {
		if _, err := tx.ExecContext(ctx, upsertList, userID, t.Key, "", true, t.RemovedAt.UnixNano()); err != nil {
			return fmt.Errorf("upsert list tombstone: %w", err)
		}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO library_prefs (user_id, selected_list, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			selected_list = excluded.selected_list,
			updated_at = excluded.updated_at
	`, userID, snap.SelectedList, now.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert library prefs: %w", err)
	}
	return nil
}
