package storage

import (
	"context"
	"time"

	"github.com/petervdpas/goopcall/internal/proto"
)

// UpsertPresence stores or fully replaces the presence row for a user.
func (d *DB) UpsertPresence(ctx context.Context, p proto.PresenceRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, d.rebind(`
		INSERT INTO presence (user_id, is_online, last_seen, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			is_online  = excluded.is_online,
			last_seen  = excluded.last_seen,
			updated_at = excluded.updated_at`),
		p.UserID, boolInt(p.IsOnline), toMillis(p.LastSeen), toMillis(p.UpdatedAt),
	)
	return err
}

// ListPresence returns all presence rows.
func (d *DB) ListPresence(ctx context.Context) ([]proto.PresenceRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.QueryContext(ctx, `SELECT user_id, is_online, last_seen, updated_at FROM presence ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []proto.PresenceRecord
	for rows.Next() {
		var (
			p                 proto.PresenceRecord
			online            int
			lastSeen, updated int64
		)
		if err := rows.Scan(&p.UserID, &online, &lastSeen, &updated); err != nil {
			return nil, err
		}
		p.IsOnline = online != 0
		p.LastSeen = fromMillis(lastSeen)
		p.UpdatedAt = fromMillis(updated)
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkStalePresenceOffline flips online rows not refreshed since cutoff to
// offline and returns the rows it changed.
func (d *DB) MarkStalePresenceOffline(ctx context.Context, cutoff, now time.Time) ([]proto.PresenceRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, d.rebind(`
		SELECT user_id, last_seen FROM presence WHERE is_online = 1 AND updated_at < ?`), toMillis(cutoff))
	if err != nil {
		return nil, err
	}
	var stale []proto.PresenceRecord
	for rows.Next() {
		var (
			p        proto.PresenceRecord
			lastSeen int64
		)
		if err := rows.Scan(&p.UserID, &lastSeen); err != nil {
			rows.Close()
			return nil, err
		}
		p.LastSeen = fromMillis(lastSeen)
		p.UpdatedAt = now
		stale = append(stale, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, p := range stale {
		if _, err := tx.ExecContext(ctx, d.rebind(`
			UPDATE presence SET is_online = 0, updated_at = ? WHERE user_id = ?`),
			toMillis(now), p.UserID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stale, nil
}
