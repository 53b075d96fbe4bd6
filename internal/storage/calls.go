package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/petervdpas/goopcall/internal/proto"
)

const callColumns = `id, caller_id, receiver_id, status, created_at, accepted_at, ended_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(r rowScanner) (proto.CallSession, error) {
	var (
		c        proto.CallSession
		status   string
		created  int64
		accepted sql.NullInt64
		ended    sql.NullInt64
	)
	if err := r.Scan(&c.ID, &c.CallerID, &c.ReceiverID, &status, &created, &accepted, &ended); err != nil {
		return proto.CallSession{}, err
	}
	c.Status = proto.CallStatus(status)
	c.CreatedAt = fromMillis(created)
	c.AcceptedAt = timePtr(accepted)
	c.EndedAt = timePtr(ended)
	return c, nil
}

// InsertCall stores a new call record as given.
func (d *DB) InsertCall(ctx context.Context, c proto.CallSession) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, d.rebind(`
		INSERT INTO call_sessions (`+callColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.CallerID, c.ReceiverID, string(c.Status), toMillis(c.CreatedAt),
		nullMillis(c.AcceptedAt), nullMillis(c.EndedAt),
	)
	return err
}

// GetCall returns the call record with id, or ErrNotFound.
func (d *DB) GetCall(ctx context.Context, id string) (proto.CallSession, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.getCall(ctx, id)
}

func (d *DB) getCall(ctx context.Context, id string) (proto.CallSession, error) {
	c, err := scanCall(d.db.QueryRowContext(ctx, d.rebind(`SELECT `+callColumns+` FROM call_sessions WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return proto.CallSession{}, ErrNotFound
	}
	return c, err
}

// UpdateCallStatus writes status without any version check (last write
// wins). Entering a terminal status sets ended_at unless already set;
// any other status clears it.
func (d *DB) UpdateCallStatus(ctx context.Context, id string, status proto.CallStatus, now time.Time) (proto.CallSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var (
		res sql.Result
		err error
	)
	if status.IsTerminal() {
		res, err = d.db.ExecContext(ctx, d.rebind(`
			UPDATE call_sessions SET status = ?, ended_at = COALESCE(ended_at, ?) WHERE id = ?`),
			string(status), toMillis(now), id)
	} else {
		res, err = d.db.ExecContext(ctx, d.rebind(`
			UPDATE call_sessions SET status = ?, ended_at = NULL WHERE id = ?`),
			string(status), id)
	}
	if err != nil {
		return proto.CallSession{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return proto.CallSession{}, ErrNotFound
	}
	return d.getCall(ctx, id)
}

// MarkCallAccepted stamps accepted_at once; later calls keep the first stamp.
func (d *DB) MarkCallAccepted(ctx context.Context, id string, now time.Time) (proto.CallSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.ExecContext(ctx, d.rebind(`
		UPDATE call_sessions SET accepted_at = COALESCE(accepted_at, ?) WHERE id = ?`),
		toMillis(now), id)
	if err != nil {
		return proto.CallSession{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return proto.CallSession{}, ErrNotFound
	}
	return d.getCall(ctx, id)
}

// ListCallsFor returns the most recent calls where userID is either party.
func (d *DB) ListCallsFor(ctx context.Context, userID string, limit int) ([]proto.CallSession, error) {
	if limit <= 0 {
		limit = 50
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.QueryContext(ctx, d.rebind(`
		SELECT `+callColumns+` FROM call_sessions
		WHERE caller_id = ? OR receiver_id = ?
		ORDER BY created_at DESC LIMIT ?`), userID, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []proto.CallSession
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
