package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/petervdpas/goopcall/internal/proto"
)

// InsertSignal appends a signaling row and returns it with Seq assigned.
// A row whose id is already stored is not written again: the stored row is
// returned with created=false.
func (d *DB) InsertSignal(ctx context.Context, m proto.SignalMessage) (proto.SignalMessage, bool, error) {
	data := m.Data
	if len(data) == 0 {
		data = proto.EmptyData
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.db.QueryRowContext(ctx, d.rebind(`
		INSERT INTO signal_messages (id, call_id, sender_id, signal_type, signal_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
		RETURNING seq`),
		m.ID, m.CallID, m.SenderID, string(m.Type), string(data), toMillis(m.CreatedAt),
	).Scan(&m.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		existing, err := d.getSignal(ctx, m.ID)
		return existing, false, err
	}
	if err != nil {
		return proto.SignalMessage{}, false, err
	}
	m.Data = data
	return m, true, nil
}

func (d *DB) getSignal(ctx context.Context, id string) (proto.SignalMessage, error) {
	row := d.db.QueryRowContext(ctx, d.rebind(`
		SELECT seq, id, call_id, sender_id, signal_type, signal_data, created_at
		FROM signal_messages WHERE id = ?`), id)
	m, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return proto.SignalMessage{}, ErrNotFound
	}
	return m, err
}

func scanSignal(r rowScanner) (proto.SignalMessage, error) {
	var (
		m       proto.SignalMessage
		typ     string
		data    string
		created int64
	)
	if err := r.Scan(&m.Seq, &m.ID, &m.CallID, &m.SenderID, &typ, &data, &created); err != nil {
		return proto.SignalMessage{}, err
	}
	m.Type = proto.SignalType(typ)
	m.Data = json.RawMessage(data)
	m.CreatedAt = fromMillis(created)
	return m, nil
}

// ListSignals returns every signaling row for callID in creation order.
func (d *DB) ListSignals(ctx context.Context, callID string) ([]proto.SignalMessage, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.QueryContext(ctx, d.rebind(`
		SELECT seq, id, call_id, sender_id, signal_type, signal_data, created_at
		FROM signal_messages WHERE call_id = ? ORDER BY seq`), callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []proto.SignalMessage
	for rows.Next() {
		m, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
