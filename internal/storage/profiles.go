package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/petervdpas/goopcall/internal/proto"
)

// UpsertProfile stores or replaces a user's public profile.
func (d *DB) UpsertProfile(ctx context.Context, p proto.Profile) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, d.rebind(`
		INSERT INTO profiles (user_id, display_name, avatar_url)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = excluded.display_name,
			avatar_url   = excluded.avatar_url`),
		p.UserID, p.DisplayName, p.AvatarURL,
	)
	return err
}

// GetProfile returns the profile for userID, or ErrNotFound.
func (d *DB) GetProfile(ctx context.Context, userID string) (proto.Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var p proto.Profile
	err := d.db.QueryRowContext(ctx, d.rebind(`
		SELECT user_id, display_name, avatar_url FROM profiles WHERE user_id = ?`), userID).
		Scan(&p.UserID, &p.DisplayName, &p.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return proto.Profile{}, ErrNotFound
	}
	return p, err
}
