package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"devlink/internal/device"
)

// DeviceRepo stores device descriptors. Rows keep an explicit position so
// the registry's display order survives restarts.
type DeviceRepo struct {
	db *sql.DB
}

func NewDeviceRepo(db *sql.DB) *DeviceRepo {
	return &DeviceRepo{db: db}
}

func (r *DeviceRepo) Upsert(ctx context.Context, d device.Descriptor, position int) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices(id, host, label, auth_secret, transport, position, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			host = excluded.host,
			label = excluded.label,
			auth_secret = excluded.auth_secret,
			transport = excluded.transport,
			position = excluded.position
	`, d.ID, d.Host, nullableString(d.Label), nullableString(d.AuthSecret), d.Transport, position, toUnixMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

func (r *DeviceRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	return nil
}

func (r *DeviceRepo) List(ctx context.Context) ([]device.Descriptor, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, host, label, auth_secret, transport
		FROM devices
		ORDER BY position ASC, created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []device.Descriptor
	for rows.Next() {
		var (
			d      device.Descriptor
			label  sql.NullString
			secret sql.NullString
		)
		if err := rows.Scan(&d.ID, &d.Host, &label, &secret, &d.Transport); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		if label.Valid {
			d.Label = label.String
		}
		if secret.Valid {
			d.AuthSecret = secret.String
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return out, nil
}
