package devices

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/clipberry/clipberry/internal/common"
	"github.com/clipberry/clipberry/internal/model"
)

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) AddOrUpdate(ctx context.Context, device *model.Device) error {

	capabilities, err := json.Marshal(device.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}

	query := `INSERT INTO devices
		(id, name, certificate_fingerprint, added_timestamp,
		 last_seen_timestamp, is_trusted, capabilities)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			certificate_fingerprint = excluded.certificate_fingerprint,
			last_seen_timestamp = excluded.last_seen_timestamp,
			is_trusted = excluded.is_trusted,
			capabilities = excluded.capabilities
	`
	_, err = r.db.ExecContext(ctx, query,
		device.ID, device.Name, device.Fingerprint, device.AddedTimestamp,
		nullableInt64(device.LastSeenTimestamp), boolToInt(device.Trusted),
		string(capabilities),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}

	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*model.Device, error) {

	query := `SELECT id, name, certificate_fingerprint, added_timestamp,
			last_seen_timestamp, is_trusted, capabilities
		FROM devices
		WHERE id = ?
	`
	row := r.db.QueryRowContext(ctx, query, id)

	device, err := scanDevice(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select device: %w", err)
	}

	return device, nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]model.Device, error) {

	query := `SELECT id, name, certificate_fingerprint, added_timestamp,
			last_seen_timestamp, is_trusted, capabilities
		FROM devices
		ORDER BY added_timestamp DESC
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to select devices: %w", err)
	}
	defer rows.Close()

	var result []model.Device
	for rows.Next() {
		device, err := scanDevice(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, *device)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *SQLiteRepository) UpdateLastSeen(ctx context.Context, id string, ts int64) error {
	// Best effort: zero rows affected (unknown device) is not an error.
	_, err := r.db.ExecContext(ctx,
		`UPDATE devices SET last_seen_timestamp = ? WHERE id = ?`, ts, id)
	if err != nil {
		return fmt.Errorf("failed to update last seen: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Revoke(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE devices SET is_trusted = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to revoke device: %w", err)
	}
	return nil
}

func scanDevice(scan func(dest ...any) error) (*model.Device, error) {
	var (
		device       model.Device
		lastSeen     sql.NullInt64
		trusted      int
		capabilities string
	)

	err := scan(&device.ID, &device.Name, &device.Fingerprint,
		&device.AddedTimestamp, &lastSeen, &trusted, &capabilities)
	if err != nil {
		return nil, err
	}

	device.LastSeenTimestamp = lastSeen.Int64
	device.Trusted = trusted != 0

	if err := json.Unmarshal([]byte(capabilities), &device.Capabilities); err != nil {
		return nil, fmt.Errorf("failed to unmarshal capabilities: %w", err)
	}

	return &device, nil
}

func nullableInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
