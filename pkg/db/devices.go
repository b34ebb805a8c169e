package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrDeviceRecordNotFound = errors.New("device record not found")

// DeviceRecord is the persisted form of a commissioned device, keyed by
// its protocol-assigned ID (the Green Power source ID, hex-encoded).
type DeviceRecord struct {
	ID           string
	ProfileID    int64
	Name         string
	Type         string
	Protocol     string
	Manufacturer string
	Model        string
	Exposes      []byte
	StateSchema  []byte
	State        []byte
	LastSeen     *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DeviceRecordStore provides device-cache CRUD operations, letting a
// controller's commissioned device set survive a process restart.
type DeviceRecordStore interface {
	Get(ctx context.Context, id string) (*DeviceRecord, error)
	ListByProfile(ctx context.Context, profileID int64) ([]*DeviceRecord, error)
	Upsert(ctx context.Context, d *DeviceRecord) error
	Delete(ctx context.Context, id string) error
}

// DeviceRecords returns a DeviceRecordStore for this database.
func (db *DB) DeviceRecords() DeviceRecordStore {
	return &deviceRecordStore{db: db}
}

type deviceRecordStore struct {
	db *DB
}

func scanDeviceRecord(row interface{ Scan(...any) error }) (*DeviceRecord, error) {
	d := &DeviceRecord{}
	var createdAt, updatedAt string
	var lastSeen sql.NullString
	err := row.Scan(&d.ID, &d.ProfileID, &d.Name, &d.Type, &d.Protocol, &d.Manufacturer, &d.Model,
		&d.Exposes, &d.StateSchema, &d.State, &lastSeen, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	d.CreatedAt, _ = time.Parse(time.DateTime, createdAt)
	d.UpdatedAt, _ = time.Parse(time.DateTime, updatedAt)
	if lastSeen.Valid {
		t, _ := time.Parse(time.DateTime, lastSeen.String)
		d.LastSeen = &t
	}
	return d, nil
}

func (s *deviceRecordStore) Get(ctx context.Context, id string) (*DeviceRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, profile_id, name, type, protocol, manufacturer, model, exposes, state_schema, state, last_seen, created_at, updated_at
		FROM devices WHERE id = ?
	`, id)
	d, err := scanDeviceRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrDeviceRecordNotFound
	}
	return d, err
}

func (s *deviceRecordStore) ListByProfile(ctx context.Context, profileID int64) ([]*DeviceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, profile_id, name, type, protocol, manufacturer, model, exposes, state_schema, state, last_seen, created_at, updated_at
		FROM devices WHERE profile_id = ? ORDER BY name
	`, profileID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*DeviceRecord
	for rows.Next() {
		d, err := scanDeviceRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *deviceRecordStore) Upsert(ctx context.Context, d *DeviceRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, profile_id, name, type, protocol, manufacturer, model, exposes, state_schema, state, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			protocol = excluded.protocol,
			manufacturer = excluded.manufacturer,
			model = excluded.model,
			exposes = excluded.exposes,
			state_schema = excluded.state_schema,
			state = excluded.state,
			last_seen = datetime('now'),
			updated_at = datetime('now')
	`, d.ID, d.ProfileID, d.Name, d.Type, d.Protocol, d.Manufacturer, d.Model, d.Exposes, d.StateSchema, d.State)
	if err != nil {
		return fmt.Errorf("failed to upsert device record: %w", err)
	}
	return nil
}

func (s *deviceRecordStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDeviceRecordNotFound
	}
	return nil
}
