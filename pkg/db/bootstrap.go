package db

import (
	"context"
	"fmt"
	"runtime"
)

// defaultSerialPort picks a plausible serial device per host OS; the
// operator is expected to override it via the profile once the real
// dongle path is known.
func defaultSerialPort() string {
	if runtime.GOOS == "darwin" {
		return "/dev/cu.SLAB_USBtoUART"
	}
	return "/dev/ttyUSB0"
}

// defaultCommissioningWindowSeconds is how long a GP commissioning
// session stays open when a profile doesn't override it.
const defaultCommissioningWindowSeconds = 180

// Bootstrap initializes the database with default data if it's empty.
// This is called after migrations and handles first-run setup.
func (db *DB) Bootstrap(ctx context.Context) error {
	// Check if any profiles exist
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM profiles`).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check profiles: %w", err)
	}

	if count > 0 {
		return nil // Already bootstrapped
	}

	// Create default profile
	result, err := db.ExecContext(ctx, `
		INSERT INTO profiles (name, serial_port, commissioning_window_seconds, is_active)
		VALUES (?, ?, ?, 1)
	`, "default", defaultSerialPort(), defaultCommissioningWindowSeconds)
	if err != nil {
		return fmt.Errorf("failed to create default profile: %w", err)
	}

	profileID, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get profile ID: %w", err)
	}

	// Create default API server config
	_, err = db.ExecContext(ctx, `
		INSERT INTO api_servers (profile_id, host, port)
		VALUES (?, '0.0.0.0', 8080)
	`, profileID)
	if err != nil {
		return fmt.Errorf("failed to create default API server: %w", err)
	}

	return nil
}

// NeedsBootstrap returns true if the database needs initial setup.
func (db *DB) NeedsBootstrap(ctx context.Context) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM profiles`).Scan(&count)
	if err != nil {
		return false, err
	}
	return count == 0, nil
}
