package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var ErrDeviceNotFound = errors.New("device not found")

// LoadDeviceDefinitions returns every stored device, ordered by name. The
// enabled column overrides the definition's own active flag.
func (p *PostgresClient) LoadDeviceDefinitions(ctx context.Context) ([]DeviceRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, device_name, definition, enabled, created_at, updated_at
		FROM modbus_devices
		ORDER BY device_name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (DeviceRecord, error) {
		var r DeviceRecord
		err := row.Scan(&r.ID, &r.DeviceName, &r.Definition, &r.Enabled, &r.CreatedAt, &r.UpdatedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan devices: %w", err)
	}
	return records, nil
}

// GetDeviceDefinition loads a single stored device.
func (p *PostgresClient) GetDeviceDefinition(ctx context.Context, id uuid.UUID) (*DeviceRecord, error) {
	var r DeviceRecord
	err := p.pool.QueryRow(ctx, `
		SELECT id, device_name, definition, enabled, created_at, updated_at
		FROM modbus_devices
		WHERE id = $1
	`, id).Scan(&r.ID, &r.DeviceName, &r.Definition, &r.Enabled, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return &r, nil
}

// LoadSerialPorts returns the line settings keyed by interface name.
func (p *PostgresClient) LoadSerialPorts(ctx context.Context) ([]SerialPortRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT interface, baud, bits, parity, stop
		FROM serial_ports
		ORDER BY interface
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query serial ports: %w", err)
	}

	ports, err := pgx.CollectRows(rows, pgx.RowToStructByPos[SerialPortRecord])
	if err != nil {
		return nil, fmt.Errorf("failed to scan serial ports: %w", err)
	}
	return ports, nil
}
