package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DeviceRepository handles device registry operations
type DeviceRepository struct {
	db *sql.DB
}

// NewDeviceRepository creates a new device repository
func NewDeviceRepository(db *sql.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// UpsertDevice records a device, refreshing its description and last-seen
// time when it is already known.
func (r *DeviceRepository) UpsertDevice(ctx context.Context, device *Device) error {
	query := `
		INSERT INTO devices (unique_id, version, asic, asic_count, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (unique_id) DO UPDATE
		SET version = EXCLUDED.version, asic = EXCLUDED.asic,
		    asic_count = EXCLUDED.asic_count, last_seen = EXCLUDED.last_seen
		RETURNING first_seen, last_seen`

	now := time.Now().UTC()
	err := r.db.QueryRowContext(ctx, query,
		device.UniqueID, device.Version, device.Asic, device.AsicCount, now,
	).Scan(&device.FirstSeen, &device.LastSeen)

	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}
	return nil
}

// GetDevice retrieves a device by its unique id
func (r *DeviceRepository) GetDevice(ctx context.Context, uniqueID string) (*Device, error) {
	query := `
		SELECT unique_id, version, asic, asic_count, first_seen, last_seen
		FROM devices WHERE unique_id = $1`

	device := &Device{}
	err := r.db.QueryRowContext(ctx, query, uniqueID).Scan(
		&device.UniqueID, &device.Version, &device.Asic, &device.AsicCount,
		&device.FirstSeen, &device.LastSeen,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("device not found")
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	return device, nil
}

// ShareRepository handles share-related database operations
type ShareRepository struct {
	db *sql.DB
}

// NewShareRepository creates a new share repository
func NewShareRepository(db *sql.DB) *ShareRepository {
	return &ShareRepository{db: db}
}

// CreateShare creates a new share record
func (r *ShareRepository) CreateShare(ctx context.Context, share *Share) error {
	query := `
		INSERT INTO shares (device_id, job_id, nonce, version, ntime, hash, difficulty, is_valid, found_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		share.DeviceID, int64(share.JobID), int64(share.Nonce), int64(share.Version), int64(share.NTime),
		share.Hash, share.Difficulty, share.IsValid, share.FoundAt,
	).Scan(&share.ID)

	if err != nil {
		return fmt.Errorf("failed to create share: %w", err)
	}

	return nil
}

// GetSharesByDevice retrieves a device's most recent shares with pagination
func (r *ShareRepository) GetSharesByDevice(ctx context.Context, deviceID string, limit, offset int) ([]*Share, error) {
	query := `
		SELECT id, device_id, job_id, nonce, version, ntime, hash, difficulty, is_valid, found_at
		FROM shares
		WHERE device_id = $1
		ORDER BY found_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, deviceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query shares: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var shares []*Share
	for rows.Next() {
		var jobID, nonce, version, ntime int64
		share := &Share{}
		err := rows.Scan(
			&share.ID, &share.DeviceID, &jobID, &nonce, &version, &ntime,
			&share.Hash, &share.Difficulty, &share.IsValid, &share.FoundAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		share.JobID, share.Nonce = uint32(jobID), uint32(nonce)
		share.Version, share.NTime = uint32(version), uint32(ntime)
		shares = append(shares, share)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating shares: %w", err)
	}

	return shares, nil
}

// CountSharesByJob counts the shares a device reported for one job
func (r *ShareRepository) CountSharesByJob(ctx context.Context, deviceID string, jobID uint32) (int64, error) {
	query := `SELECT COUNT(*) FROM shares WHERE device_id = $1 AND job_id = $2`

	var n int64
	if err := r.db.QueryRowContext(ctx, query, deviceID, int64(jobID)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count shares: %w", err)
	}
	return n, nil
}
