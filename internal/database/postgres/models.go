package postgres

import (
	"time"
)

// Device is one registered hasher.
type Device struct {
	UniqueID  string    `db:"unique_id"`
	Version   string    `db:"version"`
	Asic      string    `db:"asic"`
	AsicCount int       `db:"asic_count"`
	FirstSeen time.Time `db:"first_seen"`
	LastSeen  time.Time `db:"last_seen"`
}

// Share is a Share reported by a device, as relayed by the bridge.
type Share struct {
	ID         int64     `db:"id"`
	DeviceID   string    `db:"device_id"`
	JobID      uint32    `db:"job_id"`
	Nonce      uint32    `db:"nonce"`
	Version    uint32    `db:"version"`
	NTime      uint32    `db:"ntime"`
	Hash       string    `db:"hash"`
	Difficulty float64   `db:"difficulty"`
	IsValid    bool      `db:"is_valid"`
	FoundAt    time.Time `db:"found_at"`
}
