package messaging

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/bardlex/nebula/internal/wire"
)

// JobMessage is a unit of work addressed to one device. Hashes are hex in
// header byte order.
type JobMessage struct {
	DeviceID      string    `json:"device_id,omitempty"`
	JobID         uint32    `json:"job_id"`
	Version       uint32    `json:"version"`
	PrevBlockHash string    `json:"prev_block_hash"`
	MerkleRoot    string    `json:"merkle_root"`
	NTime         uint32    `json:"ntime"`
	NBits         uint32    `json:"nbits"`
	CreatedAt     time.Time `json:"created_at"`
}

// ShareMessage is a Share reported by a device, enriched by the bridge.
type ShareMessage struct {
	DeviceID   string    `json:"device_id"`
	JobID      uint32    `json:"job_id"`
	Nonce      uint32    `json:"nonce"`
	Version    uint32    `json:"version"`
	NTime      uint32    `json:"ntime"`
	Rolled     bool      `json:"rolled"`
	Hash       string    `json:"hash"`
	Difficulty float64   `json:"difficulty"`
	IsValid    bool      `json:"is_valid"`
	FoundAt    time.Time `json:"found_at"`
}

// TelemetryMessage is one temperature sample.
type TelemetryMessage struct {
	DeviceID  string    `json:"device_id"`
	Celsius   int8      `json:"celsius"`
	SampledAt time.Time `json:"sampled_at"`
}

// Job converts the message into the wire Job sent to the device.
func (m JobMessage) Job() (wire.Job, error) {
	job := wire.Job{
		ID:      m.JobID,
		Version: m.Version,
		NTime:   m.NTime,
		NBits:   m.NBits,
	}
	if err := decodeHash(m.PrevBlockHash, &job.PrevBlockHash); err != nil {
		return wire.Job{}, fmt.Errorf("prev_block_hash: %w", err)
	}
	if err := decodeHash(m.MerkleRoot, &job.MerkleRoot); err != nil {
		return wire.Job{}, fmt.Errorf("merkle_root: %w", err)
	}
	return job, nil
}

// NewJobMessage is the inverse of JobMessage.Job.
func NewJobMessage(deviceID string, job wire.Job) JobMessage {
	return JobMessage{
		DeviceID:      deviceID,
		JobID:         job.ID,
		Version:       job.Version,
		PrevBlockHash: hex.EncodeToString(job.PrevBlockHash[:]),
		MerkleRoot:    hex.EncodeToString(job.MerkleRoot[:]),
		NTime:         job.NTime,
		NBits:         job.NBits,
		CreatedAt:     time.Now().UTC(),
	}
}

func decodeHash(s string, dst *[32]byte) error {
	if s == "" {
		return nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return fmt.Errorf("expected %d bytes, got %d", len(dst), len(b))
	}
	copy(dst[:], b)
	return nil
}
