// Package mining runs the device-local job lifecycle: it accepts Jobs, searches
// header variants for qualifying nonces, and publishes Shares and telemetry.
package mining

import (
	"bytes"
	"encoding/binary"
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
	simdsha "github.com/minio/sha256-simd"

	"github.com/bardlex/nebula/internal/wire"
	"github.com/bardlex/nebula/pkg/errors"
)

// Byte offsets of the rolled fields inside a serialized header.
const (
	HeaderSize   = btcwire.MaxBlockHeaderPayload
	versionField = 0
	ntimeField   = 68
	nonceField   = 76
)

var (
	// bufferPool provides reusable buffers for header serialization.
	bufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, HeaderSize))
		},
	}

	// bigFloatPool provides reusable big.Float instances for difficulty calculations.
	bigFloatPool = sync.Pool{
		New: func() any {
			return new(big.Float)
		},
	}

	// diff1Target is the difficulty 1 target (compact 0x1d00ffff).
	diff1Target = blockchain.CompactToBig(0x1d00ffff)
)

func getBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func putBuffer(buf *bytes.Buffer) {
	bufferPool.Put(buf)
}

func getBigFloat() *big.Float {
	bf := bigFloatPool.Get().(*big.Float)
	bf.SetFloat64(0)
	return bf
}

func putBigFloat(bf *big.Float) {
	bigFloatPool.Put(bf)
}

// Target is a 256-bit proof-of-work threshold in big-endian byte order.
type Target [32]byte

// TargetFromBits expands compact difficulty bits into a Target.
//
// Parameters:
//   - bits: The compact "nBits" encoding carried by the Job
//
// Returns:
//   - Target: The expanded threshold
//   - error: An invalid_job error when the bits encode a negative, zero or
//     oversized target
func TargetFromBits(bits uint32) (Target, error) {
	var t Target

	n := blockchain.CompactToBig(bits)
	if n.Sign() <= 0 {
		return t, errors.New(errors.ErrorTypeInvalidJob, "target_from_bits", "difficulty bits encode a non-positive target").
			WithContext("nbits", bits)
	}
	if n.BitLen() > 256 {
		return t, errors.New(errors.ErrorTypeInvalidJob, "target_from_bits", "difficulty bits overflow 256 bits").
			WithContext("nbits", bits)
	}

	n.FillBytes(t[:])
	return t, nil
}

// Difficulty returns the target's difficulty relative to difficulty 1.
func (t Target) Difficulty() float64 {
	n := new(big.Int).SetBytes(t[:])
	if n.Sign() == 0 {
		return 0
	}

	num := getBigFloat()
	defer putBigFloat(num)
	num.SetInt(diff1Target)

	den := getBigFloat()
	defer putBigFloat(den)
	den.SetInt(n)

	d, _ := num.Quo(num, den).Float64()
	return d
}

// HashDifficulty returns the difficulty a hash achieves, read as a target.
func HashDifficulty(hash chainhash.Hash) float64 {
	var t Target
	for i := 0; i < 32; i++ {
		t[i] = hash[31-i]
	}
	return t.Difficulty()
}

// HashMeetsTarget determines if a given hash satisfies the target. The hash is
// in chainhash (little-endian) order.
func HashMeetsTarget(hash chainhash.Hash, target Target) bool {
	for i := 0; i < 32; i++ {
		h := hash[31-i]
		if h < target[i] {
			return true
		}
		if h > target[i] {
			return false
		}
	}
	return true
}

// DoubleSHA256 hashes a serialized header twice.
func DoubleSHA256(b []byte) chainhash.Hash {
	first := simdsha.Sum256(b)
	return chainhash.Hash(simdsha.Sum256(first[:]))
}

// NewHeader builds the block header described by job with a zero nonce.
func NewHeader(job wire.Job) *btcwire.BlockHeader {
	return &btcwire.BlockHeader{
		Version:    int32(job.Version),
		PrevBlock:  chainhash.Hash(job.PrevBlockHash),
		MerkleRoot: chainhash.Hash(job.MerkleRoot),
		Timestamp:  time.Unix(int64(job.NTime), 0),
		Bits:       job.NBits,
	}
}

// SerializeHeader encodes header in its 80-byte consensus form.
func SerializeHeader(header *btcwire.BlockHeader) ([HeaderSize]byte, error) {
	var out [HeaderSize]byte

	buf := getBuffer()
	defer putBuffer(buf)

	if err := header.Serialize(buf); err != nil {
		return out, errors.Wrap(err, errors.ErrorTypeInternal, "serialize_header", "header serialization failed")
	}
	copy(out[:], buf.Bytes())
	return out, nil
}

// headerVariant patches the rolled fields of a serialized header in place.
func headerVariant(raw *[HeaderSize]byte, version, ntime uint32) {
	binary.LittleEndian.PutUint32(raw[versionField:], version)
	binary.LittleEndian.PutUint32(raw[ntimeField:], ntime)
}

// ShareHash recomputes the header hash a Share claims.
func ShareHash(job wire.Job, share wire.Share) (chainhash.Hash, error) {
	header := NewHeader(job)
	if share.RolledVersion != nil {
		header.Version = int32(*share.RolledVersion)
	}
	if share.RolledNTime != nil {
		header.Timestamp = time.Unix(int64(*share.RolledNTime), 0)
	}
	header.Nonce = share.Nonce

	raw, err := SerializeHeader(header)
	if err != nil {
		return chainhash.Hash{}, err
	}
	return DoubleSHA256(raw[:]), nil
}

// ValidateShare checks that share meets the target of job.
func ValidateShare(job wire.Job, share wire.Share) error {
	if share.JobID != job.ID {
		return errors.New(errors.ErrorTypeValidation, "validate_share", "share references another job").
			WithContext("job_id", job.ID).
			WithContext("share_job_id", share.JobID)
	}

	target, err := TargetFromBits(job.NBits)
	if err != nil {
		return err
	}
	hash, err := ShareHash(job, share)
	if err != nil {
		return err
	}
	if !HashMeetsTarget(hash, target) {
		return errors.New(errors.ErrorTypeValidation, "validate_share", "share does not meet target").
			WithContext("hash", hash.String())
	}
	return nil
}
