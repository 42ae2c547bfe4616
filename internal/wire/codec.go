package wire

import (
	"fmt"
	"math"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bardlex/nebula/pkg/errors"
)

// Codec encodes and decodes one payload type. Payloads use the protobuf
// wire format: zero scalars are omitted, unknown fields are skipped.
type Codec[T any] struct {
	Encode func(T) []byte
	Decode func([]byte) (T, error)
}

func decodeError(op string, err error) error {
	return errors.Wrap(err, errors.ErrorTypeDecode, op, "malformed payload")
}

// walk visits every field of an encoded message. field returns the number
// of bytes it consumed, or 0 to skip the field.
func walk(op string, b []byte, field func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return decodeError(op, protowire.ParseError(n))
		}
		b = b[n:]

		m, err := field(num, typ, b)
		if err != nil {
			return decodeError(op, fmt.Errorf("field %d: %w", num, err))
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return decodeError(op, protowire.ParseError(m))
			}
		}
		b = b[m:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte, max uint64) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("wire type %d, want varint", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	if v > max {
		return 0, 0, fmt.Errorf("value %d out of range", v)
	}
	return v, n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("wire type %d, want bytes", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeHash(typ protowire.Type, b []byte, dst *[32]byte) (int, error) {
	v, n, err := consumeBytes(typ, b)
	if err != nil {
		return 0, err
	}
	if len(v) != len(dst) {
		return 0, fmt.Errorf("hash is %d bytes, want 32", len(v))
	}
	copy(dst[:], v)
	return n, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// EmptyCodec encodes the unit payload as zero bytes.
var EmptyCodec = Codec[Empty]{
	Encode: func(Empty) []byte { return nil },
	Decode: func(b []byte) (Empty, error) {
		return Empty{}, walk("decode_empty", b, func(protowire.Number, protowire.Type, []byte) (int, error) {
			return 0, nil
		})
	},
}

// scalar builds a codec for a single varint field 1.
func scalar[T any](op string, max uint64, to func(T) uint64, from func(uint64) T) Codec[T] {
	return Codec[T]{
		Encode: func(v T) []byte { return appendVarint(nil, 1, to(v)) },
		Decode: func(b []byte) (T, error) {
			var raw uint64
			err := walk(op, b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if num != 1 {
					return 0, nil
				}
				v, n, err := consumeVarint(typ, b, max)
				raw = v
				return n, err
			})
			return from(raw), err
		},
	}
}

var (
	// Uint64Codec carries the device unique id.
	Uint64Codec = scalar("decode_u64", math.MaxUint64,
		func(v uint64) uint64 { return v },
		func(v uint64) uint64 { return v })

	// Int8Codec carries a signed temperature, zigzag encoded.
	Int8Codec = scalar("decode_i8", math.MaxUint8,
		func(v int8) uint64 { return protowire.EncodeZigZag(int64(v)) },
		func(v uint64) int8 { return int8(protowire.DecodeZigZag(v)) })

	SleepMillisCodec = scalar("decode_sleep_millis", math.MaxUint16,
		func(v SleepMillis) uint64 { return uint64(v.Millis) },
		func(v uint64) SleepMillis { return SleepMillis{Millis: uint16(v)} })

	SleptMillisCodec = scalar("decode_slept_millis", math.MaxUint16,
		func(v SleptMillis) uint64 { return uint64(v.Millis) },
		func(v uint64) SleptMillis { return SleptMillis{Millis: uint16(v)} })

	LedStateCodec = scalar("decode_led_state", uint64(LedOn),
		func(v LedState) uint64 { return uint64(v) },
		func(v uint64) LedState { return LedState(v) })
)

// StringCodec carries UTF-8 text in field 1.
var StringCodec = Codec[string]{
	Encode: func(s string) []byte { return appendBytes(nil, 1, []byte(s)) },
	Decode: func(b []byte) (string, error) {
		var s string
		err := walk("decode_string", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num != 1 {
				return 0, nil
			}
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			if !utf8.Valid(v) {
				return 0, fmt.Errorf("invalid utf-8")
			}
			s = string(v)
			return n, nil
		})
		return s, err
	},
}

func encodeChain(c Chain) []byte {
	b := appendVarint(nil, 1, uint64(c.Asic))
	return appendVarint(b, 2, uint64(c.Count))
}

func decodeChain(b []byte) (Chain, error) {
	var c Chain
	err := walk("decode_chain", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b, math.MaxUint8)
			c.Asic = Asic(v)
			return n, err
		case 2:
			v, n, err := consumeVarint(typ, b, math.MaxUint8)
			c.Count = uint8(v)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return c, err
	}
	if err := c.Validate(); err != nil {
		return c, decodeError("decode_chain", err)
	}
	return c, nil
}

// InfoCodec: 1 version, 2 chain{1 asic, 2 count}.
var InfoCodec = Codec[Info]{
	Encode: func(i Info) []byte {
		b := appendBytes(nil, 1, []byte(i.Version))
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		return protowire.AppendBytes(b, encodeChain(i.Chain))
	},
	Decode: func(b []byte) (Info, error) {
		var info Info
		var chain []byte
		err := walk("decode_info", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				v, n, err := consumeBytes(typ, b)
				info.Version = string(v)
				return n, err
			case 2:
				v, n, err := consumeBytes(typ, b)
				chain = v
				return n, err
			}
			return 0, nil
		})
		if err != nil {
			return info, err
		}
		info.Chain, err = decodeChain(chain)
		return info, err
	},
}

// JobCodec: 1 id, 2 version, 3 prev block hash, 4 merkle root, 5 ntime, 6 nbits.
var JobCodec = Codec[Job]{
	Encode: func(j Job) []byte {
		b := appendVarint(nil, 1, uint64(j.ID))
		b = appendVarint(b, 2, uint64(j.Version))
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, j.PrevBlockHash[:])
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, j.MerkleRoot[:])
		b = appendVarint(b, 5, uint64(j.NTime))
		return appendVarint(b, 6, uint64(j.NBits))
	},
	Decode: func(b []byte) (Job, error) {
		var j Job
		err := walk("decode_job", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			var dst *uint32
			switch num {
			case 1:
				dst = &j.ID
			case 2:
				dst = &j.Version
			case 3:
				return consumeHash(typ, b, &j.PrevBlockHash)
			case 4:
				return consumeHash(typ, b, &j.MerkleRoot)
			case 5:
				dst = &j.NTime
			case 6:
				dst = &j.NBits
			default:
				return 0, nil
			}
			v, n, err := consumeVarint(typ, b, math.MaxUint32)
			*dst = uint32(v)
			return n, err
		})
		return j, err
	},
}

// ShareCodec: 1 job id, 2 rolled version, 3 rolled ntime, 4 nonce. The
// optional fields are written whenever present, zero included.
var ShareCodec = Codec[Share]{
	Encode: func(s Share) []byte {
		b := appendVarint(nil, 1, uint64(s.JobID))
		if s.RolledVersion != nil {
			b = protowire.AppendTag(b, 2, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(*s.RolledVersion))
		}
		if s.RolledNTime != nil {
			b = protowire.AppendTag(b, 3, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(*s.RolledNTime))
		}
		return appendVarint(b, 4, uint64(s.Nonce))
	},
	Decode: func(b []byte) (Share, error) {
		var s Share
		err := walk("decode_share", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num < 1 || num > 4 {
				return 0, nil
			}
			v, n, err := consumeVarint(typ, b, math.MaxUint32)
			if err != nil {
				return 0, err
			}
			u := uint32(v)
			switch num {
			case 1:
				s.JobID = u
			case 2:
				s.RolledVersion = &u
			case 3:
				s.RolledNTime = &u
			case 4:
				s.Nonce = u
			}
			return n, nil
		})
		return s, err
	},
}

// WireErrorCodec: 1 kind, 2 message.
var WireErrorCodec = Codec[WireError]{
	Encode: func(e WireError) []byte {
		b := appendVarint(nil, 1, uint64(e.Kind))
		return appendBytes(b, 2, []byte(e.Message))
	},
	Decode: func(b []byte) (WireError, error) {
		var e WireError
		err := walk("decode_error", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				v, n, err := consumeVarint(typ, b, math.MaxUint8)
				e.Kind = ErrorKind(v)
				return n, err
			case 2:
				v, n, err := consumeBytes(typ, b)
				e.Message = string(v)
				return n, err
			}
			return 0, nil
		})
		return e, err
	},
}
