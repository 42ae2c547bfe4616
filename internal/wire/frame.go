package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bardlex/nebula/pkg/errors"
)

// Header addresses a frame: Key selects the catalog row, Seq correlates a
// response with its request.
type Header struct {
	Key Key
	Seq uint32
}

// Frame is one message on the link.
type Frame struct {
	Header
	Body []byte
}

// Marshal encodes the frame: 1 key (fixed64), 2 seq, 3 body.
func (f Frame) Marshal() []byte {
	b := make([]byte, 0, 16+len(f.Body))
	b = protowire.AppendTag(b, 1, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, uint64(f.Key))
	b = appendVarint(b, 2, uint64(f.Seq))
	return appendBytes(b, 3, f.Body)
}

// UnmarshalFrame decodes a frame. A frame without a key is malformed.
func UnmarshalFrame(b []byte) (Frame, error) {
	var f Frame
	var hasKey bool
	err := walk("decode_frame", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			if typ != protowire.Fixed64Type {
				return 0, fmt.Errorf("wire type %d, want fixed64", typ)
			}
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			f.Key = Key(v)
			hasKey = true
			return n, nil
		case 2:
			v, n, err := consumeVarint(typ, b, 1<<32-1)
			f.Seq = uint32(v)
			return n, err
		case 3:
			v, n, err := consumeBytes(typ, b)
			f.Body = v
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return f, err
	}
	if !hasKey {
		return f, errors.New(errors.ErrorTypeDecode, "decode_frame", "frame has no key")
	}
	return f, nil
}

// RequestFrame encodes a host request.
func (e Endpoint[Req, Resp]) RequestFrame(seq uint32, req Req) Frame {
	return Frame{Header: Header{Key: e.Key, Seq: seq}, Body: e.Request.Encode(req)}
}

// ResponseFrame encodes the device reply to the request with seq.
func (e Endpoint[Req, Resp]) ResponseFrame(seq uint32, resp Resp) Frame {
	return Frame{Header: Header{Key: e.Key, Seq: seq}, Body: e.Response.Encode(resp)}
}

// DecodeRequest decodes the body of a request frame.
func (e Endpoint[Req, Resp]) DecodeRequest(f Frame) (Req, error) {
	return e.Request.Decode(f.Body)
}

// DecodeResponse decodes a reply. An error reply is returned as the error it
// carries.
func (e Endpoint[Req, Resp]) DecodeResponse(f Frame) (Resp, error) {
	var zero Resp
	switch f.Key {
	case e.Key:
		return e.Response.Decode(f.Body)
	case ErrorTopic.Key:
		we, err := ErrorTopic.Message.Decode(f.Body)
		if err != nil {
			return zero, err
		}
		return zero, we.Err(e.Path)
	default:
		return zero, errors.New(errors.ErrorTypeDecode, "decode_response", "reply key does not match endpoint").
			WithContext("path", e.Path).
			WithContext("key", uint64(f.Key))
	}
}

// Frame encodes a topic message. Topic messages carry seq 0 unless they
// answer a request.
func (t Topic[T]) Frame(seq uint32, msg T) Frame {
	return Frame{Header: Header{Key: t.Key, Seq: seq}, Body: t.Message.Encode(msg)}
}

// Decode decodes a topic message frame.
func (t Topic[T]) Decode(f Frame) (T, error) {
	if f.Key != t.Key {
		var zero T
		return zero, errors.New(errors.ErrorTypeDecode, "decode_topic", "frame key does not match topic").
			WithContext("path", t.Path)
	}
	return t.Message.Decode(f.Body)
}

// ErrorFrame encodes err as an error reply correlated to seq.
func ErrorFrame(seq uint32, err error) Frame {
	return ErrorTopic.Frame(seq, NewWireError(err))
}
