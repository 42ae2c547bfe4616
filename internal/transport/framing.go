// Package transport carries wire frames over a byte stream. Session is the
// device end of a link; Client is the host end and correlates replies with
// requests by sequence number.
package transport

import (
	"bufio"
	"encoding/binary"
	"io"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/bardlex/nebula/internal/wire"
	"github.com/bardlex/nebula/pkg/errors"
)

// MaxFrameSize bounds one encoded frame on the link.
const MaxFrameSize = 64 * 1024

// bufferPool reuses encode buffers for outbound frames.
var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 256)
		return &b
	},
}

// WriteFrame writes f with a uvarint length prefix in a single Write.
func WriteFrame(w io.Writer, f wire.Frame) error {
	body := f.Marshal()
	if len(body) > MaxFrameSize {
		return errors.New(errors.ErrorTypeValidation, "write_frame", "frame exceeds maximum size").
			WithContext("size", len(body))
	}

	bp := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bp)

	buf := protowire.AppendVarint((*bp)[:0], uint64(len(body)))
	buf = append(buf, body...)
	*bp = buf

	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "write_frame", "link write failed")
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. A frame whose contents do not
// decode yields a decode error and leaves the stream positioned at the next
// frame; any other error means the stream is unusable.
func ReadFrame(r *bufio.Reader) (wire.Frame, error) {
	// protowire only decodes whole buffers; the prefix is read off the stream.
	n, err := binary.ReadUvarint(r)
	if err != nil {
		if err == io.EOF {
			return wire.Frame{}, err
		}
		return wire.Frame{}, errors.Wrap(err, errors.ErrorTypeNetwork, "read_frame", "length prefix unreadable")
	}
	if n > MaxFrameSize {
		return wire.Frame{}, errors.New(errors.ErrorTypeNetwork, "read_frame", "frame exceeds maximum size").
			WithContext("size", n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return wire.Frame{}, errors.Wrap(err, errors.ErrorTypeNetwork, "read_frame", "truncated frame")
	}
	return wire.UnmarshalFrame(buf)
}
