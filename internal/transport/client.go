package transport

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/bardlex/nebula/internal/wire"
	"github.com/bardlex/nebula/pkg/errors"
	"github.com/bardlex/nebula/pkg/log"
	"github.com/bardlex/nebula/pkg/retry"
)

// ClientConfig configures the host end of a link.
type ClientConfig struct {
	// RequestTimeout bounds a Call when ctx has no earlier deadline.
	RequestTimeout time.Duration
	WriteTimeout   time.Duration
	// SubscriberBuffer is the queue depth of each subscription.
	SubscriberBuffer int
}

// Client is the host end of a link. Calls are correlated by sequence number:
// a sequence number is never reused while its request awaits a reply.
type Client struct {
	conn   net.Conn
	cfg    ClientConfig
	logger *log.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextSeq uint32
	pending map[uint32]chan wire.Frame
	subs    map[wire.Key]map[int]chan wire.Frame
	nextSub int
	err     error

	done chan struct{}
}

// Dial connects to a device, retrying transient failures.
func Dial(ctx context.Context, addr string, cfg ClientConfig, logger *log.Logger) (*Client, error) {
	var d net.Dialer
	conn, err := retry.DoWithResult(ctx, retry.DeviceConfig(), func() (net.Conn, error) {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "dial", "device unreachable").
				WithContext("addr", addr)
		}
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return NewClient(conn, cfg, logger), nil
}

// NewClient starts reading replies and topic messages from conn.
func NewClient(conn net.Conn, cfg ClientConfig, logger *log.Logger) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 64
	}
	c := &Client{
		conn:    conn,
		cfg:     cfg,
		logger:  logger.WithComponent("client"),
		nextSeq: 1,
		pending: make(map[uint32]chan wire.Frame),
		subs:    make(map[wire.Key]map[int]chan wire.Frame),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Close tears down the link. Pending calls fail.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

// Done is closed once the link is down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the link went down.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// allocate reserves a sequence number that no pending call holds.
func (c *Client) allocate(track bool) (uint32, chan wire.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return 0, nil, c.err
	}
	for {
		seq := c.nextSeq
		c.nextSeq++
		if c.nextSeq == 0 {
			c.nextSeq = 1
		}
		if _, busy := c.pending[seq]; busy {
			continue
		}
		if !track {
			return seq, nil, nil
		}
		ch := make(chan wire.Frame, 1)
		c.pending[seq] = ch
		return seq, ch, nil
	}
}

func (c *Client) release(seq uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, seq)
}

func (c *Client) write(f wire.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			return errors.Wrap(err, errors.ErrorTypeNetwork, "write", "failed to set write deadline")
		}
	}
	if err := WriteFrame(c.conn, f); err != nil {
		return err
	}
	c.logger.LogFrame("sent", uint64(f.Key), f.Seq, len(f.Body))
	return nil
}

// Call sends a request and waits for its reply. Error replies are returned as
// errors of the matching type.
func Call[Req, Resp any](ctx context.Context, c *Client, ep wire.Endpoint[Req, Resp], req Req) (Resp, error) {
	var zero Resp

	seq, ch, err := c.allocate(true)
	if err != nil {
		return zero, err
	}
	defer c.release(seq)

	if err := c.write(ep.RequestFrame(seq, req)); err != nil {
		return zero, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	select {
	case f := <-ch:
		return ep.DecodeResponse(f)
	case <-c.done:
		return zero, c.Err()
	case <-ctx.Done():
		return zero, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "call", "no reply from device").
			WithContext("path", ep.Path).
			WithContext("seq", seq)
	}
}

// Trigger sends a request without waiting for a reply, for endpoints that
// never answer.
func Trigger[Req, Resp any](c *Client, ep wire.Endpoint[Req, Resp], req Req) (uint32, error) {
	seq, _, err := c.allocate(false)
	if err != nil {
		return 0, err
	}
	return seq, c.write(ep.RequestFrame(seq, req))
}

// Publish sends a host-to-device topic message. The returned sequence number
// tags any error the device reports for it.
func Publish[M any](c *Client, t wire.Topic[M], msg M) (uint32, error) {
	if t.Direction != wire.ToDevice {
		return 0, errors.New(errors.ErrorTypeValidation, "publish", "topic is not host-to-device").
			WithContext("path", t.Path)
	}
	seq, _, err := c.allocate(false)
	if err != nil {
		return 0, err
	}
	return seq, c.write(t.Frame(seq, msg))
}

// Subscription is an open subscription to one topic. Messages arriving
// while nobody calls Next queue up to SubscriberBuffer, then drop.
type Subscription[M any] struct {
	c      *Client
	t      wire.Topic[M]
	ch     <-chan wire.Frame
	cancel func()
}

// Listen subscribes to topic t. The subscription is active when Listen
// returns.
func Listen[M any](c *Client, t wire.Topic[M]) *Subscription[M] {
	ch, cancel := c.subscribe(t.Key)
	return &Subscription[M]{c: c, t: t, ch: ch, cancel: cancel}
}

// Next waits for the next decodable message.
func (s *Subscription[M]) Next(ctx context.Context) (uint32, M, error) {
	var zero M
	for {
		select {
		case <-ctx.Done():
			return 0, zero, ctx.Err()
		case <-s.c.done:
			return 0, zero, s.c.Err()
		case f := <-s.ch:
			msg, err := s.t.Decode(f)
			if err != nil {
				s.c.logger.WithError(err).Warn("dropping undecodable topic message", "path", s.t.Path)
				continue
			}
			return f.Seq, msg, nil
		}
	}
}

// Close ends the subscription.
func (s *Subscription[M]) Close() {
	s.cancel()
}

// Subscribe delivers every message on topic t to handle until ctx ends or the
// link goes down. The error topic delivers error replies that matched no
// pending call.
func Subscribe[M any](ctx context.Context, c *Client, t wire.Topic[M], handle func(seq uint32, msg M)) error {
	sub := Listen(c, t)
	defer sub.Close()

	for {
		seq, msg, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		handle(seq, msg)
	}
}

func (c *Client) subscribe(key wire.Key) (<-chan wire.Frame, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan wire.Frame, c.cfg.SubscriberBuffer)
	if c.subs[key] == nil {
		c.subs[key] = make(map[int]chan wire.Frame)
	}
	c.subs[key][id] = ch

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs[key], id)
	}
}

func (c *Client) readLoop() {
	reader := bufio.NewReader(c.conn)
	var err error
	defer func() { c.shutdown(err) }()

	for {
		var f wire.Frame
		f, err = ReadFrame(reader)
		if err != nil {
			if errors.IsType(err, errors.ErrorTypeDecode) {
				c.logger.WithError(err).Warn("dropping undecodable frame")
				continue
			}
			return
		}
		c.logger.LogFrame("received", uint64(f.Key), f.Seq, len(f.Body))
		c.route(f)
	}
}

// route hands a reply to its pending call, or a topic message to subscribers.
func (c *Client) route(f wire.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, known := wire.Lookup(f.Key)
	isReply := known && (entry.Kind == wire.KindEndpoint || f.Key == wire.ErrorTopic.Key)
	if isReply {
		if ch, ok := c.pending[f.Seq]; ok {
			delete(c.pending, f.Seq)
			ch <- f
			return
		}
		if entry.Kind == wire.KindEndpoint {
			c.logger.Debug("late reply dropped", "path", entry.Path, "seq", f.Seq)
			return
		}
	}

	subs := c.subs[f.Key]
	if len(subs) == 0 {
		c.logger.Debug("no subscriber", "key", uint64(f.Key), "seq", f.Seq)
		return
	}
	for _, ch := range subs {
		select {
		case ch <- f:
		default:
			c.logger.Warn("subscriber queue full, message dropped", "key", uint64(f.Key))
		}
	}
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	if err == nil {
		err = errors.New(errors.ErrorTypeNetwork, "read", "link closed")
	} else {
		err = errors.Wrap(err, errors.ErrorTypeNetwork, "read", "link closed")
	}
	c.err = err
	c.pending = make(map[uint32]chan wire.Frame)
	c.mu.Unlock()

	close(c.done)
}
