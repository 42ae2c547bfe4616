package bridge

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/nebula/pkg/log"
)

// TopicHashBlock is the Bitcoin Core notification published for every new
// chain tip.
const TopicHashBlock = "hashblock"

// pollInterval bounds how long Listen blocks before rechecking its context.
const pollInterval = 250 * time.Millisecond

// ZMQNotifier receives Bitcoin Core ZMQ notifications
type ZMQNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewZMQNotifier creates a new ZMQ notifier
func NewZMQNotifier(endpoint string, logger *log.Logger) (*ZMQNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}
	if err := socket.SetRcvtimeo(pollInterval); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to set ZMQ receive timeout: %w", err)
	}

	return &ZMQNotifier{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("zmq"),
	}, nil
}

// Subscribe subscribes to a specific topic
func (z *ZMQNotifier) Subscribe(topic string) error {
	if err := z.socket.SetSubscribe(topic); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	z.logger.Info("subscribed to ZMQ topic", "topic", topic)
	return nil
}

// Connect connects to the ZMQ endpoint
func (z *ZMQNotifier) Connect() error {
	if err := z.socket.Connect(z.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", z.endpoint, err)
	}
	z.logger.Info("connected to ZMQ endpoint", "endpoint", z.endpoint)
	return nil
}

// Listen delivers messages to handler until ctx ends.
func (z *ZMQNotifier) Listen(ctx context.Context, handler func(topic string, data []byte) error) error {
	z.logger.Info("starting ZMQ listener")

	for {
		select {
		case <-ctx.Done():
			z.logger.Info("ZMQ listener stopping")
			return ctx.Err()
		default:
		}

		msg, err := z.socket.RecvMessageBytes(0)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
				continue
			}
			z.logger.WithError(err).Error("failed to receive ZMQ message")
			continue
		}

		if len(msg) < 2 {
			z.logger.Warn("received malformed ZMQ message", "parts", len(msg))
			continue
		}

		topic := string(msg[0])
		data := msg[1]

		z.logger.Debug("received ZMQ message", "topic", topic, "size", len(data))

		if err := handler(topic, data); err != nil {
			z.logger.WithError(err).Error("failed to handle ZMQ message", "topic", topic)
		}
	}
}

// Close closes the ZMQ socket
func (z *ZMQNotifier) Close() error {
	if z.socket != nil {
		return z.socket.Close()
	}
	return nil
}

// BlockHandler turns hashblock notifications into a callback.
type BlockHandler struct {
	logger     *log.Logger
	onNewBlock func(hash chainhash.Hash) error
}

// NewBlockHandler creates a handler calling onNewBlock for every new tip.
func NewBlockHandler(logger *log.Logger, onNewBlock func(hash chainhash.Hash) error) *BlockHandler {
	return &BlockHandler{logger: logger, onNewBlock: onNewBlock}
}

// HandleMessage handles a ZMQ message
func (h *BlockHandler) HandleMessage(topic string, data []byte) error {
	if topic != TopicHashBlock {
		h.logger.Debug("ignoring ZMQ topic", "topic", topic)
		return nil
	}

	// Bitcoin Core publishes the hash in display order.
	if len(data) != chainhash.HashSize {
		return fmt.Errorf("invalid block hash length: %d", len(data))
	}
	var hash chainhash.Hash
	for i := range data {
		hash[i] = data[len(data)-1-i]
	}

	h.logger.Info("new block notification", "hash", hash.String())
	if h.onNewBlock != nil {
		return h.onNewBlock(hash)
	}
	return nil
}
