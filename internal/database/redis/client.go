// Package redis provides the Redis cache used by the device bridge: the
// device registry entry, the last temperature sample and share counters.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for the bridge
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient creates a new Redis client
func NewClient(cfg *Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func deviceKey(id string) string      { return fmt.Sprintf("device:%s", id) }
func temperatureKey(id string) string { return fmt.Sprintf("device:%s:temp", id) }
func sharesKey(id string) string      { return fmt.Sprintf("device:%s:shares", id) }

// Device registry

// DeviceInfo is the cached description of a device.
type DeviceInfo struct {
	UniqueID  string    `json:"unique_id"`
	Version   string    `json:"version"`
	Asic      string    `json:"asic"`
	AsicCount int       `json:"asic_count"`
	SeenAt    time.Time `json:"seen_at"`
}

// SetDeviceInfo stores a device description with expiration
func (c *Client) SetDeviceInfo(ctx context.Context, info DeviceInfo, expiration time.Duration) error {
	data, err := sonic.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal device info: %w", err)
	}

	if err := c.rdb.Set(ctx, deviceKey(info.UniqueID), data, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set device info: %w", err)
	}
	return nil
}

// GetDeviceInfo retrieves a device description
func (c *Client) GetDeviceInfo(ctx context.Context, uniqueID string) (*DeviceInfo, error) {
	data, err := c.rdb.Get(ctx, deviceKey(uniqueID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("device not found")
		}
		return nil, fmt.Errorf("failed to get device info: %w", err)
	}

	info := &DeviceInfo{}
	if err := sonic.Unmarshal(data, info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device info: %w", err)
	}
	return info, nil
}

// Telemetry

// SetTemperature records the latest sample and keeps a window of history
// scored by sample time.
func (c *Client) SetTemperature(ctx context.Context, uniqueID string, celsius int8, at time.Time, window time.Duration) error {
	key := temperatureKey(uniqueID)
	ts := at.Unix()

	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, deviceKey(uniqueID)+":last", "celsius", int64(celsius), "at", ts)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(ts), Member: fmt.Sprintf("%d:%d", ts, celsius)})
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(ts-int64(window.Seconds()), 10))
	pipe.Expire(ctx, key, window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set temperature: %w", err)
	}
	return nil
}

// GetTemperature returns the latest sample and when it was taken
func (c *Client) GetTemperature(ctx context.Context, uniqueID string) (int8, time.Time, error) {
	vals, err := c.rdb.HGetAll(ctx, deviceKey(uniqueID)+":last").Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to get temperature: %w", err)
	}
	if len(vals) == 0 {
		return 0, time.Time{}, fmt.Errorf("no temperature recorded")
	}

	celsius, err := strconv.ParseInt(vals["celsius"], 10, 8)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("bad temperature value: %w", err)
	}
	ts, err := strconv.ParseInt(vals["at"], 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("bad temperature time: %w", err)
	}
	return int8(celsius), time.Unix(ts, 0), nil
}

// Statistics and counters

// IncrementShares increments a device's share counter
func (c *Client) IncrementShares(ctx context.Context, uniqueID string, expiration time.Duration) (int64, error) {
	key := sharesKey(uniqueID)

	pipe := c.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiration)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	return incrCmd.Val(), nil
}

// GetShares retrieves a device's share counter
func (c *Client) GetShares(ctx context.Context, uniqueID string) (int64, error) {
	val, err := c.rdb.Get(ctx, sharesKey(uniqueID)).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	return val, nil
}
