// Package influx provides the InfluxDB client for device time series:
// temperature samples and Shares.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		client.Close()
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// Close flushes pending points and closes the connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}

	return nil
}

// Errors returns the channel of asynchronous write failures.
func (c *Client) Errors() <-chan error {
	return c.writeAPI.Errors()
}

// Device metrics

// SharePoint builds the point recorded for one Share.
func SharePoint(deviceID string, jobID uint32, difficulty float64, valid bool, at time.Time) *write.Point {
	tags := map[string]string{
		"device_id": deviceID,
		"valid":     fmt.Sprintf("%t", valid),
	}

	fields := map[string]interface{}{
		"job_id":     int64(jobID),
		"difficulty": difficulty,
		"count":      int64(1),
	}

	return write.NewPoint("shares", tags, fields, at)
}

// TemperaturePoint builds the point recorded for one temperature sample.
func TemperaturePoint(deviceID string, celsius int8, at time.Time) *write.Point {
	tags := map[string]string{
		"device_id": deviceID,
	}

	fields := map[string]interface{}{
		"celsius": int64(celsius),
	}

	return write.NewPoint("asic_temp", tags, fields, at)
}

// WriteShareMetric writes a Share metric
func (c *Client) WriteShareMetric(deviceID string, jobID uint32, difficulty float64, valid bool, at time.Time) {
	c.writeAPI.WritePoint(SharePoint(deviceID, jobID, difficulty, valid, at))
}

// WriteTemperatureMetric writes a temperature sample
func (c *Client) WriteTemperatureMetric(deviceID string, celsius int8, at time.Time) {
	c.writeAPI.WritePoint(TemperaturePoint(deviceID, celsius, at))
}

// Query methods

// GetTemperatureHistory retrieves a device's temperature averaged per minute
func (c *Client) GetTemperatureHistory(ctx context.Context, deviceID string, duration time.Duration) ([]TemperaturePointValue, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "asic_temp")
		|> filter(fn: (r) => r.device_id == "%s")
		|> filter(fn: (r) => r._field == "celsius")
		|> aggregateWindow(every: 1m, fn: mean, createEmpty: false)
	`, c.bucket, duration.String(), deviceID)

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query temperature history: %w", err)
	}
	defer func() { _ = result.Close() }()

	var points []TemperaturePointValue
	for result.Next() {
		record := result.Record()
		if value, ok := record.Value().(float64); ok {
			points = append(points, TemperaturePointValue{
				Time:    record.Time(),
				Celsius: value,
			})
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}

	return points, nil
}

// GetShareStats retrieves share counts for a device over a time period
func (c *Client) GetShareStats(ctx context.Context, deviceID string, duration time.Duration) (*ShareStats, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "shares")
		|> filter(fn: (r) => r.device_id == "%s")
		|> filter(fn: (r) => r._field == "count")
		|> group(columns: ["valid"])
		|> sum()
	`, c.bucket, duration.String(), deviceID)

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query share stats: %w", err)
	}
	defer func() { _ = result.Close() }()

	stats := &ShareStats{}
	for result.Next() {
		record := result.Record()
		if count, ok := record.Value().(int64); ok {
			if record.ValueByKey("valid") == "true" {
				stats.ValidShares = count
			} else {
				stats.InvalidShares = count
			}
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}

	stats.TotalShares = stats.ValidShares + stats.InvalidShares
	if stats.TotalShares > 0 {
		stats.ValidPercent = float64(stats.ValidShares) / float64(stats.TotalShares) * 100
	}

	return stats, nil
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// Data structures

// TemperaturePointValue is an averaged temperature at a point in time
type TemperaturePointValue struct {
	Time    time.Time `json:"time"`
	Celsius float64   `json:"celsius"`
}

// ShareStats represents aggregated share statistics
type ShareStats struct {
	TotalShares   int64   `json:"total_shares"`
	ValidShares   int64   `json:"valid_shares"`
	InvalidShares int64   `json:"invalid_shares"`
	ValidPercent  float64 `json:"valid_percent"`
}
