// Package influxx writes task activity and nightly performance points to
// InfluxDB.
package influxx

import (
	"context"
	"errors"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"field-service-dispatch-system/shared/config"
)

var errNotInitialized = errors.New("influx client not initialized")

type Client struct {
	client influxdb2.Client
	writer api.WriteAPIBlocking
	bucket string
}

func New(cfg config.Config) (*Client, error) {
	if cfg.InfluxURL == "" || cfg.InfluxToken == "" || cfg.InfluxOrg == "" || cfg.InfluxBucket == "" {
		return nil, errors.New("INFLUX_URL/INFLUX_TOKEN/INFLUX_ORG/INFLUX_BUCKET are required")
	}
	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(timeoutSeconds(cfg.InfluxTimeoutMS)).
		SetApplicationName(cfg.ServiceName).
		AddDefaultTag("service", cfg.ServiceName)
	client := influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken, opts)
	return &Client{
		client: client,
		writer: client.WriteAPIBlocking(cfg.InfluxOrg, cfg.InfluxBucket),
		bucket: cfg.InfluxBucket,
	}, nil
}

// WritePoints writes the batch in one blocking request.
func (c *Client) WritePoints(ctx context.Context, points ...*write.Point) error {
	if c == nil || c.writer == nil {
		return errNotInitialized
	}
	if len(points) == 0 {
		return nil
	}
	if err := c.writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("influx write to %s: %w", c.bucket, err)
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errNotInitialized
	}
	ok, err := c.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("influx not ready")
	}
	return nil
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Close()
}

// timeoutSeconds rounds up, the client option is whole seconds.
func timeoutSeconds(ms int) uint {
	if ms <= 0 {
		return 5
	}
	return uint((ms + 999) / 1000)
}
