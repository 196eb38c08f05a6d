package telemetry

import (
	"context"
	"errors"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxhttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	perrors "github.com/vinayprograms/proximitykit/errors"
)

// InfluxMeasurement is the measurement name records are written under.
const InfluxMeasurement = "proximity"

// InfluxConfig configures the InfluxDB transport.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string

	// SkipHealthCheck avoids the startup round trip.
	SkipHealthCheck bool
}

// pointWriter is the part of the blocking write API the transport uses.
type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxTransport writes each record as a point, tagged by the device pair.
type InfluxTransport struct {
	client influxdb2.Client
	writer pointWriter
	now    func() time.Time
}

// NewInfluxTransport connects to InfluxDB and checks its health.
func NewInfluxTransport(ctx context.Context, cfg InfluxConfig) (*InfluxTransport, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, perrors.InvalidConfig("influx transport requires url, org and bucket")
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	if !cfg.SkipHealthCheck {
		health, err := client.Health(ctx)
		if err != nil {
			client.Close()
			return nil, perrors.TransportFailed(err, perrors.WithMetadata("url", cfg.URL))
		}
		if health.Status != "pass" {
			client.Close()
			msg := "influx health check failed"
			if health.Message != nil {
				msg += ": " + *health.Message
			}
			return nil, perrors.New(perrors.ErrCodeTransportFailed, msg)
		}
	}

	return &InfluxTransport{
		client: client,
		writer: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		now:    time.Now,
	}, nil
}

// newInfluxTransportWithWriter is used by tests.
func newInfluxTransportWithWriter(w pointWriter, now func() time.Time) *InfluxTransport {
	return &InfluxTransport{writer: w, now: now}
}

// Point converts a record to an Influx point.
func Point(rec Record, at time.Time) *write.Point {
	return influxdb2.NewPoint(
		InfluxMeasurement,
		map[string]string{
			"device_id":        rec.DeviceID,
			"nearby_device_id": rec.NearbyDeviceID,
		},
		map[string]interface{}{
			"distance":   rec.Distance,
			"heart_rate": rec.HeartRate,
		},
		at,
	)
}

// Send implements Transport. Server-side rejections come back as a Response
// carrying the HTTP status InfluxDB answered with.
func (t *InfluxTransport) Send(ctx context.Context, rec Record) (*Response, error) {
	err := t.writer.WritePoint(ctx, Point(rec, t.now()))
	if err == nil {
		return &Response{StatusCode: 204}, nil
	}

	var httpErr *influxhttp.Error
	if errors.As(err, &httpErr) && httpErr.StatusCode > 0 {
		return &Response{StatusCode: httpErr.StatusCode}, nil
	}
	return nil, perrors.TransportFailed(err)
}

// Close closes the client.
func (t *InfluxTransport) Close() error {
	if t.client != nil {
		t.client.Close()
	}
	return nil
}
