package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	perrors "github.com/vinayprograms/proximitykit/errors"
)

// Response is the collector's answer to one record.
type Response struct {
	StatusCode int
	Body       json.RawMessage
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Err converts a non-2xx response into a TRANSPORT_REJECTED error.
func (r *Response) Err() error {
	if r == nil {
		return perrors.New(perrors.ErrCodeTransportFailed, "empty collector response")
	}
	if r.OK() {
		return nil
	}
	return perrors.TransportRejected(r.StatusCode)
}

// Transport delivers a single record. A returned error means the collector
// could not be reached; any answer, including a rejection, is a Response.
type Transport interface {
	Send(ctx context.Context, rec Record) (*Response, error)
	Close() error
}

// Transport kinds accepted by NewTransport.
const (
	TransportHTTP     = "http"
	TransportNATS     = "nats"
	TransportInflux   = "influx"
	TransportPostgres = "postgres"
	TransportFile     = "file"
	TransportNoop     = "noop"
)

// NewTransport creates a transport from configuration. The NATS transport
// needs a bus and is built with NewNATSTransport instead.
func NewTransport(ctx context.Context, cfg TransportConfig) (Transport, error) {
	switch cfg.Kind {
	case TransportHTTP:
		return NewHTTPTransport(cfg.HTTP)
	case TransportInflux:
		return NewInfluxTransport(ctx, cfg.Influx)
	case TransportPostgres:
		return NewPostgresTransport(ctx, cfg.Postgres)
	case TransportFile:
		return NewFileTransport(cfg.File)
	case TransportNoop, "":
		return NewNoopTransport(), nil
	case TransportNATS:
		return nil, perrors.InvalidConfig("nats transport requires a bus")
	default:
		return nil, perrors.InvalidConfig(fmt.Sprintf("unknown transport: %s", cfg.Kind))
	}
}

// TransportConfig selects and configures one transport.
type TransportConfig struct {
	Kind     string
	HTTP     HTTPConfig
	NATS     NATSConfig
	Influx   InfluxConfig
	Postgres PostgresConfig
	File     FileConfig
}

// --- Noop Transport ---

// NoopTransport accepts and discards every record.
type NoopTransport struct{}

// NewNoopTransport creates a new noop transport.
func NewNoopTransport() *NoopTransport {
	return &NoopTransport{}
}

func (t *NoopTransport) Send(context.Context, Record) (*Response, error) {
	return &Response{StatusCode: 204}, nil
}

func (t *NoopTransport) Close() error { return nil }
