package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/vinayprograms/proximitykit/bus"
	perrors "github.com/vinayprograms/proximitykit/errors"
)

// DefaultRecordSubject is where the NATS transport sends records.
const DefaultRecordSubject = "telemetry.records"

// NATSConfig configures the request/reply transport.
type NATSConfig struct {
	// Subject the collector listens on. Default: telemetry.records.
	Subject string

	// Timeout bounds a single request. Default: 5s.
	Timeout time.Duration
}

// NATSTransport sends each record as a bus request and reads the status
// from the collector's reply.
type NATSTransport struct {
	bus     bus.MessageBus
	subject string
	timeout time.Duration
}

// collectorReply is the reply body a collector sends back. A reply without
// a status is treated as 200.
type collectorReply struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// NewNATSTransport creates a transport over b.
func NewNATSTransport(b bus.MessageBus, cfg NATSConfig) (*NATSTransport, error) {
	if b == nil {
		return nil, perrors.InvalidConfig("nats transport requires a bus")
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultRecordSubject
	}
	if err := bus.ValidateSubject(cfg.Subject); err != nil {
		return nil, perrors.InvalidConfig("invalid record subject", perrors.WithCause(err))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &NATSTransport{bus: b, subject: cfg.Subject, timeout: cfg.Timeout}, nil
}

// Send implements Transport.
func (t *NATSTransport) Send(ctx context.Context, rec Record) (*Response, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, perrors.WrapWithCode(err, perrors.ErrCodeInvalidInput, "encode record")
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	msg, err := t.bus.Request(ctx, t.subject, data)
	if err != nil {
		if errors.Is(err, bus.ErrTimeout) {
			return nil, perrors.New(perrors.ErrCodeTimeout, "collector did not reply", perrors.WithCause(err))
		}
		return nil, perrors.TransportFailed(err)
	}

	var reply collectorReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return &Response{StatusCode: 200}, nil
	}
	if reply.Status == 0 {
		reply.Status = 200
	}
	return &Response{StatusCode: reply.Status, Body: reply.Body}, nil
}

// Close is a no-op; the bus is owned by the caller.
func (t *NATSTransport) Close() error { return nil }
