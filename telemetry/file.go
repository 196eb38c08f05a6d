package telemetry

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	perrors "github.com/vinayprograms/proximitykit/errors"
)

// File formats.
const (
	FormatJSONL = "jsonl"
	FormatCSV   = "csv"
)

// FileConfig configures the file transport.
type FileConfig struct {
	// Path to append to; "-" writes to stdout.
	Path string

	// Format is jsonl (default) or csv.
	Format string
}

// FileTransport appends each record to a local file. The CSV form is
// timestamp,deviceId,nearbyDeviceId,distance,heartRate.
type FileTransport struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	format string
	csv    *csv.Writer
	now    func() time.Time
}

// NewFileTransport opens (or creates) the target file for appending.
func NewFileTransport(cfg FileConfig) (*FileTransport, error) {
	if cfg.Path == "" {
		return nil, perrors.InvalidConfig("file transport requires a path")
	}
	if cfg.Format == "" {
		cfg.Format = FormatJSONL
	}
	if cfg.Format != FormatJSONL && cfg.Format != FormatCSV {
		return nil, perrors.InvalidConfig("unknown file format: " + cfg.Format)
	}

	if cfg.Path == "-" {
		return newFileTransport(os.Stdout, nil, cfg.Format, time.Now), nil
	}

	file, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, perrors.InvalidConfig(fmt.Sprintf("open telemetry file %s", cfg.Path), perrors.WithCause(err))
	}
	return newFileTransport(file, file, cfg.Format, time.Now), nil
}

func newFileTransport(w io.Writer, c io.Closer, format string, now func() time.Time) *FileTransport {
	t := &FileTransport{w: w, closer: c, format: format, now: now}
	if format == FormatCSV {
		t.csv = csv.NewWriter(w)
	}
	return t
}

// Send implements Transport.
func (t *FileTransport) Send(ctx context.Context, rec Record) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var err error
	switch t.format {
	case FormatCSV:
		err = t.csv.Write([]string{
			t.now().UTC().Format(time.RFC3339Nano),
			rec.DeviceID,
			rec.NearbyDeviceID,
			strconv.FormatFloat(rec.Distance, 'f', 2, 64),
			strconv.Itoa(rec.HeartRate),
		})
		if err == nil {
			t.csv.Flush()
			err = t.csv.Error()
		}
	default:
		var data []byte
		data, err = json.Marshal(rec)
		if err == nil {
			_, err = t.w.Write(append(data, '\n'))
		}
	}
	if err != nil {
		return nil, perrors.TransportFailed(err)
	}
	return &Response{StatusCode: 200}, nil
}

// Close syncs and closes the file.
func (t *FileTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closer == nil {
		return nil
	}
	if f, ok := t.closer.(*os.File); ok {
		_ = f.Sync()
	}
	err := t.closer.Close()
	t.closer = nil
	return err
}
