package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/vinayprograms/escrowkit/ledger"
)

// AuditExporter records committed events outside the ledger.
type AuditExporter interface {
	// Export records one committed event.
	Export(ctx context.Context, ev ledger.Event)
	// LogEvent records an operational event with the given name and data.
	LogEvent(name string, data map[string]interface{})
	// Flush sends any buffered data.
	Flush() error
	// Close closes the exporter.
	Close() error
}

// AuditRecord is one line of the audit trail.
type AuditRecord struct {
	Name      string                 `json:"name"`
	Timestamp time.Time              `json:"timestamp"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Event     *ledger.Event          `json:"event,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

func eventRecord(ctx context.Context, ev ledger.Event) AuditRecord {
	return AuditRecord{
		Name:      string(ev.Type),
		Timestamp: ev.OccurredAt,
		TraceID:   TraceID(ctx),
		Event:     &ev,
	}
}

func dataRecord(name string, data map[string]interface{}) AuditRecord {
	return AuditRecord{
		Name:      name,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// NewAuditExporter creates an exporter by kind: "file" appends to the path
// in target, "http" posts batches to the URL in target, "noop" or ""
// discards.
func NewAuditExporter(kind, target string) (AuditExporter, error) {
	switch kind {
	case "http":
		if target == "" {
			return nil, fmt.Errorf("http audit exporter requires an endpoint")
		}
		return NewHTTPExporter(target), nil
	case "file":
		fe, err := NewFileExporter(target)
		if err != nil {
			return nil, err
		}
		return fe, nil
	case "noop", "":
		return NewNoopExporter(), nil
	default:
		return nil, fmt.Errorf("unknown audit exporter: %s", kind)
	}
}

// --- HTTP Exporter ---

// DefaultBatchSize is how many records the HTTP exporter buffers before
// posting.
const DefaultBatchSize = 100

// HTTPExporter posts batches of audit records as a JSON array.
type HTTPExporter struct {
	endpoint  string
	client    *http.Client
	batchSize int

	mu      sync.Mutex
	buffer  []AuditRecord
	lastErr error
}

// NewHTTPExporter creates a new HTTP exporter.
func NewHTTPExporter(endpoint string) *HTTPExporter {
	return &HTTPExporter{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		batchSize: DefaultBatchSize,
		buffer:    make([]AuditRecord, 0, DefaultBatchSize),
	}
}

// WithBatchSize sets the flush threshold.
func (e *HTTPExporter) WithBatchSize(n int) *HTTPExporter {
	if n > 0 {
		e.batchSize = n
	}
	return e
}

// Export buffers an event record.
func (e *HTTPExporter) Export(ctx context.Context, ev ledger.Event) {
	e.add(eventRecord(ctx, ev))
}

// LogEvent buffers an operational record.
func (e *HTTPExporter) LogEvent(name string, data map[string]interface{}) {
	e.add(dataRecord(name, data))
}

func (e *HTTPExporter) add(r AuditRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buffer = append(e.buffer, r)
	if len(e.buffer) >= e.batchSize {
		e.lastErr = e.flush()
	}
}

// LastError returns the error from the most recent automatic flush.
func (e *HTTPExporter) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Flush posts buffered records. Records stay buffered if the post fails.
func (e *HTTPExporter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flush()
}

func (e *HTTPExporter) flush() error {
	if len(e.buffer) == 0 {
		return nil
	}

	data, err := json.Marshal(e.buffer)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("audit endpoint returned %d", resp.StatusCode)
	}

	e.buffer = e.buffer[:0]
	return nil
}

// Close flushes remaining records.
func (e *HTTPExporter) Close() error {
	return e.Flush()
}

// --- File Exporter ---

// FileExporter appends audit records to a file as JSON lines.
type FileExporter struct {
	file    *os.File
	mu      sync.Mutex
	lastErr error
}

// NewFileExporter opens path for appending.
func NewFileExporter(path string) (*FileExporter, error) {
	if path == "" {
		return nil, fmt.Errorf("file audit exporter requires a path")
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	return &FileExporter{file: file}, nil
}

// Export appends an event record.
func (e *FileExporter) Export(ctx context.Context, ev ledger.Event) {
	e.write(eventRecord(ctx, ev))
}

// LogEvent appends an operational record.
func (e *FileExporter) LogEvent(name string, data map[string]interface{}) {
	e.write(dataRecord(name, data))
}

func (e *FileExporter) write(r AuditRecord) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.file.Write(data); err != nil {
		e.lastErr = err
	}
}

// Flush syncs the file to disk. It reports the last failed write since the
// previous Flush, if any.
func (e *FileExporter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.lastErr
	e.lastErr = nil
	if syncErr := e.file.Sync(); err == nil {
		err = syncErr
	}
	return err
}

// Close syncs and closes the file.
func (e *FileExporter) Close() error {
	flushErr := e.Flush()
	if err := e.file.Close(); err != nil {
		return err
	}
	return flushErr
}

// --- Noop Exporter ---

// NoopExporter discards all records.
type NoopExporter struct{}

// NewNoopExporter creates a new noop exporter.
func NewNoopExporter() *NoopExporter {
	return &NoopExporter{}
}

func (e *NoopExporter) Export(context.Context, ledger.Event)    {}
func (e *NoopExporter) LogEvent(string, map[string]interface{}) {}
func (e *NoopExporter) Flush() error                            { return nil }
func (e *NoopExporter) Close() error                            { return nil }
