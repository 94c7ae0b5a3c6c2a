// Package snapshot loads and publishes the offline, pre-curated record list.
//
// A snapshot is a JSON array of compliance records kept in a blob store: a
// local file, an S3 object or (with the gcp build tag) a GCS object. Every
// element is validated on load; invalid elements are skipped.
package snapshot

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/record"
)

//go:embed record.schema.json
var recordSchema string

const schemaURL = "https://certwatch.schemas.local/compliance-record.schema.json"

// ErrNotFound is returned when the snapshot object does not exist.
var ErrNotFound = errors.New("snapshot not found")

// Store reads and writes the raw snapshot document.
type Store interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	// Location identifies the object in logs.
	Location() string
}

// LoadReport describes one load.
type LoadReport struct {
	Total   int
	Skipped int
	Errors  []string
}

// Snapshot validates and (de)serialises records over a Store.
type Snapshot struct {
	store  Store
	schema *jsonschema.Schema
	logger *slog.Logger
}

// New wraps store. It fails only if the embedded schema does not compile.
func New(store Store) (*Snapshot, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(recordSchema)); err != nil {
		return nil, fmt.Errorf("snapshot schema load failed: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("snapshot schema compile failed: %w", err)
	}
	return &Snapshot{
		store:  store,
		schema: schema,
		logger: slog.Default().With("component", "snapshot"),
	}, nil
}

// Open selects a store by URL: file://path or a bare path, s3://bucket/key,
// gs://bucket/object.
func Open(ctx context.Context, rawURL string) (*Snapshot, error) {
	store, err := openStore(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return New(store)
}

func openStore(ctx context.Context, rawURL string) (Store, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, errors.New("snapshot location is empty")
	}
	if !strings.Contains(rawURL, "://") {
		return NewFileStore(rawURL), nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid snapshot url %q: %w", rawURL, err)
	}
	key := strings.TrimPrefix(u.Path, "/")
	switch u.Scheme {
	case "file":
		return NewFileStore(u.Host + u.Path), nil
	case "s3":
		if u.Host == "" || key == "" {
			return nil, fmt.Errorf("s3 snapshot url needs bucket and key: %q", rawURL)
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   u.Host,
			Key:      key,
			Region:   u.Query().Get("region"),
			Endpoint: u.Query().Get("endpoint"),
		})
	case "gs":
		if u.Host == "" || key == "" {
			return nil, fmt.Errorf("gs snapshot url needs bucket and object: %q", rawURL)
		}
		return newGCSStore(ctx, u.Host, key)
	default:
		return nil, fmt.Errorf("unsupported snapshot scheme: %s", u.Scheme)
	}
}

// Location returns the underlying store location.
func (s *Snapshot) Location() string { return s.store.Location() }

// LoadSnapshot returns every valid record of the snapshot.
func (s *Snapshot) LoadSnapshot(ctx context.Context) ([]record.ComplianceRecord, error) {
	recs, _, err := s.Load(ctx)
	return recs, err
}

// Load is LoadSnapshot with a report of skipped elements.
func (s *Snapshot) Load(ctx context.Context) ([]record.ComplianceRecord, LoadReport, error) {
	var report LoadReport
	data, err := s.store.Read(ctx)
	if err != nil {
		return nil, report, err
	}
	recs, report, err := s.Decode(data)
	if err != nil {
		return nil, report, fmt.Errorf("snapshot %s: %w", s.store.Location(), err)
	}
	if report.Skipped > 0 {
		s.logger.WarnContext(ctx, "skipped invalid snapshot records",
			"location", s.store.Location(),
			"skipped", report.Skipped,
			"total", report.Total,
		)
	}
	return recs, report, nil
}

// Decode parses a JSON array, dropping elements that fail validation or
// decoding. Only a malformed array is an error.
func (s *Snapshot) Decode(data []byte) ([]record.ComplianceRecord, LoadReport, error) {
	var report LoadReport
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, report, fmt.Errorf("decode record array: %w", err)
	}
	report.Total = len(raw)

	out := make([]record.ComplianceRecord, 0, len(raw))
	for i, elem := range raw {
		if err := s.validate(elem); err != nil {
			report.Skipped++
			report.Errors = append(report.Errors, fmt.Sprintf("record %d: %v", i, err))
			continue
		}
		var r record.ComplianceRecord
		if err := json.Unmarshal(elem, &r); err != nil {
			report.Skipped++
			report.Errors = append(report.Errors, fmt.Sprintf("record %d: %v", i, err))
			continue
		}
		out = append(out, r)
	}
	return out, report, nil
}

func (s *Snapshot) validate(elem json.RawMessage) error {
	var v any
	if err := json.Unmarshal(elem, &v); err != nil {
		return err
	}
	return s.schema.Validate(v)
}

// Publish writes records as the new snapshot.
func (s *Snapshot) Publish(ctx context.Context, records []record.ComplianceRecord) error {
	data, err := Encode(records)
	if err != nil {
		return err
	}
	if err := s.store.Write(ctx, data); err != nil {
		return fmt.Errorf("publish snapshot %s: %w", s.store.Location(), err)
	}
	s.logger.InfoContext(ctx, "snapshot published", "location", s.store.Location(), "records", len(records))
	return nil
}

// Encode renders records as an indented JSON array. A nil slice encodes as [].
func Encode(records []record.ComplianceRecord) ([]byte, error) {
	if records == nil {
		records = []record.ComplianceRecord{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return nil, fmt.Errorf("encode records: %w", err)
	}
	return buf.Bytes(), nil
}
