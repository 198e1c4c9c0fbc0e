// Package history records entity state changes in InfluxDB.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"aqara-gateway-go/internal/engine"
	"aqara-gateway-go/internal/telemetry"
)

var (
	// ErrDisabled is returned by Connect when history is switched off.
	ErrDisabled = errors.New("history: disabled in configuration")
	// ErrConnectionFailed wraps a failed initial ping.
	ErrConnectionFailed = errors.New("history: connection failed")
)

const (
	measurement    = "entity_state"
	connectTimeout = 10 * time.Second
)

// Config holds InfluxDB connection settings.
type Config struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"` // seconds
}

// pointWriter is the subset of api.WriteAPI the sink uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Sink writes one point per state change through the non-blocking write API.
type Sink struct {
	client influxdb2.Client
	writer pointWriter
	logger *slog.Logger
	unsub  func()
	now    func() time.Time
}

// Connect pings the server and prepares a batched writer.
func Connect(cfg Config, logger *slog.Logger) (*Sink, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = 10
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flush)*1000))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	s := newSink(writeAPI, logger)
	s.client = client
	go func() {
		for err := range writeAPI.Errors() {
			s.logger.Warn("influx write failed", "err", err)
		}
	}()
	s.logger.Info("influx history enabled", "url", cfg.URL, "bucket", cfg.Bucket)
	return s, nil
}

func newSink(w pointWriter, logger *slog.Logger) *Sink {
	return &Sink{
		writer: w,
		logger: logger.With("component", "history"),
		now:    time.Now,
	}
}

// Attach subscribes the sink to state changes.
func (s *Sink) Attach(bus *engine.EventBus) {
	s.unsub = bus.On(engine.EventStateChanged, s.handleEvent)
}

// Close unsubscribes, flushes pending points and closes the client.
func (s *Sink) Close() {
	if s.unsub != nil {
		s.unsub()
	}
	s.writer.Flush()
	if s.client != nil {
		s.client.Close()
	}
}

func (s *Sink) handleEvent(event engine.Event) {
	snap, ok := event.Data.(telemetry.Snapshot)
	if !ok {
		return
	}
	if p := pointFor(snap, s.now()); p != nil {
		s.writer.WritePoint(p)
	}
}

// pointFor maps a snapshot to a point. Numeric and on/off states go to the
// value field, anything else to the state field. Unknown states are skipped.
func pointFor(snap telemetry.Snapshot, now time.Time) *write.Point {
	fields := make(map[string]any, 2)
	switch v := snap.State.(type) {
	case nil:
		return nil
	case string:
		switch v {
		case telemetry.StateUnknown:
			return nil
		case telemetry.StateOn:
			fields["value"] = 1.0
		case telemetry.StateOff:
			fields["value"] = 0.0
		default:
			fields["state"] = v
		}
	default:
		f, ok := telemetry.Batch{"v": v}.Float("v")
		if !ok {
			fields["state"] = fmt.Sprint(v)
			break
		}
		fields["value"] = f
	}

	ts := snap.Changed
	if ts.IsZero() {
		ts = now
	}
	return write.NewPoint(measurement,
		map[string]string{
			"device": snap.Device,
			"entity": snap.Entity,
			"kind":   snap.Kind,
		},
		fields, ts)
}
