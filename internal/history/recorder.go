// Package history writes every entity state the bridge publishes to
// InfluxDB. Writes are batched and non-blocking; write failures are logged.
package history

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"contecbridge/internal/config"
	"contecbridge/internal/hass"
)

// Measurement is the InfluxDB measurement of entity states.
const Measurement = "contec_state"

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second
	millisecondsPerSecond = 1000
)

// Recorder writes state points to one bucket.
//
// Thread Safety: all methods are safe for concurrent use.
type Recorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   *zap.Logger

	mu        sync.RWMutex
	connected bool
	done      chan struct{}
}

// Connect pings InfluxDB and prepares the batched write API.
func Connect(cfg config.InfluxDBConfig, logger *zap.Logger) (*Recorder, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = config.DefaultBatchSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = config.DefaultFlushInterval
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*millisecondsPerSecond))

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	r := &Recorder{
		client:    client,
		writeAPI:  client.WriteAPI(cfg.Org, cfg.Bucket),
		logger:    logger.Named("history"),
		connected: true,
		done:      make(chan struct{}),
	}
	go r.logWriteErrors(r.writeAPI.Errors())

	r.logger.Info("Connected to InfluxDB",
		zap.String("url", cfg.URL),
		zap.String("bucket", cfg.Bucket))
	return r, nil
}

func (r *Recorder) logWriteErrors(errs <-chan error) {
	for {
		select {
		case err, ok := <-errs:
			if !ok {
				return
			}
			r.logger.Warn("Failed to write state history", zap.Error(err))
		case <-r.done:
			return
		}
	}
}

// Observe records one state write; it has the hass.StateObserver signature.
func (r *Recorder) Observe(e hass.Entity, s hass.State) {
	if !r.IsConnected() {
		return
	}
	r.writeAPI.WritePoint(NewPoint(e, s, time.Now()))
}

// NewPoint builds the contec_state point of a state.
func NewPoint(e hass.Entity, s hass.State, ts time.Time) *write.Point {
	tags := map[string]string{
		"unique_id": e.UniqueID(),
		"domain":    string(e.Domain()),
	}
	if unit, _, ok := strings.Cut(e.UniqueID(), "-"); ok {
		if _, err := strconv.Atoi(unit); err == nil {
			tags["unit_id"] = unit
		}
	}

	return write.NewPoint(Measurement, tags, map[string]any{
		"state": s.Value,
		"value": numericValue(s),
	}, ts)
}

// numericValue is the cover position, or 1/0 for on/off states.
func numericValue(s hass.State) float64 {
	if s.Position != nil {
		return float64(*s.Position)
	}
	if s.Value == hass.StateOn {
		return 1
	}
	return 0
}

// IsConnected reports whether Close has not been called.
func (r *Recorder) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

// HealthCheck pings InfluxDB.
func (r *Recorder) HealthCheck(ctx context.Context) error {
	if !r.IsConnected() {
		return ErrNotConnected
	}

	checkCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	healthy, err := r.client.Ping(checkCtx)
	if err != nil {
		return fmt.Errorf("influxdb health check failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("influxdb health check failed: server not healthy")
	}
	return nil
}

// Flush sends buffered points.
func (r *Recorder) Flush() {
	if !r.IsConnected() {
		return
	}
	r.writeAPI.Flush()
}

// Close flushes pending points and closes the client. Safe to call twice.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		return nil
	}
	r.connected = false
	r.mu.Unlock()

	r.writeAPI.Flush()
	r.client.Close()
	close(r.done)
	return nil
}
