// Package metrics streams per-iteration ADMM progress to InfluxDB, using the
// same influxdb-client-go/v2 batched-WriteAPI idiom the pack's smart-grid
// consumer uses for its own point writers. It is optional: cmd/scuc only
// constructs a Sink when SCUC_INFLUX_URL is set.
package metrics

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// IterationPoint is one ADMM iteration's progress, in the shape
// internal/admm.Coordinator.Run already tracks per iteration.
type IterationPoint struct {
	RunID     string
	Zone      int
	Iteration int
	Objective float64
	Infeas    float64
	Rho       float64
	Mode      string
	Timestamp time.Time
}

// Sink writes iteration points to InfluxDB.
type Sink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	org      string
	bucket   string
}

// NewSink connects to url with token and verifies connectivity, mirroring
// the pack's own connect-then-health-check construction order.
func NewSink(url, token, org, bucket string) (*Sink, error) {
	client := influxdb2.NewClient(url, token)
	if _, err := client.Health(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("metrics: connect to influxdb: %w", err)
	}
	return &Sink{
		client:   client,
		writeAPI: client.WriteAPI(org, bucket),
		org:      org,
		bucket:   bucket,
	}, nil
}

// WriteIteration enqueues one point on the batched write API; InfluxDB
// client buffers and flushes these asynchronously, so this call never blocks
// on a network round trip.
func (s *Sink) WriteIteration(p IterationPoint) {
	point := write.NewPoint(
		"admm_iteration",
		map[string]string{
			"run_id": p.RunID,
			"zone":   fmt.Sprintf("%d", p.Zone),
			"mode":   p.Mode,
		},
		map[string]interface{}{
			"iteration":     p.Iteration,
			"objective":     p.Objective,
			"infeasibility": p.Infeas,
			"rho":           p.Rho,
		},
		p.Timestamp,
	)
	s.writeAPI.WritePoint(point)
}

// Flush blocks until every buffered point has been written, for callers that
// need delivery guaranteed before exiting (cmd/scuc's shutdown path).
func (s *Sink) Flush() {
	s.writeAPI.Flush()
}

// Errors exposes the write API's async error channel, so a caller can log
// delivery failures the way the write API itself never surfaces them
// synchronously.
func (s *Sink) Errors() <-chan error {
	return s.writeAPI.Errors()
}

// Close flushes and releases the underlying client.
func (s *Sink) Close() {
	s.client.Close()
}
