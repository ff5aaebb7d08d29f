// Package influxdb records events as points in an InfluxDB v2 bucket, so
// restarts and crashes can be graphed next to host metrics.
package influxdb

import (
	"context"
	"errors"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/loykin/guardian/internal/history"
)

const measurement = "guardian_events"

// Options selects the server and bucket.
type Options struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Sink writes one point per event with the blocking write API.
type Sink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

func New(o Options) (*Sink, error) {
	if o.URL == "" {
		return nil, errors.New("empty InfluxDB URL")
	}
	if o.Org == "" || o.Bucket == "" {
		return nil, errors.New("InfluxDB sink requires org and bucket")
	}
	client := influxdb2.NewClient(o.URL, o.Token)
	return &Sink{client: client, writeAPI: client.WriteAPIBlocking(o.Org, o.Bucket)}, nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	p := influxdb2.NewPoint(measurement,
		map[string]string{
			"type":     string(e.Type),
			"process":  e.Process,
			"severity": string(e.Severity),
		},
		map[string]interface{}{
			"id":      e.ID,
			"message": e.Message,
			"pid":     int64(e.PID),
		},
		e.OccurredAt,
	)
	if err := s.writeAPI.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("influxdb write: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.client != nil {
		s.client.Close()
	}
	return nil
}
