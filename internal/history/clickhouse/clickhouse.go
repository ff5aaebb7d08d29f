package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/guardian/internal/history"
)

// Options selects the server and destination table.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(o Options) (*Sink, error) {
	if o.Database == "" {
		o.Database = "default"
	}
	if o.Username == "" {
		o.Username = "default"
	}
	if o.Table == "" {
		o.Table = "guardian_events"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{o.Addr},
		Auth: clickhouse.Auth{
			Database: o.Database,
			Username: o.Username,
			Password: o.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	return &Sink{conn: conn, table: o.Table}, nil
}

// EnsureTable creates the destination table when missing.
func (s *Sink) EnsureTable(ctx context.Context) error {
	return s.conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		id String,
		occurred_at DateTime64(6),
		type String,
		process String,
		severity String,
		pid Int64,
		message String
	) ENGINE = MergeTree() ORDER BY occurred_at`)
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (id, occurred_at, type, process, severity, pid, message) VALUES (?, ?, ?, ?, ?, ?, ?)`, s.table)
	err := s.conn.Exec(ctx, query,
		e.ID,
		e.OccurredAt,
		string(e.Type),
		e.Process,
		string(e.Severity),
		int64(e.PID),
		e.Message,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}
