package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Producer is satisfied by client.KafkaProducer.
type Producer interface {
	ProduceMessage(ctx context.Context, key, value []byte, headers map[string]string) error
}

// KafkaSink publishes every event, keyed by account so one account's
// events stay ordered.
type KafkaSink struct {
	producer Producer
}

func NewKafkaSink(producer Producer) *KafkaSink {
	return &KafkaSink{producer: producer}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	key := event.AccountID
	if key == "" {
		key = event.Email
	}
	return s.producer.ProduceMessage(ctx, []byte(key), value, map[string]string{
		"event_type": event.Type,
		"role":       event.Role,
	})
}

// ClickHouseConn is satisfied by client.ClickHouseClient.
type ClickHouseConn interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, rows [][]interface{}) error
}

// ClickHouseSink buffers events and batch inserts them on Flush or when
// the buffer fills up.
type ClickHouseSink struct {
	conn  ClickHouseConn
	table string
	size  int

	mu     sync.Mutex
	buffer []Event
}

func NewClickHouseSink(conn ClickHouseConn, table string, size int) *ClickHouseSink {
	if size <= 0 {
		size = 500
	}
	return &ClickHouseSink{conn: conn, table: table, size: size}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

// EnsureTable creates the audit table when it is missing.
func (s *ClickHouseSink) EnsureTable(ctx context.Context) error {
	return s.conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id          String,
			type        LowCardinality(String),
			outcome     LowCardinality(String),
			role        LowCardinality(String),
			account_id  String,
			email       String,
			reason      String,
			ip          String,
			user_agent  String,
			attempts    UInt16,
			bucket      UInt16,
			date_bucket Date,
			occurred_at DateTime64(3, 'UTC')
		) ENGINE = MergeTree
		PARTITION BY date_bucket
		ORDER BY (bucket, occurred_at)`, s.table))
}

func (s *ClickHouseSink) Write(ctx context.Context, event Event) error {
	s.mu.Lock()
	s.buffer = append(s.buffer, event)
	full := len(s.buffer) >= s.size
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Pending is the number of buffered events.
func (s *ClickHouseSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

func (s *ClickHouseSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	rows := make([][]interface{}, 0, len(batch))
	for _, e := range batch {
		rows = append(rows, []interface{}{
			e.ID, e.Type, e.Outcome, e.Role, e.AccountID, e.Email, e.Reason,
			e.IP, e.UserAgent, uint16(e.Attempts), uint16(e.Bucket), e.OccurredAt, e.OccurredAt,
		})
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, type, outcome, role, account_id, email, reason,
		ip, user_agent, attempts, bucket, date_bucket, occurred_at)`, s.table)
	if err := s.conn.BatchInsert(ctx, query, rows); err != nil {
		s.requeue(batch)
		return fmt.Errorf("failed to insert %d audit events: %w", len(batch), err)
	}
	return nil
}

// requeue puts a failed batch back in front, keeping at most four
// buffers worth of events.
func (s *ClickHouseSink) requeue(batch []Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := append(batch, s.buffer...)
	if limit := s.size * 4; len(merged) > limit {
		merged = merged[len(merged)-limit:]
	}
	s.buffer = merged
}

// Indexer is satisfied by client.ESClient.
type Indexer interface {
	Index(name string) string
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// ElasticsearchSink indexes failures and lockouts into a monthly
// security-events index.
type ElasticsearchSink struct {
	indexer Indexer
}

func NewElasticsearchSink(indexer Indexer) *ElasticsearchSink {
	return &ElasticsearchSink{indexer: indexer}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Write(ctx context.Context, event Event) error {
	if !event.Security() {
		return nil
	}
	index := s.indexer.Index("security-events-" + strings.ReplaceAll(event.OccurredAt.Format("2006-01"), "-", "."))
	return s.indexer.IndexDocument(ctx, index, event.ID, event)
}
