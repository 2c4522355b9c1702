package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/IBM/sarama"
	"github.com/ethereum/go-ethereum/log"
	_ "github.com/lib/pq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/84hero/launch-indexer/internal/webhook"
	"github.com/84hero/launch-indexer/pkg/metrics"
)

// ChangeType classifies an entity change between two passes.
type ChangeType string

const (
	Created   ChangeType = "created"
	Updated   ChangeType = "updated"
	Completed ChangeType = "completed"
	Closed    ChangeType = "closed"
)

// Change is one entity change published to outputs.
type Change struct {
	Kind   string          `json:"kind"` // launch, position
	Type   ChangeType      `json:"type"`
	Key    string          `json:"key"`
	Block  uint64          `json:"block"`
	PassID string          `json:"pass_id"`
	Entity json.RawMessage `json:"entity"`
}

// Output defines the interface for the change feed pipeline
type Output interface {
	Name() string
	Send(ctx context.Context, changes []Change) error
	Close() error
}

// Publish sends changes to every output. A failing output does not stop the
// others; its error is returned.
func Publish(ctx context.Context, outputs []Output, changes []Change) []error {
	if len(changes) == 0 {
		return nil
	}
	var errs []error
	for _, o := range outputs {
		if err := o.Send(ctx, changes); err != nil {
			metrics.SinkDeliveries.WithLabelValues(o.Name(), "error").Inc()
			log.Error("Failed to publish changes", "output", o.Name(), "changes", len(changes), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", o.Name(), err))
			continue
		}
		metrics.SinkDeliveries.WithLabelValues(o.Name(), "ok").Inc()
	}
	return errs
}

func encodeAll(changes []Change) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(changes))
	for i, c := range changes {
		data, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}

// --- 1. Webhook Output ---

type WebhookOutput struct {
	client   *webhook.Client
	async    bool
	queue    chan []json.RawMessage
	wg       sync.WaitGroup
	closed   bool
	closedMu sync.Mutex
}

// NewWebhookOutput posts change batches. In async mode Send only enqueues
// and workers deliver in the background.
func NewWebhookOutput(cfg webhook.Config, async bool, bufferSize, workers int) *WebhookOutput {
	wo := &WebhookOutput{
		client: webhook.NewClient(cfg),
		async:  async,
	}

	if async {
		if bufferSize <= 0 {
			bufferSize = 1000
		}
		if workers <= 0 {
			workers = 1
		}
		wo.queue = make(chan []json.RawMessage, bufferSize)
		for i := 0; i < workers; i++ {
			wo.wg.Add(1)
			go wo.worker()
		}
	}

	return wo
}

func (w *WebhookOutput) Name() string { return "webhook" }

func (w *WebhookOutput) worker() {
	defer w.wg.Done()
	for batch := range w.queue {
		if err := w.client.Send(context.Background(), batch); err != nil {
			metrics.SinkDeliveries.WithLabelValues(w.Name(), "async_error").Inc()
			log.Error("Async webhook delivery failed", "changes", len(batch), "err", err)
		}
	}
}

func (w *WebhookOutput) Send(ctx context.Context, changes []Change) error {
	batch, err := encodeAll(changes)
	if err != nil {
		return err
	}

	if w.async {
		w.closedMu.Lock()
		defer w.closedMu.Unlock()
		if w.closed {
			return fmt.Errorf("webhook output is closed")
		}
		select {
		case w.queue <- batch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return w.client.Send(ctx, batch)
}

func (w *WebhookOutput) Close() error {
	if w.async {
		w.closedMu.Lock()
		if !w.closed {
			w.closed = true
			close(w.queue)
		}
		w.closedMu.Unlock()
		w.wg.Wait()
	}
	return nil
}

// --- 2. File Output ---

// FileOutput appends one JSON change per line.
type FileOutput struct {
	path string
	mu   sync.Mutex
	file *os.File
}

func NewFileOutput(path string) (*FileOutput, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &FileOutput{path: path, file: f}, nil
}

func (f *FileOutput) Name() string { return "file" }

func (f *FileOutput) Send(ctx context.Context, changes []Change) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	enc := json.NewEncoder(f.file)
	for _, c := range changes {
		if err := enc.Encode(c); err != nil {
			return err
		}
	}
	return nil
}

func (f *FileOutput) Close() error {
	if f.file != nil {
		return f.file.Close()
	}
	return nil
}

// --- 3. Console Output ---

type ConsoleOutput struct {
	mu sync.Mutex
}

func NewConsoleOutput() *ConsoleOutput {
	return &ConsoleOutput{}
}

func (c *ConsoleOutput) Name() string { return "console" }

func (c *ConsoleOutput) Send(ctx context.Context, changes []Change) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	enc := json.NewEncoder(os.Stdout)
	for _, ch := range changes {
		if err := enc.Encode(ch); err != nil {
			return err
		}
	}
	return nil
}

func (c *ConsoleOutput) Close() error { return nil }

// --- 4. PostgreSQL Output ---

var tableName = regexp.MustCompile("^[a-zA-Z0-9_]+$")

// PostgresOutput appends changes to a history table. Replaying a pass is a
// no-op thanks to the (pass_id, kind, entity_key) constraint.
type PostgresOutput struct {
	db    *sql.DB
	table string
}

func NewPostgresOutput(url, table string) (*PostgresOutput, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name: %s", table)
	}
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id SERIAL PRIMARY KEY,
			pass_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			change_type TEXT NOT NULL,
			entity_key TEXT NOT NULL,
			block_number BIGINT,
			data JSONB,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE (pass_id, kind, entity_key)
		);
		CREATE INDEX IF NOT EXISTS idx_%s_entity ON %s (kind, entity_key);
	`, table, table, table)
	if _, err := db.Exec(query); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	return &PostgresOutput{db: db, table: table}, nil
}

func (p *PostgresOutput) Name() string { return "postgres" }

func (p *PostgresOutput) Send(ctx context.Context, changes []Change) error {
	if len(changes) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const cols = 6
	valueStrings := make([]string, 0, len(changes))
	valueArgs := make([]interface{}, 0, len(changes)*cols)
	for i, c := range changes {
		n := i * cols
		valueStrings = append(valueStrings, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6))
		valueArgs = append(valueArgs, c.PassID, c.Kind, string(c.Type), c.Key, c.Block, []byte(c.Entity))
	}
	stmt := fmt.Sprintf("INSERT INTO %s (pass_id, kind, change_type, entity_key, block_number, data) VALUES %s ON CONFLICT (pass_id, kind, entity_key) DO NOTHING",
		p.table, strings.Join(valueStrings, ","))
	if _, err = tx.ExecContext(ctx, stmt, valueArgs...); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresOutput) Close() error { return p.db.Close() }

// --- 5. Redis Output ---

// RedisOutput pushes changes to a list (mode "list") or publishes them on a
// channel (mode "pubsub").
type RedisOutput struct {
	client *redis.Client
	key    string
	mode   string
}

func NewRedisOutput(addr, password string, db int, key, mode string) (*RedisOutput, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &RedisOutput{client: rdb, key: key, mode: mode}, nil
}

func (r *RedisOutput) Name() string { return "redis" }

func (r *RedisOutput) Send(ctx context.Context, changes []Change) error {
	pipe := r.client.Pipeline()
	for _, c := range changes {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if r.mode == "pubsub" {
			pipe.Publish(ctx, r.key, data)
		} else {
			pipe.LPush(ctx, r.key, data)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisOutput) Close() error { return r.client.Close() }

// --- 6. Kafka Output ---

// KafkaOutput keys messages by entity key so changes of one entity stay
// ordered within a partition.
type KafkaOutput struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaOutput(brokers []string, topic, user, password string) (*KafkaOutput, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	if user != "" {
		config.Net.SASL.Enable = true
		config.Net.SASL.User = user
		config.Net.SASL.Password = password
	}
	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}
	return &KafkaOutput{producer: producer, topic: topic}, nil
}

func (k *KafkaOutput) Name() string { return "kafka" }

func (k *KafkaOutput) Send(ctx context.Context, changes []Change) error {
	msgs := make([]*sarama.ProducerMessage, 0, len(changes))
	for _, c := range changes {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: k.topic,
			Key:   sarama.StringEncoder(c.Kind + ":" + c.Key),
			Value: sarama.ByteEncoder(data),
		})
	}
	return k.producer.SendMessages(msgs)
}

func (k *KafkaOutput) Close() error { return k.producer.Close() }

// --- 7. RabbitMQ Output ---

// RabbitMQOutput publishes each change to a topic exchange. An empty
// routing key routes by "<kind>.<type>".
type RabbitMQOutput struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	exchange   string
	routingKey string
}

func NewRabbitMQOutput(url, exchange, routingKey, queueName string, durable bool) (*RabbitMQOutput, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	fail := func(err error) (*RabbitMQOutput, error) {
		ch.Close()
		conn.Close()
		return nil, err
	}
	if exchange != "" {
		if err := ch.ExchangeDeclare(exchange, "topic", durable, false, false, false, nil); err != nil {
			return fail(err)
		}
	}
	if queueName != "" {
		q, err := ch.QueueDeclare(queueName, durable, false, false, false, nil)
		if err != nil {
			return fail(err)
		}
		bindKey := routingKey
		if bindKey == "" {
			bindKey = "#"
		}
		if err := ch.QueueBind(q.Name, bindKey, exchange, false, nil); err != nil {
			return fail(err)
		}
	}
	return &RabbitMQOutput{conn: conn, ch: ch, exchange: exchange, routingKey: routingKey}, nil
}

func (r *RabbitMQOutput) Name() string { return "rabbitmq" }

func (r *RabbitMQOutput) route(c Change) string {
	if r.routingKey != "" {
		return r.routingKey
	}
	return c.Kind + "." + string(c.Type)
}

func (r *RabbitMQOutput) Send(ctx context.Context, changes []Change) error {
	for _, c := range changes {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		err = r.ch.PublishWithContext(ctx, r.exchange, r.route(c), false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    c.PassID + ":" + c.Key,
			Body:         data,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *RabbitMQOutput) Close() error {
	r.ch.Close()
	return r.conn.Close()
}
