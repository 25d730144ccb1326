package ingest

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/WessleyAI/groundwork/engine/domain"
	"github.com/WessleyAI/groundwork/pkg/natsutil"
	"github.com/nats-io/nats.go"
)

const (
	// IngestSubject is the NATS subject for queued ingestion jobs.
	IngestSubject = "groundwork.ingest"
	// DLQSubject is the dead letter queue subject for failed jobs.
	DLQSubject = "groundwork.ingest.dlq"
	// MaxRetries before sending to DLQ.
	MaxRetries = 3
	// RetryHeader carries the redelivery count.
	RetryHeader = "X-Retry-Count"
)

// ConsumerConfig names the subjects and the retry budget of a consumer.
type ConsumerConfig struct {
	Subject    string
	DLQSubject string
	MaxRetries int
	Logger     *slog.Logger
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.Subject == "" {
		c.Subject = IngestSubject
	}
	if c.DLQSubject == "" {
		c.DLQSubject = DLQSubject
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = MaxRetries
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// dlqMessage is published to the DLQ on repeated failure.
type dlqMessage struct {
	Job     Job    `json:"job"`
	Error   string `json:"error"`
	Retries int    `json:"retries"`
}

type action int

const (
	actionDone action = iota
	actionRetry
	actionDeadLetter
)

// decide picks what to do with a job after an attempt. Rejected input never
// succeeds on redelivery, so it goes straight to the DLQ.
func decide(err error, retries, max int) action {
	switch {
	case err == nil:
		return actionDone
	case domain.KindOf(err) == domain.KindInvalidInput || domain.KindOf(err) == domain.KindConfiguration:
		return actionDeadLetter
	case retries >= max:
		return actionDeadLetter
	default:
		return actionRetry
	}
}

func retryCount(msg *nats.Msg) int {
	if msg.Header == nil {
		return 0
	}
	n, err := strconv.Atoi(msg.Header.Get(RetryHeader))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// publisher is the slice of *nats.Conn the consumer republishes through.
type publisher interface {
	PublishMsg(*nats.Msg) error
}

// consumer holds the per-subscription state of StartConsumer.
type consumer struct {
	ing *Ingester
	pub publisher
	cfg ConsumerConfig
}

func (c *consumer) handle(ctx context.Context, job Job, msg *nats.Msg) {
	log := c.cfg.Logger
	retries := retryCount(msg)

	_, err := c.ing.Ingest(ctx, job)
	if err != nil {
		retries++
		log.Error("ingest: job failed",
			"error", err,
			"title", job.Document.Title,
			"retry", retries,
		)
	}

	switch decide(err, retries, c.cfg.MaxRetries) {
	case actionDeadLetter:
		dlq := dlqMessage{Job: job, Error: err.Error(), Retries: retries}
		out, merr := natsutil.NewMsg(ctx, c.cfg.DLQSubject, dlq, nil)
		if merr == nil {
			merr = c.pub.PublishMsg(out)
		}
		if merr != nil {
			log.Error("ingest: DLQ publish failed", "error", merr)
		}
	case actionRetry:
		hdr := nats.Header{}
		hdr.Set(RetryHeader, strconv.Itoa(retries))
		out, merr := natsutil.NewMsg(ctx, c.cfg.Subject, job, hdr)
		if merr == nil {
			merr = c.pub.PublishMsg(out)
		}
		if merr != nil {
			log.Error("ingest: retry publish failed", "error", merr)
		}
	}

	// Ack if JetStream.
	if msg.Reply != "" {
		_ = msg.Ack()
	}
}

func (c *consumer) malformed(msg *nats.Msg, err error) {
	c.cfg.Logger.Error("ingest: unmarshal failed", "error", err, "subject", msg.Subject)
}

// StartConsumer subscribes to queued jobs and runs them through ing, with
// header-counted retries and a dead letter subject.
func StartConsumer(nc *nats.Conn, ing *Ingester, cfg ConsumerConfig) (*nats.Subscription, error) {
	c := &consumer{ing: ing, pub: nc, cfg: cfg.withDefaults()}
	return natsutil.Subscribe(nc, c.cfg.Subject, c.handle, c.malformed)
}

// Enqueue publishes a job for an async worker.
func Enqueue(ctx context.Context, nc *nats.Conn, subject string, job Job) error {
	if subject == "" {
		subject = IngestSubject
	}
	return natsutil.Publish(ctx, nc, subject, job)
}
