package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const streamName = "SHSH_RECON"

// NATSOptions tunes JetStream consumers.
type NATSOptions struct {
	// AckWait must exceed the longest stage; a stage may run several
	// heavy scans back to back.
	AckWait    time.Duration
	MaxDeliver int
	NakDelay   time.Duration
}

// NATS implements Queue using NATS JetStream.
type NATS struct {
	nc   *nats.Conn
	js   jetstream.JetStream
	opts NATSOptions
}

// ConnectNATS connects to url and ensures the pipeline stream exists.
func ConnectNATS(ctx context.Context, url string, opts NATSOptions) (*NATS, error) {
	if opts.AckWait <= 0 {
		opts.AckWait = time.Hour
	}
	if opts.MaxDeliver <= 0 {
		opts.MaxDeliver = 5
	}
	if opts.NakDelay <= 0 {
		opts.NakDelay = 10 * time.Second
	}

	nc, err := nats.Connect(url, nats.Name("shsh-recon"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: Subjects,
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("NATS connected", "url", url, "stream", streamName)
	return &NATS{nc: nc, js: js, opts: opts}, nil
}

// Publish sends a message to the given subject.
func (q *NATS) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := q.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe attaches handler to a durable consumer for subject, so
// unacknowledged events survive a restart.
func (q *NATS) Subscribe(ctx context.Context, subject string, handler Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       durableName(subject),
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.opts.AckWait,
		MaxDeliver:    q.opts.MaxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := handler(ctx, msg.Subject(), msg.Data()); err != nil {
			slog.Error("Message handler failed", "subject", msg.Subject(), "error", err)
			if nakErr := msg.NakWithDelay(q.opts.NakDelay); nakErr != nil {
				slog.Error("NATS nak failed", "error", nakErr)
			}
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			slog.Error("NATS ack failed", "error", ackErr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

func durableName(subject string) string {
	return "recon_" + strings.NewReplacer(".", "_", "*", "any", ">", "all").Replace(subject)
}

// Drain gracefully drains subscriptions and closes the connection.
func (q *NATS) Drain() error {
	return q.nc.Drain()
}

// Close shuts down the NATS connection.
func (q *NATS) Close() error {
	q.nc.Close()
	return nil
}

// IsConnected reports whether the NATS connection is up.
func (q *NATS) IsConnected() bool {
	return q.nc.IsConnected()
}
