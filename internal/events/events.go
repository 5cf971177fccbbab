// Package events publishes ingestion lifecycle events to NATS.
//
// Each state change of an ingestion is published as JSON to
//
//	ingestions.{owner_id}.{collection_id}.{state}
//
// so subscribers can follow one owner, one collection, or one state with
// ordinary subject wildcards.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// SubjectPrefix is the root of every ingestion subject.
const SubjectPrefix = "ingestions"

// Config configures the event publisher.
type Config struct {
	// NATSURL is the server to publish to. Empty disables events.
	NATSURL string `koanf:"nats_url"`

	// Name identifies this client to the server.
	Name string `koanf:"name"`
}

// IngestionEvent reports one state change of an ingestion.
type IngestionEvent struct {
	FileID       string    `json:"file_id"`
	OwnerID      string    `json:"owner_id"`
	CollectionID string    `json:"collection_id"`
	Filename     string    `json:"filename"`
	State        string    `json:"state"`
	AddedChunks  int       `json:"added_chunks"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Subject returns the NATS subject for the event.
func (e IngestionEvent) Subject() string {
	return fmt.Sprintf("%s.%s.%s.%s", SubjectPrefix, token(e.OwnerID), token(e.CollectionID), token(e.State))
}

// token keeps subject separators and wildcards out of a subject segment.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// Publisher emits ingestion events. Publishing never fails the caller.
type Publisher interface {
	Publish(ctx context.Context, ev IngestionEvent)
	Close()
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, IngestionEvent) {}
func (NopPublisher) Close()                                  {}

// NATSPublisher publishes events on a NATS connection.
type NATSPublisher struct {
	nc     *nats.Conn
	owned  bool
	logger *zap.Logger
	now    func() time.Time
}

// New connects to cfg.NATSURL, or returns a NopPublisher when it is empty.
func New(cfg Config, logger *zap.Logger) (Publisher, error) {
	if cfg.NATSURL == "" {
		return NopPublisher{}, nil
	}
	name := cfg.Name
	if name == "" {
		name = "ragd"
	}
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.NATSURL, err)
	}
	p := NewNATSPublisher(nc, logger)
	p.owned = true
	return p, nil
}

// NewNATSPublisher publishes on an existing connection, which the caller keeps
// ownership of.
func NewNATSPublisher(nc *nats.Conn, logger *zap.Logger) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{
		nc:     nc,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Publish sends ev; failures are logged.
func (p *NATSPublisher) Publish(_ context.Context, ev IngestionEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.now()
	}
	subject := ev.Subject()
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("marshal ingestion event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("publish ingestion event",
			zap.String("subject", subject),
			zap.String("file_id", ev.FileID),
			zap.Error(err))
	}
}

// Close drains the connection when the publisher opened it.
func (p *NATSPublisher) Close() {
	if !p.owned {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}

var (
	_ Publisher = NopPublisher{}
	_ Publisher = (*NATSPublisher)(nil)
)
