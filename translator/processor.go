package translator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eddielth/lora-trans/decoder"
	"github.com/eddielth/lora-trans/logger"
	"github.com/eddielth/lora-trans/record"
	"github.com/eddielth/lora-trans/storage"
	"github.com/eddielth/lora-trans/transformer"
)

// Publisher sends one document to the broker
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Archive receives every processed message, published or rejected
type Archive interface {
	Store(ctx context.Context, entry storage.Entry) int
}

// PublishError reports a record that was updated but could not be sent
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s failed: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// DefaultArchiveTimeout bounds the archive writes of one message
const DefaultArchiveTimeout = 5 * time.Second

// Processor runs the decode, map and publish pipeline for inbound messages
type Processor struct {
	transformers   *transformer.Manager
	publisher      Publisher
	archive        Archive
	archiveTimeout time.Duration
	outputTopic    string
	now            func() time.Time

	// update and publish happen under one lock so documents leave in update order
	mu sync.Mutex
}

// NewProcessor creates a processor. archive may be nil.
func NewProcessor(transformers *transformer.Manager, publisher Publisher, archive Archive, outputTopic string) *Processor {
	return &Processor{
		transformers:   transformers,
		publisher:      publisher,
		archive:        archive,
		archiveTimeout: DefaultArchiveTimeout,
		outputTopic:    outputTopic,
		now:            time.Now,
	}
}

// SetArchiveTimeout changes how long archive writes of one message may take.
// Values <= 0 are ignored.
func (p *Processor) SetArchiveTimeout(d time.Duration) {
	if d > 0 {
		p.archiveTimeout = d
	}
}

// Handle processes one inbound message and publishes the whole record.
// A rejected message leaves the record unchanged and publishes nothing.
func (p *Processor) Handle(ctx context.Context, topic string, payload []byte) error {
	entry := storage.Entry{
		MessageID:  uuid.NewString(),
		Topic:      topic,
		ReceivedAt: p.now().UTC(),
		Raw:        payload,
	}

	env, fields, err := decoder.Decode(payload)
	entry.DeviceName = env.DeviceName
	entry.Fields = fields
	if err != nil {
		p.reject(ctx, entry, err)
		return err
	}
	logger.Debug("message %s from %s: %d fields", entry.MessageID, env.DeviceName, len(fields))

	p.mu.Lock()
	snap, err := p.transformers.Apply(env.DeviceName, fields)
	if err != nil {
		p.mu.Unlock()
		p.reject(ctx, entry, err)
		return err
	}
	doc, err := p.publishLocked(snap)
	p.mu.Unlock()

	entry.Document = doc
	entry.Values = snap.Values()
	if err != nil {
		p.reject(ctx, entry, err)
		return err
	}

	logger.Info("published record after %s update: %s", env.DeviceName, doc)
	p.store(ctx, entry)
	return nil
}

// HandleMessage is the broker callback form of Handle. Errors are logged, never returned.
func (p *Processor) HandleMessage(topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while handling message on %s: %v", topic, r)
		}
	}()

	err := p.Handle(context.Background(), topic, payload)
	if err == nil {
		return
	}

	var unknown *transformer.UnknownDeviceError
	if errors.As(err, &unknown) {
		logger.Warn("dropped message: %v", err)
		return
	}
	logger.Error("dropped message: %v", err)
}

// Republish sends the current record again without applying any input
func (p *Processor) Republish(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := p.publishLocked(p.transformers.Record().Snapshot())
	return err
}

func (p *Processor) publishLocked(snap record.Snapshot) ([]byte, error) {
	doc, err := snap.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("serialize record: %w", err)
	}
	if err := p.publisher.Publish(p.outputTopic, doc); err != nil {
		return doc, &PublishError{Topic: p.outputTopic, Err: err}
	}
	return doc, nil
}

func (p *Processor) reject(ctx context.Context, entry storage.Entry, err error) {
	entry.Error = err.Error()
	p.store(ctx, entry)
}

func (p *Processor) store(ctx context.Context, entry storage.Entry) {
	if p.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.archiveTimeout)
	defer cancel()

	if failed := p.archive.Store(ctx, entry); failed > 0 {
		logger.Warn("message %s missing from %d archive backends", entry.MessageID, failed)
	}
}
