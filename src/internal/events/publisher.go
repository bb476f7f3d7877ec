package events

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parlakisik/service-exchange/src/internal/httpclient"
)

// deliveryQueueSize bounds the webhook deliveries waiting for the worker.
const deliveryQueueSize = 256

type delivery struct {
	url      string
	envelope Envelope
}

// Publisher logs every event and hands webhook deliveries to a background
// worker, so callers never wait on a webhook endpoint.
type Publisher struct {
	source     string
	httpClient *httpclient.Client

	mu        sync.RWMutex
	endpoints map[string]string // eventType -> webhook URL

	queueMu sync.RWMutex
	closed  bool
	queue   chan delivery
	done    chan struct{}

	// ctx scopes in-flight deliveries; cancelled when Close gives up.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPublisher creates a publisher and starts its delivery worker. A nil
// client selects a default retrying client. Call Close to drain it.
func NewPublisher(source string, client *httpclient.Client) *Publisher {
	if client == nil {
		client = httpclient.NewClient(source, 5*time.Second)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		source:     source,
		httpClient: client,
		endpoints:  make(map[string]string),
		queue:      make(chan delivery, deliveryQueueSize),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	go p.run()
	return p
}

// RegisterEndpoint registers a webhook endpoint for an event type, or for
// every type with AllEvents.
func (p *Publisher) RegisterEndpoint(eventType, webhookURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endpoints[eventType] = webhookURL
}

func (p *Publisher) endpointFor(eventType string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if url, ok := p.endpoints[eventType]; ok {
		return url, true
	}
	url, ok := p.endpoints[AllEvents]
	return url, ok
}

// Publish records the event and queues its webhook delivery. It never
// blocks on delivery; a full queue or a closed publisher drops the webhook
// with a warning.
func (p *Publisher) Publish(ctx context.Context, eventType string, data map[string]any) error {
	envelope := Envelope{
		EventID:        generateEventID(),
		EventType:      eventType,
		SchemaVersion:  "1.0",
		IdempotencyKey: idempotencyKey(eventType, data),
		Timestamp:      time.Now().UTC(),
		Source:         p.source,
		Data:           data,
	}

	slog.InfoContext(ctx, "event_published",
		"event_id", envelope.EventID,
		"event_type", envelope.EventType,
		"source", envelope.Source,
		"idempotency_key", envelope.IdempotencyKey,
	)

	if webhookURL, ok := p.endpointFor(eventType); ok {
		p.enqueue(ctx, delivery{url: webhookURL, envelope: envelope})
	}
	return nil
}

func (p *Publisher) enqueue(ctx context.Context, d delivery) {
	p.queueMu.RLock()
	defer p.queueMu.RUnlock()
	if p.closed {
		slog.WarnContext(ctx, "webhook_dropped", "event_id", d.envelope.EventID, "reason", "publisher closed")
		return
	}
	select {
	case p.queue <- d:
	default:
		slog.WarnContext(ctx, "webhook_dropped", "event_id", d.envelope.EventID, "reason", "queue full")
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for d := range p.queue {
		p.sendWebhook(p.ctx, d.url, d.envelope)
	}
}

// Close stops accepting deliveries and waits for the queued ones. When ctx
// ends first, in-flight deliveries are cancelled and ctx's error returned.
func (p *Publisher) Close(ctx context.Context) error {
	p.queueMu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.queueMu.Unlock()

	select {
	case <-p.done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

func (p *Publisher) sendWebhook(ctx context.Context, url string, envelope Envelope) {
	headers := map[string]string{
		"X-Event-ID":        envelope.EventID,
		"X-Event-Type":      envelope.EventType,
		"X-Idempotency-Key": envelope.IdempotencyKey,
	}
	if err := p.httpClient.PostJSON(ctx, url, envelope, headers); err != nil {
		slog.WarnContext(ctx, "webhook_failed",
			"url", url,
			"event_type", envelope.EventType,
			"error", err,
		)
	}
}

func idempotencyKey(eventType string, data map[string]any) string {
	for _, key := range subjectKeys {
		if id, ok := data[key].(string); ok && id != "" {
			return fmt.Sprintf("%s_%s", eventType, id)
		}
	}
	return fmt.Sprintf("%s_%d", eventType, time.Now().UnixNano())
}

func generateEventID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return "evt_" + hex.EncodeToString(b[:])
}
