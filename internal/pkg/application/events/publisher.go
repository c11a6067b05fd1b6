package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type action func()

// HttpPublisher posts events to an endpoint from a single background goroutine,
// in the order that they were published
type HttpPublisher struct {
	mu       sync.Mutex
	started  bool
	endpoint string

	httpClient http.Client
	queue      chan action
}

type message struct {
	Topic string          `json:"topic"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func NewHttpPublisher(endpoint string) *HttpPublisher {
	return &HttpPublisher{
		endpoint: endpoint,
		httpClient: http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		queue: make(chan action, 32),
	}
}

func (p *HttpPublisher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("already started")
	}

	p.started = true

	go p.run()

	return nil
}

// Stop blocks until every event that was queued before the call has been posted
func (p *HttpPublisher) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		resultChan := make(chan bool)

		p.queue <- func() {
			close(p.queue)
			resultChan <- true
		}

		<-resultChan
		p.started = false
	}

	return nil
}

func (p *HttpPublisher) Publish(ctx context.Context, topic, key string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return fmt.Errorf("publisher is not started")
	}

	var err error

	logger := logging.GetFromContext(ctx)

	ctx, span := tracer.Start(
		tracing.ExtractHeaders(context.Background(), tracing.InjectHeaders(ctx)),
		"post",
	)

	p.queue <- func() {
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		err = p.post(ctx, message{Topic: topic, Key: key, Value: payload})
		if err != nil {
			logger.Error("failed to post event", "topic", topic, "err", err.Error())
		}
	}

	return nil
}

func (p *HttpPublisher) post(ctx context.Context, msg message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshalling error (%w)", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("unable to create new request (%w)", err)
	}

	req.Header.Add("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request (%w)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("unexpected response code %d", resp.StatusCode)
	}

	return nil
}

func (p *HttpPublisher) run() {
	// repeat until the queue is closed
	for action := range p.queue {
		if action == nil {
			return
		}

		action()
	}
}

// Message is an event as it was handed to an InMemoryPublisher
type Message struct {
	Topic   string
	Key     string
	Payload []byte
}

func (m Message) Event() (Event, error) {
	e := Event{}
	err := json.Unmarshal(m.Payload, &e)
	return e, err
}

// InMemoryPublisher keeps every published event in memory
type InMemoryPublisher struct {
	mu       sync.Mutex
	messages []Message
}

func NewInMemoryPublisher() *InMemoryPublisher {
	return &InMemoryPublisher{}
}

func (p *InMemoryPublisher) Publish(ctx context.Context, topic, key string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.messages = append(p.messages, Message{Topic: topic, Key: key, Payload: payload})
	return nil
}

// Messages returns the messages that were published to topic
func (p *InMemoryPublisher) Messages(topic string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := []Message{}
	for _, m := range p.messages {
		if m.Topic == topic {
			result = append(result, m)
		}
	}
	return result
}
