// Package webhook delivers final transcription results to an external
// lecture service over HTTP. The notifier wraps another session.Consumer:
// interims pass straight through, finals are forwarded downstream and then
// posted asynchronously, so a slow or failing endpoint never stalls the
// recognition pipeline. Delivery failures are logged and counted, never
// propagated; a circuit breaker sheds deliveries while the endpoint is
// down instead of burning a timeout per queued payload.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/podiumlabs/lectern/internal/observe"
	"github.com/podiumlabs/lectern/internal/resilience"
	"github.com/podiumlabs/lectern/internal/session"
)

const (
	defaultTimeout   = 5 * time.Second
	defaultQueueSize = 64
)

// Payload is the JSON body posted for each final result.
type Payload struct {
	LectureID       int64     `json:"lecture_id"`
	SessionID       string    `json:"session_id"`
	PresentationID  string    `json:"presentation_id"`
	Text            string    `json:"text"`
	Confidence      float64   `json:"confidence"`
	Timestamp       time.Time `json:"timestamp"`
	IsFinal         bool      `json:"is_final"`
	SlideNumber     int       `json:"slide_number,omitempty"`
	SlideScore      float64   `json:"slide_score,omitempty"`
	SlideConfidence float64   `json:"slide_confidence,omitempty"`
	MatchedKeywords []string  `json:"matched_keywords,omitempty"`
}

// Option configures a [Notifier].
type Option func(*Notifier)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) {
		n.client = c
	}
}

// WithTimeout sets the per-request timeout. Defaults to 5s.
func WithTimeout(d time.Duration) Option {
	return func(n *Notifier) {
		n.timeout = d
	}
}

// WithAuthToken sets a bearer token attached to every request.
func WithAuthToken(token string) Option {
	return func(n *Notifier) {
		n.token = token
	}
}

// WithQueueSize sets the dispatch queue capacity. When the queue is full
// new payloads are dropped with a warning. Defaults to 64.
func WithQueueSize(size int) Option {
	return func(n *Notifier) {
		n.queueSize = size
	}
}

// WithCollector wires delivery failures into the metrics collector.
func WithCollector(c *observe.Collector) Option {
	return func(n *Notifier) {
		n.collector = c
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(n *Notifier) {
		n.log = log
	}
}

// Notifier posts final results to a single endpoint from one background
// dispatch goroutine.
type Notifier struct {
	next      session.Consumer
	endpoint  string
	token     string
	client    *http.Client
	timeout   time.Duration
	queueSize int
	collector *observe.Collector
	log       *slog.Logger

	breaker  *resilience.Breaker
	queue    chan Payload
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ session.Consumer = (*Notifier)(nil)

// New creates a Notifier posting to endpoint and starts its dispatch
// goroutine. next receives every result before it is queued; it may be nil
// when webhook delivery is the only consumer.
func New(endpoint string, next session.Consumer, opts ...Option) (*Notifier, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("webhook: endpoint must not be empty")
	}
	n := &Notifier{
		next:      next,
		endpoint:  endpoint,
		timeout:   defaultTimeout,
		queueSize: defaultQueueSize,
		log:       slog.Default(),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(n)
	}
	if n.client == nil {
		n.client = &http.Client{Timeout: n.timeout}
	}
	n.breaker = resilience.NewBreaker(resilience.BreakerConfig{
		Name:   "webhook",
		Logger: n.log,
	})
	n.queue = make(chan Payload, n.queueSize)

	n.wg.Add(1)
	go n.dispatchLoop()
	return n, nil
}

// OnInterim forwards the result downstream. Interims are never posted.
func (n *Notifier) OnInterim(r session.Result) {
	if n.next != nil {
		n.next.OnInterim(r)
	}
}

// OnFinal forwards the result downstream and queues it for delivery.
func (n *Notifier) OnFinal(r session.Result) {
	if n.next != nil {
		n.next.OnFinal(r)
	}

	p := Payload{
		LectureID:      r.LectureID,
		SessionID:      r.SessionID,
		PresentationID: r.PresentationID,
		Text:           r.Text,
		Confidence:     r.Confidence,
		Timestamp:      r.Timestamp,
		IsFinal:        true,
	}
	if r.Slide != nil {
		p.SlideNumber = r.Slide.SlideID
		p.SlideScore = r.Slide.Score
		p.SlideConfidence = r.Slide.Confidence
		p.MatchedKeywords = r.Slide.Keywords
	}

	select {
	case n.queue <- p:
	case <-n.done:
	default:
		n.log.Warn("webhook queue full, result dropped", "session_id", r.SessionID)
		if n.collector != nil {
			n.collector.Error(context.Background(), "webhook_overflow")
		}
	}
}

// Stop drains the queue and halts the dispatch goroutine. Safe to call
// multiple times.
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() {
		close(n.done)
	})
	n.wg.Wait()
}

func (n *Notifier) dispatchLoop() {
	defer n.wg.Done()
	for {
		select {
		case p := <-n.queue:
			n.post(p)
		case <-n.done:
			for {
				select {
				case p := <-n.queue:
					n.post(p)
				default:
					return
				}
			}
		}
	}
}

// post sends one payload through the breaker. Errors are logged and
// counted only.
func (n *Notifier) post(p Payload) {
	err := n.breaker.Do(func() error {
		return n.send(p)
	})
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		n.log.Debug("webhook delivery skipped, circuit open", "session_id", p.SessionID)
		if n.collector != nil {
			n.collector.Error(context.Background(), "webhook_circuit_open")
		}
	case err != nil:
		n.deliveryFailed(p, err)
	default:
		n.log.Debug("webhook delivered", "session_id", p.SessionID, "lecture_id", p.LectureID)
	}
}

// send performs one HTTP delivery attempt.
func (n *Notifier) send(p Payload) error {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: post: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) deliveryFailed(p Payload, err error) {
	n.log.Warn("webhook delivery failed",
		"session_id", p.SessionID,
		"lecture_id", p.LectureID,
		"error", err,
	)
	if n.collector != nil {
		n.collector.Error(context.Background(), "webhook_delivery")
	}
}
