// Package speechgw provides a recognizer.Provider backed by a speech-gateway
// streaming WebSocket API. The gateway speaks a simple framing: stream
// parameters travel as query parameters on the dial URL, audio travels as
// binary frames, recognition results come back as JSON text frames, and a
// `{"type":"CloseStream"}` text frame half-closes the sending side.
package speechgw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/podiumlabs/lectern/pkg/audio"
	"github.com/podiumlabs/lectern/pkg/recognizer"
)

const (
	defaultModel    = "latest_long"
	defaultLanguage = "en-US"
)

// closeStreamMsg is the text frame that half-closes the sending side and asks
// the gateway to flush pending results.
const closeStreamMsg = `{"type":"CloseStream"}`

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the default recognition model used when a StreamConfig does
// not name one.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default language tag used when a StreamConfig does
// not name one.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithProjectID sets the cloud project identifier forwarded to the gateway
// on every dial.
func WithProjectID(id string) Option {
	return func(p *Provider) {
		p.projectID = id
	}
}

// Provider implements recognizer.Provider against a speech-gateway endpoint.
type Provider struct {
	endpoint  string
	token     string
	model     string
	language  string
	projectID string
}

// New creates a Provider for the gateway at endpoint (a wss:// URL). token is
// sent as a bearer credential on every dial; it may be empty for gateways
// that do not authenticate.
func New(endpoint, token string, opts ...Option) (*Provider, error) {
	if endpoint == "" {
		return nil, errors.New("speechgw: endpoint must not be empty")
	}
	p := &Provider{
		endpoint: endpoint,
		token:    token,
		model:    defaultModel,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// OpenStream dials the gateway and returns a live stream handle.
func (p *Provider) OpenStream(ctx context.Context, cfg recognizer.StreamConfig) (recognizer.StreamHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("speechgw: build URL: %w", err)
	}

	headers := http.Header{}
	if p.token != "" {
		headers.Set("Authorization", "Bearer "+p.token)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("speechgw: dial: %w", err)
	}

	s := &stream{
		conn:     conn,
		events:   make(chan recognizer.Event, 64),
		audio:    make(chan []byte, 16),
		done:     make(chan struct{}),
		drained:  make(chan struct{}),
		openedAt: time.Now(),
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()

	return s, nil
}

// Ping reports whether the gateway endpoint is reachable. It opens and
// immediately closes a TCP connection; used by the readiness probe.
func (p *Provider) Ping(ctx context.Context) error {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return fmt.Errorf("speechgw: parse endpoint: %w", err)
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "wss" || u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return fmt.Errorf("speechgw: ping: %w", err)
	}
	return conn.Close()
}

// buildURL constructs the streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg recognizer.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	model := cfg.Model
	if model == "" {
		model = p.model
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = audio.SampleRate
	}

	q := u.Query()
	q.Set("session_id", cfg.SessionID)
	q.Set("language", lang)
	q.Set("model", model)
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("encoding", "linear16")
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	if p.projectID != "" {
		q.Set("project", p.projectID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- stream ----

// gatewayResponse is the JSON structure of a gateway result frame.
type gatewayResponse struct {
	Type       string  `json:"type"`
	IsFinal    bool    `json:"is_final"`
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
	Words      []struct {
		Word       string  `json:"word"`
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Confidence float64 `json:"confidence"`
	} `json:"words"`
}

// stream is a live gateway stream. It implements recognizer.StreamHandle.
type stream struct {
	conn     *websocket.Conn
	events   chan recognizer.Event
	audio    chan []byte
	openedAt time.Time

	done    chan struct{} // closed on Close; stops SendFrame and the write loop
	drained chan struct{} // closed when the read loop exits
	once    sync.Once
	wg      sync.WaitGroup
}

// SendFrame queues one PCM frame for delivery to the gateway.
func (s *stream) SendFrame(frame audio.Frame) error {
	select {
	case <-s.done:
		return recognizer.ErrStreamClosed
	default:
	}
	select {
	case s.audio <- frame.Data:
		return nil
	case <-s.done:
		return recognizer.ErrStreamClosed
	}
}

// Events returns the ordered event channel.
func (s *stream) Events() <-chan recognizer.Event { return s.events }

// OpenedAt reports when the stream was established.
func (s *stream) OpenedAt() time.Time { return s.openedAt }

// Close half-closes the sending side, waits up to recognizer.CloseGrace (or
// ctx, whichever ends first) for trailing events, then tears down the
// connection.
func (s *stream) Close(ctx context.Context) error {
	s.once.Do(func() {
		close(s.done)

		// Half-close: ask the gateway to flush pending results.
		writeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = s.conn.Write(writeCtx, websocket.MessageText, []byte(closeStreamMsg))
		cancel()

		grace := time.NewTimer(recognizer.CloseGrace)
		defer grace.Stop()
		select {
		case <-s.drained:
		case <-grace.C:
		case <-ctx.Done():
		}

		s.conn.Close(websocket.StatusNormalClosure, "stream closed")
		s.wg.Wait()
	})
	return nil
}

// writeLoop drains the audio channel into binary frames on the wire.
func (s *stream) writeLoop() {
	defer s.wg.Done()
	ctx := context.Background()
	for {
		select {
		case data := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, data); err != nil {
				return
			}
		case <-s.done:
			// Flush whatever is already queued, then stop.
			for {
				select {
				case data := <-s.audio:
					_ = s.conn.Write(ctx, websocket.MessageBinary, data)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON result frames and forwards them, in receipt order,
// to the events channel until the gateway ends the stream.
func (s *stream) readLoop() {
	defer s.wg.Done()
	defer close(s.drained)
	defer close(s.events)

	ctx := context.Background()
	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// Normal close, hard upstream timeout, or teardown.
			return
		}

		ev, ok := parseResponse(msg)
		if !ok {
			continue
		}

		select {
		case s.events <- ev:
		case <-s.done:
			// Keep draining so the gateway's close handshake completes,
			// but stop forwarding once nobody is listening.
			select {
			case s.events <- ev:
			default:
			}
		}
	}
}

// parseResponse parses a raw gateway message into an Event. Returns
// (zero, false) for frames that should be ignored (acks, keepalives,
// empty transcripts).
func parseResponse(data []byte) (recognizer.Event, bool) {
	var resp gatewayResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return recognizer.Event{}, false
	}
	if resp.Type != "Results" {
		return recognizer.Event{}, false
	}
	if resp.Transcript == "" {
		return recognizer.Event{}, false
	}

	words := make([]recognizer.WordDetail, 0, len(resp.Words))
	for _, w := range resp.Words {
		words = append(words, recognizer.WordDetail{
			Word:       w.Word,
			Start:      time.Duration(w.Start * float64(time.Second)),
			End:        time.Duration(w.End * float64(time.Second)),
			Confidence: w.Confidence,
		})
	}

	return recognizer.Event{
		Text:       resp.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: resp.Confidence,
		Words:      words,
		Received:   time.Now(),
	}, true
}
