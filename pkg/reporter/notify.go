package reporter

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxrelay/voxrelay/pkg/errorsx"
	"github.com/voxrelay/voxrelay/pkg/logging"
	"github.com/voxrelay/voxrelay/pkg/resilience"
)

type WebhookConfig struct {
	URL    string `mapstructure:"url"`
	Secret string `mapstructure:"secret"`
}

type CalendarConfig struct {
	URL      string `mapstructure:"url"`
	APIKey   string `mapstructure:"api_key"`
	Calendar string `mapstructure:"calendar"`
}

type NotifierConfig struct {
	Webhooks     []WebhookConfig `mapstructure:"webhooks"`
	Calendar     CalendarConfig  `mapstructure:"calendar"`
	QueueBuffer  int             `mapstructure:"queue_buffer"`
	Timeout      time.Duration   `mapstructure:"timeout"`
	RetryMax     int             `mapstructure:"retry_max"`
	RetryBackoff time.Duration   `mapstructure:"retry_backoff"`
	CircuitOpen  int             `mapstructure:"circuit_threshold"`
	CircuitCool  time.Duration   `mapstructure:"circuit_cooldown"`
}

func (c NotifierConfig) withDefaults() NotifierConfig {
	if c.QueueBuffer <= 0 {
		c.QueueBuffer = 512
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.CircuitOpen <= 0 {
		c.CircuitOpen = 5
	}
	if c.CircuitCool <= 0 {
		c.CircuitCool = 30 * time.Second
	}
	return c
}

// HTTPNotifier fans session outcomes out to webhook endpoints and the
// calendar service. Deliveries are fire-and-forget from the reporter's
// point of view: a job queue decouples them from teardown timing, each
// endpoint retries independently and is guarded by a circuit breaker.
type HTTPNotifier struct {
	cfg      NotifierConfig
	client   *http.Client
	retry    resilience.RetryPolicy
	breakers map[string]*resilience.CircuitBreaker
	log      *slog.Logger

	jobs    chan func()
	dropped atomic.Int64
	once    sync.Once
	wg      sync.WaitGroup
}

func NewHTTPNotifier(cfg NotifierConfig) *HTTPNotifier {
	cfg = cfg.withDefaults()
	n := &HTTPNotifier{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		retry:    resilience.NewRetryPolicy(cfg.RetryMax, cfg.RetryBackoff),
		breakers: make(map[string]*resilience.CircuitBreaker),
		log:      logging.NewComponentLogger(slog.Default(), "notifier"),
		jobs:     make(chan func(), cfg.QueueBuffer),
	}
	for _, wh := range cfg.Webhooks {
		n.breakers[wh.URL] = resilience.NewCircuitBreaker(cfg.CircuitOpen, cfg.CircuitCool)
	}
	if cfg.Calendar.URL != "" {
		n.breakers[cfg.Calendar.URL] = resilience.NewCircuitBreaker(cfg.CircuitOpen, cfg.CircuitCool)
	}
	n.wg.Add(1)
	go n.loop()
	return n
}

func (n *HTTPNotifier) NotifyFinal(final CallFinal) {
	payload := map[string]any{
		"event":       "call.ended",
		"call_sid":    final.CallSID,
		"stream_sid":  final.StreamSID,
		"agent_id":    final.AgentID,
		"reason":      final.Reason,
		"error":       final.ErrReason,
		"started_at":  final.StartedAt.UTC().Format(time.RFC3339),
		"ended_at":    final.EndedAt.UTC().Format(time.RFC3339),
		"duration_ms": final.DurationMS,
	}
	if final.OutboundRef != "" {
		payload["outbound_ref"] = final.OutboundRef
	}
	for _, wh := range n.cfg.Webhooks {
		wh := wh
		n.enqueue(func() { n.deliverWebhook(wh, payload) })
	}
	if n.cfg.Calendar.URL != "" && final.Reason == "completed" {
		n.enqueue(func() { n.createCalendarEvent(final) })
	}
}

func (n *HTTPNotifier) NotifyRecording(callSID, recordingURL string) {
	payload := map[string]any{
		"event":         "call.recording_ready",
		"call_sid":      callSID,
		"recording_url": recordingURL,
	}
	for _, wh := range n.cfg.Webhooks {
		wh := wh
		n.enqueue(func() { n.deliverWebhook(wh, payload) })
	}
}

// Dropped returns the number of notification jobs lost to queue overflow.
func (n *HTTPNotifier) Dropped() int64 { return n.dropped.Load() }

func (n *HTTPNotifier) Close() {
	n.once.Do(func() {
		close(n.jobs)
	})
	n.wg.Wait()
}

func (n *HTTPNotifier) enqueue(fn func()) {
	defer func() {
		if recover() != nil {
			n.dropped.Add(1)
		}
	}()
	select {
	case n.jobs <- fn:
	default:
		n.dropped.Add(1)
		n.log.Warn("notifier_queue_overflow")
	}
}

func (n *HTTPNotifier) loop() {
	defer n.wg.Done()
	for fn := range n.jobs {
		fn()
	}
}

func (n *HTTPNotifier) deliverWebhook(wh WebhookConfig, payload map[string]any) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	breaker := n.breakers[wh.URL]
	if breaker != nil && !breaker.Allow() {
		n.log.Debug("notifier_circuit_open", "url", wh.URL)
		return
	}
	err = n.retry.Do(func() error {
		return n.post(wh.URL, body, webhookHeaders(wh.Secret, body))
	})
	if breaker != nil {
		if err != nil {
			breaker.OnError(err)
		} else {
			breaker.OnSuccess()
		}
	}
	if err != nil {
		n.log.Warn("notifier_webhook_failed",
			"url", wh.URL,
			"error", err.Error(),
			"reason_code", string(errorsx.ReasonWebhookDeliver),
		)
	}
}

func (n *HTTPNotifier) createCalendarEvent(final CallFinal) {
	cal := n.cfg.Calendar
	breaker := n.breakers[cal.URL]
	if breaker != nil && !breaker.Allow() {
		return
	}
	payload := map[string]any{
		"calendar": cal.Calendar,
		"title":    "Agent call " + final.CallSID,
		"start":    final.StartedAt.UTC().Format(time.RFC3339),
		"end":      final.EndedAt.UTC().Format(time.RFC3339),
		"metadata": map[string]any{
			"agent_id":     final.AgentID,
			"outbound_ref": final.OutboundRef,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	headers := map[string]string{"Content-Type": "application/json"}
	if cal.APIKey != "" {
		headers["Authorization"] = "Bearer " + cal.APIKey
	}
	err = n.retry.Do(func() error {
		return n.post(cal.URL, body, headers)
	})
	if breaker != nil {
		if err != nil {
			breaker.OnError(err)
		} else {
			breaker.OnSuccess()
		}
	}
	if err != nil {
		n.log.Warn("notifier_calendar_failed",
			"error", err.Error(),
			"reason_code", string(errorsx.ReasonWebhookDeliver),
		)
	}
}

func (n *HTTPNotifier) post(url string, body []byte, headers map[string]string) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return resilience.RateLimitError{Provider: url}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errorsx.Wrap(&statusError{code: resp.StatusCode}, errorsx.ReasonWebhookDeliver)
	}
	return nil
}

func webhookHeaders(secret string, body []byte) map[string]string {
	headers := map[string]string{"Content-Type": "application/json"}
	if secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		_, _ = mac.Write(body)
		headers["X-Voxrelay-Signature"] = hex.EncodeToString(mac.Sum(nil))
	}
	return headers
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}
