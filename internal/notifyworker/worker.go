// Package notifyworker consumes notification jobs and delivers each event
// to the user-configured webhook endpoint with an HMAC-signed body.
package notifyworker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jhult/emailengine/internal/events"
	"github.com/jhult/emailengine/internal/metrics"
	"github.com/jhult/emailengine/internal/queue"
	"github.com/jhult/emailengine/internal/settings"
)

// SignatureHeader carries the base64url HMAC-SHA256 of the request body.
const SignatureHeader = "X-EE-Signature"

// Worker consumes the notify queue.
type Worker struct {
	id       string
	engine   *queue.Engine
	settings *settings.Service
	client   *http.Client
	secret   []byte

	userAgent   string
	includeText bool
	maxTextSize int

	logger  *log.Logger
	metrics *metrics.Metrics
}

// Config tunes the worker.
type Config struct {
	Timeout     time.Duration
	UserAgent   string
	IncludeText bool
	MaxTextSize int
}

// New creates a notification worker. serviceSecret signs every payload.
func New(id string, engine *queue.Engine, svc *settings.Service, serviceSecret string, cfg Config, m *metrics.Metrics) *Worker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "emailengine/dev"
	}
	return &Worker{
		id:          id,
		engine:      engine,
		settings:    svc,
		client:      &http.Client{Timeout: timeout},
		secret:      []byte(serviceSecret),
		userAgent:   userAgent,
		includeText: cfg.IncludeText,
		maxTextSize: cfg.MaxTextSize,
		logger:      log.New(log.Writer(), fmt.Sprintf("[NOTIFY %s] ", id), log.LstdFlags),
		metrics:     m,
	}
}

// Run consumes jobs until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	return w.engine.Process(ctx, queue.Notify, w.id, func(job *queue.Job) queue.Result {
		return w.process(ctx, job)
	})
}

func (w *Worker) process(ctx context.Context, job *queue.Job) queue.Result {
	evt, err := events.Decode(job.Payload)
	if err != nil {
		return queue.Discard(fmt.Errorf("bad notify payload: %w", err))
	}

	enabled, err := w.settings.GetBool(ctx, settings.WebhooksEnabled, false)
	if err != nil {
		return queue.Retry(fmt.Errorf("read webhook settings: %w", err))
	}
	if !enabled {
		return queue.Ok("webhooks disabled")
	}
	target, err := w.settings.Get(ctx, settings.WebhookURL)
	if err != nil {
		return queue.Retry(fmt.Errorf("read webhook url: %w", err))
	}
	if target == "" {
		return queue.Ok("no webhook url")
	}
	subscribed, err := w.subscribed(ctx, evt.Event)
	if err != nil {
		return queue.Retry(err)
	}
	if !subscribed {
		return queue.Ok("event not subscribed")
	}

	body := w.applyTextPolicy(ctx, job.Payload)
	status, err := w.post(ctx, target, body)
	if err != nil {
		w.observe("error")
		return queue.Retry(err)
	}
	switch {
	case status >= 200 && status < 300:
		w.observe(strconv.Itoa(status))
		return queue.Ok("delivered")
	case status == http.StatusNotFound || status == http.StatusGone:
		// The endpoint is intentionally gone: stop trying globally.
		w.observe(strconv.Itoa(status))
		if err := w.settings.Set(ctx, settings.WebhooksEnabled, false); err != nil {
			w.logger.Printf("disable webhooks: %v", err)
		}
		w.logger.Printf("webhook endpoint returned %d, webhooks disabled", status)
		return queue.Ok("endpoint gone, webhooks disabled")
	default:
		w.observe(strconv.Itoa(status))
		return queue.Retry(fmt.Errorf("webhook responded %d", status))
	}
}

// applyTextPolicy strips or truncates embedded message text according to
// the notifyText settings. The envelope passes through untouched when no
// text payload is present.
func (w *Worker) applyTextPolicy(ctx context.Context, payload []byte) []byte {
	var envelope map[string]any
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return payload
	}
	data, ok := envelope["data"].(map[string]any)
	if !ok {
		return payload
	}
	text, ok := data["text"].(string)
	if !ok {
		return payload
	}

	include, err := w.settings.GetBool(ctx, settings.NotifyText, w.includeText)
	if err != nil {
		return payload
	}
	if !include {
		delete(data, "text")
	} else {
		limit, err := w.settings.GetInt(ctx, settings.NotifyTextSize, w.maxTextSize)
		if err == nil && limit > 0 && len(text) > limit {
			data["text"] = text[:limit]
		}
	}
	out, err := json.Marshal(envelope)
	if err != nil {
		return payload
	}
	return out
}

// subscribed checks the configured event subset; an empty subset means all.
func (w *Worker) subscribed(ctx context.Context, kind events.Type) (bool, error) {
	selected, err := w.settings.GetStringSlice(ctx, settings.WebhookEvents)
	if err != nil {
		return false, fmt.Errorf("read webhook events: %w", err)
	}
	if len(selected) == 0 {
		return true, nil
	}
	for _, s := range selected {
		if s == "*" || s == string(kind) {
			return true, nil
		}
	}
	return false, nil
}

// post delivers the payload. Credentials embedded in the URL move to an
// Authorization header.
func (w *Worker) post(ctx context.Context, target string, body []byte) (int, error) {
	parsed, err := url.Parse(target)
	if err != nil {
		return 0, fmt.Errorf("bad webhook url: %w", err)
	}
	var basicUser, basicPass string
	if parsed.User != nil {
		basicUser = parsed.User.Username()
		basicPass, _ = parsed.User.Password()
		parsed.User = nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, parsed.String(), bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", w.userAgent)
	req.Header.Set(SignatureHeader, w.sign(body))
	if basicUser != "" || basicPass != "" {
		req.SetBasicAuth(basicUser, basicPass)
	}
	if extra, err := w.settings.GetStringMap(ctx, settings.WebhookHeaders); err == nil {
		for k, v := range extra {
			req.Header.Set(k, v)
		}
	}

	var timer *prometheus.Timer
	if w.metrics != nil {
		timer = prometheus.NewTimer(w.metrics.WebhookTime)
	}
	resp, err := w.client.Do(req)
	if timer != nil {
		timer.ObserveDuration()
	}
	if err != nil {
		return 0, fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

// sign computes the base64url HMAC-SHA256 of the raw body.
func (w *Worker) sign(body []byte) string {
	mac := hmac.New(sha256.New, w.secret)
	mac.Write(body)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (w *Worker) observe(status string) {
	if w.metrics != nil {
		w.metrics.WebhookReqs.WithLabelValues(status).Inc()
	}
}
