package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/emission-ledger/internal/model"
)

// Event kinds
const (
	EventSettlement = "settlement"
	EventOperation  = "operation"
)

// Event is one committed ledger event queued for export
type Event struct {
	Kind       string              `json:"kind"`
	Op         string              `json:"op,omitempty"`
	Settlement *model.SettleResult `json:"settlement,omitempty"`
	Receipt    *model.Receipt      `json:"receipt,omitempty"`
	At         time.Time           `json:"at"`
}

// ExporterConfig holds configuration for the event webhook
type ExporterConfig struct {
	Enabled        bool          `json:"enabled"`
	WebhookURL     string        `json:"webhook_url"`
	WebhookAPIKey  string        `json:"webhook_api_key,omitempty"`
	BatchSize      int           `json:"batch_size"`
	ExportInterval time.Duration `json:"export_interval"`
}

// Exporter batches committed ledger events and posts them to a webhook. It implements
// the ledger's Observer.
type Exporter struct {
	config     ExporterConfig
	client     *retryablehttp.Client
	mutex      sync.Mutex
	batch      []Event
	lastExport time.Time
	exported   int
	cancel     context.CancelFunc
	done       chan struct{}
	now        func() time.Time
}

// NewExporter creates an exporter and starts its periodic flush. A disabled exporter
// accepts events and drops them.
func NewExporter(config ExporterConfig) (*Exporter, error) {
	e := &Exporter{config: config, now: time.Now}
	if !config.Enabled {
		return e, nil
	}
	if config.WebhookURL == "" {
		return nil, fmt.Errorf("webhook URL not configured")
	}
	if e.config.BatchSize <= 0 {
		e.config.BatchSize = 100
	}
	if e.config.ExportInterval <= 0 {
		e.config.ExportInterval = time.Minute
	}

	e.client = retryablehttp.NewClient()
	e.client.RetryMax = 3
	e.client.RetryWaitMin = 500 * time.Millisecond
	e.client.RetryWaitMax = 3 * time.Second
	e.client.HTTPClient.Timeout = 10 * time.Second
	e.client.Logger = nil
	e.batch = make([]Event, 0, e.config.BatchSize)

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.periodicExport(ctx)

	logrus.WithFields(logrus.Fields{
		"url":      config.WebhookURL,
		"batch":    e.config.BatchSize,
		"interval": e.config.ExportInterval.String(),
	}).Info("Ledger event exporter initialized")
	return e, nil
}

// SettleApplied queues a settlement
func (e *Exporter) SettleApplied(r model.SettleResult) {
	e.add(Event{Kind: EventSettlement, Settlement: &r, At: e.now().UTC()})
}

// OperationCompleted queues a position operation
func (e *Exporter) OperationCompleted(op string, r model.Receipt) {
	e.add(Event{Kind: EventOperation, Op: op, Receipt: &r, At: e.now().UTC()})
}

// PoolUpdated is not exported; pool state is visible on the gauges
func (e *Exporter) PoolUpdated(model.Pool) {}

func (e *Exporter) add(ev Event) {
	if !e.config.Enabled {
		return
	}

	e.mutex.Lock()
	e.batch = append(e.batch, ev)
	full := len(e.batch) >= e.config.BatchSize
	e.mutex.Unlock()

	// called under the engine lock, so the post happens elsewhere
	if full {
		go func() {
			if err := e.Flush(context.Background()); err != nil {
				logrus.WithError(err).Error("Failed to export ledger events")
			}
		}()
	}
}

func (e *Exporter) periodicExport(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.config.ExportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.Flush(ctx); err != nil {
				logrus.WithError(err).Error("Failed to export ledger events")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Flush posts the queued events. On failure the events are put back at the head of the
// queue for the next attempt.
func (e *Exporter) Flush(ctx context.Context) error {
	if !e.config.Enabled {
		return nil
	}

	e.mutex.Lock()
	if len(e.batch) == 0 {
		e.mutex.Unlock()
		return nil
	}
	events := e.batch
	e.batch = make([]Event, 0, e.config.BatchSize)
	e.mutex.Unlock()

	if err := e.post(ctx, events); err != nil {
		e.mutex.Lock()
		e.batch = append(events, e.batch...)
		e.mutex.Unlock()
		return err
	}

	e.mutex.Lock()
	e.lastExport = e.now()
	e.exported += len(events)
	e.mutex.Unlock()
	logrus.Debugf("Exported %d ledger events", len(events))
	return nil
}

func (e *Exporter) post(ctx context.Context, events []Event) error {
	payload := struct {
		Events     []Event `json:"events"`
		ExportTime string  `json:"export_time"`
		Count      int     `json:"count"`
	}{
		Events:     events,
		ExportTime: e.now().UTC().Format(time.RFC3339),
		Count:      len(events),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, e.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.config.WebhookAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.WebhookAPIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// Stop ends the periodic export and flushes what is left
func (e *Exporter) Stop(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	return e.Flush(ctx)
}

// Status reports the exporter's queue and last export
func (e *Exporter) Status() map[string]interface{} {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	status := map[string]interface{}{
		"enabled":  e.config.Enabled,
		"queued":   len(e.batch),
		"exported": e.exported,
	}
	if e.config.Enabled {
		status["batch_size"] = e.config.BatchSize
		status["export_interval"] = e.config.ExportInterval.String()
	}
	if !e.lastExport.IsZero() {
		status["last_export"] = e.lastExport.UTC().Format(time.RFC3339)
	}
	return status
}
