package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mantis-sec/mantis/internal/models"
	"github.com/mantis-sec/mantis/internal/storage"
)

// webhookTimeout bounds each outbound webhook delivery.
const webhookTimeout = 10 * time.Second

// Engine runs every captured event through the stateless rule set and the
// stateful sliding-window detectors, persists the resulting alerts (which
// also pushes them to live subscribers), and dispatches them to the
// configured webhook in the background.
type Engine struct {
	store          storage.Store
	log            *slog.Logger
	webhookURL     string
	webhookHeaders map[string]string
	client         *http.Client

	mu    sync.Mutex
	brute *BruteForceDetector
	recon *ReconDetector
	wg    sync.WaitGroup
}

// NewEngine returns an Engine persisting alerts to store. webhookURL may be
// empty to disable outbound dispatch.
func NewEngine(store storage.Store, webhookURL string, webhookHeaders map[string]string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:          store,
		log:            logger,
		webhookURL:     webhookURL,
		webhookHeaders: webhookHeaders,
		client:         &http.Client{Timeout: webhookTimeout},
		brute:          NewBruteForceDetector(),
		recon:          NewReconDetector(),
	}
}

// ProcessEvent evaluates e against every rule and returns the alerts raised.
// Each alert is saved before the next rule runs; webhook delivery happens
// asynchronously and never blocks capture.
func (eng *Engine) ProcessEvent(ctx context.Context, e *models.Event) []models.Alert {
	var raised []models.Alert

	for _, rule := range statelessRules {
		if a := rule(e); a != nil {
			raised = eng.emit(ctx, raised, a)
		}
	}

	eng.mu.Lock()
	brute, recon := eng.brute, eng.recon
	eng.mu.Unlock()
	if a := brute.Check(e); a != nil {
		raised = eng.emit(ctx, raised, a)
	}
	if a := recon.Check(e); a != nil {
		raised = eng.emit(ctx, raised, a)
	}
	return raised
}

func (eng *Engine) emit(ctx context.Context, raised []models.Alert, a *models.Alert) []models.Alert {
	saved, err := eng.store.SaveAlert(ctx, a)
	if err != nil {
		eng.log.Error("alert save failed", "rule", a.RuleName, "error", err)
		return raised
	}
	eng.log.Warn("alert raised",
		"rule", saved.RuleName, "severity", saved.Severity,
		"src_ip", saved.SrcIP, "message", saved.Message)
	if eng.webhookURL != "" {
		alert := *saved
		eng.wg.Add(1)
		go func() {
			defer eng.wg.Done()
			eng.dispatch(alert)
		}()
	}
	return append(raised, *saved)
}

// dispatch POSTs one alert to the webhook endpoint.
func (eng *Engine) dispatch(a models.Alert) {
	payload, err := json.Marshal(map[string]any{
		"alert":     a,
		"source":    "honeypot",
		"timestamp": models.Now(),
	})
	if err != nil {
		eng.log.Warn("webhook payload encode failed", "error", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, eng.webhookURL, bytes.NewReader(payload))
	if err != nil {
		eng.log.Warn("webhook request build failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range eng.webhookHeaders {
		req.Header.Set(k, v)
	}

	resp, err := eng.client.Do(req)
	if err != nil {
		eng.log.Warn("webhook delivery failed", "rule", a.RuleName, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		eng.log.Warn("webhook rejected alert", "rule", a.RuleName, "status", resp.StatusCode)
	}
}

// ResetState discards all sliding-window detector state, re-arming the
// once-per-IP rules. Called alongside a database reset.
func (eng *Engine) ResetState() {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	eng.brute = NewBruteForceDetector()
	eng.recon = NewReconDetector()
}

// Close waits for in-flight webhook deliveries and releases the HTTP client.
func (eng *Engine) Close() {
	eng.wg.Wait()
	eng.client.CloseIdleConnections()
}
