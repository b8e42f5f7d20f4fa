package notify

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ak-badjie/mbalit/internal/models"
)

// Webhook mirrors job updates to an external app backend over HTTP. It is
// best-effort: deliveries run on their own goroutine and failures only log,
// since the backend can always re-read job state from the API.
type Webhook struct {
	Endpoint string
	Client   *http.Client
	Logger   *slog.Logger
}

func NewWebhook(endpoint string, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 3 * time.Second},
		Logger:   logger,
	}
}

// Notify posts the job update. Wire it to the job store with
// Subscribe("", webhook.Notify).
func (w *Webhook) Notify(job models.Job) {
	go w.deliver(Update(job))
}

func (w *Webhook) deliver(u JobUpdate) {
	b, err := json.Marshal(u)
	if err != nil {
		w.Logger.Error("webhook marshal failed", "job_id", u.JobID, "error", err)
		return
	}
	resp, err := w.Client.Post(w.Endpoint, "application/json", bytes.NewReader(b))
	if err != nil {
		w.Logger.Warn("webhook delivery failed", "job_id", u.JobID, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		w.Logger.Warn("webhook rejected", "job_id", u.JobID, "status", resp.StatusCode)
	}
}
