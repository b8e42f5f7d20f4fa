// Package notify pushes job updates out to connected clients. The core only
// writes state; everything here hangs off the job store's change feed.
package notify

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ak-badjie/mbalit/internal/geo"
	"github.com/ak-badjie/mbalit/internal/models"
)

// JobUpdate is the payload pushed to customers and collectors whenever a
// job changes.
type JobUpdate struct {
	JobID         string               `json:"job_id"`
	Status        models.JobStatus     `json:"status"`
	CollectorID   string               `json:"collector_id,omitempty"`
	EtaMinutes    int                  `json:"eta_minutes,omitempty"`
	Eta           string               `json:"eta,omitempty"`
	PaymentStatus models.PaymentStatus `json:"payment_status"`
	CancelReason  string               `json:"cancel_reason,omitempty"`
}

// Update renders the outward-facing view of a job change.
func Update(job models.Job) JobUpdate {
	u := JobUpdate{
		JobID:         job.ID,
		Status:        job.Status,
		PaymentStatus: job.PaymentStatus,
		CancelReason:  job.CancelReason,
	}
	if job.CollectorID != nil {
		u.CollectorID = *job.CollectorID
		u.EtaMinutes = job.EtaMinutes
		u.Eta = geo.FormatEta(job.EtaMinutes)
	}
	return u
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }

// jsonWriter is the slice of *websocket.Conn the hub uses; tests substitute
// their own.
type jsonWriter interface {
	WriteJSON(v interface{}) error
}

type session struct {
	w  jsonWriter
	mu sync.Mutex
}

func (s *session) send(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.WriteJSON(v)
}

// Hub tracks one live websocket session per client id. A client may be a
// collector or a customer; the id is whatever they connected under.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*session
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{sessions: make(map[string]*session), logger: logger}
}

func (h *Hub) Add(clientID string, conn *websocket.Conn) {
	h.add(clientID, conn)
}

func (h *Hub) add(clientID string, w jsonWriter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[clientID] = &session{w: w}
}

func (h *Hub) Remove(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, clientID)
}

// Push sends v to one client. Returns ErrNoSession when they are not
// connected.
func (h *Hub) Push(clientID string, v interface{}) error {
	h.mu.RLock()
	s, ok := h.sessions[clientID]
	h.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.send(v)
}

// BroadcastJob pushes the update to the job's customer and, when assigned,
// its collector. Missing sessions are fine; clients catch up over HTTP.
// Wire it to the job store with Subscribe("", hub.BroadcastJob).
func (h *Hub) BroadcastJob(job models.Job) {
	u := Update(job)
	if err := h.Push(job.CustomerID, u); err != nil && !errors.Is(err, ErrNoSession) {
		h.logger.Warn("customer push failed", "job_id", job.ID, "error", err)
	}
	if job.CollectorID == nil {
		return
	}
	if err := h.Push(*job.CollectorID, u); err != nil && !errors.Is(err, ErrNoSession) {
		h.logger.Warn("collector push failed", "job_id", job.ID, "error", err)
	}
}
