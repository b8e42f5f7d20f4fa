// Package httpapi is the HTTP surface of the dispatch service: the customer
// booking flow, the collector workflow, presence ingestion, and the
// websocket feed. Handlers stay thin; every decision lives in the dispatch
// and lifecycle packages.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ak-badjie/mbalit/internal/dispatch"
	"github.com/ak-badjie/mbalit/internal/ingest"
	"github.com/ak-badjie/mbalit/internal/jobstore"
	"github.com/ak-badjie/mbalit/internal/lifecycle"
	"github.com/ak-badjie/mbalit/internal/models"
	"github.com/ak-badjie/mbalit/internal/notify"
	"github.com/ak-badjie/mbalit/internal/observability"
	"github.com/ak-badjie/mbalit/internal/presence"
)

// Gateway is the slice of the payment processor the booking flow needs.
// Nil disables holds: payment confirmation is then taken at the caller's
// word, acceptable only in local runs.
type Gateway interface {
	Hold(ctx context.Context, amountMinor int64, currency, customerID string) (string, error)
	Verify(ctx context.Context, paymentIntentID string) (bool, error)
}

type Server struct {
	Store      jobstore.Store
	Registry   presence.Registry
	Dispatcher *dispatch.Dispatcher
	Hub        *notify.Hub
	Kafka      *ingest.KafkaProducer
	Gateway    Gateway

	// Currency is the ISO code payment holds are created in.
	Currency string

	mux    *mux.Router
	logger *slog.Logger
}

func NewServer(store jobstore.Store, registry presence.Registry, d *dispatch.Dispatcher, hub *notify.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Store:      store,
		Registry:   registry,
		Dispatcher: d,
		Hub:        hub,
		Currency:   "gmd",
		mux:        mux.NewRouter(),
		logger:     logger,
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/pickups", s.handleCreatePickup).Methods("POST")
	s.mux.HandleFunc("/api/v1/pickups/{id}", s.handleGetPickup).Methods("GET")
	s.mux.HandleFunc("/api/v1/pickups/{id}/payment", s.handleConfirmPayment).Methods("POST")
	s.mux.HandleFunc("/api/v1/pickups/{id}/status", s.handleAdvanceStatus).Methods("POST")
	s.mux.HandleFunc("/api/v1/pickups/{id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/internal/collector/presence", s.handlePresenceReport).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{client_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createPickupRequest struct {
	CustomerID string       `json:"customer_id"`
	Capability string       `json:"capability"`
	Pickup     models.Coord `json:"pickup"`
	Address    string       `json:"address"`
	Price      float64      `json:"price"`
}

func (s *Server) handleCreatePickup(w http.ResponseWriter, r *http.Request) {
	var req createPickupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	capability, err := models.ParseCapability(req.Capability)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.Store.Create(r.Context(), models.Job{
		CustomerID: req.CustomerID,
		Capability: capability,
		Pickup:     req.Pickup,
		Address:    req.Address,
		Price:      req.Price,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.Gateway != nil {
		ref, err := s.Gateway.Hold(r.Context(), amountMinor(job.Price), s.Currency, job.CustomerID)
		if err != nil {
			s.logger.Error("payment hold failed", "job_id", job.ID, "error", err)
			writeError(w, http.StatusBadGateway, "payment could not be initiated, please try again")
			return
		}
		if err := s.Store.SetPaymentStatus(r.Context(), job.ID, models.PaymentProcessing, ref); err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		job.PaymentStatus = models.PaymentProcessing
		job.PaymentRef = ref
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetPickup(w http.ResponseWriter, r *http.Request) {
	job, ok, err := s.Store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "pickup not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleConfirmPayment marks the job paid and kicks off dispatch. With a
// gateway configured the hold is verified first, so a client cannot talk a
// job into dispatch without the money actually being reserved.
func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, ok, err := s.Store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "pickup not found")
		return
	}
	if job.Status != models.JobPending {
		writeError(w, http.StatusConflict, "this order can no longer be changed")
		return
	}
	if job.PaymentStatus != models.PaymentPaid {
		if s.Gateway != nil {
			paid, err := s.Gateway.Verify(r.Context(), job.PaymentRef)
			if err != nil {
				s.logger.Error("payment verify failed", "job_id", job.ID, "error", err)
				writeError(w, http.StatusBadGateway, "payment could not be verified, please try again")
				return
			}
			if !paid {
				writeError(w, http.StatusPaymentRequired, "payment has not cleared yet")
				return
			}
		}
		if err := s.Store.SetPaymentStatus(r.Context(), job.ID, models.PaymentPaid, ""); err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		job.PaymentStatus = models.PaymentPaid
	}
	go s.dispatchAsync(job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

// dispatchAsync runs the (possibly minutes-long) retry loop off the request
// goroutine. The sweeper catches jobs this loses to a crash.
func (s *Server) dispatchAsync(jobID string) {
	attempts := s.Dispatcher.Attempts
	if attempts <= 0 {
		attempts = dispatch.DefaultAttempts
	}
	delay := s.Dispatcher.RetryDelay
	if delay <= 0 {
		delay = dispatch.DefaultRetryDelay
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(attempts)*delay+time.Minute)
	defer cancel()
	if _, err := s.Dispatcher.Dispatch(ctx, jobID); err != nil && !errors.Is(err, dispatch.ErrNoEligibleCollector) {
		s.logger.Error("dispatch failed", "job_id", jobID, "error", err)
	}
}

type advanceRequest struct {
	CollectorID string `json:"collector_id"`
	Status      string `json:"status"`
}

func (s *Server) handleAdvanceStatus(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	target, err := models.ParseJobStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.Dispatcher.Advance(r.Context(), mux.Vars(r)["id"], req.CollectorID, target)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type cancelRequest struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	job, err := s.Dispatcher.Cancel(r.Context(), mux.Vars(r)["id"], req.ActorID, req.Reason)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handlePresenceReport takes a collector heartbeat. The report is applied
// to the registry directly and, when kafka is configured, also published so
// other replicas converge. Reports are idempotent either way.
func (s *Server) handlePresenceReport(w http.ResponseWriter, r *http.Request) {
	var rep models.PresenceReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if rep.CollectorID == "" {
		writeError(w, http.StatusBadRequest, "collector_id is required")
		return
	}
	if rep.ReportedAt.IsZero() {
		rep.ReportedAt = time.Now().UTC()
	}
	if err := s.Registry.Report(r.Context(), rep); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishReport(r.Context(), rep); err != nil {
			s.logger.Warn("presence publish failed", "collector_id", rep.CollectorID, "error", err)
		}
	}
	observability.PresenceReportsTotal.Inc()
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["client_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the error response
	}
	s.Hub.Add(id, conn)
	// drain reads so control frames are handled; the hub owns all writes
	go func() {
		defer s.Hub.Remove(id)
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// writeDispatchError maps dispatch and lifecycle failures onto statuses and
// the plain messages the apps show verbatim.
func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	var invalid *lifecycle.InvalidTransitionError
	switch {
	case errors.Is(err, jobstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "pickup not found")
	case errors.Is(err, dispatch.ErrActorNotAllowed):
		writeError(w, http.StatusForbidden, "this order can no longer be changed")
	case errors.As(err, &invalid):
		writeError(w, http.StatusConflict, invalid.Error())
	case errors.Is(err, dispatch.ErrNotDispatchable):
		writeError(w, http.StatusConflict, "this order cannot be dispatched")
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// amountMinor converts a price to the gateway's minor currency unit.
func amountMinor(price float64) int64 {
	return int64(math.Round(price * 100))
}
