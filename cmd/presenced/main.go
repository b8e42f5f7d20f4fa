// presenced consumes collector heartbeats from kafka and applies them to
// the shared presence registry. Running it beside the API server keeps
// every replica's view of collector availability converged on the same
// redis state.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/ak-badjie/mbalit/internal/models"
	"github.com/ak-badjie/mbalit/internal/presence"
)

var (
	reportsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presenced_reports_consumed_total",
		Help: "Total presence reports consumed",
	})
	reportsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presenced_reports_invalid_total",
		Help: "Total invalid presence messages received",
	})
	registryUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presenced_registry_updates_total",
		Help: "Total presence reports applied to the registry",
	})
	registryErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presenced_registry_errors_total",
		Help: "Total registry update failures",
	})
)

func init() {
	prometheus.MustRegister(reportsConsumed, reportsInvalid, registryUpdates, registryErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	brokers := []string{"localhost:9092"}
	if env := os.Getenv("KAFKA_BROKERS"); env != "" {
		brokers = brokers[:0]
		for _, b := range strings.Split(env, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	}
	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "collector-presence"
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "mbalit-presenced"
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	ttl := 90 * time.Second
	if env := os.Getenv("PRESENCE_TTL"); env != "" {
		if d, err := time.ParseDuration(env); err == nil {
			ttl = d
		}
	}
	registry := presence.NewRedisRegistry(redisAddr, os.Getenv("REDIS_PASSWORD"), os.Getenv("REDIS_NAMESPACE"), ttl)
	defer registry.Close()

	// metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := registry.Ping(r.Context()); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() { _ = r.Close() }()

	log.Printf("presenced listening topic=%s brokers=%v group=%s", topic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down presenced")
				return
			}
			log.Printf("kafka read error: %v; backing off %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		reportsConsumed.Inc()

		var rep models.PresenceReport
		if err := json.Unmarshal(m.Value, &rep); err != nil || rep.CollectorID == "" {
			reportsInvalid.Inc()
			log.Printf("invalid presence message: %v", err)
			continue
		}

		if err := applyWithRetry(ctx, registry, rep, 3, 200*time.Millisecond); err != nil {
			registryErrors.Inc()
			log.Printf("registry update failed for collector=%s: %v", rep.CollectorID, err)
			continue
		}
		registryUpdates.Inc()
	}
}

// RegistryUpdater is the slice of the presence registry the consumer needs;
// tests substitute their own.
type RegistryUpdater interface {
	Report(ctx context.Context, rep models.PresenceReport) error
}

// applyWithRetry applies one report with a small exponential backoff so a
// redis hiccup does not drop heartbeats.
func applyWithRetry(ctx context.Context, reg RegistryUpdater, rep models.PresenceReport, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = reg.Report(ctx, rep); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		time.Sleep(delay)
		delay *= 2
	}
	return err
}
