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
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/trip-matching/internal/models"
)

// Consumes trip-match-events and keeps per-day outcome counters in Redis
// for dashboards. Runs as its own binary next to the API server.

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_match_events_consumed_total",
		Help: "Total match events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_match_events_invalid_total",
		Help: "Total invalid events received",
	})
	statsUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_stats_updates_total",
		Help: "Total successful stats updates",
	})
	statsErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_stats_errors_total",
		Help: "Total stats update errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, statsUpdates, statsErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	brokersEnv := os.Getenv("KAFKA_BROKERS")
	brokers := []string{}
	if brokersEnv != "" {
		for _, b := range strings.Split(brokersEnv, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	} else {
		brokers = []string{"localhost:9092"}
	}

	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "trip-match-events"
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "trip-matching-stats"
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rc := redis.NewClient(&redis.Options{Addr: redisAddr})
	stats := &redisStats{c: rc}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
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
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	log.Printf("consumer listening topic=%s brokers=%v group=%s", topic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down consumer")
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

		msgsConsumed.Inc()

		var ev models.MatchEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil || ev.TripID == "" || ev.Status == "" {
			msgsInvalid.Inc()
			log.Printf("invalid event: %v", err)
			continue
		}

		if err := updateStatsWithRetry(ctx, stats, &ev, 3, 200*time.Millisecond); err != nil {
			statsErrors.Inc()
			log.Printf("stats update failed for trip=%s: %v", ev.TripID, err)
			continue
		}
		statsUpdates.Inc()
	}
}

// StatsUpdater is the small subset of counter operations we need, kept as
// an interface for tests.
type StatsUpdater interface {
	IncrStatus(ctx context.Context, day string, status models.MatchStatus) error
}

type redisStats struct{ c *redis.Client }

func (r *redisStats) IncrStatus(ctx context.Context, day string, status models.MatchStatus) error {
	return r.c.HIncrBy(ctx, "trip:match_stats:"+day, string(status), 1).Err()
}

// updateStatsWithRetry bumps the day/status counter with retry and
// exponential backoff.
func updateStatsWithRetry(ctx context.Context, stats StatsUpdater, ev *models.MatchEvent, attempts int, delay time.Duration) error {
	day := ev.OccurredAt.UTC().Format("2006-01-02")
	var err error
	for i := 0; i < attempts; i++ {
		if err = stats.IncrStatus(ctx, day, ev.Status); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}
