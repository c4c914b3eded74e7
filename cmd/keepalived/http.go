//go:build unix

package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-keepalive/v1/config"
	"github.com/mirkobrombin/go-keepalive/v1/presets"
	"github.com/mirkobrombin/go-keepalive/v1/queue"
	"github.com/mirkobrombin/go-keepalive/v1/watch"
)

type statusResponse struct {
	State     string    `json:"state"`
	Last      string    `json:"last"`
	Armed     bool      `json:"armed"`
	NextFire  time.Time `json:"next_fire,omitempty"`
	LiveSweep string    `json:"live_sweep,omitempty"`
	Fired     uint64    `json:"fired"`
	Skipped   uint64    `json:"skipped"`
	Empty     uint64    `json:"empty"`
	Started   uint64    `json:"started"`
	Failed    uint64    `json:"failed"`
	Rejected  uint64    `json:"rejected"`
	Completed uint64    `json:"completed"`
	Holder    *uint64   `json:"holder,omitempty"`
}

// newHandler exposes metrics, scheduler status, server health and the
// event stream of k.
func newHandler(k *presets.Keepalive, reg prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		st := k.Scheduler.Status()
		resp := statusResponse{
			State:     st.State.String(),
			Last:      st.Last.String(),
			Armed:     st.Armed,
			NextFire:  st.NextFire,
			LiveSweep: st.LiveSweep,
			Fired:     st.Fired,
			Skipped:   st.Skipped,
			Empty:     st.Empty,
			Started:   st.Started,
			Failed:    st.Failed,
			Rejected:  st.Rejected,
			Completed: st.Completed,
		}
		if holder, ok := k.Coordinator.Holder(); ok {
			resp.Holder = &holder
		}
		writeJSON(w, resp)
	})
	mux.HandleFunc("GET /servers", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, k.Prober.Health())
	})
	mux.HandleFunc("POST /trigger", func(w http.ResponseWriter, _ *http.Request) {
		k.Scheduler.Trigger()
		w.WriteHeader(http.StatusAccepted)
	})
	mux.Handle("GET /events", watch.SSEHandler(k.Events, k.Hub.Topic()))
	mux.Handle("GET /events/ws", watch.WebSocketHandler(k.Events, k.Hub.Topic()))
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newRedisQueue(cfg *config.Config) (*queue.Redis, func()) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	return queue.NewRedis(client, cfg.Queue.Key), func() { _ = client.Close() }
}
