package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// Event counter names recorded by the relay.
const (
	ConnectionsOpened        = "connections_opened"
	ConnectionsClosed        = "connections_closed"
	MessagesRelayed          = "messages_relayed"
	MessagesDroppedMalformed = "messages_dropped_malformed"
	MessagesDroppedUnknown   = "messages_dropped_unknown"
	MessagesDroppedUnrouted  = "messages_dropped_unrouted"
	ClientsKickedSlow        = "clients_kicked_slow"
	RoomsCreated             = "rooms_created"
	RoomsDeleted             = "rooms_deleted"
)

// Metrics is a minimal, concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot copies every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

// PrometheusHandler exposes Metrics in Prometheus' text exposition format as
// a single counter family with an `event` label.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintln(w, "# HELP p2pcall_relay_events_total Signaling relay event counters.")
		_, _ = fmt.Fprintln(w, "# TYPE p2pcall_relay_events_total counter")
		escaper := strings.NewReplacer("\\", "\\\\", "\"", "\\\"")
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "p2pcall_relay_events_total{event=\"%s\"} %d\n", escaper.Replace(k), snap[k])
		}
	})
}
