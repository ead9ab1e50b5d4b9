package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"p2pcall/internal/app/rooms"
	"p2pcall/internal/metrics"
	"p2pcall/pkg/presence"
	"p2pcall/pkg/webrtc/protocol"
)

const presenceTimeout = 2 * time.Second

// Settings is what browsers need to reach the relay and traverse NAT.
type Settings struct {
	ICEMode     string
	ICEServers  []protocol.ICEServer
	PublicWSURL string
}

// Relay is the signaling hub as seen by the HTTP layer.
type Relay interface {
	HTTPHandler() http.Handler
	Rooms() []rooms.Stats
}

// Deps wires the router.
type Deps struct {
	Relay    Relay
	Settings Settings
	Metrics  *metrics.Metrics
	// Presence, when set, is read back by GET /api/rooms and compared with
	// the live rooms.
	Presence presence.Store
	// StaticDir serves a single-page app when set.
	StaticDir string
	Logger    zerolog.Logger
}

// NewRouter mounts every endpoint.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(d.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Handle("/ws", d.Relay.HTTPHandler())
	r.Handle("/debug/ice", DebugICEHandler(d.Settings))
	r.Handle("/metrics", metrics.PrometheusHandler(d.Metrics))

	r.Route("/api", func(r chi.Router) {
		r.Handle("/settings", SettingsHandler(d.Settings, d.Logger))
		r.Get("/rooms", ListRoomsHandler(d.Relay, d.Presence, d.Logger).ServeHTTP)
		r.Post("/rooms", CreateRoomHandler(d.Logger).ServeHTTP)
		r.Get("/rooms/{code}", RoomLookupHandler(d.Relay, d.Logger).ServeHTTP)
	})

	if d.StaticDir != "" {
		r.Handle("/*", SPAHandler(d.StaticDir))
	}
	return r
}

// RequestLogger logs one line per request through zerolog.
func RequestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Debug().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("elapsed", time.Since(start)).
					Msg("http request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func SPAHandler(staticDir string) http.Handler {
	fs := http.FileServer(http.Dir(staticDir))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(staticDir, filepath.Clean("/"+r.URL.Path))
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			fs.ServeHTTP(w, r)
			return
		}

		index := filepath.Join(staticDir, "index.html")
		http.ServeFile(w, r, index)
	})
}

func DebugICEHandler(settings Settings) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"mode":       settings.ICEMode,
			"iceServers": settings.ICEServers,
		}, zerolog.Nop())
	})
}

func SettingsHandler(settings Settings, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"wsURL":      resolveWSURL(settings, r),
			"iceMode":    settings.ICEMode,
			"iceServers": settings.ICEServers,
			"codecs":     protocol.Subprotocols,
		}, logger)
	})
}

// ListRoomsHandler lists live rooms. With a presence store it also reports
// whether the mirror agrees with them.
func ListRoomsHandler(relay Relay, store presence.Store, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		list := relay.Rooms()
		body := map[string]interface{}{"rooms": list}
		if store != nil {
			live := make(map[string]int, len(list))
			for _, room := range list {
				live[room.ID] = room.Size
			}
			ctx, cancel := context.WithTimeout(r.Context(), presenceTimeout)
			report, err := presence.Check(ctx, store, live)
			cancel()
			if err != nil {
				logger.Warn().Err(err).Msg("presence readback failed")
				body["presence"] = map[string]interface{}{"error": err.Error()}
			} else {
				body["presence"] = report
			}
		}
		writeJSON(w, http.StatusOK, body, logger)
	})
}

// CreateRoomHandler hands out a fresh room code. The room itself only
// exists once someone joins it.
func CreateRoomHandler(logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := rooms.NewCode()
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"code": code,
			"url":  roomURL(r, code),
		}, logger)
	})
}

func RoomLookupHandler(relay Relay, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := strings.TrimSpace(chi.URLParam(r, "code"))
		for _, room := range relay.Rooms() {
			if room.ID != code {
				continue
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"code":      room.ID,
				"size":      room.Size,
				"createdAt": room.CreatedAt,
				"url":       roomURL(r, room.ID),
			}, logger)
			return
		}
		http.NotFound(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}, logger zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn().Err(err).Msg("response encode error")
	}
}

func resolveWSURL(settings Settings, r *http.Request) string {
	if settings.PublicWSURL != "" {
		return settings.PublicWSURL
	}

	proto := "ws"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		proto = "wss"
	}

	host := r.Host
	if host == "" {
		host = "localhost:8080"
	}

	return fmt.Sprintf("%s://%s/ws", proto, host)
}

func roomURL(r *http.Request, code string) string {
	proto := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		proto = "https"
	}
	host := r.Host
	if host == "" {
		host = "localhost:8080"
	}
	return fmt.Sprintf("%s://%s/rooms/%s", proto, host, code)
}
