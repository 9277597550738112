package offcache

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/offcache/offcache/lifecycle"
	"github.com/offcache/offcache/notify"
	"github.com/offcache/offcache/queue"
	"github.com/offcache/offcache/store"
)

// Control is the narrow command surface the host application uses to manage
// the proxy: forced activation, pre-caching, purging, the connectivity-
// restored replay trigger, plus status and metrics.
type Control struct {
	Lifecycle  *lifecycle.Manager
	Replayer   *queue.Replayer
	Store      store.Store
	Queue      queue.Queue
	Bridge     *notify.Bridge
	Generation string
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Router returns the control channel routes.
func (c *Control) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/activate-new-version", c.handleActivate)
	r.Post("/pre-cache", c.handlePreCache)
	r.Post("/purge-all", c.handlePurgeAll)
	r.Post("/replay", c.handleReplay)
	r.Post("/push", c.handlePush)
	r.Get("/status", c.handleStatus)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

func (c *Control) log() *zerolog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return &log.Logger
}

// handleActivate forces immediate activation of this generation.
func (c *Control) handleActivate(w http.ResponseWriter, r *http.Request) {
	if err := c.Lifecycle.Activate(r.Context()); err != nil {
		c.log().Error().Err(err).Msg("Forced activation failed")
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"phase": c.Lifecycle.Phase()})
}

// handlePreCache adds the posted URLs to the static partition.
func (c *Control) handlePreCache(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URLs []string `json:"urls"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.URLs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "expected a non-empty urls list"})
		return
	}
	if err := c.Lifecycle.PreCache(r.Context(), body.URLs); err != nil {
		c.log().Warn().Err(err).Msg("Pre-cache partially failed")
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cached": len(body.URLs)})
}

// handlePurgeAll deletes every partition.
func (c *Control) handlePurgeAll(w http.ResponseWriter, r *http.Request) {
	if err := c.Store.PurgeAll(r.Context()); err != nil {
		c.log().Error().Err(err).Msg("Purge failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	c.log().Info().Msg("All partitions purged")
	writeJSON(w, http.StatusOK, map[string]any{"purged": true})
}

// handleReplay is the connectivity-restored trigger: it drains the mutation
// queue in FIFO order. A drain already in flight makes this a no-op.
func (c *Control) handleReplay(w http.ResponseWriter, r *http.Request) {
	replayed, err := c.Replayer.DrainAndReplay(r.Context())
	if err != nil {
		c.log().Error().Err(err).Msg("Replay trigger failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	pending, _ := c.Queue.Len(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"replayed": replayed, "pending": pending})
}

// handlePush hands an opaque push payload to the notification bridge and
// reports the resolved click target.
func (c *Control) handlePush(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "could not read payload"})
		return
	}
	payload, err := c.Bridge.Receive(raw)
	if err != nil {
		c.log().Warn().Err(err).Msg("Could not handle push payload")
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clickTarget": c.Bridge.ClickTarget(payload)})
}

func (c *Control) handleStatus(w http.ResponseWriter, r *http.Request) {
	pending, _ := c.Queue.Len(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"phase":      c.Lifecycle.Phase(),
		"generation": c.Generation,
		"pending":    pending,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
