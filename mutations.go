package offcache

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/offcache/offcache/metrics"
	"github.com/offcache/offcache/queue"
)

// passThroughMutation forwards a write request to the origin. On a
// connectivity failure the request is queued durably and the caller gets a
// synthetic 503 acknowledging the queued write. Non-2xx origin responses are
// returned as-is; the origin saw the request, so nothing is queued.
func (p *Proxy) passThroughMutation(w http.ResponseWriter, r *http.Request) {
	logger := p.log.With().
		Str("method", r.Method).
		Str("url", r.URL.RequestURI()).
		Logger()

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			logger.Error().Err(err).Msg("Could not read mutation body")
			http.Error(w, "Could not read request body", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	res, err := p.fetch(r)
	if err == nil {
		defer res.Body.Close()
		w.Header().Add("Cache-Status", "Offcache; fwd=method")
		copyHeadersTo(w.Header(), res.Header)
		w.WriteHeader(res.StatusCode)
		if _, err := io.Copy(w, res.Body); err != nil {
			logger.Error().Err(err).Msg("Could not write response body to client")
		}
		return
	}

	metrics.NetworkFailuresTotal.Inc()
	m, qerr := p.queue.Enqueue(r.Context(), queue.Mutation{
		Method: r.Method,
		URL:    r.URL.RequestURI(),
		Header: r.Header.Clone(),
		Body:   body,
	})
	if qerr != nil {
		logger.Error().Err(qerr).Msg("Could not queue failed mutation")
		p.sendSynthetic(w, "asset", logger)
		return
	}
	metrics.MutationsEnqueuedTotal.Inc()
	if depth, err := p.queue.Len(r.Context()); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}
	logger.Info().Err(err).Str("id", m.ID).Msg("Offline, mutation queued for replay")

	w.Header().Set("Content-Type", "application/json")
	w.Header().Add("Cache-Status", "Offcache; fwd=method; detail=queued")
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]any{
		"queued": true,
		"id":     m.ID,
	})
}
