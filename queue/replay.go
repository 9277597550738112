package queue

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/offcache/offcache/metrics"
)

// Replayer drains the queue against the origin when the host application's
// connectivity watcher fires. At most one drain runs at a time; concurrent
// triggers return immediately. New enqueues are not blocked by a drain.
type Replayer struct {
	queue    Queue
	origin   url.URL
	client   *http.Client
	log      zerolog.Logger
	draining sync.Mutex
}

// NewReplayer creates a replayer for the given queue and origin.
// The client should carry a bounded timeout; http.DefaultClient is used if nil.
func NewReplayer(q Queue, origin url.URL, client *http.Client, logger *zerolog.Logger) *Replayer {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = &log.Logger
	}
	return &Replayer{
		queue:  q,
		origin: origin,
		client: client,
		log:    logger.With().Str("component", "replayer").Logger(),
	}
}

// DrainAndReplay re-issues queued mutations in FIFO order.
// An entry is removed only after a 2xx replay; the first failure stops the
// drain so that a retry of an older mutation is never reordered after a
// younger one. It returns the number of mutations successfully replayed.
func (r *Replayer) DrainAndReplay(ctx context.Context) (int, error) {
	if !r.draining.TryLock() {
		r.log.Debug().Msg("Drain already in flight, skipping")
		return 0, nil
	}
	defer r.draining.Unlock()

	mutations, err := r.queue.All(ctx)
	if err != nil {
		return 0, err
	}
	r.log.Debug().Int("pending", len(mutations)).Msg("Draining mutation queue")

	replayed := 0
	for _, m := range mutations {
		if err := r.replay(ctx, m); err != nil {
			metrics.RecordReplay("failure")
			r.log.Warn().Err(err).
				Str("id", m.ID).
				Str("method", m.Method).
				Str("url", m.URL).
				Msg("Replay failed, leaving mutation queued")
			break
		}
		metrics.RecordReplay("success")
		if err := r.queue.Remove(ctx, m.ID); err != nil {
			r.log.Error().Err(err).Str("id", m.ID).Msg("Could not remove replayed mutation")
			break
		}
		replayed++
	}

	if depth, err := r.queue.Len(ctx); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}
	return replayed, nil
}

func (r *Replayer) replay(ctx context.Context, m Mutation) error {
	req, err := http.NewRequestWithContext(ctx, m.Method, r.origin.String()+m.URL, bytes.NewReader(m.Body))
	if err != nil {
		return err
	}
	for name, values := range m.Header {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	res, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &ReplayStatusError{Status: res.StatusCode}
	}
	return nil
}

// ReplayStatusError reports a replay answered with a non-2xx status.
type ReplayStatusError struct {
	Status int
}

func (e *ReplayStatusError) Error() string {
	return fmt.Sprintf("replay rejected with status %d", e.Status)
}
