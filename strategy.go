package offcache

import (
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/offcache/offcache/metrics"
	entrycodec "github.com/offcache/offcache/pkg/entry-codec"
	"github.com/offcache/offcache/rules"
	"github.com/offcache/offcache/store"
)

// cacheFirst serves a fresh cached entry without touching the network.
// On a miss or a stale entry it fetches, stores, and returns the response;
// on network failure it falls back to the stale entry, else a synthetic 503.
func (p *Proxy) cacheFirst(w http.ResponseWriter, r *http.Request, class rules.Class, logger zerolog.Logger) {
	partition := p.partition(class.Partition)
	key := cacheKey(r)

	entry, ok, err := p.store.Get(r.Context(), partition.Name, key)
	if err != nil {
		logger.Error().Err(err).Str("key", key).Msg("Could not read from cache")
		ok = false
	}
	if ok && !store.IsStale(entry, partition) {
		metrics.RecordLookup(string(class.Partition), true)
		logger.Debug().Str("key", key).Msg("Cache hit and serving")
		p.sendEntry(w, entry, "Offcache; hit")
		return
	}
	metrics.RecordLookup(string(class.Partition), false)

	res, err := p.fetch(r)
	if err != nil {
		metrics.NetworkFailuresTotal.Inc()
		logger.Debug().Err(err).Msg("Network failed on cache miss")
		if ok {
			// stale fallback beats a synthetic error
			p.sendEntry(w, entry, "Offcache; hit; detail=stale")
			return
		}
		p.sendSynthetic(w, class.Kind, logger)
		return
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		metrics.NetworkFailuresTotal.Inc()
		logger.Warn().Err(err).Msg("Could not read origin response")
		if ok {
			p.sendEntry(w, entry, "Offcache; hit; detail=stale")
			return
		}
		p.sendSynthetic(w, class.Kind, logger)
		return
	}

	if isSuccess(res.StatusCode) {
		// store first, so a concurrent identical request can observe
		// the fresh entry
		p.writeCache(r, partition, key, res.StatusCode, res.Header, body, logger)
		sendResponse(w, res.StatusCode, res.Header, body, "Offcache; fwd=miss; stored")
		return
	}
	sendResponse(w, res.StatusCode, res.Header, body, "Offcache; fwd=miss; uncacheable")
}

// networkFirst fetches from the network first. Failures, including non-2xx
// responses, fall back to any cached entry; absent one, documents fall back
// to the pre-cached shell and API requests to a synthetic JSON 503.
func (p *Proxy) networkFirst(w http.ResponseWriter, r *http.Request, class rules.Class, logger zerolog.Logger) {
	partition := p.partition(class.Partition)
	key := cacheKey(r)

	res, err := p.fetch(r)
	if err == nil {
		defer res.Body.Close()
		body, readErr := io.ReadAll(res.Body)
		if readErr == nil {
			if isSuccess(res.StatusCode) {
				p.writeCache(r, partition, key, res.StatusCode, res.Header, body, logger)
				sendResponse(w, res.StatusCode, res.Header, body, "Offcache; fwd=miss; stored")
				return
			}
			// error responses are never cached; serve the cached copy
			// if one exists, otherwise the response as-is
			if entry, ok, _ := p.store.Get(r.Context(), partition.Name, key); ok {
				metrics.RecordLookup(string(class.Partition), true)
				p.sendEntry(w, entry, "Offcache; hit; detail=error-fallback")
				return
			}
			sendResponse(w, res.StatusCode, res.Header, body, "Offcache; fwd=miss; uncacheable")
			return
		}
		err = readErr
	}

	metrics.NetworkFailuresTotal.Inc()
	logger.Debug().Err(err).Msg("Network failed, falling back to cache")

	if entry, ok, _ := p.store.Get(r.Context(), partition.Name, key); ok {
		metrics.RecordLookup(string(class.Partition), true)
		p.sendEntry(w, entry, "Offcache; hit; detail=offline")
		return
	}
	metrics.RecordLookup(string(class.Partition), false)

	if class.Kind == rules.KindDocument {
		shell := p.partition(rules.PartitionStatic)
		if entry, ok, _ := p.store.Get(r.Context(), shell.Name, ShellKey); ok {
			logger.Debug().Msg("Serving pre-cached shell for navigation")
			p.sendEntry(w, entry, "Offcache; hit; detail=shell")
			return
		}
	}
	p.sendSynthetic(w, class.Kind, logger)
}

// writeCache stores a successful response, applying the quota policy:
// on a quota failure, sweep expired entries across all partitions and retry
// exactly once; a second failure drops the write silently. The in-flight
// response is unaffected either way.
func (p *Proxy) writeCache(r *http.Request, partition store.Partition, key string, status int, header http.Header, body []byte, logger zerolog.Logger) {
	entry := store.Entry{
		Partition:  partition.Name,
		Key:        key,
		Status:     status,
		Header:     header,
		Body:       body,
		InsertedAt: time.Now(),
	}
	err := p.store.Put(r.Context(), entry)
	if err == nil {
		logger.Debug().Str("key", key).Msg("Cache write")
		return
	}
	if store.IsQuotaErr(err) {
		removed, sweepErr := p.store.SweepExpired(r.Context(), p.allPartitions())
		if sweepErr != nil {
			logger.Warn().Err(sweepErr).Msg("Quota sweep failed")
		}
		metrics.SweptEntriesTotal.Add(float64(removed))
		if err = p.store.Put(r.Context(), entry); err == nil {
			logger.Debug().Str("key", key).Int("swept", removed).Msg("Cache write after quota sweep")
			return
		}
	}
	// cache is an optimization, not a source of truth
	logger.Warn().Err(err).Str("key", key).Msg("Could not write to cache, dropping entry")
}

// sendEntry writes a stored entry to the client, preserving the status and
// headers of the cached response.
func (p *Proxy) sendEntry(w http.ResponseWriter, entry store.Entry, cacheStatus string) {
	header := entry.Header.Clone()
	header.Del(entrycodec.StoredAtHeader)
	sendResponse(w, entry.Status, header, entry.Body, cacheStatus)
}

func (p *Proxy) sendSynthetic(w http.ResponseWriter, kind rules.Kind, logger zerolog.Logger) {
	metrics.RecordSynthetic(string(kind))
	logger.Debug().Str("kind", string(kind)).Msg("Serving synthetic response")
	if kind == rules.KindAPI {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Add("Cache-Status", "Offcache; fwd=miss; detail=offline")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"offline","detail":"no network and no cached response"}`))
		return
	}
	w.Header().Add("Cache-Status", "Offcache; fwd=miss; detail=offline")
	http.Error(w, "Service unavailable: offline", http.StatusServiceUnavailable)
}

func sendResponse(w http.ResponseWriter, status int, header http.Header, body []byte, cacheStatus string) {
	copyHeadersTo(w.Header(), header)
	w.Header().Add("Cache-Status", cacheStatus)
	w.WriteHeader(status)
	w.Write(body)
}

func isSuccess(status int) bool {
	return status >= 200 && status <= 299
}

// copyHeadersTo copies the headers from one http.Header to another.
func copyHeadersTo(dst, src http.Header) {
	for name, values := range src {
		for _, value := range values {
			dst.Set(name, value)
		}
	}
}
