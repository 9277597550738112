// Package offcache implements a client-resident caching and
// offline-resilience proxy. It classifies every outbound request, serves or
// refreshes cached responses under per-partition staleness policies, and
// durably queues failed write requests for replay once connectivity returns.
package offcache

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/offcache/offcache/queue"
	"github.com/offcache/offcache/rules"
	"github.com/offcache/offcache/store"
)

// ShellKey is the cache key of the pre-cached root document, served as the
// offline fallback for navigations.
const ShellKey = "/"

// defaultFetchTimeout bounds origin fetches; a timed-out fetch is treated
// like any other network failure.
const defaultFetchTimeout = 10 * time.Second

type Config struct {
	// Storage for cache entries.
	Store store.Store
	// Queue for failed mutations.
	Queue queue.Queue
	// Classifier mapping requests to partitions and strategies.
	Classifier rules.Classifier
	// Partitions maps logical partition ids to their physical partitions
	// (generation-tagged name plus max age).
	Partitions map[rules.PartitionID]store.Partition
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// FetchTimeout for origin fetches. Defaults to 10 seconds.
	FetchTimeout time.Duration
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Proxy is the strategy router. It implements http.Handler and sits between
// the application and the network for every outbound request.
//
// Two concurrent requests for the same key may both miss and both fetch;
// the second write wins. Cache coherency is best-effort rather than
// linearizable, which keeps unrelated keys from serializing on each other.
type Proxy struct {
	store        store.Store
	queue        queue.Queue
	classifier   rules.Classifier
	partitions   map[rules.PartitionID]store.Partition
	originURL    url.URL
	log          zerolog.Logger
	client       http.Client
	reverseproxy httputil.ReverseProxy
	intercepting atomic.Bool
}

// New initializes the proxy. Interception starts disabled; the lifecycle
// manager enables it when activation claims open sessions.
func New(config Config) *Proxy {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	timeout := config.FetchTimeout
	if timeout == 0 {
		timeout = defaultFetchTimeout
	}

	p := &Proxy{
		store:      config.Store,
		queue:      config.Queue,
		classifier: config.Classifier,
		partitions: config.Partitions,
		originURL:  config.OriginURL,
		log:        logger,
		client: http.Client{
			Timeout: timeout,
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}

	p.reverseproxy = httputil.ReverseProxy{
		Director: createDirector(config.OriginURL.Scheme, config.OriginURL.Host),
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.log.Warn().Err(err).Str("url", r.URL.String()).Msg("Bypass fetch failed")
			http.Error(w, "Could not get response", http.StatusBadGateway)
		},
	}

	return p
}

// EnableInterception starts routing requests through the cache.
// Invoked by the lifecycle manager's claim step.
func (p *Proxy) EnableInterception() {
	p.intercepting.Store(true)
}

// Intercepting reports whether the proxy is routing requests through the cache.
func (p *Proxy) Intercepting() bool {
	return p.intercepting.Load()
}

// ServeHTTP implements the http.Handler interface.
// It is the main entry point for every intercepted request.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !p.intercepting.Load() {
		p.bypass(w, r)
		return
	}
	if p.classifier.Excluded(r.URL.Path) {
		w.Header().Add("Cache-Status", "Offcache; fwd=bypass")
		p.bypass(w, r)
		return
	}
	if r.Method == http.MethodHead {
		// a HEAD response has no body and must not seed the cache
		w.Header().Add("Cache-Status", "Offcache; fwd=bypass")
		p.bypass(w, r)
		return
	}
	if r.Method != http.MethodGet {
		p.passThroughMutation(w, r)
		return
	}

	class := p.classifier.Classify(r)
	logger := p.log.With().
		Str("method", r.Method).
		Str("url", r.URL.RequestURI()).
		Str("partition", string(class.Partition)).
		Str("strategy", string(class.Strategy)).
		Logger()

	switch class.Strategy {
	case rules.StrategyCacheFirst:
		p.cacheFirst(w, r, class, logger)
	default:
		p.networkFirst(w, r, class, logger)
	}
}

// partition resolves a logical partition id to its physical partition,
// falling back to the runtime partition for unknown ids.
func (p *Proxy) partition(id rules.PartitionID) store.Partition {
	if part, ok := p.partitions[id]; ok {
		return part
	}
	return p.partitions[rules.PartitionRuntime]
}

func (p *Proxy) allPartitions() []store.Partition {
	parts := make([]store.Partition, 0, len(p.partitions))
	for _, part := range p.partitions {
		parts = append(parts, part)
	}
	return parts
}

// cacheKey returns the cache key for a request: the request URI, so query
// strings address distinct entries.
func cacheKey(r *http.Request) string {
	return r.URL.RequestURI()
}

// fetch requests the resource from the origin, with the bounded client.
func (p *Proxy) fetch(r *http.Request) (*http.Response, error) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, p.originURL.String()+r.URL.RequestURI(), r.Body)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, r.Header)
	req.Host = p.originURL.Host
	return p.client.Do(req)
}

// bypass pipes the request through to the origin with no caching involvement.
func (p *Proxy) bypass(w http.ResponseWriter, r *http.Request) {
	p.reverseproxy.ServeHTTP(w, r)
}

func createDirector(scheme, host string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		req.Host = host
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// strip forwarding headers added by an upstream proxy
		// some servers do not like them in the origin request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
