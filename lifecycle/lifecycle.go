// Package lifecycle orchestrates the proxy's install and activate phases:
// pre-warming the application shell at install time, garbage collecting
// partitions left over by prior generations at activation time, and claiming
// open sessions so the fresh proxy serves traffic without a reload.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/offcache/offcache/store"
)

// Phase is the proxy's lifecycle state.
type Phase string

const (
	PhaseInstalling Phase = "installing"
	PhaseInstalled  Phase = "installed"
	PhaseActivating Phase = "activating"
	PhaseActive     Phase = "active"
)

// Config wires a lifecycle manager.
type Config struct {
	// Store holding the cache partitions.
	Store store.Store
	// OriginURL of the application server.
	OriginURL url.URL
	// Client for pre-warm fetches. http.DefaultClient is used if nil.
	Client *http.Client
	// Precache is the fixed critical-asset list fetched at install time.
	Precache []string
	// ShellPartition receives pre-warmed assets (the static partition).
	ShellPartition store.Partition
	// Keep is the set of partition names valid for the current generation.
	// Everything else is garbage collected at activation.
	Keep []string
	// Claim is invoked once activation completes; it flips the proxy's
	// interception gate so already-open sessions are served.
	Claim func()
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Manager drives the Installing -> Installed -> Activating -> Active state
// machine. A manager that fails installation stays in Installing until the
// next deployed generation supersedes it; there is no automatic retry.
type Manager struct {
	store    store.Store
	origin   url.URL
	client   *http.Client
	precache []string
	shell    store.Partition
	keep     []string
	claim    func()
	log      zerolog.Logger
	mutex    sync.Mutex
	phase    Phase
}

func NewManager(cfg Config) *Manager {
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &log.Logger
	}
	return &Manager{
		store:    cfg.Store,
		origin:   cfg.OriginURL,
		client:   client,
		precache: cfg.Precache,
		shell:    cfg.ShellPartition,
		keep:     cfg.Keep,
		claim:    cfg.Claim,
		log:      logger.With().Str("component", "lifecycle").Logger(),
		phase:    PhaseInstalling,
	}
}

// Phase returns the current lifecycle phase.
func (m *Manager) Phase() Phase {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.phase
}

// Install pre-warms the shell asset list into the shell partition.
// The pre-warm is all-or-nothing as far as reporting goes: any failed asset
// makes Install return an error. The manager still advances to Installed,
// since the cache is an optimization rather than a requirement.
func (m *Manager) Install(ctx context.Context) error {
	m.mutex.Lock()
	if m.phase != PhaseInstalling {
		m.mutex.Unlock()
		return fmt.Errorf("install in phase %s", m.phase)
	}
	m.mutex.Unlock()

	err := m.PreCache(ctx, m.precache)
	if err != nil {
		m.log.Warn().Err(err).Msg("Shell pre-warm failed")
	} else {
		m.log.Info().Int("assets", len(m.precache)).Msg("Shell pre-warmed")
	}

	m.mutex.Lock()
	m.phase = PhaseInstalled
	m.mutex.Unlock()
	return err
}

// PreCache fetches the given URLs from the origin and stores the successful
// responses in the shell partition. It returns the combined error of every
// URL that could not be fetched and stored.
func (m *Manager) PreCache(ctx context.Context, urls []string) error {
	var errs []error
	for _, u := range urls {
		if err := m.preCacheOne(ctx, u); err != nil {
			errs = append(errs, fmt.Errorf("pre-caching %s: %w", u, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) preCacheOne(ctx context.Context, u string) error {
	req, err := http.NewRequestWithContext(ctx, "GET", m.origin.String()+u, nil)
	if err != nil {
		return err
	}
	res, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("origin returned %d", res.StatusCode)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	return m.store.Put(ctx, store.Entry{
		Partition:  m.shell.Name,
		Key:        u,
		Status:     res.StatusCode,
		Header:     res.Header,
		Body:       body,
		InsertedAt: time.Now(),
	})
}

// Activate garbage collects partitions not in the keep-set and claims open
// sessions. It is a no-op when already active.
func (m *Manager) Activate(ctx context.Context) error {
	m.mutex.Lock()
	switch m.phase {
	case PhaseActive:
		m.mutex.Unlock()
		return nil
	case PhaseInstalled:
		m.phase = PhaseActivating
		m.mutex.Unlock()
	default:
		phase := m.phase
		m.mutex.Unlock()
		return fmt.Errorf("activate in phase %s", phase)
	}

	if err := m.store.DeletePartitionsNotIn(ctx, m.keep); err != nil {
		// roll back so a later trigger can retry the GC
		m.mutex.Lock()
		m.phase = PhaseInstalled
		m.mutex.Unlock()
		return fmt.Errorf("collecting stale generations: %w", err)
	}
	m.log.Info().Strs("keep", m.keep).Msg("Stale generations collected")

	// the claim callback may read Phase, so flip it first
	m.mutex.Lock()
	m.phase = PhaseActive
	m.mutex.Unlock()

	if m.claim != nil {
		m.claim()
	}
	m.log.Info().Msg("Activated, intercepting open sessions")
	return nil
}
