package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/offcache/offcache"
	"github.com/offcache/offcache/lifecycle"
	"github.com/offcache/offcache/metrics"
	"github.com/offcache/offcache/notify"
	"github.com/offcache/offcache/queue"
	"github.com/offcache/offcache/rules"
	"github.com/offcache/offcache/store"
)

var (
	// CLI flags
	configFilenameFlag string
	originFlag         string
	portFlag           int
	dbFilenameFlag     string
	generationFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&generationFlag, "generation", "", "Generation tag of this build (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Rotating log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	var config offcache.FileConfig
	if configFilenameFlag != "" {
		var err error
		config, err = offcache.GetConfig(configFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Cannot read config file")
		}
	}

	// flag overrides
	if originFlag != "" {
		config.Origin = originFlag
	}
	if dbFilenameFlag != "" {
		config.DB = dbFilenameFlag
	}
	if generationFlag != "" {
		config.Generation = generationFlag
	}
	if logFilenameFlag != "" {
		config.Log.File = logFilenameFlag
	}
	if config.Listen == "" {
		config.Listen = fmt.Sprintf(":%d", portFlag)
	}
	if config.Generation == "" {
		config.Generation = version
	}
	if config.DB == "" {
		config.DB = "offcache.db"
	}

	setupLogging(config)

	if config.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}
	originURL, err := url.Parse(config.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid origin URL")
	}

	dbFilename := config.DB
	if dbFilename == "memory" {
		dbFilename = "file::memory:?cache=shared"
	}
	cacheStore := store.NewSQLiteStore(dbFilename)
	mutationQueue := queue.NewSQLiteQueue(dbFilename)

	partitions := config.PartitionSet()
	timeout := config.FetchTimeout()
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	proxy := offcache.New(offcache.Config{
		Store:        cacheStore,
		Queue:        mutationQueue,
		Classifier:   config.Classifier(),
		Partitions:   partitions,
		OriginURL:    *originURL,
		FetchTimeout: config.FetchTimeout(),
		Logger:       &log.Logger,
	})

	manager := lifecycle.NewManager(lifecycle.Config{
		Store:          cacheStore,
		OriginURL:      *originURL,
		Client:         client,
		Precache:       config.Precache,
		ShellPartition: partitions[rules.PartitionStatic],
		Keep:           config.KeepSet(),
		Claim:          proxy.EnableInterception,
		Logger:         &log.Logger,
	})
	replayer := queue.NewReplayer(mutationQueue, *originURL, client, &log.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.Install(ctx); err != nil {
		log.Warn().Err(err).Msg("Install finished with pre-warm errors")
	}
	if err := manager.Activate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Could not activate")
	}

	if interval := time.Duration(config.SweepIntervalSeconds) * time.Second; interval > 0 {
		go sweepLoop(ctx, cacheStore, partitionList(partitions), interval)
	}

	control := &offcache.Control{
		Lifecycle:  manager,
		Replayer:   replayer,
		Store:      cacheStore,
		Queue:      mutationQueue,
		Bridge:     notify.NewBridge(logNotifier{}, config.Views),
		Generation: config.Generation,
		Logger:     &log.Logger,
	}

	router := chi.NewRouter()
	router.Mount("/-/offcache", control.Router())
	router.Handle("/*", proxy)

	server := &http.Server{
		Addr:    config.Listen,
		Handler: router,
	}
	go func() {
		log.Info().Str("listen", config.Listen).Str("generation", config.Generation).Msg("Proxy listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown did not complete cleanly")
	}
}

// setupLogging configures the global logger: console plus an optional
// rotating file.
func setupLogging(config offcache.FileConfig) {
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}
	switch config.Log.Level {
	case "info":
		logLevel = zerolog.InfoLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	}

	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if config.Log.File != "" {
		logOutputs = append(logOutputs, &lumberjack.Logger{
			Filename:   config.Log.File,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		})
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
}

// sweepLoop periodically deletes expired entries so the durable medium does
// not fill up with stale generations of API responses.
func sweepLoop(ctx context.Context, s store.Store, partitions []store.Partition, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.SweepExpired(ctx, partitions)
			if err != nil {
				log.Warn().Err(err).Msg("Periodic sweep failed")
				continue
			}
			if removed > 0 {
				metrics.SweptEntriesTotal.Add(float64(removed))
				log.Debug().Int("removed", removed).Msg("Swept expired entries")
			}
		}
	}
}

// logNotifier surfaces notifications in the process log; display to the user
// is the host application's job, it reads them from the push control response.
type logNotifier struct{}

func (logNotifier) Show(p notify.Payload) error {
	log.Info().Str("title", p.Title).Str("tag", p.Tag).Msg("Notification received")
	return nil
}

func partitionList(set map[rules.PartitionID]store.Partition) []store.Partition {
	parts := make([]store.Partition, 0, len(set))
	for _, p := range set {
		parts = append(parts, p)
	}
	return parts
}
