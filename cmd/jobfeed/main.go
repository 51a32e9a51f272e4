package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"jobfeed/internal/api"
	"jobfeed/internal/config"
	"jobfeed/internal/ingest"
	"jobfeed/internal/locker"
	"jobfeed/internal/queue"
	"jobfeed/internal/scheduler"
	"jobfeed/internal/source"
	"jobfeed/internal/source/board"
	"jobfeed/internal/source/feedapi"
	"jobfeed/internal/store"
	"jobfeed/internal/worker"
)

func main() {
	var (
		cfgPath   = flag.String("config", "jobfeed.yaml", "config file path")
		redisAddr = flag.String("redis", "", "redis address for distributed task locks (empty = in-process locks)")
		debug     = flag.Bool("debug", false, "enable pprof endpoints")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatal().Err(err).Str("path", *cfgPath).Msg("load config")
		}
		log.Warn().Str("path", *cfgPath).Msg("config file missing, using defaults")
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	if err := os.MkdirAll(cfg.App.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("create data dir")
	}

	// One instance per data dir; a second copy of the daemon would race
	// the scheduler and double-fire occurrences.
	fl := flock.New(filepath.Join(cfg.App.DataDir, "jobfeed.lock"))
	locked, err := fl.TryLock()
	if err != nil {
		log.Fatal().Err(err).Msg("acquire instance lock")
	}
	if !locked {
		log.Fatal().Str("dir", cfg.App.DataDir).Msg("another jobfeed instance holds the data dir")
	}
	defer fl.Unlock()

	queueStore := openDB(filepath.Join(cfg.App.DataDir, "queue.db"))
	defer queueStore.Close()
	if err := queue.EnsureSchema(queueStore.Pool); err != nil {
		log.Fatal().Err(err).Msg("ensure queue schema")
	}

	postingsStore := openDB(filepath.Join(cfg.App.DataDir, "postings.db"))
	defer postingsStore.Close()
	postingsDB := postingsStore.Pool
	if err := store.Migrate(postingsDB); err != nil {
		log.Fatal().Err(err).Msg("migrate postings")
	}

	repo := queue.NewSQLiteRepo(queueStore.Pool)
	if n, err := repo.RecoverStale(context.Background(), time.Now()); err == nil && n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stale running tasks")
	}

	limiter := source.NewHostLimiter(cfg.Limits.RequestsPerSec, cfg.Limits.Burst)
	adapters := buildAdapters(cfg, limiter)
	if len(adapters) == 0 {
		log.Warn().Msg("no sources configured; fetch tasks will have nothing to do")
	}

	handlers := map[string]worker.Handler{
		"fetch_postings":   &ingest.FetchHandler{DB: postingsDB, Adapters: adapters, Parallel: 4},
		"cleanup_postings": &ingest.CleanupHandler{DB: postingsDB},
	}

	var locks locker.TaskLocker
	if *redisAddr != "" {
		locks = locker.NewRedis(*redisAddr, os.Getenv("REDIS_PASSWORD"), 0)
		log.Info().Str("addr", *redisAddr).Msg("using redis task locks")
	} else {
		locks = locker.NewLocal()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.NewService(repo, cfg.TickInterval(), cfg.Workers.CatchUp)
	if err := syncSchedules(ctx, sched, cfg); err != nil {
		log.Fatal().Err(err).Msg("register schedules")
	}
	go sched.Start(ctx)

	backoff := worker.Backoff{Base: cfg.BackoffBase(), Cap: cfg.BackoffCap()}
	pool := worker.NewPool(repo, handlers, locks, backoff, cfg.Workers.Count, cfg.PollInterval())
	go pool.Run(ctx)

	srv := &http.Server{Addr: cfg.App.Addr, Handler: api.NewServerWithDebug(repo, postingsDB, *debug)}
	go func() {
		log.Info().Str("addr", cfg.App.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

func openDB(path string) *store.DB {
	db, err := store.Open(path)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("open db")
	}
	return db
}

func buildAdapters(cfg config.Config, limiter *source.HostLimiter) map[string]source.Adapter {
	adapters := map[string]source.Adapter{}

	for _, f := range cfg.Sources.Feeds {
		if !f.Enabled {
			continue
		}
		key := os.Getenv(f.APIKeyEnv)
		if key == "" {
			log.Warn().Str("source", f.Name).Str("env", f.APIKeyEnv).Msg("source enabled but API key env is empty, skipping")
			continue
		}
		adapters[f.Name] = feedapi.New(feedapi.Config{
			Name:    f.Name,
			BaseURL: f.BaseURL,
			APIKey:  key,
			APIHost: f.APIHost,
		}, limiter)
	}

	if len(cfg.Sources.Boards) > 0 {
		boards := make([]board.Board, 0, len(cfg.Sources.Boards))
		for _, b := range cfg.Sources.Boards {
			boards = append(boards, board.Board{Company: b.Company, URL: b.URL})
		}
		adapters["boards"] = board.New(board.Config{Name: "boards", Boards: boards}, limiter)
	}

	return adapters
}

// syncSchedules pushes the YAML schedule definitions into the schedule
// table. Existing rows keep their next_run so a restart never re-fires an
// occurrence that already ran.
func syncSchedules(ctx context.Context, sched *scheduler.Service, cfg config.Config) error {
	for _, def := range cfg.Schedules {
		var payload []byte
		var err error
		switch def.Task {
		case "fetch_postings":
			payload, err = json.Marshal(ingest.FetchParams{
				Sources:   def.Sources,
				Queries:   def.Queries,
				Locations: def.Locations,
				PageSize:  def.PageSize,
				MaxPages:  def.MaxPages,
			})
		case "cleanup_postings":
			payload, err = json.Marshal(ingest.CleanupParams{RetentionDays: cfg.Retention.Days})
		}
		if err != nil {
			return err
		}
		if err := sched.Register(ctx, def.Name, def.Cron, def.Task, payload, def.MaxAttempts, def.VisibilitySeconds); err != nil {
			return fmt.Errorf("schedule %q: %w", def.Name, err)
		}
		log.Info().Str("schedule", def.Name).Str("cron", def.Cron).Str("task", def.Task).Msg("schedule registered")
	}
	return nil
}
