package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chcolte/bluesky-feedgen-go/algos"
	"github.com/chcolte/bluesky-feedgen-go/appview"
	"github.com/chcolte/bluesky-feedgen-go/ingest"
	"github.com/chcolte/bluesky-feedgen-go/logger"
	"github.com/chcolte/bluesky-feedgen-go/server"
	"github.com/chcolte/bluesky-feedgen-go/store"
)

func main() {
	listenAddr, dbPath, relay, appviewHost, hostname, verbose := readFlags()
	logger.SetVerbose(verbose)

	cfg := readEnvConfig()

	st, err := store.Open(dbPath)
	if err != nil {
		logger.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	// フィードアルゴリズムを組み立てる
	registry := algos.NewRegistry()

	var likeSampler ingest.LikeSampler
	if cfg.identifier != "" && cfg.password != "" {
		session := appview.NewSession(appviewHost, cfg.identifier, cfg.password)
		if _, err := session.Token(); err != nil {
			logger.Fatalf("Failed to authenticate against %s: %v", appviewHost, err)
		}
		if cfg.publisherDID == "" {
			cfg.publisherDID = session.DID()
		}
		client := appview.NewClient(appviewHost, session)
		sampler := algos.NewSampler(client, st, cfg.sampler)
		registry.Add(algos.SamplerShortname, sampler)
		likeSampler = sampler
	} else {
		// 認証が要るのはcolikesだけ。キーワードフィードは資格情報なしで動く
		logger.Warn("FEEDGEN_IDENTIFIER/FEEDGEN_APP_PASSWORD not set, colikes feed disabled")
	}

	if cfg.keyword != "" {
		registry.Add(algos.KeywordShortname, algos.NewKeyword(cfg.keyword, st))
	}

	if len(registry.Names()) == 0 {
		logger.Fatal("No feeds configured (set credentials and/or FEEDGEN_KEYWORD)")
	}
	if cfg.publisherDID == "" {
		logger.Fatal("FEEDGEN_PUBLISHER_DID is required when running unauthenticated")
	}

	startMessage(listenAddr, dbPath, relay, appviewHost, hostname, registry.Names(), cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cursor, err := st.GetCursor(ctx, relay)
	if err != nil {
		logger.Fatalf("Failed to read cursor: %v", err)
	}

	orch := ingest.NewOrchestrator(relay, st, likeSampler, registry, cfg.ingest)
	manager := ingest.NewManager(relay, cursor, orch)

	srv := server.New(server.Config{
		ListenAddr:   listenAddr,
		Hostname:     hostname,
		ServiceDID:   "did:web:" + hostname,
		PublisherDID: cfg.publisherDID,
	}, registry)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server failed: %v", err)
		}
	}()

	go manager.Run(ctx)

	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP shutdown error: %v", err)
	}
	logger.Info("Bye")
}

// envConfig is everything sourced from the environment.
type envConfig struct {
	identifier   string
	password     string
	publisherDID string
	keyword      string
	sampler      algos.SamplerConfig
	ingest       ingest.Config
}

func readFlags() (string, string, string, string, string, bool) {
	var (
		l = flag.String("l", ":3000", "HTTP listen address")
		d = flag.String("d", "feedgen.db", "sqlite database path")
		r = flag.String("r", "bsky.network", "firehose relay host")
		a = flag.String("a", "bsky.social", "AppView/PDS host for graph queries")
		H = flag.String("H", "localhost", "public hostname (for did:web)")
		V = flag.Bool("V", false, "verbose output")
	)
	flag.Parse()
	return *l, *d, *r, *a, *H, *V
}

func readEnvConfig() envConfig {
	sampler := algos.DefaultSamplerConfig()
	sampler.ColikerLimit = envInt("COLIKER_LIMIT", sampler.ColikerLimit)
	sampler.LikesPerUser = envInt("LIKES_PER_USER", sampler.LikesPerUser)
	sampler.TopAuthorFraction = envFloat("TOP_AUTHOR_FRACTION", sampler.TopAuthorFraction)
	sampler.PostsPerAuthor = envInt("POSTS_PER_AUTHOR", sampler.PostsPerAuthor)
	sampler.MonitoredActors = envList("MONITORED_ACTORS")

	ing := ingest.DefaultConfig()
	ing.BatchSize = envInt("BATCH_SIZE", ing.BatchSize)
	ing.BatchPause = envDuration("BATCH_PAUSE", ing.BatchPause)
	ing.Retention = envDuration("RETENTION_WINDOW", ing.Retention)

	return envConfig{
		identifier:   os.Getenv("FEEDGEN_IDENTIFIER"),
		password:     os.Getenv("FEEDGEN_APP_PASSWORD"),
		publisherDID: os.Getenv("FEEDGEN_PUBLISHER_DID"),
		keyword:      os.Getenv("FEEDGEN_KEYWORD"),
		sampler:      sampler,
		ingest:       ing,
	}
}

func startMessage(listenAddr, dbPath, relay, appviewHost, hostname string, feeds []string, cfg envConfig) {
	logger.SetFlags(0)
	logger.Info("---------------------------------------------------")
	logger.Info("Bluesky Feed Generator v0.1.0")
	logger.Info("https://github.com/chcolte/bluesky-feedgen-go")
	logger.Info("- Relay:              ", relay)
	logger.Info("- AppView:            ", appviewHost)
	logger.Info("- Hostname:           ", hostname)
	logger.Info("- Listen:             ", listenAddr)
	logger.Info("- Database:           ", dbPath)
	logger.Info("- Feeds:              ", strings.Join(feeds, ", "))
	logger.Info("- Monitored actors:   ", len(cfg.sampler.MonitoredActors))
	logger.Info("- Retention:          ", cfg.ingest.Retention)
	logger.Info("---------------------------------------------------")
	logger.SetFlags(log.LstdFlags)
}

// ---- environment helpers ----

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		logger.Errorf("Invalid %s=%q, using default %d", key, raw, def)
		return def
	}
	return v
}

func envFloat(key string, def float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logger.Errorf("Invalid %s=%q, using default %g", key, raw, def)
		return def
	}
	return v
}

func envDuration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		logger.Errorf("Invalid %s=%q, using default %s", key, raw, def)
		return def
	}
	return v
}

func envList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
