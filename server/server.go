// Package server exposes the feed generator over HTTP: the XRPC skeleton
// endpoints plus the did:web service document.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chcolte/bluesky-feedgen-go/algos"
	"github.com/chcolte/bluesky-feedgen-go/logger"
	"github.com/chcolte/bluesky-feedgen-go/models"
)

const defaultPageLimit = 50

// Config identifies this generator to the outside world.
type Config struct {
	ListenAddr   string
	Hostname     string // public hostname backing the did:web document
	ServiceDID   string // DID of this feed generator service
	PublisherDID string // DID that owns the feed records
}

// Server serves the feed query surface.
type Server struct {
	cfg      Config
	registry *algos.Registry
	http     *http.Server
}

// New creates a Server over the given algorithm registry.
func New(cfg Config, registry *algos.Registry) *Server {
	s := &Server{
		cfg:      cfg,
		registry: registry,
	}
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the chi route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/.well-known/did.json", s.handleDIDDocument)
	r.Get("/xrpc/app.bsky.feed.describeFeedGenerator", s.handleDescribe)
	r.Get("/xrpc/app.bsky.feed.getFeedSkeleton", s.handleGetFeedSkeleton)

	return r
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	logger.Info("HTTP server listening on ", s.cfg.ListenAddr)
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// did:webサービスドキュメント
func (s *Server) handleDIDDocument(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"@context": []string{"https://www.w3.org/ns/did/v1"},
		"id":       s.cfg.ServiceDID,
		"service": []map[string]string{
			{
				"id":              "#bsky_fg",
				"type":            "BskyFeedGenerator",
				"serviceEndpoint": "https://" + s.cfg.Hostname,
			},
		},
	})
}

func (s *Server) handleDescribe(w http.ResponseWriter, r *http.Request) {
	feeds := make([]map[string]string, 0)
	for _, name := range s.registry.Names() {
		feeds = append(feeds, map[string]string{
			"uri": "at://" + s.cfg.PublisherDID + "/app.bsky.feed.generator/" + name,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"did":   s.cfg.ServiceDID,
		"feeds": feeds,
	})
}

func (s *Server) handleGetFeedSkeleton(w http.ResponseWriter, r *http.Request) {
	feedURI := r.URL.Query().Get("feed")
	publisher, collection, rkey, ok := parseAtURI(feedURI)
	if !ok || publisher != s.cfg.PublisherDID || collection != "app.bsky.feed.generator" {
		writeError(w, http.StatusBadRequest, "UnsupportedAlgorithm", "Unsupported algorithm")
		return
	}

	algo, found := s.registry.Get(rkey)
	if !found {
		writeError(w, http.StatusBadRequest, "UnsupportedAlgorithm", "Unsupported algorithm")
		return
	}

	limit := defaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "invalid limit")
			return
		}
		limit = parsed
	}

	params := models.QueryParams{
		Feed:   feedURI,
		Limit:  limit,
		Cursor: r.URL.Query().Get("cursor"),
	}

	requesterDID := requesterFromAuth(r)

	page, err := algo.Generate(r.Context(), params, requesterDID)
	if err != nil {
		if errors.Is(err, algos.ErrMalformedCursor) {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "malformed cursor")
			return
		}
		// ストア障害等の内部エラー。詳細はログだけに出す
		logger.Errorf("server: generate %s failed: %v", rkey, err)
		writeError(w, http.StatusInternalServerError, "InternalServerError", "feed generation failed")
		return
	}

	writeJSON(w, http.StatusOK, page)
}

// parseAtURI splits "at://<authority>/<collection>/<rkey>".
func parseAtURI(uri string) (authority, collection, rkey string, ok bool) {
	rest, found := strings.CutPrefix(uri, "at://")
	if !found {
		return "", "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("server: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
