package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/rs/cors"

	"novelext/internal/annaarchive"
	"novelext/internal/cache"
	"novelext/internal/config"
	"novelext/internal/fetch"
	"novelext/internal/plugins"
	"novelext/pkg/source"
)

const versionHeader = "X-Novelext-Version"

// Server exposes the registered sources over HTTP.
type Server struct {
	mu      sync.RWMutex
	config  *config.Config
	client  source.Client
	cache   *cache.Cache
	sources *plugins.Manager
	handler http.Handler
	version string
}

func New(cfg *config.Config, version string) (*Server, error) {
	pageCache, err := newCache(cfg)
	if err != nil {
		return nil, err
	}

	client, err := fetch.New(cfg, pageCache)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	sourceManager, err := plugins.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create source manager: %w", err)
	}

	if err := sourceManager.Load(cfg, Builtins(cfg)...); err != nil {
		return nil, fmt.Errorf("failed to load sources: %w", err)
	}

	return newServer(cfg, client, pageCache, sourceManager, version), nil
}

func newServer(cfg *config.Config, client source.Client, pageCache *cache.Cache, sources *plugins.Manager, version string) *Server {
	s := &Server{
		config:  cfg,
		client:  client,
		cache:   pageCache,
		sources: sources,
		version: version,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /sources", s.handleSources)
	mux.HandleFunc("GET /search", s.handleSearch)
	mux.HandleFunc("GET /book", s.handleBook)
	mux.HandleFunc("GET /opds/search", s.handleOPDSSearch)
	mux.HandleFunc("GET /opds/book", s.handleOPDSBook)

	s.handler = withRequestLogging(cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet},
	}).Handler(mux))

	return s
}

// Builtins returns the sources compiled into the host.
func Builtins(cfg *config.Config) []source.Source {
	return []source.Source{annaarchive.New(cfg.Anna)}
}

func newCache(cfg *config.Config) (*cache.Cache, error) {
	if !cfg.Redis.Enabled() {
		if cfg.MemoryCache {
			return cache.NewMemory(), nil
		}
		return nil, nil
	}
	pageCache, err := cache.New(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache client: %w", err)
	}
	return pageCache, nil
}

func sameCache(a, b *config.Config) bool {
	return a.Redis == b.Redis && a.MemoryCache == b.MemoryCache
}

// Sources returns the source manager, for readiness reporting.
func (s *Server) Sources() *plugins.Manager {
	return s.sources
}

// Client returns the HTTP capability currently handed to sources.
func (s *Server) Client() source.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

func (s *Server) UpdateConfig(cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pageCache := s.cache
	if !sameCache(s.config, cfg) {
		newPageCache, err := newCache(cfg)
		if err != nil {
			return err
		}
		pageCache = newPageCache
	}

	discard := func() {
		if pageCache != nil && pageCache != s.cache {
			if err := pageCache.Close(); err != nil {
				slog.Error("Failed to close unused cache client", "error", err)
			}
		}
	}

	client, err := fetch.New(cfg, pageCache)
	if err != nil {
		discard()
		return fmt.Errorf("failed to create HTTP client: %w", err)
	}

	if err := s.sources.Load(cfg, Builtins(cfg)...); err != nil {
		discard()
		return fmt.Errorf("failed to reload sources: %w", err)
	}

	if s.cache != nil && s.cache != pageCache {
		if err := s.cache.Close(); err != nil {
			slog.Error("Failed to close previous cache client", "error", err)
		}
	}

	if !slices.Equal(s.config.CORSOrigins, cfg.CORSOrigins) {
		slog.Warn("CORS origins are applied at startup only", "origins", s.config.CORSOrigins)
	}

	s.config = cfg
	s.client = client
	s.cache = pageCache

	return nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(versionHeader, s.version)
	s.handler.ServeHTTP(w, r)
}

type sourceInfo struct {
	Key     string `json:"key"`
	Name    string `json:"name"`
	Builtin bool   `json:"builtin"`
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	list := s.sources.List()
	infos := make([]sourceInfo, 0, len(list))
	for _, ls := range list {
		infos = append(infos, sourceInfo{Key: ls.SaveName(), Name: ls.Name(), Builtin: ls.Builtin()})
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	_, results, ok := s.search(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	_, book, ok := s.loadBook(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleOPDSSearch(w http.ResponseWriter, r *http.Request) {
	src, results, ok := s.search(w, r)
	if !ok {
		return
	}
	feed := searchFeed(src, r.URL.Query().Get("q"), results)
	writeFeed(w, feed, opdsAcquisitionType)
}

func (s *Server) handleOPDSBook(w http.ResponseWriter, r *http.Request) {
	src, book, ok := s.loadBook(w, r)
	if !ok {
		return
	}
	feed := bookFeed(src, r.URL.Query().Get("url"), book)
	writeFeed(w, feed, opdsAcquisitionType)
}

// search runs the query of r against the requested source, writing an error
// response and returning false when that fails.
func (s *Server) search(w http.ResponseWriter, r *http.Request) (*plugins.LoadedSource, []source.ShowResponse, bool) {
	src, ok := s.lookupSource(w, r)
	if !ok {
		return nil, nil, false
	}

	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "missing query parameter 'q'")
		return nil, nil, false
	}

	results, err := src.Search(fetch.WithNavigation(r.Context()), query, s.Client())
	if err != nil {
		s.sourceFailed(w, r.Context(), src, err)
		return nil, nil, false
	}

	slog.Info("Search served", "request_id", requestID(r.Context()), "source", src.SaveName(), "query", query, "results", len(results))
	return src, results, true
}

func (s *Server) loadBook(w http.ResponseWriter, r *http.Request) (*plugins.LoadedSource, *source.Book, bool) {
	src, ok := s.lookupSource(w, r)
	if !ok {
		return nil, nil, false
	}

	link := r.URL.Query().Get("url")
	if link == "" {
		writeError(w, http.StatusBadRequest, "missing query parameter 'url'")
		return nil, nil, false
	}

	book, err := src.LoadBook(fetch.WithNavigation(r.Context()), link, nil, s.Client())
	if err != nil {
		s.sourceFailed(w, r.Context(), src, err)
		return nil, nil, false
	}
	if book == nil {
		writeError(w, http.StatusBadGateway, "source returned no book")
		return nil, nil, false
	}

	slog.Info("Book served", "request_id", requestID(r.Context()), "source", src.SaveName(), "url", link, "links", len(book.Links))
	return src, book, true
}

func (s *Server) lookupSource(w http.ResponseWriter, r *http.Request) (*plugins.LoadedSource, bool) {
	key := r.URL.Query().Get("source")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing query parameter 'source'")
		return nil, false
	}

	src := s.sources.Get(key)
	if src == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown source '%s'", key))
		return nil, false
	}
	return src, true
}

func (s *Server) sourceFailed(w http.ResponseWriter, ctx context.Context, src source.Source, err error) {
	slog.Error("Source request failed", "request_id", requestID(ctx), "source", src.SaveName(), "error", err)

	if errors.Is(ctx.Err(), context.Canceled) {
		return
	}
	writeError(w, http.StatusBadGateway, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
