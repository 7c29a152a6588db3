// Copyright 2025 Certen Protocol
//
// Package server exposes the snapshot service's HTTP surface: a service
// descriptor, layered health checks, cache administration, a manual build
// trigger, and a read API over committed roots and their inclusion proofs.
// Handlers are grouped the way the teacher's ProofHandlers/BatchHandlers
// are: a struct holding its dependencies plus a logger, constructed with
// New and wired onto a plain http.ServeMux — no router dependency,
// matching what every handler file in this repo actually imports.
package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/certen-labs/merkle-snapshot/pkg/apperr"
	"github.com/certen-labs/merkle-snapshot/pkg/cache"
	"github.com/certen-labs/merkle-snapshot/pkg/config"
	"github.com/certen-labs/merkle-snapshot/pkg/orchestrator"
	"github.com/certen-labs/merkle-snapshot/pkg/scheduler"
	"github.com/certen-labs/merkle-snapshot/pkg/storage"
	"github.com/certen-labs/merkle-snapshot/pkg/tree"
)

const serviceName = "merkle-snapshot"
const serviceVersion = "1.0.0"

var hexHashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Server holds every dependency the HTTP surface reads from. It never
// mutates build state itself except through the scheduler's single-flight
// Trigger.
type Server struct {
	cfg          *config.Config
	cache        *cache.Cache
	backend      storage.Backend
	scheduler    *scheduler.Scheduler
	orchestrator *orchestrator.Orchestrator
	logger       *log.Logger
	startTime    time.Time
}

// New constructs a Server. All dependencies must already be wired and
// started by the caller (cmd/snapshotd).
func New(cfg *config.Config, c *cache.Cache, backend storage.Backend, sched *scheduler.Scheduler, orch *orchestrator.Orchestrator) *Server {
	return &Server{
		cfg:          cfg,
		cache:        c,
		backend:      backend,
		scheduler:    sched,
		orchestrator: orch,
		logger:       log.New(log.Writer(), "[Server] ", log.LstdFlags),
		startTime:    time.Now(),
	}
}

// Handler builds the routed http.Handler for the service.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/status", s.handleHealthStatus)
	mux.HandleFunc("/health/cache", s.handleHealthCache)
	mux.HandleFunc("/health/cache/clear", s.handleCacheClear)
	mux.HandleFunc("/health/cache/warmup", s.handleCacheWarmup)
	mux.HandleFunc("/health/build", s.handleBuild)

	mux.HandleFunc("/api/v1/roots/recent", s.handleRecentRoots)
	mux.HandleFunc("/api/v1/roots/", s.handleRootRoutes)

	mux.HandleFunc("/", s.handleRoot)

	return mux
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.writeError(w, http.StatusNotFound, "route not found")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"version": serviceVersion,
		"status":  "ok",
		"features": map[string]any{
			"cacheEnabled":   s.cache.Enabled(),
			"cacheConnected": s.cache.Connected(),
			"backend":        string(s.cfg.Backend),
		},
		"endpoints": map[string]string{
			"health":       "/health",
			"healthStatus": "/health/status",
			"healthCache":  "/health/cache",
			"cacheClear":   "/health/cache/clear",
			"cacheWarmup":  "/health/cache/warmup",
			"manualBuild":  "/health/build",
			"recentRoots":  "/api/v1/roots/recent",
			"rootByHash":   "/api/v1/roots/{hash}",
			"proof":        "/api/v1/roots/{hash}/proof?leaf=<path-or-hash>",
		},
	})
}

// handleHealth implements GET /health: aggregate health across backend,
// cache, scheduler, tree builder, and file system. Cache being down is a
// warning, never a failure.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	backendStatus := s.backend.TestConnection(ctx)
	schedulerHealthy := s.scheduler.Healthy()
	cacheConnected := s.cache.Connected()
	treeBuilderHealthy, treeBuilderError := treeBuilderCheck(s.orchestrator.LastBuild())

	healthy := backendStatus.Connected && schedulerHealthy && treeBuilderHealthy

	stats, statsErr := s.backend.Stats(ctx)

	body := map[string]any{
		"status": statusWord(healthy),
		"checks": map[string]any{
			"backend":     checkResult(backendStatus.Connected, backendStatus.Error),
			"cache":       cacheCheckResult(s.cache),
			"scheduler":   checkResult(schedulerHealthy, ""),
			"treeBuilder": checkResult(treeBuilderHealthy, treeBuilderError),
			"fileSystem":  checkResult(true, ""),
		},
		"lastBuild": buildSnapshotJSON(s.orchestrator.LastBuild()),
		"backendStats": stats,
		"cacheConnected": cacheConnected,
		"uptimeSeconds": int64(time.Since(s.startTime).Seconds()),
		"memory": memoryStats(),
	}
	if statsErr != nil {
		body["backendStatsError"] = statsErr.Error()
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, body)
}

// handleHealthStatus implements GET /health/status: detailed scheduler,
// builder, backend, and cache status plus the 5 most recent root records.
func (s *Server) handleHealthStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	recent, err := s.backend.GetRecentRoots(ctx, 5)
	if err != nil {
		s.logger.Printf("GetRecentRoots: %v", err)
		recent = nil
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"scheduler":   s.scheduler.Status(),
		"lastBuild":   buildSnapshotJSON(s.orchestrator.LastBuild()),
		"backend":     s.backend.TestConnection(ctx),
		"cache":       cacheCheckResult(s.cache),
		"recentRoots": recent,
	})
}

// handleHealthCache implements GET /health/cache: cache health plus key
// count and listed keys in the merkle: namespace.
func (s *Server) handleHealthCache(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	keys := s.cache.Keys(ctx)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"enabled":   s.cache.Enabled(),
		"connected": s.cache.Connected(),
		"keyCount":  len(keys),
		"keys":      keys,
	})
}

// handleCacheClear implements POST /health/cache/clear: invalidate merkle:*.
func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "only POST is allowed")
		return
	}
	n := s.cache.Invalidate(r.Context(), "merkle:*")
	s.writeJSON(w, http.StatusOK, map[string]any{"keysCleared": n})
}

// handleCacheWarmup implements POST /health/cache/warmup: preload the
// latest root and recent metadata from the backend into the cache.
func (s *Server) handleCacheWarmup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "only POST is allowed")
		return
	}
	ctx := r.Context()

	warmed := 0
	if hash, found, err := s.backend.GetLatestRootHash(ctx); err == nil && found {
		s.cache.SetLatestRootHash(ctx, hash)
		warmed++
	}

	recent, err := s.backend.GetRecentRoots(ctx, 5)
	if err == nil {
		for _, root := range recent {
			s.cache.SetTreeMetadata(ctx, cache.TreeMetadata{
				RootHash:   root.RootHash,
				ItemCount:  root.ItemCount,
				SourcePath: root.SourcePath,
				CreatedAt:  root.CreatedAt,
			})
			warmed++
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"warmed": warmed})
}

// handleBuild implements POST /health/build: a manual single-flight trigger.
func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "only POST is allowed")
		return
	}

	attempt, err := s.scheduler.Trigger()
	if err != nil {
		if apperr.Is(err, apperr.KindBusy) {
			s.writeError(w, http.StatusConflict, "a build is already in progress")
			return
		}
		s.writeError(w, http.StatusInternalServerError, s.safeMessage(err))
		return
	}
	if !attempt.Success {
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   s.safeMessageText(attempt.Error),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, attempt)
}

// handleRecentRoots implements GET /api/v1/roots/recent?limit=N.
func (s *Server) handleRecentRoots(w http.ResponseWriter, r *http.Request) {
	limit := 5
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}
	roots, err := s.backend.GetRecentRoots(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, s.safeMessage(err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"roots": roots})
}

// handleRootRoutes dispatches /api/v1/roots/{hash} and
// /api/v1/roots/{hash}/proof.
func (s *Server) handleRootRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/roots/")
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		s.writeError(w, http.StatusNotFound, "root hash is required")
		return
	}

	if strings.HasSuffix(path, "/proof") {
		hash := strings.TrimSuffix(path, "/proof")
		s.handleProof(w, r, hash)
		return
	}

	s.handleRootByHash(w, r, path)
}

func (s *Server) handleRootByHash(w http.ResponseWriter, r *http.Request, hash string) {
	full, found, err := s.backend.GetTreeByRootHash(r.Context(), hash)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, s.safeMessage(err))
		return
	}
	if !found {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("no root committed under %s", hash))
		return
	}
	s.writeJSON(w, http.StatusOK, full)
}

func (s *Server) handleProof(w http.ResponseWriter, r *http.Request, hash string) {
	leaf := r.URL.Query().Get("leaf")
	if leaf == "" {
		s.writeError(w, http.StatusBadRequest, "leaf query parameter is required")
		return
	}

	full, found, err := s.backend.GetTreeByRootHash(r.Context(), hash)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, s.safeMessage(err))
		return
	}
	if !found {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("no root committed under %s", hash))
		return
	}

	t, err := tree.FromBody(full.Body)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, s.safeMessage(err))
		return
	}

	var proof tree.Proof
	if hexHashPattern.MatchString(leaf) {
		proof, err = t.ProofForHash(tree.Hash(leaf))
	} else {
		proof, err = t.Proof(leaf, tree.ModeFiles)
	}
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			s.writeError(w, http.StatusNotFound, s.safeMessage(err))
			return
		}
		s.writeError(w, http.StatusInternalServerError, s.safeMessage(err))
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"rootHash": hash,
		"leaf":     leaf,
		"proof":    proof,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Printf("encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error":   http.StatusText(status),
		"message": message,
	})
}

// safeMessage suppresses error detail outside development environments.
func (s *Server) safeMessage(err error) string {
	return s.safeMessageText(err.Error())
}

func (s *Server) safeMessageText(text string) string {
	if s.cfg.Environment == "development" {
		return text
	}
	return "an internal error occurred"
}

func statusWord(healthy bool) string {
	if healthy {
		return "ok"
	}
	return "unhealthy"
}

func checkResult(ok bool, errText string) map[string]any {
	status := "ok"
	if !ok {
		status = "unhealthy"
	}
	result := map[string]any{"status": status}
	if errText != "" {
		result["error"] = errText
	}
	return result
}

// treeBuilderCheck reports the tree builder unhealthy only once it has
// actually failed a build; no build having run yet is not itself a
// failure.
func treeBuilderCheck(lastBuild *orchestrator.Snapshot) (bool, string) {
	if lastBuild == nil {
		return true, ""
	}
	if !lastBuild.Success {
		return false, lastBuild.Error
	}
	return true, ""
}

func cacheCheckResult(c *cache.Cache) map[string]any {
	if !c.Enabled() {
		return map[string]any{"status": "disabled"}
	}
	if c.Connected() {
		return map[string]any{"status": "ok"}
	}
	return map[string]any{"status": "disconnected"}
}

func buildSnapshotJSON(snap *orchestrator.Snapshot) any {
	if snap == nil {
		return nil
	}
	return map[string]any{
		"timestamp":      snap.Timestamp.UTC().Format(time.RFC3339),
		"success":        snap.Success,
		"rootHash":       snap.RootHash,
		"filesProcessed": snap.FilesProcessed,
		"buildTimeMs":    snap.BuildTime.Milliseconds(),
		"written":        snap.Written,
		"error":          snap.Error,
	}
}

func memoryStats() map[string]any {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return map[string]any{
		"allocBytes":      m.Alloc,
		"totalAllocBytes": m.TotalAlloc,
		"sysBytes":        m.Sys,
		"numGoroutine":    runtime.NumGoroutine(),
	}
}
