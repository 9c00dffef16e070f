package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/taproom/card-agent/internal/core"
	"github.com/taproom/card-agent/internal/logging"
	"github.com/taproom/card-agent/internal/service"
	"github.com/taproom/card-agent/internal/settings"
)

// Version information (set via ldflags in production builds)
var (
	Version   = ""
	BuildTime = ""
	GitCommit = ""
)

func init() {
	// If version wasn't set via ldflags, this is a dev build
	if Version != "" {
		return
	}
	Version = "dev"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	var modified bool
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			GitCommit = setting.Value
		case "vcs.time":
			BuildTime = setting.Value
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	if GitCommit != "" {
		Version = "dev-" + GitCommit[:min(7, len(GitCommit))]
		if modified {
			Version += "-dirty"
		}
	}
}

// Options holds the optional collaborators of a Server.
type Options struct {
	Autostart service.Service
	// Shutdown is invoked after POST /v1/shutdown has been answered.
	Shutdown func()
}

// Server exposes the card command surface over HTTP and WebSocket.
type Server struct {
	cards     core.CardOperations
	hub       *WSHub
	autostart service.Service
	shutdown  func()
}

// NewServer creates the API. The hub must be running (go hub.Run()).
func NewServer(cards core.CardOperations, hub *WSHub, opts Options) *Server {
	return &Server{
		cards:     cards,
		hub:       hub,
		autostart: opts.Autostart,
		shutdown:  opts.Shutdown,
	}
}

// Handler returns the routed API wrapped in CORS and panic recovery.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/readers", s.handleListReaders).Methods(http.MethodGet)
	v1.HandleFunc("/readers/{reader}/blocks/{block:[0-9]+}", s.handleReadBlock).Methods(http.MethodGet)
	v1.HandleFunc("/readers/{reader}/blocks/{block:[0-9]+}", s.handleWriteBlock).Methods(http.MethodPut)
	v1.HandleFunc("/readers/{reader}/sectors/{sector:[0-9]+}/keys", s.handleChangeSectorKeys).Methods(http.MethodPost)
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/version", handleVersion).Methods(http.MethodGet)
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	v1.HandleFunc("/logs", handleLogs).Methods(http.MethodGet, http.MethodDelete)
	v1.HandleFunc("/crashes", handleCrashes).Methods(http.MethodGet)
	v1.HandleFunc("/settings", handleSettings).Methods(http.MethodGet, http.MethodPost)
	v1.HandleFunc("/autostart", s.handleAutostart).Methods(http.MethodGet, http.MethodPost, http.MethodDelete)
	v1.HandleFunc("/shutdown", s.handleShutdown).Methods(http.MethodPost)
	v1.HandleFunc("/ws", s.hub.ServeWS)

	return corsMiddleware(recoveryMiddleware(r))
}

// recoveryMiddleware catches panics and logs them to crash files.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				crashFile := logging.HandlePanic(rec, debug.Stack(), fmt.Sprintf("HTTP %s %s", r.Method, r.URL.Path))
				respondJSON(w, http.StatusInternalServerError, map[string]string{
					"error":     "internal server error",
					"crashFile": crashFile,
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware adds CORS headers to allow browser access from any origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data) // header already sent
}

// errorResponse is the uniform error body. Code is the error kind.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func statusForKind(k core.Kind) int {
	switch k {
	case core.KindInvalidInput:
		return http.StatusBadRequest
	case core.KindProtocolFailure:
		return http.StatusUnprocessableEntity
	case core.KindNoCard, core.KindReaderUnavailable:
		return http.StatusNotFound
	case core.KindSharingViolation:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondError(w http.ResponseWriter, err error) {
	kind := core.KindOf(err)
	respondJSON(w, statusForKind(kind), errorResponse{Error: err.Error(), Code: string(kind)})
}

func respondBadRequest(w http.ResponseWriter, msg string) {
	respondJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Code: string(core.KindInvalidInput)})
}

func (s *Server) handleListReaders(w http.ResponseWriter, r *http.Request) {
	readers, err := s.cards.ListReaders()
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, readers)
}

func (s *Server) handleReadBlock(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	block, err := strconv.Atoi(vars["block"])
	if err != nil {
		respondBadRequest(w, "invalid block number")
		return
	}

	query := r.URL.Query()
	keyType := query.Get("keyType")
	if keyType == "" {
		keyType = "A"
	}

	data, err := s.cards.ReadBlock(vars["reader"], block, keyType, query.Get("key"))
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"block": block,
		"data":  data,
	})
}

type writeBlockRequest struct {
	KeyType string `json:"keyType"`
	Key     string `json:"key"`
	Data    string `json:"data"`
}

func (s *Server) handleWriteBlock(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	block, err := strconv.Atoi(vars["block"])
	if err != nil {
		respondBadRequest(w, "invalid block number")
		return
	}

	var req writeBlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}

	if err := s.cards.WriteBlock(vars["reader"], block, req.KeyType, req.Key, req.Data); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type changeKeysRequest struct {
	KeyType    string `json:"keyType"`
	CurrentKey string `json:"currentKey"`
	NewKeyA    string `json:"newKeyA"`
	NewKeyB    string `json:"newKeyB"`
}

func (s *Server) handleChangeSectorKeys(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sector, err := strconv.Atoi(vars["sector"])
	if err != nil {
		respondBadRequest(w, "invalid sector number")
		return
	}

	var req changeKeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}

	err = s.cards.ChangeSectorKeys(vars["reader"], sector, req.KeyType, req.CurrentKey, req.NewKeyA, req.NewKeyB)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, ok := s.hub.LastStatus()
	if !ok {
		respondJSON(w, http.StatusServiceUnavailable, errorResponse{
			Error: "card status not observed yet",
			Code:  string(core.KindHardware),
		})
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.hub.health())
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if s.shutdown == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "shutdown not available",
		})
		return
	}

	logging.Info(logging.CatSystem, "Shutdown requested via API", nil)
	respondJSON(w, http.StatusOK, map[string]string{
		"success": "shutting down",
	})

	// after the response is written
	go s.shutdown()
}

func (s *Server) handleAutostart(w http.ResponseWriter, r *http.Request) {
	if s.autostart == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "auto-start not available",
		})
		return
	}

	switch r.Method {
	case http.MethodGet:
		status, _ := s.autostart.Status()
		respondJSON(w, http.StatusOK, map[string]any{
			"enabled": s.autostart.IsInstalled(),
			"status":  status,
		})

	case http.MethodPost:
		if s.autostart.IsInstalled() {
			respondJSON(w, http.StatusOK, map[string]string{"success": "auto-start already enabled"})
			return
		}
		if err := s.autostart.Install(); err != nil {
			logging.Error(logging.CatSystem, "Failed to enable auto-start", map[string]any{"error": err.Error()})
			respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		logging.Info(logging.CatSystem, "Auto-start enabled via API", nil)
		respondJSON(w, http.StatusOK, map[string]string{"success": "auto-start enabled"})

	case http.MethodDelete:
		if !s.autostart.IsInstalled() {
			respondJSON(w, http.StatusOK, map[string]string{"success": "auto-start already disabled"})
			return
		}
		if err := s.autostart.Uninstall(); err != nil {
			logging.Error(logging.CatSystem, "Failed to disable auto-start", map[string]any{"error": err.Error()})
			respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		logging.Info(logging.CatSystem, "Auto-start disabled via API", nil)
		respondJSON(w, http.StatusOK, map[string]string{"success": "auto-start disabled"})
	}
}

func queryLimit(r *http.Request, def, ceiling int) int {
	limit := def
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = min(l, ceiling)
	}
	return limit
}

func handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		logging.Get().Clear()
		respondJSON(w, http.StatusOK, map[string]string{"success": "logs cleared"})
		return
	}

	query := r.URL.Query()
	limit := queryLimit(r, 100, 1000)

	var minLevel *logging.Level
	if l, ok := logging.ParseLevel(strings.ToLower(query.Get("level"))); ok {
		minLevel = &l
	}

	var category *logging.Category
	if catStr := query.Get("category"); catStr != "" {
		c := logging.Category(catStr)
		category = &c
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"entries": logging.Get().GetEntries(limit, minLevel, category),
		"stats":   logging.Get().Stats(),
	})
}

func handleCrashes(w http.ResponseWriter, r *http.Request) {
	if filename := r.URL.Query().Get("file"); filename != "" {
		content, err := logging.ReadCrashLog(filename)
		if err != nil {
			respondJSON(w, http.StatusNotFound, map[string]string{
				"error": "crash log not found: " + err.Error(),
			})
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"filename": filename,
			"content":  content,
		})
		return
	}

	logs, err := logging.GetCrashLogs(queryLimit(r, 20, 100))
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list crash logs: " + err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"crashes":  logs,
		"crashDir": logging.CrashLogDir(),
	})
}

// handleSettings handles GET and POST requests for user settings.
func handleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var req struct {
			CrashReporting  *bool   `json:"crashReporting"`
			PreferredReader *string `json:"preferredReader"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondBadRequest(w, "invalid request body: "+err.Error())
			return
		}

		if req.CrashReporting != nil {
			if err := settings.SetCrashReporting(*req.CrashReporting); err != nil {
				respondJSON(w, http.StatusInternalServerError, map[string]string{
					"error": "failed to save settings: " + err.Error(),
				})
				return
			}
		}
		if req.PreferredReader != nil {
			if err := settings.SetPreferredReader(*req.PreferredReader); err != nil {
				respondJSON(w, http.StatusInternalServerError, map[string]string{
					"error": "failed to save settings: " + err.Error(),
				})
				return
			}
		}
	}

	s := settings.Get()
	respondJSON(w, http.StatusOK, map[string]any{
		"crashReporting":  s.CrashReporting,
		"preferredReader": s.PreferredReader,
	})
}
