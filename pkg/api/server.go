// Package api provides the MGM daemon's admin HTTP surface: fleet
// snapshot, master role/access-policy (read, plus an operator-invoked
// role override), and drain/balance job status. Prometheus metrics are
// served separately by internal/metrics on their own listener.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/stratafs/mgm/internal/balance"
	"github.com/stratafs/mgm/internal/drain"
	"github.com/stratafs/mgm/internal/fsview"
	"github.com/stratafs/mgm/internal/master"
)

// Server serves the admin HTTP API.
type Server struct {
	httpServer *http.Server
	view       *fsview.FsView
	ctrl       *master.Controller
	drainEng   *drain.Engine
	balanceEng *balance.Engine
	config     ServerConfig
}

// ServerConfig configures the API server.
type ServerConfig struct {
	Address      string        `yaml:"address" json:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	EnableCORS   bool          `yaml:"enable_cors" json:"enable_cors"`
}

// DefaultServerConfig returns default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "localhost:8081",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		EnableCORS:   true,
	}
}

// NewServer builds the admin API server. Any of view/ctrl/drainEng/
// balanceEng may be nil; the corresponding endpoint then reports 503.
func NewServer(config ServerConfig, view *fsview.FsView, ctrl *master.Controller, drainEng *drain.Engine, balanceEng *balance.Engine) *Server {
	s := &Server{view: view, ctrl: ctrl, drainEng: drainEng, balanceEng: balanceEng, config: config}

	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", s.handleLiveness)
	mux.HandleFunc("/status/fsview", s.handleFsView)
	mux.HandleFunc("/status/master", s.handleMaster)
	mux.HandleFunc("/status/master/role", s.handleSetRole)
	mux.HandleFunc("/status/drain", s.handleDrain)
	mux.HandleFunc("/status/balance", s.handleBalance)
	mux.HandleFunc("/info", s.handleInfo)

	handler := s.loggingMiddleware(mux)
	if config.EnableCORS {
		handler = s.corsMiddleware(handler)
	}

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

// Start runs the HTTP server, blocking until it stops.
func (s *Server) Start() error {
	log.Printf("admin API listening on %s", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// StartBackground starts the server in a background goroutine.
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			log.Printf("admin API error: %v", err)
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

// handleFsView reports every registered space/group/filesystem
// snapshot (spec §3 FsView).
func (s *Server) handleFsView(w http.ResponseWriter, r *http.Request) {
	if s.view == nil {
		s.respondError(w, http.StatusServiceUnavailable, "fsview not configured")
		return
	}

	type fsOut struct {
		ID           int    `json:"id"`
		Host         string `json:"host"`
		Port         int    `json:"port"`
		Path         string `json:"path"`
		ConfigStatus string `json:"config_status"`
		BootStatus   string `json:"boot_status"`
		DrainStatus  string `json:"drain_status"`
	}
	type groupOut struct {
		Index       int     `json:"index"`
		Balancing   bool    `json:"balancing"`
		Stalled     bool    `json:"stalled"`
		FileSystems []fsOut `json:"filesystems"`
	}
	type spaceOut struct {
		Name   string     `json:"name"`
		Groups []groupOut `json:"groups"`
	}

	out := make([]spaceOut, 0)
	for _, sp := range s.view.Spaces() {
		spOut := spaceOut{Name: sp.Name}
		for _, g := range sp.Groups {
			gOut := groupOut{Index: g.Index, Balancing: g.Balancing, Stalled: g.Stalled}
			for _, fs := range g.FileSystems {
				snap := fs.Snapshot()
				gOut.FileSystems = append(gOut.FileSystems, fsOut{
					ID: snap.ID, Host: snap.Host, Port: snap.Port, Path: snap.Path,
					ConfigStatus: snap.ConfigStatus.String(),
					BootStatus:   snap.BootStatus.String(),
					DrainStatus:  snap.DrainStatus.String(),
				})
			}
			spOut.Groups = append(spOut.Groups, gOut)
		}
		out = append(out, spOut)
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{"spaces": out})
}

// handleMaster reports this process's role, running state, and
// derived access policy (spec §4.5).
func (s *Server) handleMaster(w http.ResponseWriter, r *http.Request) {
	if s.ctrl == nil {
		s.respondError(w, http.StatusServiceUnavailable, "master controller not configured")
		return
	}
	policy := s.ctrl.Policy()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"role":    s.ctrl.Role().String(),
		"running": s.ctrl.RunningState().String(),
		"policy": map[string]interface{}{
			"write_stall":       policy.WriteStall.String(),
			"general_stall":     policy.GeneralStall.String(),
			"write_redirect":    policy.WriteRedirect,
			"enoent_redirect":   policy.ENOENTRedirect,
			"dual_master_alarm": policy.DualMasterAlarm,
		},
	})
}

// handleSetRole applies an operator-invoked role override ("mgmd
// master promote"/"mgmd master demote"), matching the spec's explicit
// promotion model rather than automatic election (internal/master's
// package doc).
func (s *Server) handleSetRole(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if s.ctrl == nil {
		s.respondError(w, http.StatusServiceUnavailable, "master controller not configured")
		return
	}

	var body struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var role master.Role
	switch body.Role {
	case "master-rw":
		role = master.RoleMasterRW
	case "master-ro":
		role = master.RoleMasterRO
	case "slave-ro":
		role = master.RoleSlaveRO
	default:
		s.respondError(w, http.StatusBadRequest, "role must be one of master-rw, master-ro, slave-ro")
		return
	}

	s.ctrl.SetRole(role)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"role": s.ctrl.Role().String()})
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if s.drainEng == nil {
		s.respondError(w, http.StatusServiceUnavailable, "drain engine not configured")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"active_fsids": s.drainEng.ActiveFsids(),
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if s.balanceEng == nil {
		s.respondError(w, http.StatusServiceUnavailable, "balance engine not configured")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"active_groups": s.balanceEng.ActiveGroups(),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":   "mgm",
		"timestamp": time.Now(),
		"endpoints": []string{
			"/health/live", "/status/fsview", "/status/master",
			"/status/master/role", "/status/drain", "/status/balance", "/info",
		},
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("admin API: %s %s completed in %v", r.Method, r.URL.Path, time.Since(start))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("admin API: error encoding JSON response: %v", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}
