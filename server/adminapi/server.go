// Package adminapi exposes the HTTP administration surface: triggering and
// inspecting sync runs, submitting bulk operations, managing the purge queue
// and the sync schedule, and reading the audit trail.
package adminapi

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migadu/rondo/bulkops"
	"github.com/migadu/rondo/db"
	"github.com/migadu/rondo/directory"
	"github.com/migadu/rondo/logger"
)

// Store defines the read-side database operations the API serves.
// This allows for mocking in tests.
type Store interface {
	GetAccount(ctx context.Context, directoryID string) (*db.Account, error)
	ListAccounts(ctx context.Context, status directory.Status, limit, offset int) ([]db.Account, error)
	GetSyncRun(ctx context.Context, id uuid.UUID) (*db.SyncRun, error)
	ListSyncRuns(ctx context.Context, limit, offset int) ([]db.SyncRun, error)
	GetBulkOperation(ctx context.Context, id uuid.UUID) (*db.BulkOperation, error)
	ListBulkOperations(ctx context.Context, limit, offset int) ([]db.BulkOperation, error)
	ListBulkItems(ctx context.Context, operationID uuid.UUID) ([]db.BulkItem, error)
	GetPurgeEntry(ctx context.Context, id int64) (*db.PurgeEntry, error)
	ListPurgeEntries(ctx context.Context, state string, limit, offset int) ([]db.PurgeEntry, error)
	ListAuditEntries(ctx context.Context, filter db.AuditFilter) ([]db.AuditEntry, error)
	Ping(ctx context.Context) error
}

// SyncRunner triggers sync runs. Satisfied by the sync engine.
type SyncRunner interface {
	Run(ctx context.Context, trigger string) (*db.SyncRun, error)
	Running() bool
}

// BulkSubmitter accepts bulk operation submissions. Satisfied by the bulk
// executor.
type BulkSubmitter interface {
	Submit(ctx context.Context, action, submittedBy string, items []bulkops.SubmitItem) (*db.BulkOperation, error)
}

// PurgeCanceller withdraws queued purge entries.
type PurgeCanceller interface {
	Cancel(ctx context.Context, id int64, actor string) error
}

// ScheduleManager reads and updates the persisted sync schedule.
type ScheduleManager interface {
	Config(ctx context.Context) (*db.ScheduleConfig, error)
	Reconfigure(ctx context.Context, intervalHours int, actor string) (*db.ScheduleConfig, error)
}

// Server represents the HTTP admin API server
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	store        Store
	runner       SyncRunner
	bulk         BulkSubmitter
	purge        PurgeCanceller
	schedule     ScheduleManager
	server       *http.Server
	tls          bool
	tlsCertFile  string
	tlsKeyFile   string
}

// ServerOptions holds configuration options for the admin API server
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
	Store        Store
	Runner       SyncRunner
	Bulk         BulkSubmitter
	Purge        PurgeCanceller
	Schedule     ScheduleManager
	TLS          bool
	TLSCertFile  string
	TLSKeyFile   string
}

// New creates a new admin API server
func New(options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for admin API server")
	}
	if options.TLS && (options.TLSCertFile == "" || options.TLSKeyFile == "") {
		return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
	}

	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		store:        options.Store,
		runner:       options.Runner,
		bulk:         options.Bulk,
		purge:        options.Purge,
		schedule:     options.Schedule,
		tls:          options.TLS,
		tlsCertFile:  options.TLSCertFile,
		tlsKeyFile:   options.TLSKeyFile,
	}, nil
}

// Start starts the admin API server and reports fatal errors on errChan.
func Start(ctx context.Context, options ServerOptions, errChan chan error) {
	server, err := New(options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create admin API server: %w", err)
		return
	}

	protocol := "HTTP"
	if options.TLS {
		protocol = "HTTPS"
	}
	logger.Info("Admin API: Starting server", "protocol", protocol, "addr", options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("admin API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.setupRoutes(),
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info("Admin API: Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Admin API: Error shutting down server", "error", err)
		}
	}()

	if s.tls {
		s.server.TLSConfig = &tls.Config{
			Renegotiation: tls.RenegotiateNever,
		}
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

// setupRoutes configures all HTTP routes and middleware
func (s *Server) setupRoutes() http.Handler {
	router := mux.NewRouter()

	// Metrics and health stay outside API-key auth so probes and scrapers
	// don't need the key.
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/admin/health", s.handleHealth).Methods("GET")

	admin := router.PathPrefix("/admin").Subrouter()
	admin.Use(s.authMiddleware)

	admin.HandleFunc("/sync", s.handleTriggerSync).Methods("POST")
	admin.HandleFunc("/sync/runs", s.handleListSyncRuns).Methods("GET")
	admin.HandleFunc("/sync/runs/{id}", s.handleGetSyncRun).Methods("GET")

	admin.HandleFunc("/accounts", s.handleListAccounts).Methods("GET")
	admin.HandleFunc("/accounts/{id}", s.handleGetAccount).Methods("GET")

	admin.HandleFunc("/bulk", s.handleSubmitBulk).Methods("POST")
	admin.HandleFunc("/bulk", s.handleListBulk).Methods("GET")
	admin.HandleFunc("/bulk/{id}", s.handleGetBulk).Methods("GET")

	admin.HandleFunc("/purge", s.handleListPurge).Methods("GET")
	admin.HandleFunc("/purge/{id}/cancel", s.handleCancelPurge).Methods("POST")

	admin.HandleFunc("/schedule", s.handleGetSchedule).Methods("GET")
	admin.HandleFunc("/schedule", s.handleUpdateSchedule).Methods("PUT")

	admin.HandleFunc("/audit", s.handleListAudit).Methods("GET")

	var handler http.Handler = router
	handler = s.loggingMiddleware(handler)
	handler = s.allowedHostsMiddleware(handler)
	return handler
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger.Debug("Admin API: Request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
		logger.Debug("Admin API: Request completed", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			// No restrictions, allow all hosts
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)

		allowed := false
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				allowed = true
				break
			}
			// Check CIDR blocks
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil {
						if cidr.Contains(ip) {
							allowed = true
							break
						}
					}
				}
			}
		}

		if !allowed {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Utility functions

func getClientIP(r *http.Request) string {
	// Try X-Forwarded-For header first (for proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}

	// Try X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	// Fall back to RemoteAddr
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("Admin API: Error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// actorFromRequest identifies the caller for the audit trail.
func actorFromRequest(r *http.Request) string {
	if actor := r.Header.Get("X-Admin-Actor"); actor != "" {
		return actor
	}
	return "admin"
}
