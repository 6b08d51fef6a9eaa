// File: internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/contract-monitor/internal/config"
	"github.com/smartdevs17/contract-monitor/internal/metrics"
	"github.com/smartdevs17/contract-monitor/internal/monitor"
	"github.com/smartdevs17/contract-monitor/internal/notification"
	"github.com/smartdevs17/contract-monitor/internal/processor"
	"github.com/smartdevs17/contract-monitor/internal/storage"
	"github.com/smartdevs17/contract-monitor/pkg/utils"
)

// Version is reported by the health endpoint
var Version = "dev"

// HTTPServer exposes the monitoring control surface over HTTP
type HTTPServer struct {
	config         *config.ServerConfig
	server         *http.Server
	router         *mux.Router
	service        *monitor.Service
	storage        storage.Storage
	supervisor     *monitor.Supervisor
	pipeline       *processor.Pipeline
	dispatcher     *notification.Dispatcher
	metricsManager *metrics.Manager
	logger         *logrus.Entry
	stop           chan struct{}
	started        time.Time
}

// NewHTTPServer creates a new HTTP server. supervisor, pipeline and dispatcher only feed the stats endpoint and may be nil.
func NewHTTPServer(
	cfg *config.ServerConfig,
	service *monitor.Service,
	store storage.Storage,
	supervisor *monitor.Supervisor,
	pipeline *processor.Pipeline,
	dispatcher *notification.Dispatcher,
	metricsManager *metrics.Manager,
) (*HTTPServer, error) {
	if cfg == nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Server configuration is required", "")
	}
	if service == nil || store == nil {
		return nil, utils.NewAppError(utils.ErrCodeConfiguration, "Server needs a monitor service and a store", "")
	}

	s := &HTTPServer{
		config:         cfg,
		service:        service,
		storage:        store,
		supervisor:     supervisor,
		pipeline:       pipeline,
		dispatcher:     dispatcher,
		metricsManager: metricsManager,
		logger:         utils.ComponentLogger("http_server"),
		stop:           make(chan struct{}),
		started:        time.Now(),
	}

	s.setupRouter()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// Handler returns the routed handler
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// setupRouter sets up the HTTP routes
func (s *HTTPServer) setupRouter() {
	s.router = mux.NewRouter()

	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)
	if s.metricsManager != nil {
		s.router.Use(s.metricsMiddleware)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()

	if s.config.EnableHealth {
		api.HandleFunc("/health", s.healthHandler).Methods("GET")
	}

	if s.config.EnableMetrics && s.metricsManager != nil {
		s.router.Handle("/metrics", s.metricsManager.Handler())
		api.HandleFunc("/stats", s.statsHandler).Methods("GET")
	}

	// Contracts
	api.HandleFunc("/contracts", s.addContractHandler).Methods("POST")
	api.HandleFunc("/contracts/{id}/rules", s.addRuleHandler).Methods("POST")
	api.HandleFunc("/contracts/{id}/start", s.startContractHandler).Methods("POST")
	api.HandleFunc("/contracts/{id}/stop", s.stopContractHandler).Methods("POST")
	api.HandleFunc("/contracts/{id}/status", s.contractStatusHandler).Methods("GET")
	api.HandleFunc("/contracts/{id}/alerts", s.listAlertsHandler).Methods("GET")

	// Alerts and notifications
	api.HandleFunc("/alerts/{id}/acknowledge", s.acknowledgeAlertHandler).Methods("POST")
	api.HandleFunc("/users/{id}/notifications", s.listNotificationsHandler).Methods("GET")
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.WithFields(logrus.Fields{
		"address":         s.server.Addr,
		"metrics_enabled": s.config.EnableMetrics,
	}).Info("Starting HTTP server")

	if s.metricsManager != nil {
		s.updateHealthMetrics()
		go s.systemMetricsUpdater()
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("HTTP server error")
			errChan <- err
		}
	}()

	// binding errors surface immediately
	select {
	case err := <-errChan:
		return fmt.Errorf("failed to start HTTP server: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// systemMetricsUpdater refreshes system and component health gauges until Stop
func (s *HTTPServer) systemMetricsUpdater() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.updateHealthMetrics()
		}
	}
}

func (s *HTTPServer) updateHealthMetrics() {
	s.metricsManager.UpdateSystemMetrics()
	prom := s.metricsManager.GetPrometheusMetrics()
	prom.UpdateComponentHealth("storage", s.storage.Ping() == nil)
	if s.supervisor != nil {
		prom.UpdateComponentHealth("monitor", s.supervisor.GetStats().ContractsInError == 0)
	}
}

// Stop stops the HTTP server
func (s *HTTPServer) Stop() error {
	s.logger.Info("Stopping HTTP server")
	close(s.stop)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Health and stats

// healthHandler reports healthy while the store answers
func (s *HTTPServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	components := map[string]interface{}{"storage": "ok"}
	if err := s.storage.Ping(); err != nil {
		status, code = "unhealthy", http.StatusServiceUnavailable
		components["storage"] = err.Error()
	}
	if s.supervisor != nil {
		stats := s.supervisor.GetStats()
		components["contracts_monitored"] = stats.ContractsMonitored
		components["contracts_in_error"] = stats.ContractsInError
		if stats.ContractsInError > 0 && code == http.StatusOK {
			status = "degraded"
		}
	}

	s.writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		"version":    Version,
		"uptime":     time.Since(s.started).String(),
		"components": components,
	})
}

// statsHandler returns application statistics
func (s *HTTPServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	storageStats, err := s.storage.GetStorageStats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve storage stats", err)
		return
	}

	stats := map[string]interface{}{
		"timestamp": time.Now(),
		"storage":   storageStats,
	}
	if s.supervisor != nil {
		stats["monitor"] = s.supervisor.GetStats()
	}
	if s.pipeline != nil {
		stats["alerts"] = s.pipeline.GetStats()
	}
	if s.dispatcher != nil {
		stats["notifications"] = s.dispatcher.GetStats()
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// Contract handlers

func (s *HTTPServer) addContractHandler(w http.ResponseWriter, r *http.Request) {
	var req monitor.ContractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	id, err := s.service.AddContract(r.Context(), req)
	if err != nil {
		s.writeAppError(w, "Failed to add contract", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message":     "Contract added successfully",
		"contract_id": id,
	})
}

func (s *HTTPServer) addRuleHandler(w http.ResponseWriter, r *http.Request) {
	contractID := mux.Vars(r)["id"]

	var req monitor.RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	id, err := s.service.AddRule(r.Context(), contractID, req)
	if err != nil {
		s.writeAppError(w, "Failed to add rule", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Rule added successfully",
		"rule_id": id,
	})
}

func (s *HTTPServer) startContractHandler(w http.ResponseWriter, r *http.Request) {
	contractID := mux.Vars(r)["id"]
	if err := s.service.Start(r.Context(), contractID); err != nil {
		s.writeAppError(w, "Failed to start monitoring", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":     "Monitoring started",
		"contract_id": contractID,
	})
}

func (s *HTTPServer) stopContractHandler(w http.ResponseWriter, r *http.Request) {
	contractID := mux.Vars(r)["id"]
	if err := s.service.Stop(r.Context(), contractID); err != nil {
		s.writeAppError(w, "Failed to stop monitoring", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":     "Monitoring stopped",
		"contract_id": contractID,
	})
}

func (s *HTTPServer) contractStatusHandler(w http.ResponseWriter, r *http.Request) {
	status, err := s.service.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeAppError(w, "Failed to get contract status", err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *HTTPServer) listAlertsHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	alerts, err := s.service.GetAlerts(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		s.writeAppError(w, "Failed to get alerts", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"total":  len(alerts),
	})
}

// Alert and notification handlers

func (s *HTTPServer) acknowledgeAlertHandler(w http.ResponseWriter, r *http.Request) {
	alertID := mux.Vars(r)["id"]
	if err := s.service.Acknowledge(r.Context(), alertID); err != nil {
		s.writeAppError(w, "Failed to acknowledge alert", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "Alert acknowledged",
		"alert_id": alertID,
	})
}

func (s *HTTPServer) listNotificationsHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	notifications, err := s.service.GetNotifications(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		s.writeAppError(w, "Failed to get notifications", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": notifications,
		"total":         len(notifications),
	})
}

// Utility Methods

// limitParam reads ?limit=; absent means the store default
func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if limit < 0 {
		return 0, fmt.Errorf("limit must not be negative")
	}
	return limit, nil
}

// statusFor maps an error code to an HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, utils.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, utils.ErrValidation), errors.Is(err, utils.ErrUnsupportedChain):
		return http.StatusBadRequest
	case errors.Is(err, utils.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, utils.ErrChainUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeJSON writes a JSON response
func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

func (s *HTTPServer) writeAppError(w http.ResponseWriter, message string, err error) {
	s.writeError(w, statusFor(err), message, err)
}

// writeError writes an error response
func (s *HTTPServer) writeError(w http.ResponseWriter, status int, message string, err error) {
	errorResponse := map[string]interface{}{
		"error":     message,
		"status":    status,
		"timestamp": time.Now(),
	}

	if err != nil {
		errorResponse["details"] = err.Error()
		var appErr *utils.AppError
		if errors.As(err, &appErr) {
			errorResponse["code"] = appErr.Code
		}
		entry := s.logger.WithFields(logrus.Fields{
			"status":  status,
			"message": message,
		}).WithError(err)
		if status >= http.StatusInternalServerError {
			entry.Error("HTTP error")
		} else {
			entry.Debug("HTTP client error")
		}
	}

	s.writeJSON(w, status, errorResponse)
}
