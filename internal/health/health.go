package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/ft8goblin/callsign-lookup/pkg/logger"
)

type Service struct {
	mu          sync.RWMutex
	checks      map[string]Checker
	readyChecks map[string]Checker
	server      *http.Server
}

type Checker interface {
	Check(ctx context.Context) error
}

type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Check(ctx context.Context) error {
	return f(ctx)
}

type Response struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

type CheckResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

func NewService(port int) *Service {
	hs := &Service{
		checks:      make(map[string]Checker),
		readyChecks: make(map[string]Checker),
	}

	router := mux.NewRouter()
	router.HandleFunc("/health/live", hs.handleLiveness).Methods("GET")
	router.HandleFunc("/health/ready", hs.handleReadiness).Methods("GET")

	hs.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return hs
}

func (hs *Service) Start() error {
	logger.WithField("addr", hs.server.Addr).Info("Health service started")
	return hs.server.ListenAndServe()
}

func (hs *Service) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return hs.server.Shutdown(ctx)
}

func (hs *Service) RegisterLivenessCheck(name string, check Checker) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.checks[name] = check
}

func (hs *Service) RegisterReadinessCheck(name string, check Checker) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.readyChecks[name] = check
}

func (hs *Service) handleLiveness(w http.ResponseWriter, r *http.Request) {
	hs.handleCheck(w, r, hs.checks)
}

func (hs *Service) handleReadiness(w http.ResponseWriter, r *http.Request) {
	hs.handleCheck(w, r, hs.readyChecks)
}

func (hs *Service) handleCheck(w http.ResponseWriter, r *http.Request, checks map[string]Checker) {
	ctx := r.Context()

	hs.mu.RLock()
	defer hs.mu.RUnlock()

	response := Response{
		Status:    "ok",
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult),
	}

	for name, check := range checks {
		start := time.Now()
		err := check.Check(ctx)
		result := CheckResult{
			Status:   "ok",
			Duration: time.Since(start).String(),
		}
		if err != nil {
			result.Status = "failed"
			result.Error = err.Error()
			response.Status = "failed"
		}
		response.Checks[name] = result
	}

	w.Header().Set("Content-Type", "application/json")
	if response.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(response)
}
