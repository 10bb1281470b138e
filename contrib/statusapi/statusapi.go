// Package statusapi exposes the sync and realtime managers over HTTP for
// operators and local tooling.
//
//	GET  /health     liveness
//	GET  /status     current user, queue depth, last pass, realtime status
//	GET  /queue      pending items of the current user
//	POST /queue      enqueue the request body for the current user
//	POST /sync       run one drain pass and return its summary
//	POST /reconnect  force a realtime reconnect
//	GET  /metrics    Prometheus exposition
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tidepool-social/syncqueue/pkg/constants"
	"github.com/tidepool-social/syncqueue/pkg/logger"
	"github.com/tidepool-social/syncqueue/pkg/queue"
	"github.com/tidepool-social/syncqueue/pkg/realtime"
	"github.com/tidepool-social/syncqueue/pkg/syncer"
)

// maxPayload bounds the body of POST /queue.
const maxPayload = 1 << 20

const shutdownTimeout = 5 * time.Second

// Syncer is the part of *syncer.Manager the API uses.
type Syncer interface {
	CurrentUser() string
	Syncing() bool
	LastSummary() syncer.Summary
	Pending(ctx context.Context) ([]queue.Item, error)
	Enqueue(ctx context.Context, userID string, payload json.RawMessage) (string, error)
	ProcessQueue(ctx context.Context) (syncer.Summary, error)
}

// Realtime is the part of *realtime.Manager the API uses.
type Realtime interface {
	Status() realtime.Status
	Err() error
	Gate() realtime.Gate
	Reconnect(ctx context.Context) error
}

type API struct {
	sync     Syncer
	rt       Realtime
	gatherer prometheus.Gatherer
	log      logger.Logger
}

// New returns an API. rt and gatherer are optional; without them
// /reconnect answers 404 and /metrics is not routed.
func New(s Syncer, rt Realtime, gatherer prometheus.Gatherer, log logger.Logger) *API {
	return &API{sync: s, rt: rt, gatherer: gatherer, log: logger.OrNop(log)}
}

func (a *API) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", a.handleHealth).Methods("GET")
	router.HandleFunc("/status", a.handleStatus).Methods("GET")
	router.HandleFunc("/queue", a.handleListQueue).Methods("GET")
	router.HandleFunc("/queue", a.handleEnqueue).Methods("POST")
	router.HandleFunc("/sync", a.handleSync).Methods("POST")
	router.HandleFunc("/reconnect", a.handleReconnect).Methods("POST")
	if a.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		})).Methods("GET")
	}
	return router
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (a *API) Run(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()
	a.log.Info("status api listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

type SyncStatus struct {
	UserID  string          `json:"userId"`
	Syncing bool            `json:"syncing"`
	Pending int             `json:"pending"`
	Last    *syncer.Summary `json:"last,omitempty"`
}

type RealtimeStatus struct {
	Status        realtime.Status `json:"status"`
	Error         string          `json:"error,omitempty"`
	Authenticated bool            `json:"authenticated"`
	Hydrated      bool            `json:"hydrated"`
}

type Status struct {
	Sync     SyncStatus      `json:"sync"`
	Realtime *RealtimeStatus `json:"realtime,omitempty"`
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	items, err := a.sync.Pending(r.Context())
	if err != nil {
		a.log.Error("failed to read queue", "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	st := Status{Sync: SyncStatus{
		UserID:  a.sync.CurrentUser(),
		Syncing: a.sync.Syncing(),
		Pending: len(items),
	}}
	if last := a.sync.LastSummary(); !last.StartedAt.IsZero() {
		st.Sync.Last = &last
	}

	if a.rt != nil {
		gate := a.rt.Gate()
		st.Realtime = &RealtimeStatus{
			Status:        a.rt.Status(),
			Authenticated: gate.Authenticated,
			Hydrated:      gate.Hydrated,
		}
		if err := a.rt.Err(); err != nil {
			st.Realtime.Error = err.Error()
		}
	}

	respondJSON(w, http.StatusOK, st)
}

func (a *API) handleListQueue(w http.ResponseWriter, r *http.Request) {
	items, err := a.sync.Pending(r.Context())
	if err != nil {
		a.log.Error("failed to read queue", "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, items)
}

func (a *API) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayload+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxPayload {
		respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	id, err := a.sync.Enqueue(r.Context(), "", body)
	switch {
	case errors.Is(err, constants.ErrEmptyUserID):
		respondError(w, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, constants.ErrInvalidPayload):
		respondError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
	default:
		respondJSON(w, http.StatusAccepted, map[string]string{"id": id})
	}
}

func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	sum, err := a.sync.ProcessQueue(r.Context())
	if err != nil {
		a.log.Error("sync failed", "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	switch {
	case errors.Is(sum.SkipReason, constants.ErrSyncInProgress):
		respondError(w, http.StatusConflict, sum.SkipReason.Error())
	case errors.Is(sum.SkipReason, constants.ErrNoCurrentUser):
		respondError(w, http.StatusPreconditionFailed, sum.SkipReason.Error())
	case errors.Is(sum.SkipReason, constants.ErrOffline):
		respondError(w, http.StatusServiceUnavailable, sum.SkipReason.Error())
	default:
		respondJSON(w, http.StatusOK, sum)
	}
}

func (a *API) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if a.rt == nil {
		respondError(w, http.StatusNotFound, "realtime is not configured")
		return
	}

	err := a.rt.Reconnect(r.Context())
	switch {
	case errors.Is(err, constants.ErrGateClosed):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, constants.ErrManagerClosed):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
	default:
		respondJSON(w, http.StatusAccepted, map[string]realtime.Status{"status": a.rt.Status()})
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	response, _ := gojson.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(response)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
