// Package api exposes the archive pipeline over HTTP: trigger, status,
// and retry per archive slot, plus health and metrics endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/prooflab/gallery-archiver/internal/archive"
	"github.com/prooflab/gallery-archiver/internal/config"
	"github.com/prooflab/gallery-archiver/internal/logging"
	"github.com/prooflab/gallery-archiver/internal/service"
)

// maxBodyBytes caps trigger request bodies. Explicit key lists are the
// only sizable payload and even huge orders stay well under this.
const maxBodyBytes = 4 << 20

const defaultShutdownTimeout = 15 * time.Second

// Server serves the archive API.
type Server struct {
	svc *service.Service
	cfg config.APIConfig
	log *slog.Logger
}

// New creates the HTTP server around the service facade.
func New(cfg config.APIConfig, svc *service.Service) *Server {
	return &Server{
		svc: svc,
		cfg: cfg,
		log: logging.Component("api"),
	}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(correlate)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/galleries/{galleryID}/orders/{orderID}/archives/{kind}", func(r chi.Router) {
		r.Post("/", s.trigger)
		r.Get("/", s.status)
		r.Post("/retry", s.retry)
	})
	return r
}

// Serve runs the server until ctx is cancelled, then drains in-flight
// requests within the configured shutdown timeout.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", "address", s.cfg.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout.Std()
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown api server: %w", err)
	}
	return <-errCh
}

// correlate threads a correlation ID through the request context so
// logs from the service and workers can be tied back to the call.
func correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = logging.GenerateCorrelationID()
		}
		ctx := logging.WithCorrelationID(r.Context(), correlationID)
		w.Header().Set("X-Correlation-ID", correlationID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) trigger(w http.ResponseWriter, r *http.Request) {
	ref, err := refFromURL(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := decodeTrigger(r, ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.svc.Trigger(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Status == "generating" {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	ref, err := refFromURL(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Status(r.Context(), ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	ref, err := refFromURL(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Retry(r.Context(), ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Status == "generating" {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func refFromURL(r *http.Request) (archive.Ref, error) {
	kind, err := archive.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		return archive.Ref{}, &archive.ValidationError{Field: "kind", Reason: err.Error()}
	}
	ref := archive.Ref{
		GalleryID: chi.URLParam(r, "galleryID"),
		OrderID:   chi.URLParam(r, "orderID"),
		Kind:      kind,
	}
	if err := ref.Validate(); err != nil {
		return archive.Ref{}, err
	}
	return ref, nil
}

// triggerPayload is the wire shape of a trigger body. Callers send
// either these fields directly or the same object nested under
// "request"; both forms normalize into one archive.Request here,
// before any pipeline logic runs.
type triggerPayload struct {
	GalleryID   string          `json:"galleryId"`
	OrderID     string          `json:"orderId"`
	Kind        string          `json:"kind"`
	Keys        []string        `json:"keys"`
	ContentHash string          `json:"contentHash"`
	Request     *triggerPayload `json:"request"`
}

func decodeTrigger(r *http.Request, ref archive.Ref) (archive.Request, error) {
	req := archive.Request{Ref: ref}
	if r.Body == nil {
		return req, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return req, fmt.Errorf("read request body: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return req, nil
	}

	var payload triggerPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return req, &archive.ValidationError{Field: "body", Reason: "not a JSON object"}
	}
	if payload.Request != nil {
		payload = *payload.Request
	}
	if err := payloadMatchesRef(payload, ref); err != nil {
		return req, err
	}

	req.Keys = payload.Keys
	req.ContentHash = payload.ContentHash
	return req, nil
}

// payloadMatchesRef rejects bodies that name a different slot than the
// URL. Empty body fields defer to the URL.
func payloadMatchesRef(p triggerPayload, ref archive.Ref) error {
	if p.GalleryID != "" && p.GalleryID != ref.GalleryID {
		return &archive.ValidationError{Field: "galleryId", Reason: "body does not match URL"}
	}
	if p.OrderID != "" && p.OrderID != ref.OrderID {
		return &archive.ValidationError{Field: "orderId", Reason: "body does not match URL"}
	}
	if p.Kind != "" && p.Kind != string(ref.Kind) {
		return &archive.ValidationError{Field: "kind", Reason: "body does not match URL"}
	}
	return nil
}

// errorResponse is the rejection shape: a human-readable error and a
// machine-checkable reason code.
type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, reason := classify(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"correlation_id", logging.CorrelationID(r.Context()),
			"error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Reason: reason})
}

// classify maps pipeline errors onto status codes and reason codes.
func classify(err error) (int, string) {
	var verr *archive.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, archive.ErrUnknownKind):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, archive.ErrNoFiles):
		return http.StatusUnprocessableEntity, "no_files"
	case errors.Is(err, archive.ErrNoErrorToRetry):
		return http.StatusConflict, "no_error_to_retry"
	case errors.Is(err, service.ErrClosed):
		return http.StatusServiceUnavailable, "shutting_down"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
