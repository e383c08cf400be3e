// Package admin exposes the owner side of the health service over HTTP:
// listing and setting statuses, draining, resuming and Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kanengo/healthd/errors"
	"github.com/kanengo/healthd/health"
	"github.com/kanengo/healthd/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

// DefaultServiceAlias addresses the server-wide "" entry in URLs.
const DefaultServiceAlias = "-"

var ErrBadBody = errors.BadRequest("INVALID_BODY", "request body must be {\"status\": \"SERVING|NOT_SERVING|...\"}")

type statusRequest struct {
	Status string `json:"status"`
}

type statusReply struct {
	Service string `json:"service"`
	Status  string `json:"status"`
}

type servicesReply struct {
	Services map[string]string `json:"services"`
	Watchers int               `json:"watchers"`
}

type errorReply struct {
	Code     string            `json:"code"`
	Reason   string            `json:"reason"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewHandler builds the admin router. gatherer may be nil, in which case
// /metrics is not mounted.
func NewHandler(hs *health.Server, gatherer prometheus.Gatherer) http.Handler {
	h := &handler{hs: hs}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(accessLog)

	r.Route("/healthz", func(r chi.Router) {
		r.Get("/services", h.listServices)
		r.Get("/services/{service}", h.getService)
		r.Put("/services/{service}", h.setService)
		r.Post("/shutdown", h.shutdown)
		r.Post("/resume", h.resume)
	})
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
			ErrorHandling:       promhttp.ContinueOnError,
			MaxRequestsInFlight: 5,
		}))
	}
	return r
}

type handler struct {
	hs *health.Server
}

func serviceParam(r *http.Request) string {
	service := chi.URLParam(r, "service")
	if service == DefaultServiceAlias {
		return ""
	}
	return service
}

func (h *handler) listServices(w http.ResponseWriter, r *http.Request) {
	services := h.hs.Registry().Services()
	reply := servicesReply{
		Services: make(map[string]string, len(services)),
		Watchers: h.hs.Registry().Watchers(),
	}
	for name, st := range services {
		reply.Services[name] = st.String()
	}
	writeJSON(w, http.StatusOK, reply)
}

func (h *handler) getService(w http.ResponseWriter, r *http.Request) {
	service := serviceParam(r)
	st, err := h.hs.Registry().Get(service)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusReply{Service: service, Status: st.String()})
}

func (h *handler) setService(w http.ResponseWriter, r *http.Request) {
	service := serviceParam(r)
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ErrBadBody.WithCause(err))
		return
	}
	st, err := health.ParseStatus(req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.hs.SetServingStatus(service, st); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusReply{Service: service, Status: st.String()})
}

func (h *handler) shutdown(w http.ResponseWriter, r *http.Request) {
	if err := h.hs.Shutdown(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) resume(w http.ResponseWriter, r *http.Request) {
	if err := h.hs.Resume(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func httpStatus(code codes.Code) int {
	switch code {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	se := errors.FromError(err)
	code := codes.Code(se.Code)
	writeJSON(w, httpStatus(code), errorReply{
		Code:     code.String(),
		Reason:   se.Reason,
		Message:  se.Message,
		Metadata: se.Metadata,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("[admin] write response", zap.Error(err))
	}
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug("[admin] request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}

// Server runs the admin handler. It is started and stopped by the process
// lifecycle.
type Server struct {
	srv *http.Server
	lis net.Listener
}

func NewServer(addr string, h http.Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.lis = lis
	log.Info("[admin] server start", zap.String("listener", lis.Addr().String()))
	go func() {
		if err := s.srv.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.Error("[admin] server exited", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

func (s *Server) Stop(ctx context.Context) error {
	log.Info("[admin] server stopping")
	return s.srv.Shutdown(ctx)
}
