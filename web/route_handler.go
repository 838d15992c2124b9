package web

import (
	"context"
	"errors"
	"github.com/RezaEskandarii/rollqueue/internal/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"net"
	"net/http"
	"time"
)

const shutdownTimeout = 5 * time.Second

// StatsSource is the part of the job store the HTTP endpoints read from.
type StatsSource interface {
	CountByStatus(ctx context.Context, category string) (map[state.JobStatus]int, error)
	Ping(ctx context.Context) error
}

type HttpRouteHandler struct {
	stats    StatsSource
	gatherer prometheus.Gatherer
	category string
	instance string
	logger   logrus.FieldLogger
}

func NewRouteHandler(stats StatsSource, gatherer prometheus.Gatherer, category, instance string, logger logrus.FieldLogger) *HttpRouteHandler {
	return &HttpRouteHandler{
		stats:    stats,
		gatherer: gatherer,
		category: category,
		instance: instance,
		logger:   logger,
	}
}

// Handler returns the mux with /metrics, /healthz and /stats.
func (handler *HttpRouteHandler) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(handler.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", handler.handleHealth)
	mux.HandleFunc("/stats", handler.handleStats)
	return mux
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (handler *HttpRouteHandler) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return handler.serve(ctx, ln)
}

func (handler *HttpRouteHandler) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           handler.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		printBanner(ln.Addr().String(), handler.category, handler.instance)
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		handler.logger.Info("http server stopped")
		return nil
	}
}

func (handler *HttpRouteHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := handler.stats.Ping(ctx); err != nil {
		handler.logger.WithError(err).Warn("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (handler *HttpRouteHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	category := r.URL.Query().Get("category")
	if category == "" {
		category = handler.category
	}

	counts, err := handler.stats.CountByStatus(r.Context(), category)
	if err != nil {
		handler.logger.WithError(err).Error("failed to load stats")
		http.Error(w, "failed to load stats", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, NewStatsResponse(category, counts))
}
