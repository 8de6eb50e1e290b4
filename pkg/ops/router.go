// Package ops serves the operational HTTP surface of the workers: liveness,
// readiness and Prometheus metrics.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	pkgerrors "github.com/angelmondragon/poolnet-backend/pkg/errors"
	"github.com/angelmondragon/poolnet-backend/pkg/logger"
	"github.com/angelmondragon/poolnet-backend/pkg/types"
)

const readinessTimeout = 3 * time.Second

// Check is a readiness probe for one dependency.
type Check func(ctx context.Context) error

// RouterParams wires the ops router.
type RouterParams struct {
	Env      string
	Service  string
	Instance string
	Logger   *logger.Logger
	Gatherer prometheus.Gatherer
	Checks   map[string]Check
}

// NewRouter builds the chi router for /health/live, /health/ready and /metrics.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()
	r.Use(requestID(params.Logger))
	r.Use(requestLog(params.Logger))
	r.Use(recoverer(params.Logger))

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", live(params))
		r.Get("/ready", ready(params))
	})
	r.Get("/healthz", live(params))

	gatherer := params.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

func live(params RouterParams) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Poolnet-Env", params.Env)
		writeJSON(w, http.StatusOK, types.SuccessEnvelope{Data: map[string]string{
			"status":   "ok",
			"service":  params.Service,
			"instance": params.Instance,
		}})
	}
}

func ready(params RouterParams) http.HandlerFunc {
	names := make([]string, 0, len(params.Checks))
	for name := range params.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		results := make(map[string]string, len(names))
		failed := false
		for _, name := range names {
			if err := params.Checks[name](ctx); err != nil {
				failed = true
				results[name] = err.Error()
				if params.Logger != nil {
					params.Logger.Warn(params.Logger.WithField(ctx, "dependency", name), "readiness check failed")
				}
				continue
			}
			results[name] = "ok"
		}

		if failed {
			meta := pkgerrors.MetadataFor(pkgerrors.CodeDependency)
			writeJSON(w, meta.HTTPStatus, types.ErrorEnvelope{Error: types.APIError{
				Code:    string(pkgerrors.CodeDependency),
				Message: meta.PublicMessage,
				Details: results,
			}})
			return
		}
		writeJSON(w, http.StatusOK, types.SuccessEnvelope{Data: results})
	}
}

func recoverer(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					err := fmt.Errorf("panic: %v", rec)
					if logg != nil {
						logg.Error(logg.WithField(r.Context(), "path", r.URL.Path), "ops.panic.recovered", err)
					}
					writeJSON(w, http.StatusInternalServerError, types.ErrorEnvelope{Error: types.APIError{
						Code:    string(pkgerrors.CodeInternal),
						Message: pkgerrors.MetadataFor(pkgerrors.CodeInternal).PublicMessage,
					}})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Serve runs handler on addr until ctx is canceled, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logg *logger.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if logg != nil {
			logg.Info(logg.WithField(ctx, "addr", addr), "ops server listening")
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("ops server shutdown: %w", err)
		}
		return nil
	}
}
