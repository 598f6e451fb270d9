package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/imalyk/go-video-converter/internal/auth"
	"github.com/imalyk/go-video-converter/internal/service"
	"github.com/imalyk/go-video-converter/pkg/job"
)

// JobService is the set of operations the API exposes.
type JobService interface {
	Submit(ctx context.Context, ownerID, inputKey, targetFormat string) (*service.Submission, error)
	Get(ctx context.Context, ownerID, jobID string) (*job.Job, error)
	List(ctx context.Context, ownerID string) ([]*job.Job, error)
	Download(ctx context.Context, ownerID, jobID string) (*service.DownloadHandle, error)
	PresignUpload(ctx context.Context, ownerID, filename, contentType string) (*service.UploadHandle, error)
}

type Server struct {
	jobs     JobService
	verifier auth.Verifier
	logger   *slog.Logger

	router *mux.Router
}

const shutdownTimeout = 10 * time.Second

func NewServer(jobs JobService, verifier auth.Verifier, logger *slog.Logger) *Server {
	s := &Server{
		jobs:     jobs,
		verifier: verifier,
		logger:   logger.With("component", "httpapi"),
		router:   mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx is cancelled, then drains in-flight
// requests for up to ten seconds.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routes() {
	s.router.Use(s.logRequests)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := s.router.NewRoute().Subrouter()
	api.Use(auth.Middleware(s.verifier, s.logger))
	api.HandleFunc("/uploads", s.handlePresignUpload).Methods(http.MethodPost)
	api.HandleFunc("/uploads/presign", s.handlePresignUpload).Methods(http.MethodPost)
	api.HandleFunc("/jobs", s.handleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/jobs", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/videos", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", s.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/download", s.handleDownload).Methods(http.MethodGet)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
