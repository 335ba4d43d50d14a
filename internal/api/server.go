// Package api serves the HTTP surface used while a run is in progress:
// MFA code submission and extraction job status.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/bank-sync/internal/api/handlers"
	"github.com/dvloznov/bank-sync/internal/api/middleware"
)

const shutdownTimeout = 10 * time.Second

// NewRouter wires the endpoints and the middleware chain.
func NewRouter(mfaHandler *handlers.MFAHandler, jobsHandler *handlers.JobsHandler, token string, log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	// MFA endpoints
	mux.HandleFunc("/api/mfa/pending", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			mfaHandler.ListPending(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/mfa/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			institutionID := strings.TrimPrefix(r.URL.Path, "/api/mfa/")
			if institutionID == "" || strings.Contains(institutionID, "/") {
				middleware.WriteError(w, http.StatusBadRequest, "Institution is required")
				return
			}
			mfaHandler.SubmitCode(w, r, institutionID)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	// Jobs endpoints
	mux.HandleFunc("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			jobsHandler.ListJobs(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/jobs/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			jobID := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
			if jobID == "" {
				middleware.WriteError(w, http.StatusBadRequest, "Job ID is required")
				return
			}
			jobsHandler.GetJob(w, r, jobID)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	// Apply middleware
	return middleware.Recovery(log)(
		middleware.RequestID(
			middleware.Logger(log)(
				middleware.Auth(token)(mux),
			),
		),
	)
}

// Server is the HTTP listener for one process.
type Server struct {
	srv *http.Server
	ln  net.Listener
	log zerolog.Logger
}

// Listen binds addr. The returned server is not serving yet.
func Listen(addr string, handler http.Handler, log zerolog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		srv: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		ln:  ln,
		log: log,
	}, nil
}

// Addr is the bound address, useful when listening on port 0.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve blocks until ctx is done, then shuts the server down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.Addr()).Msg("Starting API server")
		errCh <- s.srv.Serve(s.ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
