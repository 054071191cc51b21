package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"time"

	"mediaq/internal/domain"
	"mediaq/internal/infra/uploads"
	"mediaq/internal/pool"
	"mediaq/internal/ports"
	"mediaq/internal/usecase"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// OwnerHeader carries the id of the authenticated user, set by the
// gateway in front of this service.
const OwnerHeader = "X-User-ID"

type MediaService interface {
	Upload(ctx context.Context, req usecase.UploadRequest) (domain.Media, error)
	Get(ctx context.Context, ownerID, mediaID string) (*domain.Media, error)
	Delete(ctx context.Context, ownerID, mediaID string) error
}

type StatusSource interface {
	Stats() pool.Stats
	CanStartTask() bool
}

type Deps struct {
	Media    MediaService
	Status   StatusSource
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

type Server struct {
	router *chi.Mux
	deps   Deps
}

func NewServer(deps Deps) *Server {
	s := &Server{router: chi.NewRouter(), deps: deps}

	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggerHandler(deps.Logger, func(r *http.Request) bool {
		return r.URL.Path == "/metrics" || r.URL.Path == "/healthz"
	}))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/status", s.status)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/media", func(r chi.Router) {
		r.Post("/", s.upload)
		r.Get("/{id}", s.getMedia)
		r.Delete("/{id}", s.deleteMedia)
	})
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves on port until ctx is done, then shuts down gracefully within
// shutdownTimeout.
func (s *Server) Run(ctx context.Context, port int, shutdownTimeout time.Duration) error {
	httpServer := http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Msgf("server serving on port %d", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("listen and serve: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("server is shutting down...")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(sctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

type statusResponse struct {
	Accepting bool       `json:"accepting"`
	Pool      pool.Stats `json:"pool"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Accepting: s.deps.Status.CanStartTask(),
		Pool:      s.deps.Status.Stats(),
	})
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get(OwnerHeader)
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "missing "+OwnerHeader)
		return
	}

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart/form-data")
		return
	}
	var part *multipart.Part
	for {
		p, err := mr.NextPart()
		if err != nil {
			writeError(w, http.StatusBadRequest, `missing "file" part`)
			return
		}
		if p.FormName() == "file" {
			part = p
			break
		}
		_ = p.Close()
	}
	defer part.Close()

	m, err := s.deps.Media.Upload(r.Context(), usecase.UploadRequest{
		OwnerID:  owner,
		Filename: part.FileName(),
		Body:     part,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/media/"+m.ID)
	writeJSON(w, http.StatusAccepted, m)
}

func (s *Server) getMedia(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Media.Get(r.Context(), r.Header.Get(OwnerHeader), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) deleteMedia(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Media.Delete(r.Context(), r.Header.Get(OwnerHeader), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, usecase.ErrOverloaded):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, usecase.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, usecase.ErrInvalidUpload), errors.Is(err, ports.ErrInvalid), errors.Is(err, uploads.ErrInvalidID):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ports.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
