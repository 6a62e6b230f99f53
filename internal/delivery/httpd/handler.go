// Package httpd exposes the pipeline over HTTP: pending-document review,
// one-click manual assignment, and on-demand runs.
package httpd

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/scanbridge/gradescan/internal/config"
	"github.com/scanbridge/gradescan/internal/repository"
	"github.com/scanbridge/gradescan/internal/service/pipeline"
	"github.com/scanbridge/gradescan/pkg/token"
)

type Handler struct {
	pipeline  *pipeline.Pipeline
	documents repository.DocumentRepository
	signer    *token.Signer
	logger    zerolog.Logger
}

func NewHandler(p *pipeline.Pipeline, documents repository.DocumentRepository, signer *token.Signer, logger zerolog.Logger) *Handler {
	return &Handler{
		pipeline:  p,
		documents: documents,
		signer:    signer,
		logger:    logger,
	}
}

func (h *Handler) Router(corsCfg config.CORSConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsCfg.AllowedOrigins,
		AllowedMethods:   corsCfg.AllowedMethods,
		AllowedHeaders:   corsCfg.AllowedHeaders,
		ExposedHeaders:   corsCfg.ExposedHeaders,
		AllowCredentials: corsCfg.AllowCredentials,
		MaxAge:           corsCfg.MaxAge,
	}))

	r.Get("/health", h.health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/documents/pending", h.listPending)
		r.Get("/documents/{id}", h.getDocument)
		r.Post("/runs", h.triggerRun)
	})

	// Assignment links arrive from notification emails, so this is a GET.
	r.Get("/assign/{token}/{studentID}", h.assign)

	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) listPending(w http.ResponseWriter, r *http.Request) {
	docs, err := h.documents.ListPending(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list pending documents")
		h.respondError(w, http.StatusInternalServerError, "failed to list pending documents")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"documents": docs,
		"count":     len(docs),
	})
}

func (h *Handler) getDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	doc, err := h.documents.FindByID(r.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("id", id).Msg("Failed to load document")
		h.respondError(w, http.StatusInternalServerError, "failed to load document")
		return
	}
	if doc == nil {
		h.respondError(w, http.StatusNotFound, "document not found")
		return
	}

	h.respondJSON(w, http.StatusOK, doc)
}

func (h *Handler) triggerRun(w http.ResponseWriter, r *http.Request) {
	summary, err := h.pipeline.Run(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Pipeline run failed")
		h.respondError(w, http.StatusInternalServerError, "pipeline run failed")
		return
	}

	h.respondJSON(w, http.StatusOK, summary)
}

func (h *Handler) assign(w http.ResponseWriter, r *http.Request) {
	rawToken := chi.URLParam(r, "token")
	studentID := chi.URLParam(r, "studentID")

	documentID, err := h.signer.Verify(rawToken)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Rejected assignment token")
		h.respondError(w, http.StatusForbidden, "invalid or expired link")
		return
	}

	if err := h.pipeline.CompleteManual(r.Context(), documentID, studentID); err != nil {
		h.logger.Error().Err(err).Str("document_id", documentID).Msg("Manual assignment failed")
		status := http.StatusConflict
		if errors.Is(err, pipeline.ErrDocumentNotFound) || errors.Is(err, pipeline.ErrStudentNotFound) {
			status = http.StatusNotFound
		}
		h.respondError(w, status, err.Error())
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{
		"status":      "assigned",
		"document_id": documentID,
		"student_id":  studentID,
	})
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
