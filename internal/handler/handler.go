// Package handler exposes the progress service over a JSON HTTP API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/p-n-ai/pai-arena/internal/analytics"
	"github.com/p-n-ai/pai-arena/internal/apperr"
	"github.com/p-n-ai/pai-arena/internal/identity"
	"github.com/p-n-ai/pai-arena/internal/progress"
	"github.com/p-n-ai/pai-arena/internal/realtime"
)

const maxBodyBytes = 1 << 20

// HealthCheck reports whether a dependency is ready.
type HealthCheck func(ctx context.Context) error

// Config holds dependencies for the HTTP handlers.
type Config struct {
	Service   *progress.Service
	Identity  identity.Provider // default: HeaderProvider
	Hub       *realtime.Hub     // optional; /v1/events is 404 without it
	Analytics analytics.Options
	Checks    map[string]HealthCheck
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	svc       *progress.Service
	ids       identity.Provider
	hub       *realtime.Hub
	analytics analytics.Options
	checks    map[string]HealthCheck
	validate  *validator.Validate
}

// New creates a new Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Service == nil {
		return nil, fmt.Errorf("progress service is required")
	}
	ids := cfg.Identity
	if ids == nil {
		ids = identity.HeaderProvider{}
	}
	return &Handler{
		svc:       cfg.Service,
		ids:       ids,
		hub:       cfg.Hub,
		analytics: cfg.Analytics,
		checks:    cfg.Checks,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// Router builds the HTTP router.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)
	r.Get("/readyz", h.handleReady)

	r.Route("/v1", func(r chi.Router) {
		r.Use(h.resolveActor)

		r.Post("/quizzes/{quizID}/attempts", h.handleSubmitQuiz)
		r.Get("/lessons/{lessonID}", h.handleLesson)
		r.Put("/lessons/{lessonID}/completion", h.handleMarkComplete)
		r.Delete("/lessons/{lessonID}/completion", h.handleUnmarkComplete)
		r.Post("/points", h.handleAwardPoints)
		r.Get("/arena/activities/{activityID}", h.handleActivity)
		r.Post("/arena/activities/{activityID}/answers", h.handleArenaAnswer)
		r.Get("/accessibility", h.handleAccessibility)
		r.Get("/profile", h.handleProfile)
		r.Get("/leaderboard", h.handleLeaderboard)
		r.Get("/events", h.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(teacherOnly)
			r.Get("/analytics", h.handleAnalytics)
			r.Get("/analytics/export.xlsx", h.handleAnalyticsExport)
			r.Get("/students/{studentID}", h.handleStudentDetail)
		})
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (h *Handler) resolveActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := h.ids.Resolve(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(identity.WithActor(r.Context(), actor)))
	})
}

func teacherOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, _ := identity.FromContext(r.Context())
		if !actor.IsTeacher() {
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "teacher role required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func actorFrom(r *http.Request) identity.Actor {
	a, _ := identity.FromContext(r.Context())
	return a
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperr.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, apperr.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

// decode reads a JSON body into dst and validates its struct tags.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Invalid("body", "%v", err)
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return apperr.Invalid(fe.Field(), "failed %q check", fe.Tag())
		}
		return apperr.Invalid("body", "%v", err)
	}
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			slog.Warn("readiness check failed", "check", name, "error", err)
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	writeJSON(w, status, results)
}

type quizAttemptRequest struct {
	Answers map[string]string `json:"answers" validate:"required,dive,keys,required,endkeys"`
}

func (h *Handler) handleSubmitQuiz(w http.ResponseWriter, r *http.Request) {
	var req quizAttemptRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	sub, err := h.svc.SubmitQuizAttempt(r.Context(), actorFrom(r), chi.URLParam(r, "quizID"), req.Answers)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleLesson(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.GetLesson(r.Context(), actorFrom(r).ID, chi.URLParam(r, "lessonID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type completionResponse struct {
	LessonID string `json:"lesson_id"`
	Changed  bool   `json:"changed"`
}

func (h *Handler) handleMarkComplete(w http.ResponseWriter, r *http.Request) {
	lessonID := chi.URLParam(r, "lessonID")
	created, err := h.svc.MarkLessonComplete(r.Context(), actorFrom(r), lessonID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, completionResponse{LessonID: lessonID, Changed: created})
}

func (h *Handler) handleUnmarkComplete(w http.ResponseWriter, r *http.Request) {
	lessonID := chi.URLParam(r, "lessonID")
	removed, err := h.svc.UnmarkLessonComplete(r.Context(), actorFrom(r), lessonID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, completionResponse{LessonID: lessonID, Changed: removed})
}

type pointsRequest struct {
	Source string `json:"source" validate:"required,max=64"`
	Points int    `json:"points" validate:"min=1,max=1000000"`
}

func (h *Handler) handleAwardPoints(w http.ResponseWriter, r *http.Request) {
	var req pointsRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.svc.AwardFlatPoints(r.Context(), actorFrom(r), req.Source, req.Points)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleActivity(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.GetActivity(r.Context(), actorFrom(r).ID, chi.URLParam(r, "activityID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type arenaAnswerRequest struct {
	Correct *bool `json:"correct" validate:"required"`
}

func (h *Handler) handleArenaAnswer(w http.ResponseWriter, r *http.Request) {
	var req arenaAnswerRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.svc.RecordArenaAnswer(r.Context(), actorFrom(r), chi.URLParam(r, "activityID"), *req.Correct)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleAccessibility(w http.ResponseWriter, r *http.Request) {
	acc, err := h.svc.GetAccessibility(r.Context(), actorFrom(r).ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (h *Handler) handleProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.svc.GetProfile(r.Context(), actorFrom(r).ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (h *Handler) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 100 {
			writeError(w, r, apperr.Invalid("limit", "must be between 1 and 100"))
			return
		}
		limit = n
	}

	ranks, err := h.svc.GetLeaderboard(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ranks)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeError(w, r, apperr.NotFound("route", r.URL.Path))
		return
	}
	h.hub.ServeWS(w, r, actorFrom(r))
}

func (h *Handler) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.GetAnalyticsSnapshot(r.Context(), h.analytics)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleAnalyticsExport(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.GetAnalyticsSnapshot(r.Context(), h.analytics)
	if err != nil {
		writeError(w, r, err)
		return
	}

	filename := fmt.Sprintf("class-analytics-%s.xlsx", snap.GeneratedAt.Format("2006-01-02"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if err := analytics.WriteXLSX(w, snap); err != nil {
		slog.Error("failed to write analytics export", "error", err)
	}
}

func (h *Handler) handleStudentDetail(w http.ResponseWriter, r *http.Request) {
	detail, err := h.svc.GetStudentDetail(r.Context(), chi.URLParam(r, "studentID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}
