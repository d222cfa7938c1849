// Package core provides the ops HTTP chassis for the courseops scheduler.
// It exposes health, lifecycle inspection, and manual rescheduling endpoints
// on a chi router, and enforces cross-cutting concerns -- recovery, trace
// correlation, logging, and error handling -- before requests reach the
// handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"courseops/internal/config"
	"courseops/internal/types"
)

// LifecycleService is the subset of the scheduler surface the ops API needs.
// Implemented by *lifecycle.Scheduler.
type LifecycleService interface {
	LifecycleState(ctx context.Context, exerciseID int64) (types.LifecycleState, error)
	OnExerciseSaved(ctx context.Context, exercise *types.Exercise)
	OnExerciseDeleted(exerciseID int64)
	RescheduleExamDuringConduction(ctx context.Context, examID int64) error
	RescheduleStudentExam(ctx context.Context, studentExamID int64) error
}

// HandleCounter reports live timer handles for an exercise boundary.
// Implemented by *lifecycle.Registry.
type HandleCounter interface {
	LiveExerciseHandles(exerciseID int64, lifecycle types.ExerciseLifecycle) int
}

// ExerciseFinder loads exercises for the resync endpoint. Implemented by
// *db.ExerciseRepository.
type ExerciseFinder interface {
	FindExercise(ctx context.Context, id int64) (*types.Exercise, error)
}

// Pinger reports backing-store reachability for the health endpoint.
// Implemented by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server bundles the ops API dependencies, allowing injection during testing
// and distinct wiring for different environments.
type Server struct {
	Config    *config.Config
	Lifecycle LifecycleService
	Handles   HandleCounter
	Exercises ExerciseFinder
	DB        Pinger
	Logger    *slog.Logger

	router *chi.Mux
}

// NewServer validates dependencies and prepares the router. The caller mounts
// routes via MountRoutes after construction; the separation lets tests
// customize registration.
func NewServer(cfg *config.Config, svc LifecycleService, handles HandleCounter,
	exercises ExerciseFinder, db Pinger, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if svc == nil {
		return nil, fmt.Errorf("lifecycle service must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Lifecycle: svc,
		Handles:   handles,
		Exercises: exercises,
		DB:        db,
		Logger:    logger,
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// MountRoutes registers the global middleware chain and all ops endpoints.
//
// Middleware ordering: Recoverer is outermost so it catches panics from the
// rest of the chain; the trace ID must exist before the logger runs; the
// request timeout bounds everything the handlers do.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(TraceIDMiddleware)
	s.router.Use(RequestLogger(s.Logger))
	s.router.Use(ContextTimeoutMiddleware(s.requestTimeout()))

	s.router.Get("/health", s.HandleHealth)

	s.router.Route("/v1", func(r chi.Router) {
		r.Route("/exercises/{exerciseID}", func(r chi.Router) {
			r.Get("/lifecycle", s.HandleLifecycleState)
			r.Post("/resync", s.HandleExerciseResync)
			r.Delete("/schedule", s.HandleExerciseUnschedule)
		})
		r.Post("/exams/{examID}/reschedule", s.HandleExamReschedule)
		r.Post("/student-exams/{studentExamID}/reschedule", s.HandleStudentExamReschedule)
	})
}

func (s *Server) requestTimeout() time.Duration {
	if s.Config != nil && s.Config.Server.WriteTimeout > 0 {
		return s.Config.Server.WriteTimeout
	}
	return 10 * time.Second
}
