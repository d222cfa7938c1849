package core

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"courseops/internal/types"
)

// lifecycleStateResponse reports the computed state of an exercise together
// with the live timer handles per boundary.
type lifecycleStateResponse struct {
	ExerciseID  int64                `json:"exercise_id"`
	State       types.LifecycleState `json:"state"`
	LiveHandles map[string]int       `json:"live_handles,omitempty"`
}

// pathID parses a positive int64 URL parameter.
func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, types.NewAppError(types.ErrCodeValidationMissingField,
			fmt.Sprintf("%s must be a positive integer", name), err)
	}
	return id, nil
}

// HandleLifecycleState returns the conceptual scheduling state of an
// exercise along with the count of live timers per boundary.
func (s *Server) HandleLifecycleState(w http.ResponseWriter, r *http.Request) {
	exerciseID, err := pathID(r, "exerciseID")
	if err != nil {
		Error(w, r, err)
		return
	}

	state, err := s.Lifecycle.LifecycleState(r.Context(), exerciseID)
	if err != nil {
		Error(w, r, err)
		return
	}

	resp := lifecycleStateResponse{ExerciseID: exerciseID, State: state}
	if s.Handles != nil {
		resp.LiveHandles = map[string]int{}
		for _, lc := range []types.ExerciseLifecycle{
			types.LifecycleRelease,
			types.LifecycleDue,
			types.LifecycleBuildAndTestAfterDue,
			types.LifecycleAssessmentDue,
		} {
			if n := s.Handles.LiveExerciseHandles(exerciseID, lc); n > 0 {
				resp.LiveHandles[string(lc)] = n
			}
		}
	}

	JSON(w, r, http.StatusOK, APIResponse{Data: resp})
}

// HandleExerciseResync re-reads an exercise from storage and rebuilds its
// timers. Used by operators after out-of-band data fixes.
func (s *Server) HandleExerciseResync(w http.ResponseWriter, r *http.Request) {
	exerciseID, err := pathID(r, "exerciseID")
	if err != nil {
		Error(w, r, err)
		return
	}

	exercise, err := s.Exercises.FindExercise(r.Context(), exerciseID)
	if err != nil {
		Error(w, r, err)
		return
	}
	if exercise == nil {
		Error(w, r, types.NewAppError(types.ErrCodeNotFoundExercise,
			fmt.Sprintf("exercise %d not found", exerciseID), nil))
		return
	}

	s.Lifecycle.OnExerciseSaved(r.Context(), exercise)
	JSON(w, r, http.StatusAccepted, APIResponse{Data: map[string]any{
		"exercise_id": exerciseID,
		"resynced":    true,
	}})
}

// HandleExerciseUnschedule cancels every pending timer of an exercise.
func (s *Server) HandleExerciseUnschedule(w http.ResponseWriter, r *http.Request) {
	exerciseID, err := pathID(r, "exerciseID")
	if err != nil {
		Error(w, r, err)
		return
	}

	s.Lifecycle.OnExerciseDeleted(exerciseID)
	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]any{
		"exercise_id": exerciseID,
		"cancelled":   true,
	}})
}

// HandleExamReschedule rebuilds the lock timers of every exercise in a
// running exam after its working time changed.
func (s *Server) HandleExamReschedule(w http.ResponseWriter, r *http.Request) {
	examID, err := pathID(r, "examID")
	if err != nil {
		Error(w, r, err)
		return
	}

	if err := s.Lifecycle.RescheduleExamDuringConduction(r.Context(), examID); err != nil {
		Error(w, r, err)
		return
	}

	JSON(w, r, http.StatusAccepted, APIResponse{Data: map[string]any{
		"exam_id":     examID,
		"rescheduled": true,
	}})
}

// HandleStudentExamReschedule rebuilds lock timers after one student's
// working time changed.
func (s *Server) HandleStudentExamReschedule(w http.ResponseWriter, r *http.Request) {
	studentExamID, err := pathID(r, "studentExamID")
	if err != nil {
		Error(w, r, err)
		return
	}

	if err := s.Lifecycle.RescheduleStudentExam(r.Context(), studentExamID); err != nil {
		Error(w, r, err)
		return
	}

	JSON(w, r, http.StatusAccepted, APIResponse{Data: map[string]any{
		"student_exam_id": studentExamID,
		"rescheduled":     true,
	}})
}
