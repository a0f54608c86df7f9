package enrollment

import (
	"context"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/frahmantamala/lms-backend/internal"
	"github.com/frahmantamala/lms-backend/internal/auth"
	"github.com/frahmantamala/lms-backend/internal/core/common/validation"
	"github.com/frahmantamala/lms-backend/internal/transport"
)

type ServiceAPI interface {
	Enroll(ctx context.Context, studentID, courseID string) (*Enrollment, error)
	Get(ctx context.Context, id string) (*Enrollment, error)
	UpdateProgress(ctx context.Context, id string, progress int) (*Enrollment, error)
}

type Handler struct {
	*transport.BaseHandler
	Service ServiceAPI
}

func NewHandler(baseHandler *transport.BaseHandler, service ServiceAPI) *Handler {
	return &Handler{
		BaseHandler: baseHandler,
		Service:     service,
	}
}

func (h *Handler) Enroll(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		h.WriteAppError(w, internal.ErrInvalidToken)
		return
	}

	var req EnrollRequest
	if appErr := h.DecodeJSON(r, &req); appErr != nil {
		h.WriteAppError(w, appErr)
		return
	}
	if appErr := validation.Struct(req); appErr != nil {
		h.WriteAppError(w, appErr)
		return
	}

	studentID := user.ID
	if req.StudentID != "" && req.StudentID != user.ID {
		if !user.IsAdmin() {
			h.WriteAppError(w, internal.ErrForbidden)
			return
		}
		studentID = req.StudentID
	}

	e, err := h.Service.Enroll(r.Context(), studentID, req.CourseID)
	if err != nil {
		h.HandleServiceError(w, err, "Enroll")
		return
	}

	h.WriteJSON(w, http.StatusCreated, EnrollmentResponse{Enrollment: e})
}

func (h *Handler) GetEnrollment(w http.ResponseWriter, r *http.Request) {
	e, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	h.WriteJSON(w, http.StatusOK, EnrollmentResponse{Enrollment: e})
}

func (h *Handler) UpdateProgress(w http.ResponseWriter, r *http.Request) {
	var req ProgressRequest
	if appErr := h.DecodeJSON(r, &req); appErr != nil {
		h.WriteAppError(w, appErr)
		return
	}
	if appErr := validation.Struct(req); appErr != nil {
		h.WriteAppError(w, appErr)
		return
	}

	e, ok := h.loadOwned(w, r)
	if !ok {
		return
	}

	updated, err := h.Service.UpdateProgress(r.Context(), e.ID, *req.Progress)
	if err != nil {
		h.HandleServiceError(w, err, "UpdateProgress")
		return
	}

	h.WriteJSON(w, http.StatusOK, EnrollmentResponse{Enrollment: updated})
}

// loadOwned fetches the enrollment in the URL and checks the caller may see it.
// Other students' enrollments are reported as missing.
func (h *Handler) loadOwned(w http.ResponseWriter, r *http.Request) (*Enrollment, bool) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		h.WriteAppError(w, internal.ErrInvalidToken)
		return nil, false
	}

	e, err := h.Service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.HandleServiceError(w, err, "GetEnrollment")
		return nil, false
	}
	if !user.CanAccess(e.StudentID) {
		h.WriteAppError(w, internal.ErrEnrollmentNotFound)
		return nil, false
	}
	return e, true
}
