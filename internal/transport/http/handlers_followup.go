package httptransport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"shepherd/internal/followup"
	"shepherd/pkg/domain"
	"shepherd/pkg/platform/httputil"
)

type FollowUpService interface {
	Get(ctx context.Context, actor domain.Actor, id domain.TaskID) (*followup.Task, error)
	List(ctx context.Context, actor domain.Actor, filter followup.Filter) ([]*followup.Task, error)
	Complete(ctx context.Context, actor domain.Actor, id domain.TaskID, req followup.CompleteRequest) (*followup.Task, error)
}

type FollowUpHandler struct {
	tasks  FollowUpService
	logger *slog.Logger
}

func NewFollowUpHandler(tasks FollowUpService, logger *slog.Logger) *FollowUpHandler {
	return &FollowUpHandler{tasks: tasks, logger: logger}
}

func (h *FollowUpHandler) Register(r chi.Router) {
	r.Route("/follow-ups", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Get("/{taskID}", h.handleGet)
		r.Post("/{taskID}/complete", h.handleComplete)
	})
}

func taskIDParam(r *http.Request) (domain.TaskID, error) {
	return domain.ParseTaskID(chi.URLParam(r, "taskID"))
}

func (h *FollowUpHandler) handleList(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	q := r.URL.Query()
	filter := followup.Filter{
		Status:       followup.Status(q.Get("status")),
		AssigneeRole: domain.Role(q.Get("assignee_role")),
		Limit:        limit,
		Offset:       offset,
	}
	if raw := q.Get("person_id"); raw != "" {
		if filter.PersonID, err = domain.ParsePersonID(raw); err != nil {
			httputil.WriteError(w, err)
			return
		}
	}
	tasks, err := h.tasks.List(r.Context(), actorFrom(r), filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, list(tasks))
}

func (h *FollowUpHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := taskIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	task, err := h.tasks.Get(r.Context(), actorFrom(r), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, task)
}

func (h *FollowUpHandler) handleComplete(w http.ResponseWriter, r *http.Request) {
	id, err := taskIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var req followup.CompleteRequest
	if err := decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	task, err := h.tasks.Complete(r.Context(), actorFrom(r), id, req)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, task)
}
