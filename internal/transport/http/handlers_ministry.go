package httptransport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"shepherd/internal/ministry"
	"shepherd/pkg/domain"
	"shepherd/pkg/platform/httputil"
)

type MinistryService interface {
	CreateMinistry(ctx context.Context, actor domain.Actor, name string) (ministry.Ministry, error)
	ListMinistries(ctx context.Context) ([]ministry.Ministry, error)
	AssignLeader(ctx context.Context, actor domain.Actor, ministryID domain.MinistryID, leader domain.ActorID) error
	EndLeadership(ctx context.Context, actor domain.Actor, ministryID domain.MinistryID, leader domain.ActorID) error
	Enroll(ctx context.Context, actor domain.Actor, ministryID domain.MinistryID, person domain.PersonID) error
	Withdraw(ctx context.Context, actor domain.Actor, ministryID domain.MinistryID, person domain.PersonID) error
	AssignPastor(ctx context.Context, actor domain.Actor, person domain.PersonID, pastor domain.ActorID) error
	EndPastoralAssignment(ctx context.Context, actor domain.Actor, person domain.PersonID) error
}

type MinistryHandler struct {
	ministries MinistryService
	logger     *slog.Logger
}

func NewMinistryHandler(ministries MinistryService, logger *slog.Logger) *MinistryHandler {
	return &MinistryHandler{ministries: ministries, logger: logger}
}

func (h *MinistryHandler) Register(r chi.Router) {
	r.Route("/ministries", func(r chi.Router) {
		r.Post("/", h.handleCreate)
		r.Get("/", h.handleList)
		r.Put("/{ministryID}/leaders/{actorID}", h.handleAssignLeader)
		r.Delete("/{ministryID}/leaders/{actorID}", h.handleEndLeadership)
		r.Put("/{ministryID}/members/{personID}", h.handleEnroll)
		r.Delete("/{ministryID}/members/{personID}", h.handleWithdraw)
	})
	r.Put("/people/{personID}/pastor", h.handleAssignPastor)
	r.Delete("/people/{personID}/pastor", h.handleEndPastoralAssignment)
}

type createMinistryRequest struct {
	Name string `json:"name" validate:"required,max=120"`
}

type assignPastorRequest struct {
	PastorID domain.ActorID `json:"pastor_id"`
}

func ministryIDParam(r *http.Request) (domain.MinistryID, error) {
	return domain.ParseMinistryID(chi.URLParam(r, "ministryID"))
}

func (h *MinistryHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createMinistryRequest
	if err := decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	m, err := h.ministries.CreateMinistry(r.Context(), actorFrom(r), req.Name)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, m)
}

func (h *MinistryHandler) handleList(w http.ResponseWriter, r *http.Request) {
	found, err := h.ministries.ListMinistries(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, list(found))
}

func (h *MinistryHandler) leaderRef(r *http.Request) (domain.MinistryID, domain.ActorID, error) {
	ministryID, err := ministryIDParam(r)
	if err != nil {
		return domain.MinistryID{}, domain.ActorID{}, err
	}
	leader, err := domain.ParseActorID(chi.URLParam(r, "actorID"))
	return ministryID, leader, err
}

func (h *MinistryHandler) memberRef(r *http.Request) (domain.MinistryID, domain.PersonID, error) {
	ministryID, err := ministryIDParam(r)
	if err != nil {
		return domain.MinistryID{}, domain.PersonID{}, err
	}
	person, err := personIDParam(r)
	return ministryID, person, err
}

func (h *MinistryHandler) handleAssignLeader(w http.ResponseWriter, r *http.Request) {
	ministryID, leader, err := h.leaderRef(r)
	if err == nil {
		err = h.ministries.AssignLeader(r.Context(), actorFrom(r), ministryID, leader)
	}
	writeNoContent(w, err)
}

func (h *MinistryHandler) handleEndLeadership(w http.ResponseWriter, r *http.Request) {
	ministryID, leader, err := h.leaderRef(r)
	if err == nil {
		err = h.ministries.EndLeadership(r.Context(), actorFrom(r), ministryID, leader)
	}
	writeNoContent(w, err)
}

func (h *MinistryHandler) handleEnroll(w http.ResponseWriter, r *http.Request) {
	ministryID, person, err := h.memberRef(r)
	if err == nil {
		err = h.ministries.Enroll(r.Context(), actorFrom(r), ministryID, person)
	}
	writeNoContent(w, err)
}

func (h *MinistryHandler) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	ministryID, person, err := h.memberRef(r)
	if err == nil {
		err = h.ministries.Withdraw(r.Context(), actorFrom(r), ministryID, person)
	}
	writeNoContent(w, err)
}

func (h *MinistryHandler) handleAssignPastor(w http.ResponseWriter, r *http.Request) {
	person, err := personIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var req assignPastorRequest
	if err := decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeNoContent(w, h.ministries.AssignPastor(r.Context(), actorFrom(r), person, req.PastorID))
}

func (h *MinistryHandler) handleEndPastoralAssignment(w http.ResponseWriter, r *http.Request) {
	person, err := personIDParam(r)
	if err == nil {
		err = h.ministries.EndPastoralAssignment(r.Context(), actorFrom(r), person)
	}
	writeNoContent(w, err)
}

func writeNoContent(w http.ResponseWriter, err error) {
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
