package httptransport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"shepherd/internal/funnel"
	"shepherd/internal/people"
	"shepherd/pkg/domain"
	"shepherd/pkg/platform/httputil"
)

type PeopleService interface {
	Register(ctx context.Context, actor domain.Actor, profile people.Profile) (*people.Person, error)
	Get(ctx context.Context, actor domain.Actor, id domain.PersonID) (*people.Person, error)
	List(ctx context.Context, actor domain.Actor, filter people.Filter) ([]*people.Person, error)
	Stats(ctx context.Context, actor domain.Actor) (people.StageCount, error)
	UpdateProfile(ctx context.Context, actor domain.Actor, id domain.PersonID, profile people.Profile) (*people.Person, error)
	RecordConsent(ctx context.Context, actor domain.Actor, id domain.PersonID, text string) (*people.Person, error)
	RevokeConsent(ctx context.Context, actor domain.Actor, id domain.PersonID) (*people.Person, error)
	Archive(ctx context.Context, actor domain.Actor, id domain.PersonID) (*people.Person, error)
}

// FunnelService moves people between funnel stages.
type FunnelService interface {
	AttemptTransition(ctx context.Context, actor domain.Actor, personID domain.PersonID, event funnel.Event) (domain.FunnelStage, error)
	CheckIn(ctx context.Context, actor domain.Actor, personID domain.PersonID) (*funnel.CheckInResult, error)
}

type PeopleHandler struct {
	people PeopleService
	funnel FunnelService
	logger *slog.Logger
}

func NewPeopleHandler(people PeopleService, funnel FunnelService, logger *slog.Logger) *PeopleHandler {
	return &PeopleHandler{people: people, funnel: funnel, logger: logger}
}

func (h *PeopleHandler) Register(r chi.Router) {
	r.Route("/people", func(r chi.Router) {
		r.Post("/", h.handleRegister)
		r.Get("/", h.handleList)
		r.Get("/stats", h.handleStats)
		r.Route("/{personID}", func(r chi.Router) {
			r.Get("/", h.handleGet)
			r.Put("/profile", h.handleUpdateProfile)
			r.Post("/consent", h.handleRecordConsent)
			r.Delete("/consent", h.handleRevokeConsent)
			r.Post("/archive", h.handleArchive)
			r.Post("/check-ins", h.handleCheckIn)
			r.Post("/transitions", h.handleTransition)
		})
	})
}

type consentRequest struct {
	Text string `json:"text" validate:"required,max=4000"`
}

type transitionRequest struct {
	Event funnel.Event `json:"event" validate:"required"`
}

type transitionResponse struct {
	PersonID domain.PersonID    `json:"person_id"`
	Stage    domain.FunnelStage `json:"stage"`
}

func (h *PeopleHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var profile people.Profile
	if err := decode(r, &profile); err != nil {
		httputil.WriteError(w, err)
		return
	}
	p, err := h.people.Register(r.Context(), actorFrom(r), profile)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, p)
}

func (h *PeopleHandler) handleList(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	archived, err := queryBool(r, "include_archived")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	filter := people.Filter{
		Stage:           domain.FunnelStage(r.URL.Query().Get("stage")),
		IncludeArchived: archived,
		Limit:           limit,
		Offset:          offset,
	}
	found, err := h.people.List(r.Context(), actorFrom(r), filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, list(found))
}

func (h *PeopleHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.people.Stats(r.Context(), actorFrom(r))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, counts)
}

func (h *PeopleHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := personIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	p, err := h.people.Get(r.Context(), actorFrom(r), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

func (h *PeopleHandler) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	id, err := personIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var profile people.Profile
	if err := decode(r, &profile); err != nil {
		httputil.WriteError(w, err)
		return
	}
	p, err := h.people.UpdateProfile(r.Context(), actorFrom(r), id, profile)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

func (h *PeopleHandler) handleRecordConsent(w http.ResponseWriter, r *http.Request) {
	id, err := personIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var req consentRequest
	if err := decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	p, err := h.people.RecordConsent(r.Context(), actorFrom(r), id, req.Text)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

func (h *PeopleHandler) handleRevokeConsent(w http.ResponseWriter, r *http.Request) {
	id, err := personIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	p, err := h.people.RevokeConsent(r.Context(), actorFrom(r), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

func (h *PeopleHandler) handleArchive(w http.ResponseWriter, r *http.Request) {
	id, err := personIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	p, err := h.people.Archive(r.Context(), actorFrom(r), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

func (h *PeopleHandler) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	id, err := personIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	res, err := h.funnel.CheckIn(r.Context(), actorFrom(r), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *PeopleHandler) handleTransition(w http.ResponseWriter, r *http.Request) {
	id, err := personIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var req transitionRequest
	if err := decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	stage, err := h.funnel.AttemptTransition(r.Context(), actorFrom(r), id, req.Event)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(r.Context(), "stage transition applied",
		"person_id", id.String(),
		"event", req.Event,
		"stage", stage,
	)
	httputil.WriteJSON(w, http.StatusOK, transitionResponse{PersonID: id, Stage: stage})
}
