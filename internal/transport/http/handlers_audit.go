package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"shepherd/internal/audit"
	"shepherd/pkg/domain"
	dErrors "shepherd/pkg/domain-errors"
	platformaudit "shepherd/pkg/platform/audit"
	"shepherd/pkg/platform/httputil"
)

type AuditService interface {
	Query(ctx context.Context, actor domain.Actor, filter platformaudit.Filter) (platformaudit.Page, error)
}

type AuditHandler struct {
	audit  AuditService
	logger *slog.Logger
}

func NewAuditHandler(audit AuditService, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, logger: logger}
}

func (h *AuditHandler) Register(r chi.Router) {
	r.Get("/audit", h.handleQuery)
}

type auditPageResponse struct {
	Entries    []audit.EntryView `json:"entries"`
	NextCursor int64             `json:"next_cursor,omitempty"`
}

func auditFilter(r *http.Request) (platformaudit.Filter, error) {
	q := r.URL.Query()
	filter := platformaudit.Filter{
		Role:         domain.Role(q.Get("role")),
		ResourceType: domain.ResourceType(q.Get("resource_type")),
		ResourceID:   q.Get("resource_id"),
		Action:       q.Get("action"),
		Decision:     platformaudit.Decision(q.Get("decision")),
	}
	var err error
	if raw := q.Get("actor_id"); raw != "" {
		if filter.ActorID, err = domain.ParseActorID(raw); err != nil {
			return filter, err
		}
	}
	if raw := q.Get("owner_id"); raw != "" {
		if filter.OwnerID, err = domain.ParsePersonID(raw); err != nil {
			return filter, err
		}
	}
	if filter.From, err = queryTime(r, "from"); err != nil {
		return filter, err
	}
	if filter.To, err = queryTime(r, "to"); err != nil {
		return filter, err
	}
	if raw := q.Get("after"); raw != "" {
		if filter.After, err = strconv.ParseInt(raw, 10, 64); err != nil || filter.After < 0 {
			return filter, dErrors.New(dErrors.CodeInvalidInput, "invalid after cursor")
		}
	}
	if filter.Limit, err = queryInt(r, "limit", 0); err != nil {
		return filter, err
	}
	return filter, nil
}

func (h *AuditHandler) handleQuery(w http.ResponseWriter, r *http.Request) {
	filter, err := auditFilter(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	page, err := h.audit.Query(r.Context(), actorFrom(r), filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	resp := auditPageResponse{
		Entries:    make([]audit.EntryView, 0, len(page.Entries)),
		NextCursor: page.NextCursor,
	}
	for _, e := range page.Entries {
		resp.Entries = append(resp.Entries, audit.View(e))
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}
