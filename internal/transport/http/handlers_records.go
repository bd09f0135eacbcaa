package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"shepherd/internal/cipher"
	"shepherd/internal/records"
	"shepherd/pkg/domain"
	dErrors "shepherd/pkg/domain-errors"
	"shepherd/pkg/platform/httputil"
)

type RecordsService interface {
	Create(ctx context.Context, actor domain.Actor, personID domain.PersonID, payload records.Payload) (*records.Record, error)
	Read(ctx context.Context, actor domain.Actor, kind records.Kind, id domain.RecordID) (*records.Opened, error)
	List(ctx context.Context, actor domain.Actor, personID domain.PersonID, kind records.Kind) ([]*records.Record, error)
	Correct(ctx context.Context, actor domain.Actor, id domain.RecordID, payload records.Payload) (*records.Record, error)
	Erase(ctx context.Context, actor domain.Actor, kind records.Kind, id domain.RecordID, req records.ErasureRequest) (*records.Record, error)
}

// KeyService rotates the record encryption key.
type KeyService interface {
	RotateKey(ctx context.Context) (cipher.KeyVersion, error)
	Rekey(ctx context.Context, limit int) (records.RekeyResult, error)
	RetireKey(ctx context.Context, version cipher.KeyVersion) error
}

type RecordsHandler struct {
	records RecordsService
	logger  *slog.Logger
}

func NewRecordsHandler(records RecordsService, logger *slog.Logger) *RecordsHandler {
	return &RecordsHandler{records: records, logger: logger}
}

func (h *RecordsHandler) Register(r chi.Router) {
	r.Post("/people/{personID}/records/{kind}", h.handleCreate)
	r.Get("/people/{personID}/records/{kind}", h.handleList)
	r.Route("/records/{kind}/{recordID}", func(r chi.Router) {
		r.Get("/", h.handleRead)
		r.Post("/corrections", h.handleCorrect)
		r.Post("/erasure", h.handleErase)
	})
}

func kindParam(r *http.Request) (records.Kind, error) {
	return records.ParseKind(chi.URLParam(r, "kind"))
}

func recordRef(r *http.Request) (records.Kind, domain.RecordID, error) {
	kind, err := kindParam(r)
	if err != nil {
		return "", domain.RecordID{}, err
	}
	id, err := domain.ParseRecordID(chi.URLParam(r, "recordID"))
	if err != nil {
		return "", domain.RecordID{}, err
	}
	return kind, id, nil
}

// decodePayload reads a payload of the kind named in the path.
func decodePayload(r *http.Request, kind records.Kind) (records.Payload, error) {
	payload, err := records.NewPayload(kind)
	if err != nil {
		return nil, err
	}
	if err := httputil.DecodeJSON(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (h *RecordsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	personID, err := personIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	kind, err := kindParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	payload, err := decodePayload(r, kind)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	record, err := h.records.Create(r.Context(), actorFrom(r), personID, payload)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, record)
}

func (h *RecordsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	personID, err := personIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	kind, err := kindParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	found, err := h.records.List(r.Context(), actorFrom(r), personID, kind)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, list(found))
}

func (h *RecordsHandler) handleRead(w http.ResponseWriter, r *http.Request) {
	kind, id, err := recordRef(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	opened, err := h.records.Read(r.Context(), actorFrom(r), kind, id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, opened)
}

func (h *RecordsHandler) handleCorrect(w http.ResponseWriter, r *http.Request) {
	kind, id, err := recordRef(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	payload, err := decodePayload(r, kind)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	record, err := h.records.Correct(r.Context(), actorFrom(r), id, payload)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, record)
}

func (h *RecordsHandler) handleErase(w http.ResponseWriter, r *http.Request) {
	kind, id, err := recordRef(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var req records.ErasureRequest
	if err := decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	record, err := h.records.Erase(r.Context(), actorFrom(r), kind, id, req)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, record)
}

type KeysHandler struct {
	keys   KeyService
	logger *slog.Logger
}

func NewKeysHandler(keys KeyService, logger *slog.Logger) *KeysHandler {
	return &KeysHandler{keys: keys, logger: logger}
}

func (h *KeysHandler) Register(r chi.Router) {
	r.Post("/keys/rotate", h.handleRotate)
	r.Post("/keys/rekey", h.handleRekey)
	r.Delete("/keys/{version}", h.handleRetire)
}

const defaultRekeyBatch = 500

func (h *KeysHandler) handleRotate(w http.ResponseWriter, r *http.Request) {
	version, err := h.keys.RotateKey(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(r.Context(), "record key rotated",
		"active_version", version,
		"by", actorFrom(r).ID.String(),
	)
	httputil.WriteJSON(w, http.StatusOK, map[string]cipher.KeyVersion{"active_version": version})
}

func (h *KeysHandler) handleRekey(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultRekeyBatch)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if limit == 0 {
		limit = defaultRekeyBatch
	}
	res, err := h.keys.Rekey(r.Context(), limit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *KeysHandler) handleRetire(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.ParseUint(chi.URLParam(r, "version"), 10, 32)
	if err != nil || n == 0 {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid key version"))
		return
	}
	if err := h.keys.RetireKey(r.Context(), cipher.KeyVersion(n)); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
