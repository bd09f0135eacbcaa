// Package records is the vault for encrypted counseling and financial
// records. Every operation is authorized by the access guard, records are
// only created for people with recorded consent, and each decrypt appends
// its own audit entry.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"shepherd/internal/authz"
	"shepherd/internal/cipher"
	"shepherd/internal/people"
	"shepherd/pkg/domain"
	dErrors "shepherd/pkg/domain-errors"
	"shepherd/pkg/platform/audit"
	"shepherd/pkg/platform/sentinel"
	"shepherd/pkg/requestcontext"
)

// People resolves the person a record belongs to. Locked keeps consent from
// changing until the record write it wraps commits.
type People interface {
	FindByID(ctx context.Context, id domain.PersonID) (*people.Person, error)
	Locked(ctx context.Context, id domain.PersonID, fn func(ctx context.Context, p *people.Person) error) error
}

type Guard interface {
	Require(ctx context.Context, req authz.Request) (authz.Grant, error)
}

type Cipher interface {
	Encrypt(ctx context.Context, plaintext []byte, ec cipher.Context) (cipher.Envelope, error)
	Decrypt(ctx context.Context, env cipher.Envelope, ec cipher.Context) ([]byte, error)
	ActiveVersion() cipher.KeyVersion
	Rotate(ctx context.Context) (cipher.KeyVersion, error)
	Retire(ctx context.Context, version cipher.KeyVersion) error
}

type AuditLog interface {
	Append(ctx context.Context, entry audit.Entry) (audit.Entry, error)
}

// TxRunner runs fn as one unit of work. Stores and the audit log join the
// transaction carried on the context passed to fn.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type noTx struct{}

func (noTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

// PledgeObserver is told about donations pledged for a future date.
type PledgeObserver interface {
	OnPledgedCommitment(ctx context.Context, personID domain.PersonID, due time.Time) error
}

// Vault stores and opens sensitive records.
type Vault struct {
	store    Store
	people   People
	guard    Guard
	cipher   Cipher
	auditLog AuditLog
	pledges  PledgeObserver
	tx       TxRunner
	logger   *slog.Logger
	metrics  *Metrics
}

type Option func(*Vault)

func WithLogger(logger *slog.Logger) Option {
	return func(v *Vault) {
		v.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(v *Vault) {
		v.metrics = m
	}
}

func WithPledgeObserver(o PledgeObserver) Option {
	return func(v *Vault) {
		v.pledges = o
	}
}

// WithTx makes record writes commit together with their consent check and
// audit entry.
func WithTx(r TxRunner) Option {
	return func(v *Vault) {
		v.tx = r
	}
}

func New(store Store, people People, guard Guard, c Cipher, auditLog AuditLog, opts ...Option) *Vault {
	v := &Vault{
		store:    store,
		people:   people,
		guard:    guard,
		cipher:   c,
		auditLog: auditLog,
		tx:       noTx{},
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Create seals payload as a new record for the person. The person must have
// granted consent.
func (v *Vault) Create(ctx context.Context, actor domain.Actor, personID domain.PersonID, payload Payload) (*Record, error) {
	if payload == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "payload is required")
	}
	if err := payload.normalize(); err != nil {
		return nil, err
	}
	kind := payload.Kind()
	if _, err := v.guard.Require(ctx, authz.Request{
		Actor:    actor,
		Action:   domain.ActionWrite,
		Resource: kind.ResourceType(),
		OwnerID:  personID,
	}); err != nil {
		return nil, err
	}

	record := &Record{
		ID:        domain.NewRecordID(),
		PersonID:  personID,
		Kind:      kind,
		CreatedBy: actor.ID,
		CreatedAt: requestcontext.Now(ctx),
	}
	if err := v.seal(ctx, record, payload); err != nil {
		return nil, err
	}
	err := v.withConsent(ctx, personID, func(ctx context.Context) error {
		if err := v.store.Create(ctx, record); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to store record")
		}
		return nil
	})
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeMissingConsent) {
			v.metrics.IncOperation(kind, "create", "refused")
		}
		return nil, err
	}
	v.metrics.IncOperation(kind, "create", "ok")
	v.logger.InfoContext(ctx, "sensitive record created",
		"record_id", record.ID.String(),
		"person_id", personID.String(),
		"kind", kind,
		"key_version", record.KeyVersion,
	)
	v.notifyPledge(ctx, personID, payload)
	return record, nil
}

// withConsent runs write in one unit of work with the consent check, holding
// the person so consent cannot be revoked before the write commits.
func (v *Vault) withConsent(ctx context.Context, personID domain.PersonID, write func(ctx context.Context) error) error {
	return v.tx.RunInTx(ctx, func(ctx context.Context) error {
		err := v.people.Locked(ctx, personID, func(ctx context.Context, person *people.Person) error {
			if person.IsArchived() {
				return dErrors.New(dErrors.CodeConflict, "person is archived")
			}
			if !person.HasConsent() {
				return &ConsentMissingError{PersonID: personID}
			}
			return write(ctx)
		})
		if _, coded := dErrors.CodeOf(err); err == nil || coded {
			return err
		}
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "person not found")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load person")
	})
}

func (v *Vault) seal(ctx context.Context, record *Record, payload Payload) error {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode payload")
	}
	env, err := v.cipher.Encrypt(ctx, plaintext, record.cipherContext())
	if err != nil {
		return err
	}
	record.Ciphertext = env.Blob
	record.KeyVersion = env.KeyVersion
	return nil
}

func (v *Vault) notifyPledge(ctx context.Context, personID domain.PersonID, payload Payload) {
	donation, ok := payload.(*Donation)
	if !ok || !donation.Pledge || v.pledges == nil {
		return
	}
	if err := v.pledges.OnPledgedCommitment(ctx, personID, donation.Date); err != nil {
		v.logger.WarnContext(ctx, "failed to schedule pledge follow-up",
			"person_id", personID.String(),
			"error", err,
		)
	}
}

// load finds a record of the given kind. A missing record is reported only
// to actors allowed to act on that kind regardless of owner.
func (v *Vault) load(ctx context.Context, actor domain.Actor, kind Kind, id domain.RecordID, action domain.Action) (*Record, authz.Grant, error) {
	req := authz.Request{
		Actor:      actor,
		Action:     action,
		Resource:   kind.ResourceType(),
		ResourceID: id.String(),
	}
	record, err := v.store.FindByID(ctx, id)
	switch {
	case errors.Is(err, sentinel.ErrNotFound) || (err == nil && record.Kind != kind):
		if _, err := v.guard.Require(ctx, req); err != nil {
			return nil, authz.Grant{}, err
		}
		return nil, authz.Grant{}, dErrors.New(dErrors.CodeNotFound, "record not found")
	case err != nil:
		return nil, authz.Grant{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load record")
	}
	req.OwnerID = record.PersonID
	grant, err := v.guard.Require(ctx, req)
	if err != nil {
		return nil, authz.Grant{}, err
	}
	return record, grant, nil
}

// Read authorizes and decrypts one record. Erased records return their
// tombstone without a payload.
func (v *Vault) Read(ctx context.Context, actor domain.Actor, kind Kind, id domain.RecordID) (*Opened, error) {
	record, grant, err := v.load(ctx, actor, kind, id, domain.ActionRead)
	if err != nil {
		return nil, err
	}
	if record.IsErased() {
		return &Opened{Record: record}, nil
	}
	payload, err := v.Decrypt(ctx, grant, record)
	if err != nil {
		return nil, err
	}
	return &Opened{Record: record, Payload: payload}, nil
}

// Decrypt opens record under a grant the guard issued for it. Exactly one
// audit entry is appended per call; when that append fails no plaintext is
// returned.
func (v *Vault) Decrypt(ctx context.Context, grant authz.Grant, record *Record) (Payload, error) {
	resource := record.Kind.ResourceType()
	if !grant.Valid() || !grant.Covers(resource, record.ID.String(), domain.ActionRead) || grant.OwnerID() != record.PersonID {
		return nil, dErrors.New(dErrors.CodeForbidden, "grant does not cover this record")
	}
	if record.IsErased() {
		return nil, dErrors.New(dErrors.CodeConflict, "record was erased")
	}

	plaintext, decErr := v.cipher.Decrypt(ctx, record.envelope(), record.cipherContext())
	outcome := audit.OutcomeOK
	if decErr != nil {
		outcome = audit.OutcomeDecryptionFailed
	}
	actor := grant.Actor()
	if _, err := v.auditLog.Append(ctx, audit.Entry{
		ActorID:      actor.ID,
		Role:         actor.Role,
		SessionID:    actor.SessionID,
		Action:       audit.ActionDecrypt,
		ResourceType: resource,
		ResourceID:   record.ID.String(),
		OwnerID:      record.PersonID,
		Outcome:      outcome,
	}); err != nil {
		return nil, err
	}
	v.metrics.IncOperation(record.Kind, "decrypt", outcome)
	if decErr != nil {
		return nil, decErr
	}

	payload, err := decodePayload(record.Kind, plaintext)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to decode payload")
	}
	return payload, nil
}

// List returns the metadata of a person's records without decrypting them.
func (v *Vault) List(ctx context.Context, actor domain.Actor, personID domain.PersonID, kind Kind) ([]*Record, error) {
	if !kind.IsValid() {
		return nil, errUnknownKind(string(kind))
	}
	if _, err := v.guard.Require(ctx, authz.Request{
		Actor:    actor,
		Action:   domain.ActionRead,
		Resource: kind.ResourceType(),
		OwnerID:  personID,
	}); err != nil {
		return nil, err
	}
	list, err := v.store.ListByPerson(ctx, personID, kind)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list records")
	}
	return list, nil
}

// Correct stores payload as a new record superseding id. The original stays
// readable.
func (v *Vault) Correct(ctx context.Context, actor domain.Actor, id domain.RecordID, payload Payload) (*Record, error) {
	if payload == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "payload is required")
	}
	if err := payload.normalize(); err != nil {
		return nil, err
	}
	previous, _, err := v.load(ctx, actor, payload.Kind(), id, domain.ActionWrite)
	if err != nil {
		return nil, err
	}

	next := &Record{
		ID:         domain.NewRecordID(),
		PersonID:   previous.PersonID,
		Kind:       previous.Kind,
		CreatedBy:  actor.ID,
		CreatedAt:  requestcontext.Now(ctx),
		Supersedes: previous.ID,
	}
	if err := v.seal(ctx, next, payload); err != nil {
		return nil, err
	}
	err = v.withConsent(ctx, previous.PersonID, func(ctx context.Context) error {
		if err := v.store.Supersede(ctx, previous.ID, next); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.New(dErrors.CodeConflict, "record already superseded or erased")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to store correction")
		}
		return v.record(ctx, actor, previous, audit.ActionRecordCorrected, "superseded by "+next.ID.String())
	})
	if err != nil {
		return nil, err
	}
	v.metrics.IncOperation(next.Kind, "correct", "ok")
	v.notifyPledge(ctx, next.PersonID, payload)
	return next, nil
}

// Erase removes a record's payload for a data-subject request, leaving a
// tombstone. The erasure is audited apart from the authorization decision.
func (v *Vault) Erase(ctx context.Context, actor domain.Actor, kind Kind, id domain.RecordID, req ErasureRequest) (*Record, error) {
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "erasure reason is required")
	}
	record, _, err := v.load(ctx, actor, kind, id, domain.ActionErase)
	if err != nil {
		return nil, err
	}
	erasure := Erasure{
		ErasedAt:  requestcontext.Now(ctx),
		ErasedBy:  actor.ID,
		Reason:    req.Reason,
		Reference: strings.TrimSpace(req.Reference),
	}
	err = v.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := v.store.Erase(ctx, id, erasure); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.New(dErrors.CodeConflict, "record already erased")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to erase record")
		}
		return v.record(ctx, actor, record, audit.ActionErasure, req.Reason)
	})
	if err != nil {
		return nil, err
	}
	record.Ciphertext = nil
	record.Erasure = &erasure
	v.metrics.IncOperation(kind, "erase", "ok")
	v.logger.InfoContext(ctx, "sensitive record erased",
		"record_id", id.String(),
		"person_id", record.PersonID.String(),
		"reference", erasure.Reference,
	)
	return record, nil
}

func (v *Vault) record(ctx context.Context, actor domain.Actor, r *Record, action, reason string) error {
	_, err := v.auditLog.Append(ctx, audit.Entry{
		ActorID:      actor.ID,
		Role:         actor.Role,
		SessionID:    actor.SessionID,
		Action:       action,
		ResourceType: r.Kind.ResourceType(),
		ResourceID:   r.ID.String(),
		OwnerID:      r.PersonID,
		Reason:       reason,
		Outcome:      audit.OutcomeOK,
	})
	return err
}

// RotateKey activates the key provider's current key. Existing records keep
// opening with their version until Rekey re-seals them.
func (v *Vault) RotateKey(ctx context.Context) (cipher.KeyVersion, error) {
	version, err := v.cipher.Rotate(ctx)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to rotate key")
	}
	if _, err := v.auditLog.Append(ctx, audit.Entry{
		Action:  audit.ActionKeyRotated,
		Reason:  fmt.Sprintf("active version %d", version),
		Outcome: audit.OutcomeOK,
	}); err != nil {
		return version, err
	}
	return version, nil
}

// RekeyResult summarizes one Rekey pass.
type RekeyResult struct {
	Rekeyed int `json:"rekeyed"`
	Failed  int `json:"failed"`
}

// Rekey re-seals up to limit records still under an older key. Each
// decrypt is audited as record_rekeyed; records that fail to open are
// counted and left untouched.
func (v *Vault) Rekey(ctx context.Context, limit int) (RekeyResult, error) {
	var result RekeyResult
	active := v.cipher.ActiveVersion()
	stale, err := v.store.ListStale(ctx, active, limit)
	if err != nil {
		return result, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list stale records")
	}
	for _, record := range stale {
		plaintext, decErr := v.cipher.Decrypt(ctx, record.envelope(), record.cipherContext())
		outcome := audit.OutcomeOK
		if decErr != nil {
			outcome = audit.OutcomeDecryptionFailed
		}
		if _, err := v.auditLog.Append(ctx, audit.Entry{
			Action:       audit.ActionRecordRekeyed,
			ResourceType: record.Kind.ResourceType(),
			ResourceID:   record.ID.String(),
			OwnerID:      record.PersonID,
			Outcome:      outcome,
		}); err != nil {
			return result, err
		}
		if decErr != nil {
			result.Failed++
			continue
		}
		env, err := v.cipher.Encrypt(ctx, plaintext, record.cipherContext())
		if err != nil {
			return result, err
		}
		if err := v.store.Rekey(ctx, record.ID, record.KeyVersion, env); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				continue
			}
			return result, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store re-sealed record")
		}
		result.Rekeyed++
		v.metrics.IncRekeyed()
	}
	if result.Rekeyed > 0 || result.Failed > 0 {
		v.logger.InfoContext(ctx, "records re-sealed",
			"active_version", active,
			"rekeyed", result.Rekeyed,
			"failed", result.Failed,
		)
	}
	return result, nil
}

// RetireKey drops an old key version once no record references it.
func (v *Vault) RetireKey(ctx context.Context, version cipher.KeyVersion) error {
	n, err := v.store.CountByKeyVersion(ctx, version)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to count records")
	}
	if n > 0 {
		return dErrors.New(dErrors.CodeConflict, fmt.Sprintf("key version %d still seals %d records", version, n))
	}
	if err := v.cipher.Retire(ctx, version); err != nil {
		return err
	}
	_, err = v.auditLog.Append(ctx, audit.Entry{
		Action:  audit.ActionKeyRotated,
		Reason:  fmt.Sprintf("retired version %d", version),
		Outcome: audit.OutcomeOK,
	})
	return err
}
