package request

import (
	"context"
	"sync"
	"time"

	"github.com/inkflow/inkflow/engine/core"
)

// InMemoryRepo is a map-backed Repository used by tests across the engine.
// It mirrors the conditional-update semantics of the SQL implementation,
// including ErrConflict on lost status races.
type InMemoryRepo struct {
	mu       sync.Mutex
	requests map[core.ID]*SigningRequest
	signers  map[core.ID][]*Signer

	// Error hooks for failure-injection tests. A nil hook never fires.
	OnGetRequest  func(id core.ID) error
	OnListSigners func(id core.ID) error
	OnSaveSigner  func(signer *Signer) error
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		requests: make(map[core.ID]*SigningRequest),
		signers:  make(map[core.ID][]*Signer),
	}
}

func (r *InMemoryRepo) CreateRequest(_ context.Context, req *SigningRequest, signers []*Signer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *req
	r.requests[req.ID] = &cp
	list := make([]*Signer, 0, len(signers))
	for _, s := range signers {
		sc := *s
		list = append(list, &sc)
	}
	r.signers[req.ID] = list
	return nil
}

func (r *InMemoryRepo) GetRequest(_ context.Context, id core.ID) (*SigningRequest, error) {
	if r.OnGetRequest != nil {
		if err := r.OnGetRequest(id); err != nil {
			return nil, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	cp := *req
	return &cp, nil
}

func (r *InMemoryRepo) ListSigners(_ context.Context, id core.ID) ([]*Signer, error) {
	if r.OnListSigners != nil {
		if err := r.OnListSigners(id); err != nil {
			return nil, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list := make([]*Signer, 0, len(r.signers[id]))
	for _, s := range r.signers[id] {
		cp := *s
		list = append(list, &cp)
	}
	return list, nil
}

func (r *InMemoryRepo) GetSigner(_ context.Context, id core.ID, email string) (*Signer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.signers[id] {
		if s.Email == email {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrSignerNotFound
}

func (r *InMemoryRepo) SaveSigner(_ context.Context, signer *Signer) error {
	if r.OnSaveSigner != nil {
		if err := r.OnSaveSigner(signer); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.signers[signer.RequestID]
	for i, s := range list {
		if s.Email == signer.Email {
			cp := *signer
			list[i] = &cp
			return nil
		}
	}
	return ErrSignerNotFound
}

func (r *InMemoryRepo) UpdateRequestStatus(
	_ context.Context,
	id core.ID,
	to Status,
	allowedFrom ...Status,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	if len(allowedFrom) > 0 && !statusIn(req.Status, allowedFrom) {
		return ErrConflict
	}
	req.Status = to
	req.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *InMemoryRepo) SetDeclined(_ context.Context, id core.ID, declinedBy, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	if req.Status.IsTerminal() {
		return ErrConflict
	}
	req.Status = StatusDeclined
	req.DeclinedBy = &declinedBy
	req.DeclineReason = &reason
	return nil
}

func (r *InMemoryRepo) SetExpiry(_ context.Context, id core.ID, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	req.ExpiresAt = &expiresAt
	return nil
}

func (r *InMemoryRepo) ClaimRender(_ context.Context, id core.ID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return false, ErrRequestNotFound
	}
	if req.DocumentStatus != DocumentStatusNone && req.DocumentStatus != DocumentStatusFailed {
		return false, nil
	}
	req.DocumentStatus = DocumentStatusGenerating
	return true, nil
}

func (r *InMemoryRepo) ReclaimRender(_ context.Context, id core.ID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return false, ErrRequestNotFound
	}
	if req.Status != StatusCompleted || req.DocumentStatus != DocumentStatusReady {
		return false, nil
	}
	req.DocumentStatus = DocumentStatusGenerating
	return true, nil
}

func (r *InMemoryRepo) CompleteRender(_ context.Context, id core.ID, finalRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	if req.DocumentStatus != DocumentStatusGenerating {
		return ErrConflict
	}
	if req.Status.IsTerminal() && req.Status != StatusCompleted {
		return ErrConflict
	}
	req.Status = StatusCompleted
	req.DocumentStatus = DocumentStatusReady
	req.FinalDocumentRef = &finalRef
	req.RenderError = nil
	return nil
}

func (r *InMemoryRepo) FailRender(_ context.Context, id core.ID, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	if req.DocumentStatus != DocumentStatusGenerating {
		return ErrConflict
	}
	req.Status = StatusRenderFailed
	req.DocumentStatus = DocumentStatusFailed
	req.RenderError = &message
	return nil
}

func (r *InMemoryRepo) ListExpired(_ context.Context, asOf time.Time) ([]*SigningRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*SigningRequest
	for _, req := range r.requests {
		if req.Status != StatusInitiated && req.Status != StatusInProgress {
			continue
		}
		if req.ExpiresAt == nil || req.ExpiresAt.After(asOf) {
			continue
		}
		cp := *req
		out = append(out, &cp)
	}
	return out, nil
}

func (r *InMemoryRepo) ListExpiringBetween(
	_ context.Context,
	from, to time.Time,
) ([]*SigningRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*SigningRequest
	for _, req := range r.requests {
		if req.Status != StatusInitiated && req.Status != StatusInProgress {
			continue
		}
		if req.ExpiresAt == nil || req.ExpiresAt.Before(from) || !req.ExpiresAt.Before(to) {
			continue
		}
		cp := *req
		out = append(out, &cp)
	}
	return out, nil
}

func statusIn(status Status, set []Status) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
