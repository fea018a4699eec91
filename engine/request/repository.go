package request

import (
	"context"
	"time"

	"github.com/inkflow/inkflow/engine/core"
)

// Repository persists signing requests and their signers. All status writers
// are conditional on the current status so concurrent transition attempts
// from different trigger points cannot clobber each other; a lost race
// surfaces as ErrConflict.
type Repository interface {
	// CreateRequest inserts the request and its full signer set atomically.
	CreateRequest(ctx context.Context, req *SigningRequest, signers []*Signer) error

	// GetRequest returns ErrRequestNotFound when the id is unknown.
	GetRequest(ctx context.Context, id core.ID) (*SigningRequest, error)

	// ListSigners returns the request's signers ordered by position.
	ListSigners(ctx context.Context, id core.ID) ([]*Signer, error)

	// GetSigner returns ErrSignerNotFound when the (request, email) pair is unknown.
	GetSigner(ctx context.Context, id core.ID, email string) (*Signer, error)

	// SaveSigner overwrites the signer row keyed by (request_id, email).
	SaveSigner(ctx context.Context, signer *Signer) error

	// UpdateRequestStatus transitions the request to the given status only if
	// its current status is one of allowedFrom. Returns ErrConflict when the
	// condition no longer holds and ErrRequestNotFound when the row is absent.
	UpdateRequestStatus(ctx context.Context, id core.ID, to Status, allowedFrom ...Status) error

	// SetDeclined marks the request declined recording who and why, guarded
	// against terminal statuses.
	SetDeclined(ctx context.Context, id core.ID, declinedBy, reason string) error

	// SetExpiry replaces the request deadline.
	SetExpiry(ctx context.Context, id core.ID, expiresAt time.Time) error

	// ClaimRender atomically flips document_status to generating_pdf. It
	// reports false when another caller already holds the claim, which is the
	// at-most-once guard for final document generation.
	ClaimRender(ctx context.Context, id core.ID) (bool, error)

	// ReclaimRender takes the render claim back from a completed request whose
	// document is ready, so the artifact can be regenerated. Reports false when
	// the request is not in that state.
	ReclaimRender(ctx context.Context, id core.ID) (bool, error)

	// CompleteRender records the final artifact and marks the request completed.
	CompleteRender(ctx context.Context, id core.ID, finalRef string) error

	// FailRender releases the render claim and records the failure message,
	// leaving all signer data untouched.
	FailRender(ctx context.Context, id core.ID, message string) error

	// ListExpired returns requests whose deadline passed while still open.
	ListExpired(ctx context.Context, asOf time.Time) ([]*SigningRequest, error)

	// ListExpiringBetween returns open requests with a deadline inside [from, to).
	ListExpiringBetween(ctx context.Context, from, to time.Time) ([]*SigningRequest, error)
}
