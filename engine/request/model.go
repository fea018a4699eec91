package request

import (
	"time"

	"github.com/inkflow/inkflow/engine/core"
)

// -----------------------------------------------------------------------------
// Request Status
// -----------------------------------------------------------------------------

// Status is the request-level lifecycle state.
type Status string

const (
	StatusInitiated        Status = "initiated"
	StatusInProgress       Status = "in_progress"
	StatusCompleted        Status = "completed"
	StatusDeclined         Status = "declined"
	StatusExpired          Status = "expired"
	StatusPartiallyExpired Status = "partially_expired"
	StatusCancelled        Status = "cancelled"
	StatusRenderFailed     Status = "pdf_generation_failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusInitiated, StatusInProgress, StatusCompleted, StatusDeclined,
		StatusExpired, StatusPartiallyExpired, StatusCancelled, StatusRenderFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the status ends the lifecycle. Transitions are
// monotonic toward a terminal state; terminal statuses are never re-entered.
// pdf_generation_failed is recoverable and therefore not terminal.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusDeclined, StatusExpired, StatusPartiallyExpired, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a legal step.
func (s Status) CanTransitionTo(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StatusInitiated:
		return next != StatusInitiated
	case StatusInProgress:
		return next != StatusInitiated
	case StatusRenderFailed:
		// Recoverable: only back into rendering or outright cancellation.
		return next == StatusInProgress || next == StatusCompleted || next == StatusCancelled
	}
	return false
}

// -----------------------------------------------------------------------------
// Document Status
// -----------------------------------------------------------------------------

// DocumentStatus is the render guard sub-state. The transition into
// generating_pdf is a single conditional update so concurrent completions
// cannot both trigger rendering.
type DocumentStatus string

const (
	DocumentStatusNone       DocumentStatus = "none"
	DocumentStatusGenerating DocumentStatus = "generating_pdf"
	DocumentStatusReady      DocumentStatus = "ready"
	DocumentStatusFailed     DocumentStatus = "failed"
)

// -----------------------------------------------------------------------------
// Signing Order Policy
// -----------------------------------------------------------------------------

// SigningOrder is the ordering policy, fixed at creation. Undetermined is the
// explicit fallback for missing or corrupt settings and maps to permissive
// (parallel) validation at exactly one call site.
type SigningOrder string

const (
	OrderSequential   SigningOrder = "sequential"
	OrderParallel     SigningOrder = "parallel"
	OrderUndetermined SigningOrder = "undetermined"
)

// ParseSigningOrder never fails: anything unrecognized becomes Undetermined so
// a corrupt policy blocks nobody.
func ParseSigningOrder(s string) SigningOrder {
	switch SigningOrder(s) {
	case OrderSequential:
		return OrderSequential
	case OrderParallel:
		return OrderParallel
	}
	return OrderUndetermined
}

// -----------------------------------------------------------------------------
// Signer Status
// -----------------------------------------------------------------------------

type SignerStatus string

const (
	SignerPending  SignerStatus = "pending"
	SignerViewed   SignerStatus = "viewed"
	SignerSigned   SignerStatus = "signed"
	SignerDeclined SignerStatus = "declined"
	SignerSkipped  SignerStatus = "skipped"
)

// IsTerminal reports whether the signer can still act.
func (s SignerStatus) IsTerminal() bool {
	return s == SignerSigned || s == SignerDeclined || s == SignerSkipped
}

// CanSign reports whether the signer status permits signing.
func (s SignerStatus) CanSign() bool {
	return s == SignerPending || s == SignerViewed
}

// -----------------------------------------------------------------------------
// Entities
// -----------------------------------------------------------------------------

// SigningRequest is one document-plus-signer-set workflow instance.
type SigningRequest struct {
	ID                core.ID        `db:"id"            json:"id"`
	Title             string         `db:"title"         json:"title"`
	DocumentRef       string         `db:"document_ref"  json:"document_ref"`
	Status            Status         `db:"status"        json:"status"`
	DocumentStatus    DocumentStatus `db:"document_status" json:"document_status"`
	SigningOrder      SigningOrder   `db:"signing_order" json:"signing_order"`
	RequireAllSigners bool           `db:"require_all_signers" json:"require_all_signers"`
	RequireTOTP       bool           `db:"require_totp"  json:"require_totp"`
	InitiatorEmail    string         `db:"initiator_email" json:"initiator_email"`
	ExpiresAt         *time.Time     `db:"expires_at"    json:"expires_at,omitempty"`
	FinalDocumentRef  *string        `db:"final_document_ref" json:"final_document_ref,omitempty"`
	DeclinedBy        *string        `db:"declined_by"   json:"declined_by,omitempty"`
	DeclineReason     *string        `db:"decline_reason" json:"decline_reason,omitempty"`
	RenderError       *string        `db:"render_error"  json:"render_error,omitempty"`
	CreatedAt         time.Time      `db:"created_at"    json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"    json:"updated_at"`
}

// SignatureData is the opaque bundle a signer submits when signing.
type SignatureData struct {
	ImagePNG    []byte            `json:"image_png,omitempty"`
	FieldValues map[string]string `json:"field_values,omitempty"`
	Address     string            `json:"address,omitempty"`
	CapturedAt  time.Time         `json:"captured_at"`
}

// Signer is one party who must view, sign, or decline a request. Identity is
// the (request, email) composite; Position is meaningful only under the
// sequential policy.
type Signer struct {
	RequestID     core.ID        `db:"request_id"     json:"request_id"`
	Email         string         `db:"email"          json:"email"`
	Name          string         `db:"name"           json:"name"`
	Position      int            `db:"position"       json:"position"`
	Status        SignerStatus   `db:"status"         json:"status"`
	ViewedAt      *time.Time     `db:"viewed_at"      json:"viewed_at,omitempty"`
	SignedAt      *time.Time     `db:"signed_at"      json:"signed_at,omitempty"`
	DeclinedAt    *time.Time     `db:"declined_at"    json:"declined_at,omitempty"`
	DeclineReason *string        `db:"decline_reason" json:"decline_reason,omitempty"`
	SignatureData *SignatureData `db:"signature_data" json:"signature_data,omitempty"`
	ProfileRegion *string        `db:"profile_region" json:"profile_region,omitempty"`
	LastResetBy   *string        `db:"last_reset_by"  json:"last_reset_by,omitempty"`
}

// CompletionSatisfied is the completion predicate: every signer signed, or,
// when requireAll is false, nobody is still eligible to sign and at least one
// signature was captured.
func CompletionSatisfied(signers []*Signer, requireAll bool) bool {
	if len(signers) == 0 {
		return false
	}
	signed := 0
	open := 0
	for _, s := range signers {
		switch s.Status {
		case SignerSigned:
			signed++
		case SignerDeclined, SignerSkipped:
		default:
			open++
		}
	}
	if signed == len(signers) {
		return true
	}
	if requireAll {
		return false
	}
	return open == 0 && signed > 0
}

// SignedCount returns how many signers have signed.
func SignedCount(signers []*Signer) int {
	n := 0
	for _, s := range signers {
		if s.Status == SignerSigned {
			n++
		}
	}
	return n
}

// PendingSigners returns signers that can still act, ordered as given.
func PendingSigners(signers []*Signer) []*Signer {
	var out []*Signer
	for _, s := range signers {
		if s.Status.CanSign() {
			out = append(out, s)
		}
	}
	return out
}
