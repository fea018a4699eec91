package uc

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/inkflow/inkflow/engine/core"
	"github.com/inkflow/inkflow/engine/fields"
	"github.com/inkflow/inkflow/engine/request"
	"github.com/inkflow/inkflow/pkg/logger"
)

// SchemaStore persists the field schema attached to a document.
type SchemaStore interface {
	SaveSchema(ctx context.Context, documentRef string, schema *fields.Schema) error
}

// SignerInput describes one party of a new request.
type SignerInput struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Position int    `json:"position"`
}

// InitiateInput is everything needed to open a signing request. The ordering
// policy and signer set are fixed here for the request's lifetime.
type InitiateInput struct {
	Title             string         `json:"title"`
	DocumentRef       string         `json:"document_ref"`
	SigningOrder      string         `json:"signing_order"`
	RequireAllSigners bool           `json:"require_all_signers"`
	RequireTOTP       bool           `json:"require_totp"`
	InitiatorEmail    string         `json:"initiator_email"`
	ExpiresAt         *time.Time     `json:"expires_at,omitempty"`
	Signers           []SignerInput  `json:"signers"`
	Schema            *fields.Schema `json:"schema,omitempty"`
}

type Initiate struct {
	repo    request.Repository
	schemas SchemaStore
	input   *InitiateInput
	now     func() time.Time
}

func NewInitiate(repo request.Repository, schemas SchemaStore, input *InitiateInput) *Initiate {
	return &Initiate{repo: repo, schemas: schemas, input: input, now: time.Now}
}

func (uc *Initiate) Execute(ctx context.Context) (*request.SigningRequest, error) {
	in := uc.input
	if err := uc.validate(); err != nil {
		return nil, core.NewError(err, core.ErrCodeInvalidArgument, nil)
	}
	id, err := core.NewID()
	if err != nil {
		return nil, err
	}
	now := uc.now().UTC()
	req := &request.SigningRequest{
		ID:                id,
		Title:             strings.TrimSpace(in.Title),
		DocumentRef:       in.DocumentRef,
		Status:            request.StatusInitiated,
		DocumentStatus:    request.DocumentStatusNone,
		SigningOrder:      request.ParseSigningOrder(in.SigningOrder),
		RequireAllSigners: in.RequireAllSigners,
		RequireTOTP:       in.RequireTOTP,
		InitiatorEmail:    in.InitiatorEmail,
		ExpiresAt:         in.ExpiresAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	signers := make([]*request.Signer, 0, len(in.Signers))
	for _, s := range in.Signers {
		signers = append(signers, &request.Signer{
			RequestID: req.ID,
			Email:     s.Email,
			Name:      s.Name,
			Position:  s.Position,
			Status:    request.SignerPending,
		})
	}
	sort.SliceStable(signers, func(i, j int) bool { return signers[i].Position < signers[j].Position })
	if err := uc.repo.CreateRequest(ctx, req, signers); err != nil {
		return nil, err
	}
	if in.Schema != nil {
		if err := uc.schemas.SaveSchema(ctx, in.DocumentRef, in.Schema); err != nil {
			return nil, fmt.Errorf("saving field schema: %w", err)
		}
	}
	logger.FromContext(ctx).Info("Signing request initiated",
		"request_id", req.ID, "signers", len(signers), "order", req.SigningOrder)
	return req, nil
}

func (uc *Initiate) validate() error {
	in := uc.input
	if strings.TrimSpace(in.Title) == "" {
		return errors.New("title is required")
	}
	if in.DocumentRef == "" {
		return errors.New("document_ref is required")
	}
	if _, err := mail.ParseAddress(in.InitiatorEmail); err != nil {
		return fmt.Errorf("invalid initiator email %q", in.InitiatorEmail)
	}
	if len(in.Signers) == 0 {
		return request.ErrNoSigners
	}
	seen := make(map[string]struct{}, len(in.Signers))
	for _, s := range in.Signers {
		if _, err := mail.ParseAddress(s.Email); err != nil {
			return fmt.Errorf("invalid signer email %q", s.Email)
		}
		key := strings.ToLower(s.Email)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate signer email %q", s.Email)
		}
		seen[key] = struct{}{}
		if s.Position < 0 {
			return fmt.Errorf("signer %q has negative position %d", s.Email, s.Position)
		}
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(uc.now()) {
		return fmt.Errorf("expires_at %s is not in the future", in.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}
