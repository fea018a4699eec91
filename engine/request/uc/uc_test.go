package uc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkflow/inkflow/engine/completion"
	"github.com/inkflow/inkflow/engine/core"
	"github.com/inkflow/inkflow/engine/fields"
	"github.com/inkflow/inkflow/engine/notify"
	"github.com/inkflow/inkflow/engine/request"
	"github.com/inkflow/inkflow/engine/stepup"
)

type memSchemas struct {
	saved map[string]*fields.Schema
}

func newMemSchemas() *memSchemas {
	return &memSchemas{saved: make(map[string]*fields.Schema)}
}

func (m *memSchemas) SaveSchema(_ context.Context, ref string, schema *fields.Schema) error {
	m.saved[ref] = schema
	return nil
}

func validInput() *InitiateInput {
	return &InitiateInput{
		Title:             "Consulting Agreement",
		DocumentRef:       "docs/consulting.pdf",
		SigningOrder:      "sequential",
		RequireAllSigners: true,
		InitiatorEmail:    "owner@example.com",
		Signers: []SignerInput{
			{Email: "b@example.com", Name: "Bea", Position: 2},
			{Email: "a@example.com", Name: "Ada", Position: 1},
		},
	}
}

func TestInitiate(t *testing.T) {
	ctx := context.Background()

	t.Run("Should create the request with its signers ordered by position", func(t *testing.T) {
		repo := request.NewInMemoryRepo()
		schemas := newMemSchemas()

		req, err := NewInitiate(repo, schemas, validInput()).Execute(ctx)
		require.NoError(t, err)
		assert.Equal(t, request.StatusInitiated, req.Status)
		assert.Equal(t, request.OrderSequential, req.SigningOrder)

		signers, err := repo.ListSigners(ctx, req.ID)
		require.NoError(t, err)
		require.Len(t, signers, 2)
		assert.Equal(t, "a@example.com", signers[0].Email)
		assert.Equal(t, request.SignerPending, signers[0].Status)
	})
	t.Run("Should persist the field schema when provided", func(t *testing.T) {
		repo := request.NewInMemoryRepo()
		schemas := newMemSchemas()
		input := validInput()
		input.Schema = &fields.Schema{Fields: []fields.Field{
			{ID: "sig", Type: fields.TypeSignature, SignerBinding: "signer_1"},
		}}

		_, err := NewInitiate(repo, schemas, input).Execute(ctx)
		require.NoError(t, err)
		require.Contains(t, schemas.saved, "docs/consulting.pdf")
	})
	t.Run("Should store an unrecognized ordering policy as undetermined", func(t *testing.T) {
		repo := request.NewInMemoryRepo()
		input := validInput()
		input.SigningOrder = "round_robin"

		req, err := NewInitiate(repo, newMemSchemas(), input).Execute(ctx)
		require.NoError(t, err)
		assert.Equal(t, request.OrderUndetermined, req.SigningOrder)
	})
	t.Run("Should reject an empty signer set", func(t *testing.T) {
		input := validInput()
		input.Signers = nil

		_, err := NewInitiate(request.NewInMemoryRepo(), newMemSchemas(), input).Execute(ctx)
		require.Error(t, err)
		assert.Equal(t, core.ErrCodeInvalidArgument, core.CodeOf(err))
	})
	t.Run("Should reject duplicate signer emails", func(t *testing.T) {
		input := validInput()
		input.Signers = []SignerInput{
			{Email: "a@example.com", Position: 1},
			{Email: "A@example.com", Position: 2},
		}

		_, err := NewInitiate(request.NewInMemoryRepo(), newMemSchemas(), input).Execute(ctx)
		require.Error(t, err)
		assert.Equal(t, core.ErrCodeInvalidArgument, core.CodeOf(err))
	})
	t.Run("Should reject a deadline that is not in the future", func(t *testing.T) {
		input := validInput()
		past := time.Now().Add(-time.Minute)
		input.ExpiresAt = &past

		_, err := NewInitiate(request.NewInMemoryRepo(), newMemSchemas(), input).Execute(ctx)
		require.Error(t, err)
		assert.Equal(t, core.ErrCodeInvalidArgument, core.CodeOf(err))
	})
}

func seedForSign(t *testing.T, repo *request.InMemoryRepo, requireTOTP bool) *request.SigningRequest {
	t.Helper()
	req := &request.SigningRequest{
		ID:                core.MustNewID(),
		Title:             "NDA",
		DocumentRef:       "docs/nda.pdf",
		Status:            request.StatusInitiated,
		DocumentStatus:    request.DocumentStatusNone,
		SigningOrder:      request.OrderParallel,
		RequireAllSigners: true,
		RequireTOTP:       requireTOTP,
		InitiatorEmail:    "owner@example.com",
	}
	signers := []*request.Signer{
		{RequestID: req.ID, Email: "a@example.com", Position: 1, Status: request.SignerPending},
		{RequestID: req.ID, Email: "b@example.com", Position: 2, Status: request.SignerPending},
	}
	require.NoError(t, repo.CreateRequest(context.Background(), req, signers))
	return req
}

func newSignDeps(repo *request.InMemoryRepo) (*request.StateMachine, *completion.Orchestrator) {
	outbox := notify.NewOutbox(notify.LogNotifier{}, time.Second)
	machine := request.NewStateMachine(repo)
	// The completion predicate stays unsatisfied in these tests, so the
	// orchestrator never reaches its schema or renderer dependencies.
	orchestrator := completion.NewOrchestrator(repo, nil, nil, outbox)
	return machine, orchestrator
}

func TestSign(t *testing.T) {
	ctx := context.Background()
	data := &request.SignatureData{CapturedAt: time.Now().UTC()}

	t.Run("Should sign without step-up when the request does not require it", func(t *testing.T) {
		repo := request.NewInMemoryRepo()
		req := seedForSign(t, repo, false)
		machine, orchestrator := newSignDeps(repo)
		verifier := &stepup.StaticPolicy{Required: true, Secret: "otp"}

		out, err := NewSign(repo, machine, orchestrator, verifier, &SignInput{
			RequestID: req.ID, Email: "a@example.com", Data: data,
		}).Execute(ctx)
		require.NoError(t, err)
		assert.False(t, out.Outcome.Completed)
	})
	t.Run("Should block signing on a failed step-up check", func(t *testing.T) {
		repo := request.NewInMemoryRepo()
		req := seedForSign(t, repo, true)
		machine, orchestrator := newSignDeps(repo)
		verifier := &stepup.StaticPolicy{Required: true, Secret: "otp"}

		_, err := NewSign(repo, machine, orchestrator, verifier, &SignInput{
			RequestID: req.ID, Email: "a@example.com", StepUpToken: "wrong", Data: data,
		}).Execute(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, request.ErrStepUpRequired)

		signer, err := repo.GetSigner(ctx, req.ID, "a@example.com")
		require.NoError(t, err)
		assert.Equal(t, request.SignerPending, signer.Status)
	})
	t.Run("Should sign with a valid step-up token", func(t *testing.T) {
		repo := request.NewInMemoryRepo()
		req := seedForSign(t, repo, true)
		machine, orchestrator := newSignDeps(repo)
		verifier := &stepup.StaticPolicy{Required: true, Secret: "otp"}

		out, err := NewSign(repo, machine, orchestrator, verifier, &SignInput{
			RequestID: req.ID, Email: "a@example.com", StepUpToken: "otp", Data: data,
		}).Execute(ctx)
		require.NoError(t, err)
		assert.Equal(t, request.StatusInProgress, out.Request.Status)
	})
	t.Run("Should require signature data", func(t *testing.T) {
		repo := request.NewInMemoryRepo()
		req := seedForSign(t, repo, false)
		machine, orchestrator := newSignDeps(repo)

		_, err := NewSign(repo, machine, orchestrator, &stepup.StaticPolicy{}, &SignInput{
			RequestID: req.ID, Email: "a@example.com",
		}).Execute(ctx)
		require.Error(t, err)
		assert.Equal(t, core.ErrCodeInvalidArgument, core.CodeOf(err))
	})
}

func TestView(t *testing.T) {
	ctx := context.Background()

	t.Run("Should record the view and return the ordering decision", func(t *testing.T) {
		repo := request.NewInMemoryRepo()
		req := seedForSign(t, repo, false)
		machine := request.NewStateMachine(repo)

		decision, err := NewView(machine, req.ID, "a@example.com").Execute(ctx)
		require.NoError(t, err)
		assert.True(t, decision.CanSign)

		signer, err := repo.GetSigner(ctx, req.ID, "a@example.com")
		require.NoError(t, err)
		assert.Equal(t, request.SignerViewed, signer.Status)
	})
}
