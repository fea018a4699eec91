package request

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkflow/inkflow/engine/core"
)

func seedRequest(t *testing.T, repo *InMemoryRepo, order SigningOrder, emails ...string) *SigningRequest {
	t.Helper()
	req := &SigningRequest{
		ID:                core.MustNewID(),
		Title:             "Lease Agreement",
		DocumentRef:       "docs/lease.pdf",
		Status:            StatusInitiated,
		DocumentStatus:    DocumentStatusNone,
		SigningOrder:      order,
		RequireAllSigners: true,
		InitiatorEmail:    "owner@example.com",
	}
	signers := make([]*Signer, 0, len(emails))
	for i, email := range emails {
		signers = append(signers, &Signer{
			RequestID: req.ID,
			Email:     email,
			Position:  i + 1,
			Status:    SignerPending,
		})
	}
	require.NoError(t, repo.CreateRequest(context.Background(), req, signers))
	return req
}

func TestStateMachine_RecordView(t *testing.T) {
	t.Run("Should stamp the first view and move pending to viewed", func(t *testing.T) {
		repo := NewInMemoryRepo()
		req := seedRequest(t, repo, OrderParallel, "a@example.com")
		m := NewStateMachine(repo)

		require.NoError(t, m.RecordView(context.Background(), req.ID, "a@example.com"))
		signer, err := repo.GetSigner(context.Background(), req.ID, "a@example.com")
		require.NoError(t, err)
		assert.Equal(t, SignerViewed, signer.Status)
		require.NotNil(t, signer.ViewedAt)
	})
	t.Run("Should keep the original timestamp on repeat views", func(t *testing.T) {
		repo := NewInMemoryRepo()
		req := seedRequest(t, repo, OrderParallel, "a@example.com")
		m := NewStateMachine(repo)

		require.NoError(t, m.RecordView(context.Background(), req.ID, "a@example.com"))
		first, err := repo.GetSigner(context.Background(), req.ID, "a@example.com")
		require.NoError(t, err)

		require.NoError(t, m.RecordView(context.Background(), req.ID, "a@example.com"))
		second, err := repo.GetSigner(context.Background(), req.ID, "a@example.com")
		require.NoError(t, err)
		assert.Equal(t, first.ViewedAt, second.ViewedAt)
	})
}

func TestStateMachine_ValidateCanSign(t *testing.T) {
	ctx := context.Background()
	t.Run("Should block later signers under the sequential policy", func(t *testing.T) {
		repo := NewInMemoryRepo()
		req := seedRequest(t, repo, OrderSequential, "first@example.com", "second@example.com")
		m := NewStateMachine(repo)

		decision, err := m.ValidateCanSign(ctx, req.ID, "second@example.com")
		require.NoError(t, err)
		assert.False(t, decision.CanSign)
		assert.Equal(t, []string{"first@example.com"}, decision.Blocking)
	})
	t.Run("Should let anyone sign under the parallel policy", func(t *testing.T) {
		repo := NewInMemoryRepo()
		req := seedRequest(t, repo, OrderParallel, "first@example.com", "second@example.com")
		m := NewStateMachine(repo)

		decision, err := m.ValidateCanSign(ctx, req.ID, "second@example.com")
		require.NoError(t, err)
		assert.True(t, decision.CanSign)
	})
	t.Run("Should fail open when the policy is undetermined", func(t *testing.T) {
		repo := NewInMemoryRepo()
		req := seedRequest(t, repo, SigningOrder("corrupt"), "first@example.com", "second@example.com")
		m := NewStateMachine(repo)

		decision, err := m.ValidateCanSign(ctx, req.ID, "second@example.com")
		require.NoError(t, err)
		assert.True(t, decision.CanSign)
		assert.Equal(t, OrderUndetermined, decision.Policy)
	})
	t.Run("Should unblock the chain once earlier signers are signed or skipped", func(t *testing.T) {
		repo := NewInMemoryRepo()
		req := seedRequest(t, repo, OrderSequential,
			"first@example.com", "second@example.com", "third@example.com")
		m := NewStateMachine(repo)

		first, err := repo.GetSigner(ctx, req.ID, "first@example.com")
		require.NoError(t, err)
		first.Status = SignerSigned
		require.NoError(t, repo.SaveSigner(ctx, first))

		second, err := repo.GetSigner(ctx, req.ID, "second@example.com")
		require.NoError(t, err)
		second.Status = SignerSkipped
		require.NoError(t, repo.SaveSigner(ctx, second))

		decision, err := m.ValidateCanSign(ctx, req.ID, "third@example.com")
		require.NoError(t, err)
		assert.True(t, decision.CanSign)
	})
	t.Run("Should refuse on a terminal request", func(t *testing.T) {
		repo := NewInMemoryRepo()
		req := seedRequest(t, repo, OrderParallel, "a@example.com")
		require.NoError(t, repo.UpdateRequestStatus(ctx, req.ID, StatusCancelled))
		m := NewStateMachine(repo)

		decision, err := m.ValidateCanSign(ctx, req.ID, "a@example.com")
		require.NoError(t, err)
		assert.False(t, decision.CanSign)
	})
}

func TestStateMachine_ApplySignature(t *testing.T) {
	ctx := context.Background()
	data := &SignatureData{CapturedAt: time.Now().UTC()}

	t.Run("Should record the signature and move the request to in_progress", func(t *testing.T) {
		repo := NewInMemoryRepo()
		req := seedRequest(t, repo, OrderParallel, "a@example.com", "b@example.com")
		m := NewStateMachine(repo)

		updated, err := m.ApplySignature(ctx, req.ID, "a@example.com", data)
		require.NoError(t, err)
		assert.Equal(t, StatusInProgress, updated.Status)

		signer, err := repo.GetSigner(ctx, req.ID, "a@example.com")
		require.NoError(t, err)
		assert.Equal(t, SignerSigned, signer.Status)
		require.NotNil(t, signer.SignedAt)
		require.NotNil(t, signer.SignatureData)
	})
	t.Run("Should raise an order violation for an out-of-turn sequential signer", func(t *testing.T) {
		repo := NewInMemoryRepo()
		req := seedRequest(t, repo, OrderSequential, "first@example.com", "second@example.com")
		m := NewStateMachine(repo)

		_, err := m.ApplySignature(ctx, req.ID, "second@example.com", data)
		require.Error(t, err)
		assert.Equal(t, core.ErrCodeOrderViolation, core.CodeOf(err))
	})
	t.Run("Should refuse a signer who already acted", func(t *testing.T) {
		repo := NewInMemoryRepo()
		req := seedRequest(t, repo, OrderParallel, "a@example.com")
		m := NewStateMachine(repo)

		_, err := m.ApplySignature(ctx, req.ID, "a@example.com", data)
		require.NoError(t, err)
		_, err = m.ApplySignature(ctx, req.ID, "a@example.com", data)
		require.Error(t, err)
		assert.Equal(t, core.ErrCodeInvalidTransition, core.CodeOf(err))
	})
	t.Run("Should refuse signing a terminal request", func(t *testing.T) {
		repo := NewInMemoryRepo()
		req := seedRequest(t, repo, OrderParallel, "a@example.com")
		require.NoError(t, repo.UpdateRequestStatus(ctx, req.ID, StatusExpired))
		m := NewStateMachine(repo)

		_, err := m.ApplySignature(ctx, req.ID, "a@example.com", data)
		require.Error(t, err)
		assert.Equal(t, core.ErrCodeInvalidTransition, core.CodeOf(err))
	})
}

func TestStateMachine_ApplyDecline(t *testing.T) {
	ctx := context.Background()

	t.Run("Should halt a sequential request immediately", func(t *testing.T) {
		repo := NewInMemoryRepo()
		req := seedRequest(t, repo, OrderSequential, "first@example.com", "second@example.com")
		m := NewStateMachine(repo)

		updated, err := m.ApplyDecline(ctx, req.ID, "first@example.com", "not my contract")
		require.NoError(t, err)
		assert.Equal(t, StatusDeclined, updated.Status)
		require.NotNil(t, updated.DeclinedBy)
		assert.Equal(t, "first@example.com", *updated.DeclinedBy)
	})
	t.Run("Should keep a parallel request going while others can sign", func(t *testing.T) {
		repo := NewInMemoryRepo()
		req := seedRequest(t, repo, OrderParallel, "a@example.com", "b@example.com")
		m := NewStateMachine(repo)

		updated, err := m.ApplyDecline(ctx, req.ID, "a@example.com", "no")
		require.NoError(t, err)
		assert.Equal(t, StatusInProgress, updated.Status)
	})
	t.Run("Should decline a parallel request once nobody can satisfy the predicate", func(t *testing.T) {
		repo := NewInMemoryRepo()
		req := seedRequest(t, repo, OrderParallel, "a@example.com", "b@example.com")
		m := NewStateMachine(repo)

		_, err := m.ApplyDecline(ctx, req.ID, "a@example.com", "no")
		require.NoError(t, err)
		updated, err := m.ApplyDecline(ctx, req.ID, "b@example.com", "also no")
		require.NoError(t, err)
		assert.Equal(t, StatusDeclined, updated.Status)
	})
	t.Run("Should refuse a second decline from the same signer", func(t *testing.T) {
		repo := NewInMemoryRepo()
		req := seedRequest(t, repo, OrderParallel, "a@example.com", "b@example.com")
		m := NewStateMachine(repo)

		_, err := m.ApplyDecline(ctx, req.ID, "a@example.com", "no")
		require.NoError(t, err)
		_, err = m.ApplyDecline(ctx, req.ID, "a@example.com", "still no")
		require.Error(t, err)
		assert.Equal(t, core.ErrCodeInvalidTransition, core.CodeOf(err))
	})
}
