package stepup

import (
	"context"
	"crypto/subtle"
)

// Verifier is the narrow contract to the MFA/TOTP collaborator. Signing is
// blocked until VerifyStepUp succeeds when the request's require_totp flag is
// set; the cryptography behind it lives entirely in the collaborator.
type Verifier interface {
	IsStepUpRequired(ctx context.Context, userID, scope string) (bool, error)
	VerifyStepUp(ctx context.Context, userID, token, scope string) (bool, error)
}

// StaticPolicy is a local Verifier for wiring and tests: step-up is required
// for everyone when enabled, and any token matching the shared secret passes.
type StaticPolicy struct {
	Required bool
	Secret   string
}

func (p *StaticPolicy) IsStepUpRequired(_ context.Context, _, _ string) (bool, error) {
	return p.Required, nil
}

func (p *StaticPolicy) VerifyStepUp(_ context.Context, _, token, _ string) (bool, error) {
	if !p.Required {
		return true, nil
	}
	ok := subtle.ConstantTimeCompare([]byte(token), []byte(p.Secret)) == 1
	return ok, nil
}
