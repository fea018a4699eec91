package uc

import (
	"context"

	"github.com/inkflow/inkflow/engine/core"
	"github.com/inkflow/inkflow/engine/request"
)

// View stamps the signer's first look at the document and returns the
// ordering decision so the caller can tell the signer whether it is their
// turn yet.
type View struct {
	machine   *request.StateMachine
	requestID core.ID
	email     string
}

func NewView(machine *request.StateMachine, requestID core.ID, email string) *View {
	return &View{machine: machine, requestID: requestID, email: email}
}

func (uc *View) Execute(ctx context.Context) (*request.SignDecision, error) {
	if err := uc.machine.RecordView(ctx, uc.requestID, uc.email); err != nil {
		return nil, err
	}
	return uc.machine.ValidateCanSign(ctx, uc.requestID, uc.email)
}
