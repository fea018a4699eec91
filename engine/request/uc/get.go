package uc

import (
	"context"

	"github.com/inkflow/inkflow/engine/core"
	"github.com/inkflow/inkflow/engine/request"
)

// GetOutput is the read model for one request.
type GetOutput struct {
	Request *request.SigningRequest `json:"request"`
	Signers []*request.Signer       `json:"signers"`
	Signed  int                     `json:"signed"`
	Pending int                     `json:"pending"`
}

type Get struct {
	repo      request.Repository
	requestID core.ID
}

func NewGet(repo request.Repository, requestID core.ID) *Get {
	return &Get{repo: repo, requestID: requestID}
}

func (uc *Get) Execute(ctx context.Context) (*GetOutput, error) {
	req, err := uc.repo.GetRequest(ctx, uc.requestID)
	if err != nil {
		return nil, err
	}
	signers, err := uc.repo.ListSigners(ctx, uc.requestID)
	if err != nil {
		return nil, err
	}
	return &GetOutput{
		Request: req,
		Signers: signers,
		Signed:  request.SignedCount(signers),
		Pending: len(request.PendingSigners(signers)),
	}, nil
}
