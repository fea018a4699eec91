package completion

import (
	"context"
	"fmt"

	"github.com/inkflow/inkflow/engine/core"
	"github.com/inkflow/inkflow/engine/fields"
	"github.com/inkflow/inkflow/engine/notify"
	"github.com/inkflow/inkflow/engine/request"
	"github.com/inkflow/inkflow/pkg/logger"
)

// DocumentRenderer produces the final artifact from resolved field instances.
type DocumentRenderer interface {
	Render(ctx context.Context, req *request.SigningRequest, instances []fields.Instance) (string, error)
}

// SchemaSource loads the field schema attached to a document.
type SchemaSource interface {
	SchemaForDocument(ctx context.Context, documentRef string) (*fields.Schema, error)
}

// Outcome reports what a completion check did.
type Outcome struct {
	Completed bool   `json:"completed"`
	Rendered  bool   `json:"rendered"`
	FinalRef  string `json:"final_ref,omitempty"`
}

// Orchestrator decides when a request is complete and triggers rendering at
// most once. The render claim is a single conditional update, so concurrent
// signer completions cannot double-trigger generation.
type Orchestrator struct {
	repo     request.Repository
	schemas  SchemaSource
	renderer DocumentRenderer
	outbox   *notify.Outbox
}

func NewOrchestrator(
	repo request.Repository,
	schemas SchemaSource,
	renderer DocumentRenderer,
	outbox *notify.Outbox,
) *Orchestrator {
	return &Orchestrator{repo: repo, schemas: schemas, renderer: renderer, outbox: outbox}
}

// CheckAndRender evaluates the completion predicate and, when satisfied,
// claims the render and produces the final document. Signer data survives a
// render failure untouched; the request is parked in pdf_generation_failed
// for a caller-driven retry.
func (o *Orchestrator) CheckAndRender(ctx context.Context, id core.ID) (*Outcome, error) {
	log := logger.FromContext(ctx)
	req, err := o.repo.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	signers, err := o.repo.ListSigners(ctx, id)
	if err != nil {
		return nil, err
	}
	if !request.CompletionSatisfied(signers, req.RequireAllSigners) {
		return &Outcome{Completed: false}, nil
	}
	claimed, err := o.repo.ClaimRender(ctx, id)
	if err != nil {
		return nil, err
	}
	if !claimed {
		// Another completion observed the predicate first.
		log.Debug("Render already claimed", "request_id", id)
		return &Outcome{Completed: true}, nil
	}
	return o.render(ctx, req, signers)
}

// Rerender regenerates the final artifact of a completed request, e.g. after
// a renderer fix. The claim moves document_status from ready back to
// generating_pdf, so it cannot race an in-flight render and only ever applies
// to requests that actually finished.
func (o *Orchestrator) Rerender(ctx context.Context, id core.ID) (*Outcome, error) {
	req, err := o.repo.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	signers, err := o.repo.ListSigners(ctx, id)
	if err != nil {
		return nil, err
	}
	claimed, err := o.repo.ReclaimRender(ctx, id)
	if err != nil {
		return nil, err
	}
	if !claimed {
		logger.FromContext(ctx).Debug("Render already in flight", "request_id", id)
		return &Outcome{Completed: true}, nil
	}
	return o.render(ctx, req, signers)
}

// render holds the claim. It resolves the schema, maps field instances, and
// records either the finished artifact or the failure.
func (o *Orchestrator) render(
	ctx context.Context,
	req *request.SigningRequest,
	signers []*request.Signer,
) (*Outcome, error) {
	schema, err := o.schemas.SchemaForDocument(ctx, req.DocumentRef)
	if err != nil {
		return o.failRender(ctx, req, fmt.Errorf("loading field schema: %w", err))
	}
	instances := fields.Map(schema, signers)
	finalRef, err := o.renderer.Render(ctx, req, instances)
	if err != nil {
		return o.failRender(ctx, req, err)
	}
	if err := o.repo.CompleteRender(ctx, req.ID, finalRef); err != nil {
		return nil, err
	}
	o.notifyCompleted(req, signers, finalRef)
	logger.FromContext(ctx).Info("Request completed", "request_id", req.ID, "final_ref", finalRef)
	return &Outcome{Completed: true, Rendered: true, FinalRef: finalRef}, nil
}

func (o *Orchestrator) failRender(
	ctx context.Context,
	req *request.SigningRequest,
	cause error,
) (*Outcome, error) {
	log := logger.FromContext(ctx)
	if err := o.repo.FailRender(ctx, req.ID, cause.Error()); err != nil {
		log.Error("Failed to record render failure", "request_id", req.ID, "error", err)
	}
	log.Error("Render failed", "request_id", req.ID, "error", cause)
	return &Outcome{Completed: true}, core.NewError(
		cause, core.ErrCodeRenderFailure, map[string]any{"request_id": req.ID},
	)
}

func (o *Orchestrator) notifyCompleted(
	req *request.SigningRequest,
	signers []*request.Signer,
	finalRef string,
) {
	events := []*notify.Event{{
		Recipient: req.InitiatorEmail,
		Type:      notify.TypeRequestCompleted,
		Title:     "Signing completed",
		Message:   fmt.Sprintf("%q has been signed by all required parties.", req.Title),
		Metadata:  map[string]any{"request_id": req.ID, "final_ref": finalRef},
	}}
	for _, s := range signers {
		events = append(events, &notify.Event{
			Recipient: s.Email,
			Type:      notify.TypeRequestCompleted,
			Title:     "Signing completed",
			Message:   fmt.Sprintf("%q is fully signed. The final document is available.", req.Title),
			Metadata:  map[string]any{"request_id": req.ID},
		})
	}
	o.outbox.Enqueue(events...)
}
