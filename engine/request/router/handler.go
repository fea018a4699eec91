package router

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/inkflow/inkflow/engine/completion"
	"github.com/inkflow/inkflow/engine/core"
	"github.com/inkflow/inkflow/engine/recovery"
	"github.com/inkflow/inkflow/engine/request"
	"github.com/inkflow/inkflow/engine/request/uc"
	"github.com/inkflow/inkflow/engine/stepup"
	"github.com/inkflow/inkflow/pkg/logger"
)

// Handler serves the signing-request HTTP surface.
type Handler struct {
	repo         request.Repository
	machine      *request.StateMachine
	orchestrator *completion.Orchestrator
	recovery     *recovery.Service
	verifier     stepup.Verifier
	schemas      uc.SchemaStore
}

func NewHandler(
	repo request.Repository,
	machine *request.StateMachine,
	orchestrator *completion.Orchestrator,
	recoverySvc *recovery.Service,
	verifier stepup.Verifier,
	schemas uc.SchemaStore,
) *Handler {
	return &Handler{
		repo:         repo,
		machine:      machine,
		orchestrator: orchestrator,
		recovery:     recoverySvc,
		verifier:     verifier,
		schemas:      schemas,
	}
}

// Initiate handles POST /requests.
func (h *Handler) Initiate(c *gin.Context) {
	var input uc.InitiateInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, core.Fail(fmt.Errorf("invalid request body: %w", err)))
		return
	}
	req, err := uc.NewInitiate(h.repo, h.schemas, &input).Execute(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, core.Ok(req))
}

// Get handles GET /requests/:id.
func (h *Handler) Get(c *gin.Context) {
	id, ok := h.requestID(c)
	if !ok {
		return
	}
	out, err := uc.NewGet(h.repo, id).Execute(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, core.Ok(out))
}

// View handles POST /requests/:id/signers/:email/view.
func (h *Handler) View(c *gin.Context) {
	id, ok := h.requestID(c)
	if !ok {
		return
	}
	decision, err := uc.NewView(h.machine, id, c.Param("email")).Execute(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, core.Ok(decision))
}

type signBody struct {
	StepUpToken string                 `json:"step_up_token"`
	Data        *request.SignatureData `json:"data"`
}

// Sign handles POST /requests/:id/signers/:email/sign.
func (h *Handler) Sign(c *gin.Context) {
	id, ok := h.requestID(c)
	if !ok {
		return
	}
	var body signBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, core.Fail(fmt.Errorf("invalid request body: %w", err)))
		return
	}
	out, err := uc.NewSign(h.repo, h.machine, h.orchestrator, h.verifier, &uc.SignInput{
		RequestID:   id,
		Email:       c.Param("email"),
		StepUpToken: body.StepUpToken,
		Data:        body.Data,
	}).Execute(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, core.Ok(out))
}

type declineBody struct {
	Reason string `json:"reason"`
}

// Decline handles POST /requests/:id/signers/:email/decline.
func (h *Handler) Decline(c *gin.Context) {
	id, ok := h.requestID(c)
	if !ok {
		return
	}
	var body declineBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, core.Fail(fmt.Errorf("invalid request body: %w", err)))
		return
	}
	req, err := uc.NewDecline(h.recovery, &uc.DeclineInput{
		RequestID: id,
		Email:     c.Param("email"),
		Reason:    body.Reason,
	}).Execute(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, core.Ok(req))
}

type adminBody struct {
	AdminIdentity string `json:"admin_identity"`
}

// Reset handles POST /requests/:id/signers/:email/reset.
func (h *Handler) Reset(c *gin.Context) {
	id, ok := h.requestID(c)
	if !ok {
		return
	}
	var body adminBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, core.Fail(fmt.Errorf("invalid request body: %w", err)))
		return
	}
	err := h.recovery.ResetSigner(c.Request.Context(), id, c.Param("email"), body.AdminIdentity)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, core.Ok(nil))
}

// Skip handles POST /requests/:id/signers/:email/skip.
func (h *Handler) Skip(c *gin.Context) {
	id, ok := h.requestID(c)
	if !ok {
		return
	}
	var body adminBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, core.Fail(fmt.Errorf("invalid request body: %w", err)))
		return
	}
	outcome, err := h.recovery.SkipSigner(c.Request.Context(), id, c.Param("email"), body.AdminIdentity)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, core.Ok(outcome))
}

type extendBody struct {
	AdminIdentity string `json:"admin_identity"`
	ExpiresAt     string `json:"expires_at"`
}

// Extend handles POST /requests/:id/extend.
func (h *Handler) Extend(c *gin.Context) {
	id, ok := h.requestID(c)
	if !ok {
		return
	}
	var body extendBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, core.Fail(fmt.Errorf("invalid request body: %w", err)))
		return
	}
	err := h.recovery.ExtendDeadline(c.Request.Context(), id, body.ExpiresAt, body.AdminIdentity)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, core.Ok(nil))
}

// RetryRender handles POST /requests/:id/retry-render.
func (h *Handler) RetryRender(c *gin.Context) {
	id, ok := h.requestID(c)
	if !ok {
		return
	}
	outcome, err := h.recovery.RetryPDFGeneration(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, core.Ok(outcome))
}

// Cancel handles POST /requests/:id/cancel.
func (h *Handler) Cancel(c *gin.Context) {
	id, ok := h.requestID(c)
	if !ok {
		return
	}
	var body adminBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, core.Fail(fmt.Errorf("invalid request body: %w", err)))
		return
	}
	if err := h.recovery.CancelRequest(c.Request.Context(), id, body.AdminIdentity); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, core.Ok(nil))
}

func (h *Handler) requestID(c *gin.Context) (core.ID, bool) {
	id, err := core.ParseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, core.Fail(fmt.Errorf("invalid request id: %w", err)))
		return "", false
	}
	return id, true
}

func (h *Handler) respondError(c *gin.Context, err error) {
	log := logger.FromContext(c.Request.Context())
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, request.ErrRequestNotFound), errors.Is(err, request.ErrSignerNotFound):
		status = http.StatusNotFound
	case errors.Is(err, request.ErrConflict):
		status = http.StatusConflict
	default:
		switch core.CodeOf(err) {
		case core.ErrCodeNotFound:
			status = http.StatusNotFound
		case core.ErrCodeInvalidArgument:
			status = http.StatusBadRequest
		case core.ErrCodeInvalidTransition, core.ErrCodeOrderViolation:
			status = http.StatusConflict
		case core.ErrCodeRenderFailure, core.ErrCodeDeliveryFailure:
			status = http.StatusBadGateway
		}
	}
	if status == http.StatusInternalServerError {
		log.Error("Request failed", "error", err)
	}
	c.JSON(status, core.Fail(err))
}
