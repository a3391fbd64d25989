package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/RealZimboGuy/stepflow/internal/engine"
	"github.com/RealZimboGuy/stepflow/internal/util"
	"github.com/RealZimboGuy/stepflow/pkg/stepflow/core"
	"github.com/RealZimboGuy/stepflow/pkg/stepflow/domain"
	"github.com/RealZimboGuy/stepflow/pkg/stepflow/models"
)

// SequenceService is the part of engine.Sequencer used by the HTTP layer.
type SequenceService interface {
	CreateSequence(ctx context.Context, stepTypes []domain.StepType, userID string, data json.RawMessage) ([]string, error)
	GetSequenceStatus(ctx context.Context, stepIDs []string) (*models.SequenceStatus, error)
	RetryStep(ctx context.Context, stepID string) (*models.RetryStepResponse, error)
	ProcessNextStep(ctx context.Context, stepIDs []string) (*domain.Step, error)
	ListSequence(ctx context.Context, sequenceID string) ([]*domain.Step, error)
}

// SequenceController holds dependencies for the step queue HTTP endpoints.
type SequenceController struct {
	AuthController
	Sequences SequenceService
	Registry  *core.HandlerRegistry
}

func NewSequenceController(sequences SequenceService, registry *core.HandlerRegistry, apiKeyHash string) *SequenceController {
	return &SequenceController{
		AuthController: AuthController{APIKeyHash: apiKeyHash},
		Sequences:      sequences,
		Registry:       registry,
	}
}

func (c *SequenceController) handleCreateSequence(w http.ResponseWriter, r *http.Request) {
	req, err := util.DecodeJSONBody[models.CreateSequenceRequest](r)
	if err != nil {
		util.WriteJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		util.WriteJSONError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if len(req.StepTypes) == 0 {
		util.WriteJSONError(w, http.StatusBadRequest, "stepTypes must not be empty")
		return
	}
	for _, stepType := range req.StepTypes {
		if _, ok := c.Registry.Lookup(stepType); !ok {
			util.WriteJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown step type: %s", stepType))
			return
		}
	}

	ids, err := c.Sequences.CreateSequence(r.Context(), req.StepTypes, req.UserID, req.Data)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	slog.InfoContext(r.Context(), "Sequence requested", "user_id", req.UserID, "steps", len(ids), "client", r.Context().Value(core.CtxKeyClient))
	util.WriteJSONResponse(w, http.StatusCreated, models.CreateSequenceResponse{StepIDs: ids})
}

func (c *SequenceController) handleGetSequenceStatus(w http.ResponseWriter, r *http.Request) {
	ids := util.SplitIDs(r.PathValue("stepIds"))
	if len(ids) == 0 {
		util.WriteJSONError(w, http.StatusBadRequest, "stepIds is required")
		return
	}
	status, err := c.Sequences.GetSequenceStatus(r.Context(), ids)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, status)
}

func (c *SequenceController) handleRetryStep(w http.ResponseWriter, r *http.Request) {
	stepID := r.PathValue("stepId")
	if stepID == "" {
		util.WriteJSONError(w, http.StatusBadRequest, "stepId is required")
		return
	}
	resp, err := c.Sequences.RetryStep(r.Context(), stepID)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, resp)
}

func (c *SequenceController) handleProcessNextStep(w http.ResponseWriter, r *http.Request) {
	ids := util.SplitIDs(r.PathValue("stepIds"))
	if len(ids) == 0 {
		util.WriteJSONError(w, http.StatusBadRequest, "stepIds is required")
		return
	}
	step, err := c.Sequences.ProcessNextStep(r.Context(), ids)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	if step == nil {
		util.WriteJSONResponse(w, http.StatusOK, models.ProcessNextResponse{Processed: false})
		return
	}
	resp := models.MapStepToResponse(step)
	util.WriteJSONResponse(w, http.StatusOK, models.ProcessNextResponse{Processed: true, Step: &resp})
}

func (c *SequenceController) handleListSequence(w http.ResponseWriter, r *http.Request) {
	steps, err := c.Sequences.ListSequence(r.Context(), r.PathValue("sequenceId"))
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	out := make([]models.StepResponse, 0, len(steps))
	for _, s := range steps {
		out = append(out, models.MapStepToResponse(s))
	}
	util.WriteJSONResponse(w, http.StatusOK, out)
}

func (c *SequenceController) handleListStepTypes(w http.ResponseWriter, r *http.Request) {
	util.WriteJSONResponse(w, http.StatusOK, c.Registry.Types())
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	util.WriteJSONResponse(w, http.StatusOK, map[string]string{"status": "UP"})
}

func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrStepNotFound), errors.Is(err, domain.ErrJobNotFound):
		util.WriteJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrInvalidState), errors.Is(err, engine.ErrStepNotClaimable):
		util.WriteJSONError(w, http.StatusConflict, err.Error())
	default:
		slog.ErrorContext(ctx, "Step queue request failed", "error", err)
		util.WriteJSONError(w, http.StatusInternalServerError, "internal error")
	}
}
