package discovercandidates

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"

	"study-match/internal/common/errors"
	"study-match/internal/common/logger"
	"study-match/internal/common/metrics"
	"study-match/internal/common/validation"
	"study-match/internal/matching/discovery"
)

const TaskType = "discover-candidates"

// Discoverer is the orchestrator surface this worker drives.
type Discoverer interface {
	Discover(ctx context.Context, req discovery.DiscoverRequest) (*discovery.DiscoverResult, error)
}

type Handler struct {
	config       *Config
	discoverer   Discoverer
	errorHandler *errors.ErrorHandler
	logger       logger.Logger
}

func NewHandler(cfg *Config, discoverer Discoverer, log logger.Logger) (*Handler, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration for %s: %w", TaskType, err)
	}
	if log == nil {
		log = logger.NewStructured("info", "json")
	}
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:       cfg,
		discoverer:   discoverer,
		errorHandler: errors.NewErrorHandler(log),
		logger:       log,
	}, nil
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":             job.GetKey(),
		"processInstanceKey": job.GetProcessInstanceKey(),
	})

	input, err := h.parseInput(job)
	if err != nil {
		h.failJob(ctx, client, job, err)
		return
	}

	output, err := h.Execute(ctx, input)
	if err != nil {
		h.failJob(ctx, client, job, err)
		return
	}

	h.completeJob(ctx, client, job, output)
	metrics.WorkerJobsCompleted.WithLabelValues(TaskType).Inc()
	metrics.WorkerJobDuration.WithLabelValues(TaskType).Observe(time.Since(start).Seconds())
}

// Execute runs one discovery page for input.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	res, err := h.discoverer.Discover(ctx, discovery.DiscoverRequest{
		UserID:     input.UserID,
		Limit:      input.Limit,
		ExcludeIDs: input.ExcludeIDs,
		Refresh:    input.Refresh,
	})
	if err != nil {
		return nil, err
	}

	h.logger.Info("candidates discovered", map[string]interface{}{
		"userId":    input.UserID,
		"returned":  len(res.Candidates),
		"remaining": res.Remaining,
		"source":    res.Source,
	})

	return &Output{
		Candidates:      res.Candidates,
		TotalAvailable:  res.TotalAvailable,
		Remaining:       res.Remaining,
		HasMore:         res.HasMore,
		Source:          res.Source,
		ExecutionTimeMs: res.ExecutionTimeMs,
		Message:         res.Message,
	}, nil
}

func (h *Handler) parseInput(job entities.Job) (*Input, error) {
	variables, err := job.GetVariablesAsMap()
	if err != nil {
		return nil, errors.NewInvalidInputError(fmt.Sprintf("parse variables: %v", err))
	}
	if result := validation.ValidateInput(variables, GetInputSchema()); !result.Valid {
		return nil, errors.NewInvalidInputError(validation.FormatErrors(result.Errors))
	}

	var input Input
	if err := json.Unmarshal([]byte(job.GetVariables()), &input); err != nil {
		return nil, errors.NewInvalidInputError(fmt.Sprintf("decode input: %v", err))
	}
	return &input, nil
}

func (h *Handler) completeJob(ctx context.Context, client worker.JobClient, job entities.Job, output *Output) {
	request, err := client.NewCompleteJobCommand().JobKey(job.GetKey()).VariablesFromObject(output)
	if err != nil {
		h.logger.Error("failed to create complete command", map[string]interface{}{
			"jobKey": job.GetKey(),
			"error":  err,
		})
		h.failJob(ctx, client, job, errors.NewInternalError(err))
		return
	}
	if _, err := request.Send(ctx); err != nil {
		h.logger.Error("failed to complete job", map[string]interface{}{
			"jobKey": job.GetKey(),
			"error":  err,
		})
	}
}

func (h *Handler) failJob(ctx context.Context, client worker.JobClient, job entities.Job, err error) {
	bpmnErr := h.errorHandler.HandleJobError(ctx, client, job, err)
	metrics.WorkerJobsFailed.WithLabelValues(TaskType, bpmnErr.Code).Inc()
}
