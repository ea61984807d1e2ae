// Package web provides the HTTP handlers and REST endpoints for stage graphs, pipeline records and GitOps
// webhooks.
package web

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/dukex/conveyor/pkg/eventbus"
	"github.com/dukex/conveyor/pkg/events"
	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/pipeline"
	"github.com/dukex/conveyor/pkg/services"
)

type APIHandlers struct {
	graphs    *services.Graphs
	engine    *pipeline.Engine
	publisher eventbus.EventPublisher
	validator *validator.Validate
}

func NewAPIHandlers(
	graphs *services.Graphs,
	engine *pipeline.Engine,
	publisher eventbus.EventPublisher,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		graphs:    graphs,
		engine:    engine,
		publisher: publisher,
		validator: validator,
	}
}

// Routes mounts every endpoint on router.
func (h *APIHandlers) Routes(router fiber.Router) {
	router.Get("/health", h.HealthCheck)

	v1 := router.Group("/v1")

	project := v1.Group("/projects/:project_id")
	project.Get("/users", h.ListProjectUsers)

	pipelines := project.Group("/pipelines")
	pipelines.Get("/", h.ListGraphs)
	pipelines.Post("/", h.CreateGraph)
	pipelines.Get("/check-name", h.CheckName)
	pipelines.Get("/:graph_id", h.GetGraph)
	pipelines.Put("/:graph_id", h.UpdateGraph)
	pipelines.Delete("/:graph_id", h.DeleteGraph)
	pipelines.Post("/:graph_id/enable", h.EnableGraph)
	pipelines.Post("/:graph_id/disable", h.DisableGraph)
	pipelines.Get("/:graph_id/records", h.ListRecords)
	pipelines.Post("/:graph_id/records", h.CreateRecord)

	records := project.Group("/records")
	records.Get("/", h.ListRecords)
	records.Get("/:record_id", h.GetRecord)
	records.Post("/:record_id/execute", h.ExecuteRecord)
	records.Post("/:record_id/retry", h.RetryRecord)
	records.Post("/:record_id/stop", h.StopRecord)
	records.Post("/:record_id/audit", h.Audit)
	records.Get("/:record_id/check-audit", h.CheckAudit)
	records.Get("/:record_id/check-deploy", h.CheckDeploy)

	gitops := v1.Group("/gitops")
	gitops.Post("/webhook", h.GitOpsWebhook)
	gitops.Post("/environments", h.CreateEnvironment)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, ok := h.graphs.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Conveyor API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if ok {
		status = "healthy"
		message = "Conveyor API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) ListGraphs(c fiber.Ctx) error {
	req := services.ListGraphsRequest{
		ProjectID: c.Params("project_id"),
		Name:      c.Query("name"),
	}

	var err error

	if req.Limit, req.Offset, err = parsePaging(c); err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	if enabledStr := c.Query("enabled"); enabledStr != "" {
		enabled, err := strconv.ParseBool(enabledStr)
		if err != nil {
			return badRequest(c, "Invalid query parameters: "+err.Error())
		}

		req.Enabled = &enabled
	}

	result, err := h.graphs.List(c.Context(), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"graphs":        result.Graphs,
		"total_count":   result.TotalCount,
		"has_next_page": result.HasNextPage,
		"pagination": fiber.Map{
			"limit":  req.Limit,
			"offset": req.Offset,
		},
	})
}

func (h *APIHandlers) CreateGraph(c fiber.Ctx) error {
	var req services.GraphRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	req.Actor = c.Get(ActorHeader)

	graph, err := h.graphs.Create(c.Context(), c.Params("project_id"), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(graph)
}

func (h *APIHandlers) GetGraph(c fiber.Ctx) error {
	graph, err := h.graphs.Get(c.Context(), c.Params("project_id"), c.Params("graph_id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(graph)
}

func (h *APIHandlers) UpdateGraph(c fiber.Ctx) error {
	var req services.GraphRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	req.Actor = c.Get(ActorHeader)

	graph, err := h.graphs.Update(c.Context(), c.Params("project_id"), c.Params("graph_id"), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(graph)
}

func (h *APIHandlers) DeleteGraph(c fiber.Ctx) error {
	if err := h.graphs.Delete(c.Context(), c.Params("project_id"), c.Params("graph_id")); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) EnableGraph(c fiber.Ctx) error {
	graph, err := h.graphs.Enable(c.Context(), c.Params("project_id"), c.Params("graph_id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(graph)
}

func (h *APIHandlers) DisableGraph(c fiber.Ctx) error {
	graph, err := h.graphs.Disable(c.Context(), c.Params("project_id"), c.Params("graph_id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(graph)
}

// CheckName answers 200 when the name is free and 409 when another graph uses it.
func (h *APIHandlers) CheckName(c fiber.Ctx) error {
	name := strings.TrimSpace(c.Query("name"))
	if name == "" {
		return badRequest(c, "Query parameter name is required")
	}

	if err := h.graphs.CheckName(c.Context(), c.Params("project_id"), name, c.Query("exclude_id")); err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(NameCheckResponse{Name: name, Available: true})
}

func (h *APIHandlers) ListProjectUsers(c fiber.Ctx) error {
	users, err := h.graphs.ListProjectUsers(c.Context(), c.Params("project_id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"users": users})
}

func (h *APIHandlers) CreateRecord(c fiber.Ctx) error {
	var req CreateRecordRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if req.TriggeredBy == "" {
		req.TriggeredBy = c.Get(ActorHeader)
	}

	record, err := h.engine.Create(c.Context(), pipeline.CreateRequest{
		ProjectID:   c.Params("project_id"),
		GraphID:     c.Params("graph_id"),
		TriggeredBy: req.TriggeredBy,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(record)
}

func (h *APIHandlers) ListRecords(c fiber.Ctx) error {
	req := pipeline.ListRecordsRequest{
		ProjectID: c.Params("project_id"),
		GraphID:   c.Params("graph_id"),
	}

	if req.GraphID == "" {
		req.GraphID = c.Query("graph_id")
	}

	var err error

	if req.Limit, req.Offset, err = parsePaging(c); err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	if statusStr := c.Query("status"); statusStr != "" {
		for _, status := range strings.Split(statusStr, ",") {
			req.Statuses = append(req.Statuses, models.RecordStatus(strings.TrimSpace(status)))
		}
	}

	result, err := h.engine.ListRecords(c.Context(), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"records":       result.Records,
		"total_count":   result.TotalCount,
		"has_next_page": result.HasNextPage,
		"pagination": fiber.Map{
			"limit":  req.Limit,
			"offset": req.Offset,
		},
	})
}

func (h *APIHandlers) GetRecord(c fiber.Ctx) error {
	record, err := h.record(c)
	if err != nil {
		return err
	}

	if record == nil {
		return nil
	}

	return c.JSON(record)
}

func (h *APIHandlers) ExecuteRecord(c fiber.Ctx) error {
	return h.recordOperation(c, h.engine.Execute)
}

func (h *APIHandlers) RetryRecord(c fiber.Ctx) error {
	return h.recordOperation(c, h.engine.Retry)
}

func (h *APIHandlers) StopRecord(c fiber.Ctx) error {
	return h.recordOperation(c, h.engine.Stop)
}

type recordOp func(ctx context.Context, recordID, actor string) (*models.PipelineRecord, error)

func (h *APIHandlers) recordOperation(c fiber.Ctx, op recordOp) error {
	record, err := h.record(c)
	if err != nil || record == nil {
		return err
	}

	updated, err := op(c.Context(), record.ID, c.Get(ActorHeader))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) Audit(c fiber.Ctx) error {
	var req AuditDecisionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	record, err := h.record(c)
	if err != nil || record == nil {
		return err
	}

	updated, err := h.engine.Audit(c.Context(), pipeline.AuditRequest{
		RecordID:   record.ID,
		Principal:  req.Principal,
		Decision:   models.Decision(req.Decision),
		Comment:    req.Comment,
		SequenceNo: req.SequenceNo,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) CheckAudit(c fiber.Ctx) error {
	principal := c.Query("principal")
	if principal == "" {
		principal = c.Get(ActorHeader)
	}

	if principal == "" {
		return badRequest(c, "Query parameter principal is required")
	}

	sequenceNo := 0

	if seqStr := c.Query("sequence_no"); seqStr != "" {
		seq, err := strconv.Atoi(seqStr)
		if err != nil || seq < 0 {
			return badRequest(c, "Invalid query parameters: sequence_no must be a non-negative integer")
		}

		sequenceNo = seq
	}

	record, err := h.record(c)
	if err != nil || record == nil {
		return err
	}

	eligibility, err := h.engine.CheckAudit(c.Context(), record.ID, principal, sequenceNo)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(eligibility)
}

func (h *APIHandlers) CheckDeploy(c fiber.Ctx) error {
	record, err := h.record(c)
	if err != nil || record == nil {
		return err
	}

	report, err := h.engine.CheckDeployPreconditions(c.Context(), record.ID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(report)
}

// GitOpsWebhook accepts a push notification and hands it to the bus; the sync handler applies it.
func (h *APIHandlers) GitOpsWebhook(c fiber.Ctx) error {
	var push models.PushEvent
	if err := c.Bind().JSON(&push); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(push); err != nil {
		return badRequest(c, err.Error())
	}

	event := events.GitOpsPush{
		BaseEvent: events.NewBaseEvent(events.GitOpsPushEvent),
		Push:      push,
	}

	if err := h.publisher.Publish(c.Context(), push.Repository, event); err != nil {
		return handleServiceError(c, services.NewError("GitOpsWebhook", services.ErrExternalCallFailed,
			"failed to publish push: "+err.Error()))
	}

	return c.Status(fiber.StatusAccepted).JSON(AcceptedResponse{EventID: event.ID, Type: string(event.Type)})
}

func (h *APIHandlers) CreateEnvironment(c fiber.Ctx) error {
	var req models.EnvironmentCreate
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	event := events.EnvironmentCreate{
		BaseEvent:   events.NewBaseEvent(events.EnvironmentCreateEvent),
		Environment: req,
	}

	if err := h.publisher.Publish(c.Context(), req.EnvironmentID, event); err != nil {
		return handleServiceError(c, services.NewError("CreateEnvironment", services.ErrExternalCallFailed,
			"failed to publish environment: "+err.Error()))
	}

	return c.Status(fiber.StatusAccepted).JSON(AcceptedResponse{EventID: event.ID, Type: string(event.Type)})
}

// record loads the record of the path and answers 404 when it belongs to another project. A nil record with
// a nil error means the response was already written.
func (h *APIHandlers) record(c fiber.Ctx) (*models.PipelineRecord, error) {
	record, err := h.engine.GetRecord(c.Context(), c.Params("record_id"))
	if err != nil {
		return nil, handleServiceError(c, err)
	}

	if record.ProjectID != c.Params("project_id") {
		return nil, notFound(c, "pipeline record not found")
	}

	return record, nil
}

func parsePaging(c fiber.Ctx) (int, int, error) {
	var limit, offset int

	if limitStr := c.Query("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}

		limit = l
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		o, err := strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}

		offset = o
	}

	return limit, offset, nil
}
