package web

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/dukex/conveyor/pkg/gitops"
	"github.com/dukex/conveyor/pkg/services"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusBadRequest).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusNotFound).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

// handleServiceError maps error kinds to problem documents. The problem type is the lower-cased error code.
func handleServiceError(c fiber.Ctx, err error) error {
	var status int

	switch {
	case services.IsValidationError(err), errors.Is(err, gitops.ErrInvalidEvent):
		status = fiber.StatusBadRequest
	case services.IsNotFoundError(err):
		status = fiber.StatusNotFound
	case services.IsConflictError(err):
		status = fiber.StatusConflict
	case services.IsPreconditionError(err):
		status = fiber.StatusPreconditionFailed
	case services.IsExternalError(err):
		status = fiber.StatusBadGateway
	default:
		// Unexpected errors don't expose details
		problem := problems.NewStatusProblem(fiber.StatusInternalServerError).
			WithInstance(c.Path()).
			WithType("internal_error")

		return c.Status(fiber.StatusInternalServerError).JSON(problem)
	}

	problem := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(strings.ToLower(errorCode(err))).
		WithDetail(err.Error())

	return c.Status(status).JSON(problem)
}

func errorCode(err error) string {
	var serviceErr *services.ServiceError
	if errors.As(err, &serviceErr) && serviceErr.Code != "" {
		return serviceErr.Code
	}

	if errors.Is(err, gitops.ErrInvalidEvent) {
		return "INVALID_EVENT"
	}

	return services.Code(err)
}
