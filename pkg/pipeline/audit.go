package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/dukex/conveyor/pkg/identity"
	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/otelhelper"
	"github.com/dukex/conveyor/pkg/services"
)

// AuditRequest is one principal's vote. SequenceNo selects the audit stage; zero means the current one.
type AuditRequest struct {
	RecordID   string          `json:"-"`
	Principal  string          `json:"principal"             validate:"required"`
	Decision   models.Decision `json:"decision"              validate:"required,oneof=approve reject"`
	Comment    string          `json:"comment,omitempty"     validate:"max=1024"`
	SequenceNo int             `json:"sequence_no,omitempty" validate:"min=0"`
}

// Eligibility is the read-only answer of CheckAudit.
type Eligibility struct {
	Eligible   bool   `json:"eligible"`
	SequenceNo int    `json:"sequence_no,omitempty"`
	Code       string `json:"code,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// CheckAudit reports whether principal may decide on the audit stage without recording anything.
func (e *Engine) CheckAudit(ctx context.Context, recordID, principal string, sequenceNo int) (Eligibility, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "pipeline.check_audit",
		attribute.String(otelhelper.RecordIDKey, recordID),
		attribute.String(otelhelper.PrincipalKey, principal))
	defer span.End()

	record, err := e.GetRecord(ctx, recordID)
	if err != nil {
		return Eligibility{}, err
	}

	stage, err := e.auditable(ctx, record, principal, sequenceNo)
	if err != nil {
		if !isGateRefusal(err) {
			otelhelper.SetError(span, err)

			return Eligibility{}, err
		}

		var svcErr *services.ServiceError

		reason := err.Error()
		if errors.As(err, &svcErr) {
			reason = svcErr.Message
		}

		eligibility := Eligibility{Code: services.Code(err), Reason: reason}
		if stage != nil {
			eligibility.SequenceNo = stage.SequenceNo
		}

		return eligibility, nil
	}

	return Eligibility{Eligible: true, SequenceNo: stage.SequenceNo}, nil
}

// Audit records a decision on the audit stage. The first decisive vote resolves it: approve passes the stage
// and advances the record, reject fails both.
func (e *Engine) Audit(ctx context.Context, req AuditRequest) (*models.PipelineRecord, error) {
	req.Principal = strings.TrimSpace(req.Principal)

	if req.Principal == "" || !req.Decision.Valid() {
		return nil, services.NewValidationError("Audit", "INVALID_REQUEST",
			fmt.Sprintf("principal and a decision of approve or reject are required, got %q", req.Decision),
			services.ErrInvalidRequest)
	}

	return e.transition(ctx, "Audit", req.RecordID, func(ctx context.Context, t *transition) error {
		stage, err := e.auditable(ctx, t.record, req.Principal, req.SequenceNo)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		stage.Decisions = append(stage.Decisions, models.AuditDecision{
			Principal: req.Principal,
			Decision:  req.Decision,
			Attempt:   stage.Attempt,
			Comment:   req.Comment,
			DecidedAt: now,
		})

		e.logger.InfoContext(ctx, "Audit decision recorded", "record_id", t.record.ID, "stage_seq", stage.SequenceNo,
			"principal", req.Principal, "decision", req.Decision)

		if req.Decision == models.DecisionReject {
			e.failStage(t, stage, fmt.Errorf("rejected by %s", req.Principal))
			stage.Result = auditResult(req)

			return nil
		}

		e.passStage(t, stage, auditResult(req))

		return nil
	})
}

func auditResult(req AuditRequest) map[string]any {
	result := map[string]any{
		"decision":   string(req.Decision),
		"decided_by": req.Principal,
	}

	if req.Comment != "" {
		result["comment"] = req.Comment
	}

	return result
}

// auditable finds the audit stage addressed by sequenceNo and checks that principal may decide on it. The
// stage is returned alongside refusals so callers can report which stage was meant.
func (e *Engine) auditable(
	ctx context.Context,
	record *models.PipelineRecord,
	principal string,
	sequenceNo int,
) (*models.StageRecord, error) {
	stage, err := auditTarget(record, sequenceNo)
	if err != nil {
		return nil, err
	}

	if decision, resolved := stage.Resolution(); resolved && stage.Status != models.StageStatusAuditing {
		return stage, services.NewError("Audit", services.ErrAlreadyResolved,
			fmt.Sprintf("stage %d was already resolved by %s (%s)", stage.SequenceNo, decision.Principal, decision.Decision))
	}

	if stage.Status != models.StageStatusAuditing {
		return stage, services.NewError("Audit", services.ErrNotAuditable,
			fmt.Sprintf("stage %d is %s, not auditing", stage.SequenceNo, stage.Status))
	}

	if _, decided := stage.DecisionBy(principal); decided {
		return stage, services.NewError("Audit", services.ErrIneligible,
			fmt.Sprintf("%s already decided on stage %d", principal, stage.SequenceNo))
	}

	candidate, err := e.isCandidate(ctx, record.ProjectID, stage.CandidatePrincipals, principal)
	if err != nil {
		return stage, err
	}

	if !candidate {
		return stage, services.NewError("Audit", services.ErrIneligible,
			fmt.Sprintf("%s is not a candidate of stage %d", principal, stage.SequenceNo))
	}

	return stage, nil
}

// auditTarget returns the stage with sequenceNo, or, when zero, the latest audit stage the record has
// reached.
func auditTarget(record *models.PipelineRecord, sequenceNo int) (*models.StageRecord, error) {
	if sequenceNo > 0 {
		idx := record.StageIndex(sequenceNo)
		if idx < 0 {
			return nil, services.NewError("Audit", services.ErrStageNotFound,
				fmt.Sprintf("pipeline record %s has no stage %d", record.ID, sequenceNo))
		}

		stage := record.Stages[idx]
		if stage.TaskType != models.TaskTypeManualAudit {
			return nil, services.NewError("Audit", services.ErrNotAuditable,
				fmt.Sprintf("stage %d is %s, not manual-audit", sequenceNo, stage.TaskType))
		}

		return stage, nil
	}

	for i := min(record.Current, len(record.Stages)-1); i >= 0; i-- {
		if stage := record.Stages[i]; stage.TaskType == models.TaskTypeManualAudit {
			return stage, nil
		}
	}

	return nil, services.NewError("Audit", services.ErrNotAuditable,
		"pipeline record "+record.ID+" has not reached an audit stage")
}

// isCandidate matches principal against the candidate list. Role candidates need the principal's roles in
// the project, which come from the identity service.
func (e *Engine) isCandidate(ctx context.Context, projectID string, candidates []string, principal string) (bool, error) {
	if models.IsCandidate(candidates, models.Principal{ID: principal}) {
		return true, nil
	}

	hasRoles := false

	for _, candidate := range candidates {
		if _, ok := models.CandidateRole(candidate); ok {
			hasRoles = true

			break
		}
	}

	if !hasRoles {
		return false, nil
	}

	members, err := e.directory.QueryUsersEligibleForProject(ctx, projectID)
	if err != nil {
		return false, externalError("Audit", err)
	}

	resolved, _ := identity.ResolveCandidates(members, candidates)
	for _, member := range resolved {
		if member.ID == principal {
			return true, nil
		}
	}

	return false, nil
}

func isGateRefusal(err error) bool {
	return errors.Is(err, services.ErrNotAuditable) ||
		errors.Is(err, services.ErrIneligible) ||
		errors.Is(err, services.ErrAlreadyResolved) ||
		errors.Is(err, services.ErrStageNotFound)
}
