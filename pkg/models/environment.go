package models

import "time"

// Environment is a deployment target whose desired state lives in a GitOps repository.
type Environment struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	Name       string    `json:"name"`
	Repository string    `json:"repository"`
	Ref        string    `json:"ref"`
	LastCommit string    `json:"last_commit,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// EnvironmentResource is one manifest file synchronized into an environment.
type EnvironmentResource struct {
	EnvironmentID string    `json:"environment_id"`
	Path          string    `json:"path"`
	Kind          string    `json:"kind"`
	Name          string    `json:"name"`
	Namespace     string    `json:"namespace,omitempty"`
	Checksum      string    `json:"checksum"`
	Commit        string    `json:"commit"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ProcessedPush is the redelivery ledger entry for one (repository, commit) pair.
type ProcessedPush struct {
	Repository    string    `json:"repository"`
	Commit        string    `json:"commit"`
	EnvironmentID string    `json:"environment_id"`
	ProcessedAt   time.Time `json:"processed_at"`
}

// PushEvent is the inbound GitOps notification. Delivered at least once.
type PushEvent struct {
	Repository   string   `json:"repository"    validate:"required"`
	Ref          string   `json:"ref"           validate:"required"`
	Commit       string   `json:"commit"        validate:"required,hexadecimal,min=7,max=64"`
	ChangedPaths []string `json:"changed_paths"`
	Pusher       string   `json:"pusher,omitempty"`
}

// EnvironmentCreate requests registration of a GitOps environment.
type EnvironmentCreate struct {
	ProjectID     string `json:"project_id"     validate:"required"`
	EnvironmentID string `json:"environment_id" validate:"required"`
	Name          string `json:"name"           validate:"required"`
	Repository    string `json:"repository"     validate:"required"`
	Ref           string `json:"ref"            validate:"required"`
}

// PreconditionReport is the structured outcome of a deploy precondition check.
type PreconditionReport struct {
	OK      bool     `json:"ok"`
	Reasons []string `json:"reasons,omitempty"`
}

// Fail records a failing reason.
func (p *PreconditionReport) Fail(reason string) {
	p.OK = false
	p.Reasons = append(p.Reasons, reason)
}

// Merge folds other into p.
func (p *PreconditionReport) Merge(other PreconditionReport) {
	if !other.OK {
		p.OK = false
	}

	p.Reasons = append(p.Reasons, other.Reasons...)
}
