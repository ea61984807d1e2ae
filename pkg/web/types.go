package web

// ActorHeader names the principal performing a record operation.
const ActorHeader = "X-Actor"

// CreateRecordRequest represents the request body for creating a pipeline record from a graph.
type CreateRecordRequest struct {
	TriggeredBy string `json:"triggered_by"`
}

// AuditDecisionRequest represents the request body for an audit decision.
type AuditDecisionRequest struct {
	Principal  string `json:"principal"             validate:"required"`
	Decision   string `json:"decision"              validate:"required,oneof=approve reject"`
	Comment    string `json:"comment,omitempty"     validate:"max=1024"`
	SequenceNo int    `json:"sequence_no,omitempty" validate:"min=0"`
}

// AcceptedResponse is returned when an event was handed to the bus.
type AcceptedResponse struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
}

// NameCheckResponse reports whether a pipeline name is free in a project.
type NameCheckResponse struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}
