package audit

import (
	"encoding/json"
	"time"
)

// EventType represents the category of audit record
type EventType string

const (
	// Role graph mutations
	EventRoleCreated          EventType = "role-created"
	EventRoleUpdated          EventType = "role-updated"
	EventRoleDeleted          EventType = "role-deleted"
	EventPermissionAssigned   EventType = "permission-assigned"
	EventPermissionRegistered EventType = "permission-registered"
	EventPermissionUpdated    EventType = "permission-updated"

	// Assignment mutations
	EventAssignmentGranted EventType = "assignment-granted"
	EventAssignmentRevoked EventType = "assignment-revoked"
	EventAssignmentExpired EventType = "assignment-expired"

	// Hierarchy mutations
	EventOrganizationMoved EventType = "organization-moved"

	// Reads and operational notes
	EventAccessChecked EventType = "access-checked"
	EventCacheDegraded EventType = "cache-degraded"
)

// Outcome represents the result of the audited action
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeFailure         Outcome = "failure"
	OutcomeAllowed         Outcome = "allowed"
	OutcomeDenied          Outcome = "denied"
	OutcomeAlreadyInactive Outcome = "already-inactive"
)

// TargetType names the kind of entity a record refers to
type TargetType string

const (
	TargetRole         TargetType = "role"
	TargetPermission   TargetType = "permission"
	TargetAssignment   TargetType = "assignment"
	TargetOrganization TargetType = "organization"
	TargetDecision     TargetType = "decision"
	TargetCache        TargetType = "cache"
)

// Record is a single append-only audit entry. Targets are referenced by id
// only; a record stays valid after its target is deleted.
type Record struct {
	ID             string     `json:"id"`
	Timestamp      time.Time  `json:"timestamp"`
	EventType      EventType  `json:"event_type"`
	Outcome        Outcome    `json:"outcome"`
	ActorID        string     `json:"actor_id,omitempty"`
	OrganizationID string     `json:"organization_id,omitempty"`
	TargetType     TargetType `json:"target_type,omitempty"`
	TargetID       string     `json:"target_id,omitempty"`

	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`

	// Changes tracking (before/after for mutations)
	Changes *Changes `json:"changes,omitempty"`
}

// Changes holds before/after snapshots of the target
type Changes struct {
	Before map[string]interface{} `json:"before,omitempty"`
	After  map[string]interface{} `json:"after,omitempty"`
}

// Snapshot converts any JSON-serializable value into the map form used by
// Changes. Nil values produce a nil map.
func Snapshot(v interface{}) map[string]interface{} {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]interface{}{"value": string(data)}
	}
	return out
}

// Filter selects records for Search and export
type Filter struct {
	StartTime *time.Time
	EndTime   *time.Time

	ActorID        string
	OrganizationID string
	TargetType     TargetType
	TargetID       string

	EventTypes []EventType
	Outcome    Outcome

	Limit  int
	Offset int
}

// Matches reports whether r satisfies the filter, ignoring pagination
func (f Filter) Matches(r *Record) bool {
	if f.StartTime != nil && r.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && !r.Timestamp.Before(*f.EndTime) {
		return false
	}
	if f.ActorID != "" && r.ActorID != f.ActorID {
		return false
	}
	if f.OrganizationID != "" && r.OrganizationID != f.OrganizationID {
		return false
	}
	if f.TargetType != "" && r.TargetType != f.TargetType {
		return false
	}
	if f.TargetID != "" && r.TargetID != f.TargetID {
		return false
	}
	if f.Outcome != "" && r.Outcome != f.Outcome {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, et := range f.EventTypes {
			if r.EventType == et {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ExportFormat represents the format for exporting audit records
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson"
)

// Stats summarizes records in a time window
type Stats struct {
	TotalRecords    int64               `json:"total_records"`
	RecordsByType   map[EventType]int64 `json:"records_by_type"`
	RecordsByResult map[Outcome]int64   `json:"records_by_outcome"`
	Denials         int64               `json:"denials"`
}
