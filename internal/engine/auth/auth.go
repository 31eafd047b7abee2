package auth

import (
	"fmt"

	"batchline/internal/principal"
)

type Action string

const (
	ActionBatchCreate          Action = "batch.create"
	ActionBatchRelease         Action = "batch.release"
	ActionBatchCancel          Action = "batch.cancel"
	ActionBatchRecompute       Action = "batch.recompute"
	ActionBatchRead            Action = "batch.read"
	ActionEligibilityRead      Action = "eligibility.read"
	ActionAssessmentRespond    Action = "assessment.respond"
	ActionAssessmentComplete   Action = "assessment.complete"
	ActionAssessmentDeactivate Action = "assessment.deactivate"
	ActionAssessmentReset      Action = "assessment.reset"
	ActionAssessmentReissue    Action = "assessment.reissue"
	ActionAssessmentRead       Action = "assessment.read"
	ActionReportEmit           Action = "report.emit"
	ActionReportEmergency      Action = "report.emit_emergency"
	ActionReportRequest        Action = "report.request"
	ActionReportDeliver        Action = "report.deliver"
	ActionReportRead           Action = "report.read"
	ActionQueueRead            Action = "queue.read"
	ActionQueueDrain           Action = "queue.drain"
	ActionAuditRead            Action = "audit.read"
	ActionRegistryWrite        Action = "registry.write"
)

const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleIssuer  = "issuer"
	RoleSubject = "subject"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
	Reason     string
}

func (e ForbiddenError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("permission %s required: %s", e.Permission, e.Reason)
	}
	return fmt.Sprintf("permission %s required", e.Permission)
}

type grant struct {
	actions map[Action]bool
	scoped  bool
}

func actions(list ...Action) map[Action]bool {
	m := make(map[Action]bool, len(list))
	for _, a := range list {
		m[a] = true
	}
	return m
}

var roleGrants = map[string]grant{
	RoleManager: {scoped: true, actions: actions(
		ActionBatchCreate, ActionBatchRelease, ActionBatchCancel, ActionBatchRecompute, ActionBatchRead,
		ActionEligibilityRead, ActionAssessmentDeactivate, ActionAssessmentReset, ActionAssessmentReissue,
		ActionAssessmentRead, ActionReportRequest, ActionReportRead, ActionQueueRead, ActionAuditRead,
	)},
	RoleIssuer: {actions: actions(
		ActionReportEmit, ActionReportEmergency, ActionReportRequest, ActionReportDeliver, ActionReportRead,
		ActionBatchRead, ActionBatchRecompute, ActionQueueRead, ActionQueueDrain,
	)},
	RoleSubject: {scoped: true, actions: actions(
		ActionAssessmentRespond, ActionAssessmentComplete, ActionAssessmentRead,
	)},
}

// System principals only get what emission needs.
var systemGrants = actions(ActionBatchRecompute, ActionReportEmit)

// Authorize decides whether p may perform action on a resource in scopeID.
// An empty scopeID skips the scope check.
func Authorize(p principal.Principal, action Action, scopeID string) error {
	switch v := principal.Normalize(p).(type) {
	case principal.Interactive:
		if v.Role == RoleAdmin {
			return nil
		}
		g, ok := roleGrants[v.Role]
		if !ok {
			return ForbiddenError{Permission: string(action), Reason: "unknown role " + v.Role}
		}
		if !g.actions[action] {
			return ForbiddenError{Permission: string(action)}
		}
		if g.scoped && scopeID != "" && !v.InScope(scopeID) {
			return ForbiddenError{Permission: string(action), Reason: "cohort " + scopeID + " out of scope"}
		}
		return nil
	case principal.System:
		if systemGrants[action] {
			return nil
		}
		return ForbiddenError{Permission: string(action), Reason: "not allowed for system principals"}
	default:
		return ForbiddenError{Permission: string(action), Reason: "no principal"}
	}
}

// CanIssue reports whether p may sign reports as an issuer.
func CanIssue(p principal.Principal) bool {
	v, ok := principal.Normalize(p).(principal.Interactive)
	return ok && (v.Role == RoleAdmin || v.Role == RoleIssuer)
}
