package cluster

import "github.com/ucrsph/incident-engine/internal/types"

// mergeMessage composes the citizen-facing line shown when a complaint is
// folded into an existing incident, keyed by the most urgent status among
// the incident's linked complaints.
func mergeMessage(status types.ComplaintStatus) string {
	switch status {
	case types.ComplaintUnderReview:
		return "A report about this issue is already under review. Your complaint has been added to it."
	case types.ComplaintForwardedToLGU:
		return "This issue has already been forwarded to the LGU. Your complaint has been added to the existing report."
	case types.ComplaintForwardedToDepartment:
		return "This issue has already been forwarded to the responsible department. Your complaint has been added to the existing report."
	case types.ComplaintResolved:
		return "A previous report about this issue was marked resolved. Your complaint has been attached so it can be re-checked."
	case types.ComplaintSubmitted:
		return "Someone already reported this issue. Your complaint has been added to the existing report."
	default:
		return "Your complaint matches an existing report and has been added to it."
	}
}
