package billing

// PlanChangeDelta is the credit adjustment for a plan activation or change:
// the difference between the new and old plan allotments. A mid-cycle upgrade
// keeps unused credits from the old plan and adds the difference; a reset
// would overpay or underpay depending on timing.
func PlanChangeDelta(oldPlanCredits, newPlanCredits int64) int64 {
	return newPlanCredits - oldPlanCredits
}

// ApplyDelta returns the balance after a delta, floored at zero.
func ApplyDelta(balance, delta int64) int64 {
	next := balance + delta
	if next < 0 {
		return 0
	}
	return next
}
