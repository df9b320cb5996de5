package scheduler

import (
	"context"
	"time"
)

// PlanRetryMessageType tags the synthetic self-message a plan-execute retry
// reminder dispatches. An agent's OnMessage handler recognizes this tag,
// clears the matching pending retry on its execution loop state, and resumes
// the loop.
const PlanRetryMessageType = "plan-retry-reminder"

// PlanReminderAdapter adapts a Service to the narrower shape the
// plan-execute loop depends on (RegisterReminder(ctx, name, delay) /
// UnregisterReminder(ctx, name)), so the loop never needs to know about
// message types or timer periods.
type PlanReminderAdapter struct {
	svc *Service
}

// NewPlanReminderAdapter wraps svc for use as a plan-execute loop's
// ReminderScheduler.
func NewPlanReminderAdapter(svc *Service) *PlanReminderAdapter {
	return &PlanReminderAdapter{svc: svc}
}

// RegisterReminder installs a one-shot durable reminder named name that
// fires after delay.
func (a *PlanReminderAdapter) RegisterReminder(ctx context.Context, name string, delay time.Duration) error {
	return a.svc.RegisterReminder(ctx, name, PlanRetryMessageType, "", delay, 0)
}

// UnregisterReminder cancels the named reminder, if any.
func (a *PlanReminderAdapter) UnregisterReminder(ctx context.Context, name string) error {
	return a.svc.UnregisterReminder(ctx, name)
}
