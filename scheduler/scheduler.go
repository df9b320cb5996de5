// Package scheduler implements an agent activation's timer and reminder
// plane (spec §4.5 Scheduler): non-durable per-activation timers and
// durable reminders that survive deactivation. It is grounded on the
// teacher's workflow_loop.go main-loop dispatch shape for the "construct a
// synthetic self message and invoke the handler" pattern, generalized from
// the teacher's tool-call retry ticks to the spec's named timer/reminder
// ticks.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/agentfabric/mesh/messaging"
)

type (
	// Dispatch delivers a synthetic self-message to the hosting agent's
	// OnMessage handler when a timer or reminder ticks.
	Dispatch func(ctx context.Context, msg messaging.AgentMessage)

	// ReminderRegistrar abstracts the cluster substrate's durable reminder
	// primitive: a (ownerHandle, name) registration that keeps firing even
	// across the owning agent's deactivation and reactivation.
	// InmemReminderRegistrar, which backs it with a background goroutine for
	// local use and tests, is the only implementation in this module.
	ReminderRegistrar interface {
		Register(ctx context.Context, ownerHandle, name string, dueTime, period time.Duration, fire func()) error
		Unregister(ctx context.Context, ownerHandle, name string) error
	}

	timerEntry struct {
		stop func()
	}

	// Service is one agent activation's timer/reminder plane.
	Service struct {
		selfHandle string
		dispatch   Dispatch
		registrar  ReminderRegistrar

		mu        sync.Mutex
		timers    map[string]*timerEntry
		reminders map[string]bool
	}
)

// New constructs a Service for one agent activation. selfHandle is used as
// both From and To on every synthetic self-message this service dispatches.
func New(selfHandle string, dispatch Dispatch, registrar ReminderRegistrar) *Service {
	return &Service{
		selfHandle: selfHandle,
		dispatch:   dispatch,
		registrar:  registrar,
		timers:     make(map[string]*timerEntry),
		reminders:  make(map[string]bool),
	}
}

func (s *Service) selfMessage(name, messageType, message string) messaging.AgentMessage {
	return messaging.AgentMessage{
		FromHandle:  s.selfHandle,
		ToHandle:    s.selfHandle,
		MessageType: messageType,
		Message:     message,
		Kind:        messaging.KindResponse,
		Args:        map[string]string{"reminderName": name},
	}
}

// RegisterTimer installs a non-durable per-activation timer under name,
// disposing any existing timer with the same name first. A zero period
// makes it one-shot; a positive period makes it recurring.
func (s *Service) RegisterTimer(name, messageType, message string, dueTime, period time.Duration) {
	s.UnregisterTimer(name)

	ctx, cancel := context.WithCancel(context.Background())
	entry := &timerEntry{stop: cancel}

	s.mu.Lock()
	s.timers[name] = entry
	s.mu.Unlock()

	go s.runTimer(ctx, name, messageType, message, dueTime, period)
}

func (s *Service) runTimer(ctx context.Context, name, messageType, message string, dueTime, period time.Duration) {
	timer := time.NewTimer(dueTime)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.dispatch(ctx, s.selfMessage(name, messageType, message))
			if period <= 0 {
				return
			}
			timer.Reset(period)
		}
	}
}

// UnregisterTimer stops and forgets the named timer, if any.
func (s *Service) UnregisterTimer(name string) {
	s.mu.Lock()
	entry, ok := s.timers[name]
	delete(s.timers, name)
	s.mu.Unlock()
	if ok {
		entry.stop()
	}
}

// ActiveTimerCount reports how many timers are currently installed, used by
// AgentHealthStatus.
func (s *Service) ActiveTimerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// RegisterReminder installs a durable reminder under name via the
// registrar, disposing any existing reminder with the same name first. The
// registrar keeps the reminder ticking independent of this activation; on
// tick it dispatches the same synthetic self-message a timer would, through
// this Service's dispatch function.
func (s *Service) RegisterReminder(ctx context.Context, name, messageType, message string, dueTime, period time.Duration) error {
	if err := s.UnregisterReminder(ctx, name); err != nil {
		return err
	}
	fire := func() { s.dispatch(context.Background(), s.selfMessage(name, messageType, message)) }
	if err := s.registrar.Register(ctx, s.selfHandle, name, dueTime, period, fire); err != nil {
		return err
	}
	s.mu.Lock()
	s.reminders[name] = true
	s.mu.Unlock()
	return nil
}

// UnregisterReminder cancels the named reminder, if any.
func (s *Service) UnregisterReminder(ctx context.Context, name string) error {
	s.mu.Lock()
	_, ok := s.reminders[name]
	delete(s.reminders, name)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.registrar.Unregister(ctx, s.selfHandle, name)
}

// ActiveReminderCount reports how many reminders are currently registered
// through this service, used by AgentHealthStatus.
func (s *Service) ActiveReminderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reminders)
}
