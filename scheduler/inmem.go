package scheduler

import (
	"context"
	"sync"
	"time"
)

// InmemReminderRegistrar backs ReminderRegistrar with background goroutines
// ticking independent of any particular agent activation's lifetime,
// standing in for a cluster-level durable timer service in local runs and
// tests. Production deployments wire ReminderRegistrar to the hosting
// engine's own durable scheduling primitive instead (for the Temporal
// adapter, a per-reminder cron workflow that signals the owner's handle).
type InmemReminderRegistrar struct {
	mu        sync.Mutex
	reminders map[string]func()
}

// NewInmemReminderRegistrar constructs an empty registrar.
func NewInmemReminderRegistrar() *InmemReminderRegistrar {
	return &InmemReminderRegistrar{reminders: make(map[string]func())}
}

func reminderKey(ownerHandle, name string) string { return ownerHandle + "/" + name }

// Register installs a ticking goroutine that calls fire on each tick. A
// period of zero makes it one-shot.
func (r *InmemReminderRegistrar) Register(ctx context.Context, ownerHandle, name string, dueTime, period time.Duration, fire func()) error {
	key := reminderKey(ownerHandle, name)
	done := make(chan struct{})

	r.mu.Lock()
	r.reminders[key] = func() { close(done) }
	r.mu.Unlock()

	go func() {
		timer := time.NewTimer(dueTime)
		defer timer.Stop()
		for {
			select {
			case <-done:
				return
			case <-timer.C:
				fire()
				if period <= 0 {
					return
				}
				timer.Reset(period)
			}
		}
	}()
	return nil
}

// Unregister stops the named reminder's goroutine, if any.
func (r *InmemReminderRegistrar) Unregister(_ context.Context, ownerHandle, name string) error {
	key := reminderKey(ownerHandle, name)
	r.mu.Lock()
	stop, ok := r.reminders[key]
	delete(r.reminders, key)
	r.mu.Unlock()
	if ok {
		stop()
	}
	return nil
}
