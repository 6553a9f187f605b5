package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"TradeCollector/internal/ports"
)

// DailyScheduler fires a job once per day at a fixed wall-clock time in its location.
// It never fires on Start; the first run is the next occurrence of hour:minute.
type DailyScheduler struct {
	hour   int
	minute int
	loc    *time.Location

	now   func() time.Time
	timer func(time.Duration) (<-chan time.Time, func() bool)

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

var _ ports.DailyTrigger = (*DailyScheduler)(nil)

// NewDailyScheduler validates the time of day; a nil loc means UTC.
func NewDailyScheduler(hour, minute int, loc *time.Location) (*DailyScheduler, error) {
	if hour < 0 || hour > 23 {
		return nil, fmt.Errorf("daily hour %d out of range 0-23", hour)
	}
	if minute < 0 || minute > 59 {
		return nil, fmt.Errorf("daily minute %d out of range 0-59", minute)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &DailyScheduler{
		hour:   hour,
		minute: minute,
		loc:    loc,
		now:    time.Now,
		timer: func(d time.Duration) (<-chan time.Time, func() bool) {
			t := time.NewTimer(d)
			return t.C, t.Stop
		},
	}, nil
}

// Next returns the first fire time strictly after the given instant.
func (d *DailyScheduler) Next(after time.Time) time.Time {
	local := after.In(d.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), d.hour, d.minute, 0, 0, d.loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, d.hour, d.minute, 0, 0, d.loc)
	}
	return next
}

// Start runs the timer loop until ctx ends or Stop is called.
// job runs on the loop goroutine; fires missed while it runs collapse into the next occurrence.
func (d *DailyScheduler) Start(ctx context.Context, job func(time.Time)) error {
	if job == nil {
		return fmt.Errorf("daily scheduler: nil job")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return nil
	}
	d.stop = make(chan struct{})
	d.done = make(chan struct{})

	go d.loop(ctx, job, d.stop, d.done)
	return nil
}

func (d *DailyScheduler) loop(ctx context.Context, job func(time.Time), stop, done chan struct{}) {
	defer close(done)
	for {
		next := d.Next(d.now())
		fired, cancel := d.timer(next.Sub(d.now()))
		select {
		case <-fired:
			job(next)
		case <-ctx.Done():
			cancel()
			return
		case <-stop:
			cancel()
			return
		}
	}
}

// Stop halts the loop and waits for it to exit or for ctx to end.
func (d *DailyScheduler) Stop(ctx context.Context) error {
	d.mu.Lock()
	stop, done := d.stop, d.done
	d.stop, d.done = nil, nil
	d.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
