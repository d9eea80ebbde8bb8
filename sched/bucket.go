package sched

import (
	"fmt"
)

// bucket groups the events sharing one interval and tracks how much of that
// interval they occupy.
type bucket struct {
	interval uint32
	used     uint32
	events   []*Event
}

func (b *bucket) free() uint32 {
	if b.used >= b.interval {
		return 0
	}
	return b.interval - b.used
}

func (b *bucket) add(ev *Event) {
	b.events = append(b.events, ev)
	b.used += ev.Duration
	ev.bucket = b
}

func (b *bucket) remove(ev *Event) error {
	for i, e := range b.events {
		if e != ev {
			continue
		}
		b.events = append(b.events[:i], b.events[i+1:]...)
		b.used -= ev.Duration
		ev.bucket = nil
		return nil
	}
	return fmt.Errorf("%v not in bucket %d", ev, b.interval)
}

func (s *Scheduler) bucketFor(interval uint32) *bucket {
	b, ok := s.buckets[interval]
	if !ok {
		b = &bucket{interval: interval}
		s.buckets[interval] = b
	}
	return b
}

func (s *Scheduler) join(ev *Event) {
	s.bucketFor(ev.Interval).add(ev)
}

func (s *Scheduler) leave(ev *Event) {
	b := ev.bucket
	if b == nil {
		return
	}
	if err := b.remove(ev); err != nil {
		s.log.Errorf("leave: %v", err)
		return
	}
	if len(b.events) == 0 {
		delete(s.buckets, b.interval)
	}
}

// reserves reports whether e's future occurrences must be avoided when
// placing a new connection event.
func reserves(e *Event) bool {
	return e.Role.Connected() || e.Flags&FlagWaitInstant != 0
}

func ignored(e *Event, skip []*Event) bool {
	for _, x := range skip {
		if x == e {
			return true
		}
	}
	return e.deleted
}

// fits reports whether interval's bucket has room for dur more slots.
func (s *Scheduler) fits(interval, dur uint32, skip ...*Event) bool {
	if interval != 0 && dur > interval {
		return false
	}
	b, ok := s.buckets[interval]
	if !ok || interval == 0 {
		return true
	}
	used := b.used
	for _, e := range b.events {
		if ignored(e, skip) {
			used -= e.Duration
		}
	}
	return used+dur <= interval
}

// clear reports whether an activity starting at t, lasting dur and repeating
// every interval avoids the other events of its bucket and, when conn is
// set, every reserved connection event. Events in skip are ignored.
func (s *Scheduler) clear(t, dur, interval uint32, conn bool, skip ...*Event) bool {
	for _, e := range s.events {
		if ignored(e, skip) {
			continue
		}
		if e.Interval != interval && !(conn && reserves(e)) {
			continue
		}
		if overlaps(t, dur, interval, e.Time, e.Duration, e.Interval) {
			return false
		}
	}
	return true
}
