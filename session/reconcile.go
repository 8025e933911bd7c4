package session

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"dismissal-server-go/index"
	"dismissal-server-go/metrics"
	"dismissal-server-go/models"
)

// handleNotification applies one change event to the index. The event's
// previous value, when the transport carries one, is the prior-status hint;
// otherwise the index's own status is. A deleted row reads as WAITING.
func (s *Session) handleNotification(ev models.ChangeEvent) {
	rec := ev.Record()
	if rec == nil {
		return
	}
	if rec.Day != s.day {
		metrics.Notifications.WithLabelValues(metrics.OutcomeOtherDay).Inc()
		return
	}
	if s.opts.DisableIncremental {
		metrics.Notifications.WithLabelValues(metrics.OutcomeDeferred).Inc()
		s.requestResync("notification", nil)
		return
	}

	var next models.StatusRecord
	var res index.Result
	if ev.Current == nil {
		// Deleted row: reads as WAITING unless a newer record is tracked.
		next = models.StatusRecord{StudentID: rec.StudentID, Day: rec.Day, Status: models.StatusWaiting, ChangedAt: rec.ChangedAt}
		res = s.idx.ApplyDelete(*ev.Previous)
	} else {
		next = *ev.Current
		hint := s.idx.Status(rec.StudentID)
		if ev.Previous != nil {
			hint = ev.Previous.Status
		}
		res = s.idx.ApplyRecord(next, hint)
	}
	switch {
	case !res.Known:
		metrics.Notifications.WithLabelValues(metrics.OutcomeUnknown).Inc()
	case res.Stale:
		metrics.Notifications.WithLabelValues(metrics.OutcomeStale).Inc()
		log.Printf("[session] %s: skipped stale notification for %s at %s", s.id, next.StudentID, next.ChangedAt.Format(time.RFC3339Nano))
	default:
		metrics.Notifications.WithLabelValues(metrics.OutcomeApplied).Inc()
		if res.HintMismatch {
			metrics.HintMismatches.Inc()
			log.Printf("[session] %s: index drift on %s (next %s), scheduling resync", s.id, next.StudentID, next.Status)
			s.requestResync("drift", nil)
		}
	}
}

// requestResync starts a snapshot read, or if one is already in flight,
// schedules exactly one follow-up that starts when it finishes. A reply
// channel receives the result of the first read that starts after the
// request.
func (s *Session) requestResync(trigger string, reply chan error) {
	if reply != nil {
		s.waiting = append(s.waiting, reply)
	}
	if s.resyncRunning {
		if s.resyncPending == "" {
			s.resyncPending = trigger
		}
		return
	}
	s.startResync(trigger)
}

func (s *Session) startResync(trigger string) {
	s.resyncRunning = true
	waiters := s.waiting
	s.waiting = nil
	startedAt := s.opts.Now()

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		ctx, cancel := context.WithTimeout(s.ctx, resyncTimeout)
		defer cancel()

		begin := time.Now()
		snap, err := readSnapshot(ctx, s.store, s.day)
		metrics.ResyncDuration.Observe(time.Since(begin).Seconds())

		done := resyncDoneMsg{trigger: trigger, snap: snap, err: err, startedAt: startedAt, waiters: waiters}
		if !s.post(done) {
			for _, w := range waiters {
				w <- models.ErrSessionClosed
			}
		}
	}()
}

func (s *Session) handleResyncDone(m resyncDoneMsg) {
	s.resyncRunning = false
	if m.err != nil {
		metrics.ResyncFailures.Inc()
		log.Printf("[session] %s: %s resync failed, keeping current index: %v", s.id, m.trigger, m.err)
	} else {
		s.install(m.snap, m.startedAt)
		metrics.Resyncs.WithLabelValues(m.trigger).Inc()
		log.Printf("[session] %s: %s resync applied %d status rows", s.id, m.trigger, len(m.snap.records))
	}
	for _, w := range m.waiters {
		w <- m.err
	}
	if next := s.resyncPending; next != "" {
		s.resyncPending = ""
		s.startResync(next)
	}
}

// install rebuilds the index from snap. Students whose tracked record is
// newer than what the snapshot holds keep it: the later change wins by
// changed_at, not by which of the two arrived last. A tracked record with no
// counterpart in the snapshot survives only if it changed no earlier than
// the millisecond the read started in.
func (s *Session) install(snap *snapshot, startedAt time.Time) {
	records := snap.records
	if tracked := s.idx.Tracked(); len(tracked) > 0 {
		byStudent := make(map[string]int, len(records))
		merged := make([]models.StatusRecord, len(records))
		copy(merged, records)
		for i, r := range merged {
			byStudent[r.StudentID] = i
		}
		since := startedAt.Truncate(time.Millisecond)
		for _, t := range tracked {
			i, ok := byStudent[t.StudentID]
			switch {
			case ok && t.ChangedAt.After(merged[i].ChangedAt):
				merged[i].Status = t.Status
				merged[i].ChangedAt = t.ChangedAt
			case !ok && !startedAt.IsZero() && !t.ChangedAt.Before(since):
				t.Day = s.day
				merged = append(merged, t)
			}
		}
		records = merged
	}
	s.dir = snap.dir
	s.idx.Rebuild(snap.dir.Classrooms, snap.dir.Students, records)
}

// readSnapshot fetches the directory and the day's status rows concurrently.
func readSnapshot(ctx context.Context, store Store, day string) (*snapshot, error) {
	var snap snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		snap.dir.Classrooms, err = store.ListClassrooms(gctx)
		return err
	})
	g.Go(func() (err error) {
		snap.dir.Students, err = store.ListStudents(gctx)
		return err
	})
	g.Go(func() (err error) {
		snap.dir.Families, err = store.ListFamilies(gctx)
		return err
	})
	g.Go(func() (err error) {
		snap.records, err = store.ListStatusForDay(gctx, day)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Focus is called when the observer becomes visible again and triggers a
// resync without waiting for it.
func (s *Session) Focus() error {
	if !s.post(resyncMsg{trigger: "focus"}) {
		return models.ErrSessionClosed
	}
	return nil
}

// Resync triggers a full rebuild and waits for its result. A failed read
// leaves the index unchanged and is returned.
func (s *Session) Resync(ctx context.Context) error {
	reply := make(chan error, 1)
	if !s.post(resyncMsg{trigger: "manual", reply: reply}) {
		return models.ErrSessionClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.loopDone:
		return models.ErrSessionClosed
	}
}
