// Package session runs one observer's view of the day's dismissal state.
//
// A Session owns an aggregation index and mutates it from a single
// goroutine fed by one ordered queue. Change notifications, resync results,
// optimistic applies from the write path and read queries are all messages
// on that queue and each runs to completion before the next, so nothing in
// the index needs locking. Snapshot reads for resync and store writes run
// off the loop and post their results back into it.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"dismissal-server-go/index"
	"dismissal-server-go/metrics"
	"dismissal-server-go/models"
	"dismissal-server-go/views"
)

// Store is the record store boundary the session reads from and writes to.
type Store interface {
	ListClassrooms(ctx context.Context) ([]models.Classroom, error)
	ListStudents(ctx context.Context) ([]models.Student, error)
	ListFamilies(ctx context.Context) ([]models.Family, error)
	ListStatusForDay(ctx context.Context, day string) ([]models.StatusRecord, error)
	UpsertStatus(ctx context.Context, rows []models.StatusRecord) ([]models.UpsertOutcome, error)
	LookupFamilyStudents(ctx context.Context, carpoolNumber int) ([]models.FamilyStudent, error)
}

// Channel is the notification boundary. onSubscribed must be called every
// time the channel becomes live, including after reconnects.
type Channel interface {
	Subscribe(ctx context.Context, onEvent func(models.ChangeEvent), onSubscribed func()) (models.Subscription, error)
}

// DefaultResyncInterval is the periodic safety-net rebuild interval.
const DefaultResyncInterval = 45 * time.Second

const (
	queueSize     = 1024
	resyncTimeout = 30 * time.Second
)

// Options configure a session.
type Options struct {
	// Day is the logical day partition for every read and write.
	Day string
	// ResyncInterval is the periodic rebuild interval; zero selects
	// DefaultResyncInterval and a negative value disables the timer.
	ResyncInterval time.Duration
	// DisableIncremental makes notifications trigger a resync instead of
	// being applied directly.
	DisableIncremental bool
	// Now supplies write timestamps; defaults to time.Now.
	Now func() time.Time
}

// Session is one observer's synchronized view.
type Session struct {
	id      string
	day     string
	store   Store
	channel Channel
	opts    Options

	queue    chan message
	done     chan struct{}
	loopDone chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc

	closeOnce sync.Once
	workers   sync.WaitGroup
	sub       models.Subscription

	stampMu   sync.Mutex
	lastStamp time.Time

	// Owned by the loop goroutine.
	idx           *index.Index
	dir           views.Directory
	resyncRunning bool
	resyncPending string
	waiting       []chan error
}

type message interface{}

type notifyMsg struct {
	ev models.ChangeEvent
}

type resyncMsg struct {
	trigger string
	reply   chan error
}

type snapshot struct {
	dir     views.Directory
	records []models.StatusRecord
}

type resyncDoneMsg struct {
	trigger   string
	snap      *snapshot
	err       error
	startedAt time.Time
	waiters   []chan error
}

type callMsg struct {
	fn   func()
	done chan struct{}
}

// Open builds the baseline index from a full snapshot, then starts the
// event loop, the notification subscription and the periodic resync. A
// failed baseline is fatal: no session is returned and nothing is started.
func Open(ctx context.Context, id string, store Store, channel Channel, opts Options) (*Session, error) {
	if opts.Day == "" {
		return nil, fmt.Errorf("%w: session needs a logical day", models.ErrValidationFailed)
	}
	if opts.ResyncInterval == 0 {
		opts.ResyncInterval = DefaultResyncInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Session{
		id:       id,
		day:      opts.Day,
		store:    store,
		channel:  channel,
		opts:     opts,
		queue:    make(chan message, queueSize),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
		idx:      index.New(),
	}

	snap, err := readSnapshot(ctx, store, s.day)
	if err != nil {
		log.Printf("[session] %s: baseline snapshot for %s failed: %v", id, s.day, err)
		return nil, fmt.Errorf("%w: %w", models.ErrNoBaseline, err)
	}
	s.install(snap, time.Time{})
	metrics.Resyncs.WithLabelValues("baseline").Inc()

	s.ctx, s.cancel = context.WithCancel(context.Background())
	go s.run()

	if channel != nil {
		sub, err := channel.Subscribe(s.ctx,
			func(ev models.ChangeEvent) { s.post(notifyMsg{ev: ev}) },
			func() { s.post(resyncMsg{trigger: "subscribed"}) },
		)
		if err != nil {
			// Periodic resync still keeps the index correct, only fresher
			// updates are lost.
			log.Printf("[session] %s: notification subscribe failed, resync-only: %v", id, err)
		} else {
			s.sub = sub
		}
	}

	if opts.ResyncInterval > 0 {
		s.workers.Add(1)
		go s.tick(opts.ResyncInterval)
	}

	metrics.OpenSessions.Inc()
	log.Printf("[session] %s: opened for %s with %d students in %d classrooms", id, s.day, len(snap.dir.Students), len(snap.dir.Classrooms))
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Day returns the logical day the session is bound to.
func (s *Session) Day() string { return s.day }

func (s *Session) run() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.done:
			return
		case m := <-s.queue:
			s.handle(m)
		}
	}
}

func (s *Session) handle(m message) {
	switch m := m.(type) {
	case notifyMsg:
		s.handleNotification(m.ev)
	case resyncMsg:
		s.requestResync(m.trigger, m.reply)
	case resyncDoneMsg:
		s.handleResyncDone(m)
	case callMsg:
		m.fn()
		close(m.done)
	}
}

func (s *Session) tick(every time.Duration) {
	defer s.workers.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.post(resyncMsg{trigger: "periodic"})
		}
	}
}

// post enqueues m unless the session is closed.
func (s *Session) post(m message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.queue <- m:
		return true
	case <-s.done:
		return false
	}
}

// call runs fn on the loop goroutine and waits for it. It returns
// ErrSessionClosed if the loop stopped before fn ran.
func (s *Session) call(fn func()) error {
	done := make(chan struct{})
	if !s.post(callMsg{fn: fn, done: done}) {
		return models.ErrSessionClosed
	}
	select {
	case <-done:
		return nil
	case <-s.loopDone:
		select {
		case <-done:
			return nil
		default:
			return models.ErrSessionClosed
		}
	}
}

// Close tears the session down: the timer stops, the subscription closes
// and the loop exits. In-flight writes still complete against the store but
// no longer touch the index. Close is idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		if s.sub != nil {
			err = s.sub.Unsubscribe()
		}
		<-s.loopDone
		s.workers.Wait()
		metrics.OpenSessions.Dec()
		log.Printf("[session] %s: closed", s.id)
	})
	return err
}

// Summaries returns the classroom summary board.
func (s *Session) Summaries() ([]views.ClassroomSummary, error) {
	var out []views.ClassroomSummary
	if err := s.call(func() { out = views.Summaries(s.idx, s.dir) }); err != nil {
		return nil, err
	}
	return out, nil
}

// Classroom returns the student grid for one classroom.
func (s *Session) Classroom(classID string) (views.ClassroomView, error) {
	var (
		out  views.ClassroomView
		verr error
	)
	if err := s.call(func() { out, verr = views.Classroom(s.idx, s.dir, classID) }); err != nil {
		return views.ClassroomView{}, err
	}
	return out, verr
}

// Spotter returns the filtered, sorted spotter roster.
func (s *Session) Spotter(q views.SpotterQuery) ([]views.SpotterRow, error) {
	var out []views.SpotterRow
	if err := s.call(func() { out = views.Spotter(s.idx, s.dir, q) }); err != nil {
		return nil, err
	}
	return out, nil
}

// Inspect hands a copy of the current index and directory to the caller.
func (s *Session) Inspect() (*index.Index, views.Directory, error) {
	var (
		idx *index.Index
		dir views.Directory
	)
	if err := s.call(func() { idx, dir = s.idx.Clone(), s.dir }); err != nil {
		return nil, views.Directory{}, err
	}
	return idx, dir, nil
}
