package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"dismissal-server-go/models"
)

const testDay = "2026-10-14"

var epoch = time.Date(2026, 10, 14, 19, 0, 0, 0, time.UTC)

// fakeStore is an in-memory record store with last-write-wins upserts. When
// publish is set, applied rows are announced before UpsertStatus returns,
// like the Redis store does.
type fakeStore struct {
	mu         sync.Mutex
	classrooms []models.Classroom
	students   []models.Student
	families   []models.Family
	carpools   map[int][]models.FamilyStudent
	records    map[string]models.StatusRecord

	failReads  bool
	failWrites bool
	reads      int
	upserts    [][]models.StatusRecord
	publish    func(models.ChangeEvent)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		classrooms: []models.Classroom{
			{ID: "X", Name: "Room X", Order: 1},
			{ID: "Y", Name: "Room Y", Order: 2},
		},
		students: []models.Student{
			{ID: "s1", FirstName: "Ann", LastName: "Avery", ClassroomID: "X", FamilyID: "f1"},
			{ID: "s2", FirstName: "Ben", LastName: "Brook", ClassroomID: "X", FamilyID: "f2"},
			{ID: "s3", FirstName: "Cal", LastName: "Cole", ClassroomID: "X", FamilyID: "f3"},
			{ID: "s4", FirstName: "Dee", LastName: "Avery", ClassroomID: "Y", FamilyID: "f1"},
		},
		families: []models.Family{
			{ID: "f1", CarpoolNumber: 101},
			{ID: "f2", CarpoolNumber: 102},
			{ID: "f3", CarpoolNumber: 103},
			{ID: "f4", CarpoolNumber: 104},
		},
		carpools: map[int][]models.FamilyStudent{
			101: {{StudentID: "s1", FirstName: "Ann", LastName: "Avery"}, {StudentID: "s4", FirstName: "Dee", LastName: "Avery"}},
			102: {{StudentID: "s2", FirstName: "Ben", LastName: "Brook"}},
			103: {{StudentID: "s3", FirstName: "Cal", LastName: "Cole"}},
		},
		records: make(map[string]models.StatusRecord),
	}
}

var errBackend = errors.New("connection refused")

func (f *fakeStore) readErr() error {
	if f.failReads {
		return fmt.Errorf("%w: %w", models.ErrStoreUnavailable, errBackend)
	}
	return nil
}

func (f *fakeStore) ListClassrooms(ctx context.Context) ([]models.Classroom, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.readErr(); err != nil {
		return nil, err
	}
	return append([]models.Classroom(nil), f.classrooms...), nil
}

func (f *fakeStore) ListStudents(ctx context.Context) ([]models.Student, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.readErr(); err != nil {
		return nil, err
	}
	return append([]models.Student(nil), f.students...), nil
}

func (f *fakeStore) ListFamilies(ctx context.Context) ([]models.Family, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.readErr(); err != nil {
		return nil, err
	}
	return append([]models.Family(nil), f.families...), nil
}

func (f *fakeStore) ListStatusForDay(ctx context.Context, day string) ([]models.StatusRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if err := f.readErr(); err != nil {
		return nil, err
	}
	var out []models.StatusRecord
	for _, r := range f.records {
		if r.Day == day {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) UpsertStatus(ctx context.Context, rows []models.StatusRecord) ([]models.UpsertOutcome, error) {
	f.mu.Lock()
	if f.failWrites {
		f.mu.Unlock()
		return nil, errBackend
	}
	f.upserts = append(f.upserts, append([]models.StatusRecord(nil), rows...))
	outcomes := make([]models.UpsertOutcome, len(rows))
	for i, r := range rows {
		outcomes[i].Row = r
		if prev, ok := f.records[r.StudentID]; ok {
			p := prev
			outcomes[i].Previous = &p
			if prev.ChangedAt.After(r.ChangedAt) {
				continue
			}
		}
		f.records[r.StudentID] = r
		outcomes[i].Applied = true
	}
	publish := f.publish
	f.mu.Unlock()

	if publish != nil {
		for i := range outcomes {
			if o := outcomes[i]; o.Applied {
				publish(models.ChangeEvent{Previous: o.Previous, Current: &o.Row})
			}
		}
	}
	return outcomes, nil
}

func (f *fakeStore) LookupFamilyStudents(ctx context.Context, carpoolNumber int) ([]models.FamilyStudent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.readErr(); err != nil {
		return nil, err
	}
	return append([]models.FamilyStudent(nil), f.carpools[carpoolNumber]...), nil
}

func (f *fakeStore) set(rec models.StatusRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.StudentID] = rec
}

func (f *fakeStore) setFailReads(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failReads = v
}

func (f *fakeStore) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *fakeStore) upsertCalls() [][]models.StatusRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]models.StatusRecord(nil), f.upserts...)
}

// fakeChannel records the session's callbacks so tests can drive them.
type fakeChannel struct {
	mu           sync.Mutex
	onEvent      func(models.ChangeEvent)
	onSubscribed func()
	unsubscribed int
	fail         error
}

func (c *fakeChannel) Subscribe(ctx context.Context, onEvent func(models.ChangeEvent), onSubscribed func()) (models.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return nil, c.fail
	}
	c.onEvent, c.onSubscribed = onEvent, onSubscribed
	return c, nil
}

func (c *fakeChannel) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed++
	return nil
}

func (c *fakeChannel) emit(ev models.ChangeEvent) {
	c.mu.Lock()
	fn := c.onEvent
	c.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (c *fakeChannel) subscribed() {
	c.mu.Lock()
	fn := c.onSubscribed
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func rec(id string, st models.Status, offset time.Duration) models.StatusRecord {
	return models.StatusRecord{StudentID: id, Day: testDay, Status: st, ChangedAt: epoch.Add(offset), ChangedBy: models.ActorSpotter}
}

func inserted(r models.StatusRecord) models.ChangeEvent {
	return models.ChangeEvent{Current: &r}
}

func updated(prev, cur models.StatusRecord) models.ChangeEvent {
	return models.ChangeEvent{Previous: &prev, Current: &cur}
}

func openTest(t *testing.T, store *fakeStore, ch *fakeChannel, opts Options) *Session {
	t.Helper()
	if opts.Day == "" {
		opts.Day = testDay
	}
	if opts.ResyncInterval == 0 {
		opts.ResyncInterval = -1
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return epoch.Add(time.Minute) }
	}
	s, err := Open(context.Background(), "test", store, ch, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func counts(t *testing.T, s *Session, classID string) (called, total int) {
	t.Helper()
	idx, _, err := s.Inspect()
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if err := idx.Check(); err != nil {
		t.Fatal(err)
	}
	return idx.Called(classID), idx.Total(classID)
}

func status(t *testing.T, s *Session, studentID string) models.Status {
	t.Helper()
	idx, _, err := s.Inspect()
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	return idx.Status(studentID)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
