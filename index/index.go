// Package index holds the derived per-classroom aggregates for one observer
// session: student membership, classroom totals, called counts and the raw
// per-student status.
//
// The central invariant is that for every classroom c,
//
//	Called(c) == |{s : ClassroomOf(s) == c && Status(s) == CALLED}|
//
// Rebuild establishes it from a full snapshot, ApplyChange and ApplyRecord
// preserve it incrementally. An Index is not safe for concurrent use; the
// session's event loop is its only writer.
package index

import (
	"fmt"
	"sort"
	"time"

	"dismissal-server-go/models"
)

// Index is the aggregation state derived from a snapshot plus later changes.
type Index struct {
	statusOf  map[string]models.Status
	changedAt map[string]time.Time
	classOf   map[string]string
	totalOf   map[string]int
	calledOf  map[string]int
}

// New returns an empty Index. Every student is unknown until Rebuild.
func New() *Index {
	x := &Index{}
	x.reset()
	return x
}

func (x *Index) reset() {
	x.statusOf = make(map[string]models.Status)
	x.changedAt = make(map[string]time.Time)
	x.classOf = make(map[string]string)
	x.totalOf = make(map[string]int)
	x.calledOf = make(map[string]int)
}

// Rebuild discards all prior state and recomputes the index from the given
// snapshot. The result depends only on the inputs, not on the order records
// are supplied in. Records for students outside the snapshot are dropped.
func (x *Index) Rebuild(classrooms []models.Classroom, students []models.Student, records []models.StatusRecord) {
	x.reset()

	for _, c := range classrooms {
		x.totalOf[c.ID] = 0
		x.calledOf[c.ID] = 0
	}
	for _, s := range students {
		if _, dup := x.classOf[s.ID]; dup {
			continue
		}
		x.classOf[s.ID] = s.ClassroomID
		x.totalOf[s.ClassroomID]++
		if _, ok := x.calledOf[s.ClassroomID]; !ok {
			x.calledOf[s.ClassroomID] = 0
		}
	}

	for _, r := range records {
		if _, known := x.classOf[r.StudentID]; !known || !r.Status.Valid() {
			continue
		}
		if prev, seen := x.changedAt[r.StudentID]; seen && !supersedes(r, prev, x.statusOf[r.StudentID]) {
			continue
		}
		x.statusOf[r.StudentID] = r.Status
		x.changedAt[r.StudentID] = r.ChangedAt
	}

	for id, st := range x.statusOf {
		if st == models.StatusCalled {
			x.calledOf[x.classOf[id]]++
		}
	}
}

// supersedes decides between two records for the same key so that Rebuild
// is order independent even if the store hands back duplicates.
func supersedes(r models.StatusRecord, prevAt time.Time, prevStatus models.Status) bool {
	if !r.ChangedAt.Equal(prevAt) {
		return r.ChangedAt.After(prevAt)
	}
	return r.Status > prevStatus
}

// Result describes what one incremental apply did.
type Result struct {
	Known        bool   // student is part of the snapshot
	Stale        bool   // record older than the tracked one, skipped
	HintMismatch bool   // index held neither the hinted nor the new status
	Delta        int    // change applied to the classroom's called count
	ClassroomID  string // classroom whose count moved, if Known
}

// ApplyChange moves studentID to next. The delta is computed from the
// index's own current status, so re-applying the same change is a no-op on
// the counts. hint is the caller's belief about the prior status (the
// transport's previous value when available). When the index holds neither
// hint nor next the two views have diverged, which is reported via
// HintMismatch so the caller can schedule a resync. Unknown students are
// ignored.
func (x *Index) ApplyChange(studentID string, hint, next models.Status) Result {
	classID, known := x.classOf[studentID]
	if !known || !next.Valid() {
		return Result{}
	}
	cur := x.Status(studentID)
	res := Result{
		Known:        true,
		ClassroomID:  classID,
		HintMismatch: hint.Valid() && hint != cur && next != cur,
		Delta:        calledValue(next) - calledValue(cur),
	}
	if res.Delta != 0 {
		x.calledOf[classID] += res.Delta
	}
	x.statusOf[studentID] = next
	return res
}

// ApplyRecord applies a status record carrying its changed_at. A record
// strictly older than the one already tracked for the student is skipped and
// reported as Stale. A zero ChangedAt (a deleted row) always applies and
// clears the tracked timestamp.
func (x *Index) ApplyRecord(rec models.StatusRecord, hint models.Status) Result {
	if _, known := x.classOf[rec.StudentID]; !known {
		return Result{}
	}
	if !rec.ChangedAt.IsZero() {
		if tracked, ok := x.changedAt[rec.StudentID]; ok && rec.ChangedAt.Before(tracked) {
			return Result{Known: true, Stale: true, ClassroomID: x.classOf[rec.StudentID]}
		}
	}
	res := x.ApplyChange(rec.StudentID, hint, rec.Status)
	if !res.Known {
		return res
	}
	if rec.ChangedAt.IsZero() {
		delete(x.changedAt, rec.StudentID)
	} else {
		x.changedAt[rec.StudentID] = rec.ChangedAt
	}
	return res
}

// ApplyDelete applies the removal of prev's row, which reads as WAITING.
// When the student's tracked record is strictly newer than the deleted row
// the delete arrived out of order and is reported as Stale.
func (x *Index) ApplyDelete(prev models.StatusRecord) Result {
	classID, known := x.classOf[prev.StudentID]
	if !known {
		return Result{}
	}
	if tracked, ok := x.changedAt[prev.StudentID]; ok && !prev.ChangedAt.IsZero() && prev.ChangedAt.Before(tracked) {
		return Result{Known: true, Stale: true, ClassroomID: classID}
	}
	res := x.ApplyChange(prev.StudentID, prev.Status, models.StatusWaiting)
	delete(x.changedAt, prev.StudentID)
	return res
}

func calledValue(s models.Status) int {
	if s == models.StatusCalled {
		return 1
	}
	return 0
}

// Status returns the student's status, WAITING when no record exists.
func (x *Index) Status(studentID string) models.Status {
	if st, ok := x.statusOf[studentID]; ok {
		return st
	}
	return models.StatusWaiting
}

// ChangedAt returns the timestamp of the record the student's status came
// from, if one is tracked.
func (x *Index) ChangedAt(studentID string) (time.Time, bool) {
	t, ok := x.changedAt[studentID]
	return t, ok
}

// ClassroomOf returns the student's classroom.
func (x *Index) ClassroomOf(studentID string) (string, bool) {
	c, ok := x.classOf[studentID]
	return c, ok
}

// Known reports whether studentID is part of the snapshot.
func (x *Index) Known(studentID string) bool {
	_, ok := x.classOf[studentID]
	return ok
}

// Total is the number of students in the classroom.
func (x *Index) Total(classID string) int { return x.totalOf[classID] }

// Called is the number of CALLED students in the classroom.
func (x *Index) Called(classID string) int { return x.calledOf[classID] }

// Complete reports a non-empty classroom whose students are all CALLED.
func (x *Index) Complete(classID string) bool {
	total := x.totalOf[classID]
	return total > 0 && x.calledOf[classID] == total
}

// Tracked returns every status that came from a timestamped record, for
// merging against a resync snapshot.
func (x *Index) Tracked() []models.StatusRecord {
	out := make([]models.StatusRecord, 0, len(x.changedAt))
	for id, at := range x.changedAt {
		out = append(out, models.StatusRecord{StudentID: id, Status: x.Status(id), ChangedAt: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out
}

// Check recounts every classroom from scratch and returns an error if any
// maintained count has drifted.
func (x *Index) Check() error {
	want := make(map[string]int, len(x.totalOf))
	for id, classID := range x.classOf {
		if x.Status(id) == models.StatusCalled {
			want[classID]++
		}
	}
	for classID, got := range x.calledOf {
		if want[classID] != got {
			return fmt.Errorf("classroom %s: called count %d, recount %d", classID, got, want[classID])
		}
	}
	for classID, n := range want {
		if _, ok := x.calledOf[classID]; !ok {
			return fmt.Errorf("classroom %s: %d called students but no count", classID, n)
		}
	}
	return nil
}

// Clone returns an independent copy.
func (x *Index) Clone() *Index {
	c := &Index{
		statusOf:  make(map[string]models.Status, len(x.statusOf)),
		changedAt: make(map[string]time.Time, len(x.changedAt)),
		classOf:   make(map[string]string, len(x.classOf)),
		totalOf:   make(map[string]int, len(x.totalOf)),
		calledOf:  make(map[string]int, len(x.calledOf)),
	}
	for k, v := range x.statusOf {
		c.statusOf[k] = v
	}
	for k, v := range x.changedAt {
		c.changedAt[k] = v
	}
	for k, v := range x.classOf {
		c.classOf[k] = v
	}
	for k, v := range x.totalOf {
		c.totalOf[k] = v
	}
	for k, v := range x.calledOf {
		c.calledOf[k] = v
	}
	return c
}

// Equal compares the observable state of two indexes. A student recorded as
// WAITING and a student with no record are equal, since both read WAITING.
func (x *Index) Equal(o *Index) bool {
	if len(x.classOf) != len(o.classOf) || len(x.totalOf) != len(o.totalOf) || len(x.calledOf) != len(o.calledOf) {
		return false
	}
	for id, c := range x.classOf {
		if o.classOf[id] != c || o.Status(id) != x.Status(id) {
			return false
		}
	}
	for c, n := range x.totalOf {
		if v, ok := o.totalOf[c]; !ok || v != n {
			return false
		}
	}
	for c, n := range x.calledOf {
		if v, ok := o.calledOf[c]; !ok || v != n {
			return false
		}
	}
	return true
}
