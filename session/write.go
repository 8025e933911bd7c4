package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"

	"dismissal-server-go/metrics"
	"dismissal-server-go/models"
)

var validate = validator.New()

// statusWrite is the validated shape of every write request.
type statusWrite struct {
	StudentIDs []string      `validate:"required,min=1,dive,required"`
	Status     models.Status `validate:"oneof=WAITING CALLED"`
	Actor      string        `validate:"required,max=64"`
}

// AppliedStudent is one student whose status the store accepted.
type AppliedStudent struct {
	StudentID string        `json:"studentId"`
	Name      string        `json:"name"`
	Status    models.Status `json:"status"`
}

// WriteResult reports a confirmed write. Superseded lists students whose
// row lost to a newer record already in the store.
type WriteResult struct {
	Day        string           `json:"day"`
	Applied    []AppliedStudent `json:"applied"`
	Superseded []string         `json:"superseded,omitempty"`
}

// SetSingleStatus writes one student's status for the session's day.
func (s *Session) SetSingleStatus(ctx context.Context, studentID string, status models.Status, actor string) (*WriteResult, error) {
	return s.write(ctx, "single", statusWrite{StudentIDs: []string{studentID}, Status: status, Actor: actor}, nil)
}

// SetStudentsStatus writes the same status for several students in one
// upsert.
func (s *Session) SetStudentsStatus(ctx context.Context, studentIDs []string, status models.Status, actor string) (*WriteResult, error) {
	return s.write(ctx, "multi", statusWrite{StudentIDs: dedupe(studentIDs), Status: status, Actor: actor}, nil)
}

// ToggleStatus flips a student between WAITING and CALLED based on the
// status the session currently shows.
func (s *Session) ToggleStatus(ctx context.Context, studentID string, actor string) (*WriteResult, error) {
	var (
		cur   models.Status
		known bool
	)
	if err := s.call(func() { cur, known = s.idx.Status(studentID), s.idx.Known(studentID) }); err != nil {
		return nil, err
	}
	if !known {
		metrics.Writes.WithLabelValues("toggle", "rejected").Inc()
		return nil, fmt.Errorf("%w: student %q", models.ErrUnknownEntity, studentID)
	}
	return s.write(ctx, "toggle", statusWrite{StudentIDs: []string{studentID}, Status: cur.Opposite(), Actor: actor}, nil)
}

// SetFamilyStatus resolves a carpool number to its students and writes status
// for all of them in one upsert. A family with no students fails without
// writing.
func (s *Session) SetFamilyStatus(ctx context.Context, carpoolNumber int, status models.Status, actor string) (*WriteResult, error) {
	members, err := s.familyMembers(ctx, carpoolNumber)
	if err != nil {
		metrics.Writes.WithLabelValues("family", "rejected").Inc()
		return nil, err
	}
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return s.write(ctx, "family", statusWrite{StudentIDs: sorted(ids), Status: status, Actor: actor}, members)
}

// ParentCheckIn marks a family's students CALLED on behalf of the parent.
// An empty studentIDs checks in the whole family; otherwise every id must
// belong to the family.
func (s *Session) ParentCheckIn(ctx context.Context, carpoolNumber int, studentIDs []string) (*WriteResult, error) {
	members, err := s.familyMembers(ctx, carpoolNumber)
	if err != nil {
		metrics.Writes.WithLabelValues("parent", "rejected").Inc()
		return nil, err
	}
	ids := dedupe(studentIDs)
	if len(ids) == 0 {
		for id := range members {
			ids = append(ids, id)
		}
		ids = sorted(ids)
	}
	for _, id := range ids {
		if _, ok := members[id]; !ok {
			metrics.Writes.WithLabelValues("parent", "rejected").Inc()
			return nil, fmt.Errorf("%w: student %q is not in carpool %d", models.ErrValidationFailed, id, carpoolNumber)
		}
	}
	return s.write(ctx, "parent", statusWrite{StudentIDs: ids, Status: models.StatusCalled, Actor: models.ActorParent}, members)
}

// familyMembers returns the family's students keyed by id with their full
// names.
func (s *Session) familyMembers(ctx context.Context, carpoolNumber int) (map[string]string, error) {
	if carpoolNumber <= 0 {
		return nil, fmt.Errorf("%w: carpool number must be positive", models.ErrValidationFailed)
	}
	found, err := s.store.LookupFamilyStudents(ctx, carpoolNumber)
	if err != nil {
		return nil, storeErr("lookup family", err)
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: no students for carpool %d", models.ErrValidationFailed, carpoolNumber)
	}
	members := make(map[string]string, len(found))
	for _, f := range found {
		members[f.StudentID] = models.Student{FirstName: f.FirstName, LastName: f.LastName}.FullName()
	}
	return members, nil
}

// write validates req, upserts it and, once the store confirms, applies the
// outcome to the index. names carries display names for students resolved
// outside the snapshot (family lookups); when nil every id must be part of
// the snapshot.
func (s *Session) write(ctx context.Context, op string, req statusWrite, names map[string]string) (*WriteResult, error) {
	if err := validate.Struct(req); err != nil {
		metrics.Writes.WithLabelValues(op, "rejected").Inc()
		return nil, fmt.Errorf("%w: %v", models.ErrValidationFailed, err)
	}

	var (
		pre     = make(map[string]models.Status, len(req.StudentIDs))
		display = make(map[string]string, len(req.StudentIDs))
		unknown string
	)
	err := s.call(func() {
		byID := make(map[string]models.Student, len(s.dir.Students))
		for _, st := range s.dir.Students {
			byID[st.ID] = st
		}
		for _, id := range req.StudentIDs {
			pre[id] = s.idx.Status(id)
			if st, ok := byID[id]; ok {
				display[id] = st.FullName()
			} else if name, ok := names[id]; ok {
				display[id] = name
			} else if unknown == "" {
				unknown = id
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if unknown != "" {
		metrics.Writes.WithLabelValues(op, "rejected").Inc()
		return nil, fmt.Errorf("%w: student %q", models.ErrUnknownEntity, unknown)
	}

	now := s.stamp()
	rows := make([]models.StatusRecord, len(req.StudentIDs))
	for i, id := range req.StudentIDs {
		rows[i] = models.StatusRecord{StudentID: id, Day: s.day, Status: req.Status, ChangedAt: now, ChangedBy: req.Actor}
	}

	outcomes, err := s.store.UpsertStatus(ctx, rows)
	if err != nil {
		metrics.Writes.WithLabelValues(op, "failed").Inc()
		log.Printf("[session] %s: %s write of %d rows failed: %v", s.id, op, len(rows), err)
		return nil, storeErr("upsert status", err)
	}

	res := &WriteResult{Day: s.day, Applied: make([]AppliedStudent, 0, len(outcomes))}
	for _, o := range outcomes {
		if o.Applied {
			res.Applied = append(res.Applied, AppliedStudent{StudentID: o.Row.StudentID, Name: display[o.Row.StudentID], Status: o.Row.Status})
		} else {
			res.Superseded = append(res.Superseded, o.Row.StudentID)
		}
	}

	err = s.call(func() {
		for _, o := range outcomes {
			switch {
			case o.Applied:
				s.idx.ApplyRecord(o.Row, pre[o.Row.StudentID])
			case o.Previous != nil:
				// The store kept a newer row; show that one.
				s.idx.ApplyRecord(*o.Previous, s.idx.Status(o.Previous.StudentID))
			}
		}
	})
	if errors.Is(err, models.ErrSessionClosed) {
		log.Printf("[session] %s: closed before %s write could be applied locally", s.id, op)
	}

	outcome := "ok"
	if len(res.Superseded) > 0 {
		outcome = "stale"
	}
	metrics.Writes.WithLabelValues(op, outcome).Inc()
	return res, nil
}

// stamp returns the changed_at for a new write. Stamps are whole
// milliseconds, the store's resolution, and strictly increase within a
// session so its own writes never tie.
func (s *Session) stamp() time.Time {
	s.stampMu.Lock()
	defer s.stampMu.Unlock()
	now := s.opts.Now().UTC().Truncate(time.Millisecond)
	if !now.After(s.lastStamp) {
		now = s.lastStamp.Add(time.Millisecond)
	}
	s.lastStamp = now
	return now
}

// storeErr makes sure a failure reaching the caller carries a reason code.
func storeErr(op string, err error) error {
	if errors.Is(err, models.ErrStoreUnavailable) || errors.Is(err, models.ErrValidationFailed) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, models.ErrStoreUnavailable, err)
}

// dedupe drops repeated ids, keeping the first occurrence. Empty ids are
// kept so validation rejects them.
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func sorted(ids []string) []string {
	sort.Strings(ids)
	return ids
}
