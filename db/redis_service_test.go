package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"dismissal-server-go/models"
)

const testDay = "2026-10-14"

var epoch = time.Date(2026, 10, 14, 19, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*RedisService, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisService(client), mr
}

func seedDirectory(t *testing.T, s *RedisService) {
	t.Helper()
	ctx := context.Background()
	for _, c := range []models.Classroom{
		{ID: "k1", Name: "Kindergarten", Order: 1},
		{ID: "g2", Name: "Second Grade", Order: 2},
	} {
		if err := s.AddClassroom(ctx, c); err != nil {
			t.Fatalf("AddClassroom: %v", err)
		}
	}
	if err := s.AddFamily(ctx, models.Family{ID: "f1", CarpoolNumber: 12, ParentNames: "Pat & Sam Avery"}); err != nil {
		t.Fatalf("AddFamily: %v", err)
	}
	for _, st := range []models.Student{
		{ID: "s1", FirstName: "Zoe", LastName: "Avery", ClassroomID: "k1", FamilyID: "f1"},
		{ID: "s2", FirstName: "Adam", LastName: "Avery", ClassroomID: "g2", FamilyID: "f1"},
		{ID: "s3", FirstName: "Cleo", LastName: "Baker", ClassroomID: "k1"},
	} {
		if err := s.AddStudent(ctx, st); err != nil {
			t.Fatalf("AddStudent: %v", err)
		}
	}
}

func row(id string, st models.Status, offset time.Duration) models.StatusRecord {
	return models.StatusRecord{StudentID: id, Day: testDay, Status: st, ChangedAt: epoch.Add(offset), ChangedBy: models.ActorSpotter}
}

func TestDirectoryReads(t *testing.T) {
	s, _ := newTestService(t)
	seedDirectory(t, s)
	ctx := context.Background()

	classrooms, err := s.ListClassrooms(ctx)
	if err != nil {
		t.Fatalf("ListClassrooms: %v", err)
	}
	if len(classrooms) != 2 || classrooms[0].ID != "k1" || classrooms[1].Order != 2 {
		t.Fatalf("ListClassrooms = %+v", classrooms)
	}

	students, err := s.ListStudents(ctx)
	if err != nil {
		t.Fatalf("ListStudents: %v", err)
	}
	if len(students) != 3 || students[0].ID != "s1" || students[0].FamilyID != "f1" {
		t.Fatalf("ListStudents = %+v", students)
	}

	families, err := s.ListFamilies(ctx)
	if err != nil {
		t.Fatalf("ListFamilies: %v", err)
	}
	if len(families) != 1 || families[0].CarpoolNumber != 12 {
		t.Fatalf("ListFamilies = %+v", families)
	}
}

func TestAddStudentCreatesMissingClassroom(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	if err := s.AddStudent(ctx, models.Student{ID: "s9", FirstName: "New", LastName: "Kid", ClassroomID: "x9"}); err != nil {
		t.Fatalf("AddStudent: %v", err)
	}
	classrooms, err := s.ListClassrooms(ctx)
	if err != nil {
		t.Fatalf("ListClassrooms: %v", err)
	}
	if len(classrooms) != 1 || classrooms[0].Name != "Class x9" {
		t.Fatalf("auto-created classroom = %+v", classrooms)
	}
}

func TestDirectoryValidation(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	if err := s.AddClassroom(ctx, models.Classroom{ID: "c"}); !errors.Is(err, models.ErrValidationFailed) {
		t.Fatalf("AddClassroom without name: %v", err)
	}
	if err := s.AddFamily(ctx, models.Family{ID: "f"}); !errors.Is(err, models.ErrValidationFailed) {
		t.Fatalf("AddFamily without number: %v", err)
	}
	if err := s.AddStudent(ctx, models.Student{ID: "s"}); !errors.Is(err, models.ErrValidationFailed) {
		t.Fatalf("AddStudent without names: %v", err)
	}
}

func TestLookupFamilyStudents(t *testing.T) {
	s, _ := newTestService(t)
	seedDirectory(t, s)
	ctx := context.Background()

	got, err := s.LookupFamilyStudents(ctx, 12)
	if err != nil {
		t.Fatalf("LookupFamilyStudents: %v", err)
	}
	if len(got) != 2 || got[0].FirstName != "Adam" || got[1].FirstName != "Zoe" {
		t.Fatalf("LookupFamilyStudents(12) = %+v, want Adam then Zoe", got)
	}

	none, err := s.LookupFamilyStudents(ctx, 999)
	if err != nil {
		t.Fatalf("LookupFamilyStudents(999): %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("unknown carpool returned %+v", none)
	}
}

func TestUpsertStatusInsertThenUpdate(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	out, err := s.UpsertStatus(ctx, []models.StatusRecord{row("s1", models.StatusCalled, 0), row("s2", models.StatusCalled, 0)})
	if err != nil {
		t.Fatalf("UpsertStatus: %v", err)
	}
	if len(out) != 2 || !out[0].Applied || out[0].Previous != nil {
		t.Fatalf("insert outcomes = %+v", out)
	}

	// Resending the same key updates in place rather than failing.
	out, err = s.UpsertStatus(ctx, []models.StatusRecord{row("s1", models.StatusWaiting, time.Second)})
	if err != nil {
		t.Fatalf("UpsertStatus update: %v", err)
	}
	if !out[0].Applied || out[0].Previous == nil || out[0].Previous.Status != models.StatusCalled {
		t.Fatalf("update outcome = %+v", out[0])
	}

	records, err := s.ListStatusForDay(ctx, testDay)
	if err != nil {
		t.Fatalf("ListStatusForDay: %v", err)
	}
	if len(records) != 2 || records[0].StudentID != "s1" || records[0].Status != models.StatusWaiting {
		t.Fatalf("ListStatusForDay = %+v", records)
	}
	if !records[0].ChangedAt.Equal(epoch.Add(time.Second)) {
		t.Fatalf("changedAt = %v", records[0].ChangedAt)
	}

	other, err := s.ListStatusForDay(ctx, "2026-10-15")
	if err != nil || len(other) != 0 {
		t.Fatalf("other day = %+v, %v", other, err)
	}
}

func TestUpsertStatusLastWriteWins(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	if _, err := s.UpsertStatus(ctx, []models.StatusRecord{row("s1", models.StatusCalled, 10*time.Second)}); err != nil {
		t.Fatalf("UpsertStatus: %v", err)
	}
	out, err := s.UpsertStatus(ctx, []models.StatusRecord{row("s1", models.StatusWaiting, 5*time.Second)})
	if err != nil {
		t.Fatalf("UpsertStatus stale: %v", err)
	}
	if out[0].Applied {
		t.Fatal("older write should not be applied")
	}
	if out[0].Previous == nil || out[0].Previous.Status != models.StatusCalled {
		t.Fatalf("stale outcome should carry the winning record, got %+v", out[0].Previous)
	}

	records, _ := s.ListStatusForDay(ctx, testDay)
	if records[0].Status != models.StatusCalled {
		t.Fatalf("stale write overwrote newer row: %+v", records[0])
	}
}

func TestUpsertStatusValidation(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	if _, err := s.UpsertStatus(ctx, nil); !errors.Is(err, models.ErrValidationFailed) {
		t.Fatalf("empty rows: %v", err)
	}
	bad := row("s1", "GONE", 0)
	if _, err := s.UpsertStatus(ctx, []models.StatusRecord{bad}); !errors.Is(err, models.ErrValidationFailed) {
		t.Fatalf("bad status: %v", err)
	}
	mixed := []models.StatusRecord{row("s1", models.StatusCalled, 0), {StudentID: "s2", Day: "2026-10-15", Status: models.StatusCalled}}
	if _, err := s.UpsertStatus(ctx, mixed); !errors.Is(err, models.ErrValidationFailed) {
		t.Fatalf("mixed days: %v", err)
	}
}

func TestStoreUnavailable(t *testing.T) {
	s, mr := newTestService(t)
	mr.Close()
	ctx := context.Background()

	if _, err := s.ListStatusForDay(ctx, testDay); !errors.Is(err, models.ErrStoreUnavailable) {
		t.Fatalf("ListStatusForDay on closed server: %v", err)
	}
	if _, err := s.UpsertStatus(ctx, []models.StatusRecord{row("s1", models.StatusCalled, 0)}); !errors.Is(err, models.ErrStoreUnavailable) {
		t.Fatalf("UpsertStatus on closed server: %v", err)
	}
}

func TestSchoolToday(t *testing.T) {
	s, mr := newTestService(t)
	ctx := context.Background()
	day, err := s.SchoolToday(ctx)
	if err != nil || day != "" {
		t.Fatalf("SchoolToday unset = %q, %v", day, err)
	}
	if err := mr.Set(schoolTodayKey, "2026-09-01"); err != nil {
		t.Fatal(err)
	}
	day, err = s.SchoolToday(ctx)
	if err != nil || day != "2026-09-01" {
		t.Fatalf("SchoolToday = %q, %v", day, err)
	}
}

func TestClearStatusForDay(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	if _, err := s.UpsertStatus(ctx, []models.StatusRecord{row("s1", models.StatusCalled, 0), row("s2", models.StatusCalled, 0)}); err != nil {
		t.Fatal(err)
	}
	n, err := s.ClearStatusForDay(ctx, testDay)
	if err != nil || n != 2 {
		t.Fatalf("ClearStatusForDay = %d, %v", n, err)
	}
	records, _ := s.ListStatusForDay(ctx, testDay)
	if len(records) != 0 {
		t.Fatalf("rows remain after clear: %+v", records)
	}
	// Timestamps are cleared too, so an older write is accepted again.
	out, err := s.UpsertStatus(ctx, []models.StatusRecord{row("s1", models.StatusCalled, -time.Hour)})
	if err != nil || !out[0].Applied {
		t.Fatalf("write after clear = %+v, %v", out, err)
	}
}
