// Package views projects an aggregation index into the three observer
// views: the classroom summary board, a single classroom's student grid and
// the spotter roster. Projections are recomputed on every call and hold no
// state of their own.
package views

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"dismissal-server-go/index"
	"dismissal-server-go/models"
)

// Directory is the static part of a session snapshot: names and
// memberships the index itself does not carry.
type Directory struct {
	Classrooms []models.Classroom
	Students   []models.Student
	Families   []models.Family
}

// ClassroomSummary is one card on the summary board.
type ClassroomSummary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Order    int    `json:"order"`
	Total    int    `json:"total"`
	Called   int    `json:"called"`
	Complete bool   `json:"complete"`
}

// Summaries returns every classroom's counts in board order.
func Summaries(idx *index.Index, dir Directory) []ClassroomSummary {
	out := make([]ClassroomSummary, 0, len(dir.Classrooms))
	for _, c := range dir.Classrooms {
		out = append(out, ClassroomSummary{
			ID:       c.ID,
			Name:     c.Name,
			Order:    c.Order,
			Total:    idx.Total(c.ID),
			Called:   idx.Called(c.ID),
			Complete: idx.Complete(c.ID),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// RosterEntry is one student tile in a classroom display.
type RosterEntry struct {
	StudentID   string        `json:"studentId"`
	FirstName   string        `json:"firstName"`
	LastName    string        `json:"lastName"`
	DisplayName string        `json:"displayName"`
	Status      models.Status `json:"status"`
}

// ClassroomView is the student grid for one classroom.
type ClassroomView struct {
	Classroom ClassroomSummary `json:"classroom"`
	Students  []RosterEntry    `json:"students"`
}

// Classroom returns the grid for classID, students sorted by last then
// first name.
func Classroom(idx *index.Index, dir Directory, classID string) (ClassroomView, error) {
	var found *models.Classroom
	for i := range dir.Classrooms {
		if dir.Classrooms[i].ID == classID {
			found = &dir.Classrooms[i]
			break
		}
	}
	if found == nil {
		return ClassroomView{}, fmt.Errorf("%w: classroom %q", models.ErrUnknownEntity, classID)
	}

	view := ClassroomView{
		Classroom: ClassroomSummary{
			ID:       found.ID,
			Name:     found.Name,
			Order:    found.Order,
			Total:    idx.Total(found.ID),
			Called:   idx.Called(found.ID),
			Complete: idx.Complete(found.ID),
		},
		Students: []RosterEntry{},
	}
	for _, s := range dir.Students {
		if s.ClassroomID != classID {
			continue
		}
		view.Students = append(view.Students, RosterEntry{
			StudentID:   s.ID,
			FirstName:   s.FirstName,
			LastName:    s.LastName,
			DisplayName: s.DisplayName(),
			Status:      idx.Status(s.ID),
		})
	}
	sort.SliceStable(view.Students, func(i, j int) bool {
		a, b := view.Students[i], view.Students[j]
		if c := compareNames(a.LastName, a.FirstName, b.LastName, b.FirstName); c != 0 {
			return c < 0
		}
		return a.StudentID < b.StudentID
	})
	return view, nil
}

// SortKey selects the spotter roster ordering.
type SortKey string

const (
	SortByName      SortKey = "name"
	SortByClassroom SortKey = "class"
	SortByStatus    SortKey = "status"
)

// ParseSortKey maps a query value to a SortKey, defaulting to name.
func ParseSortKey(s string) SortKey {
	switch SortKey(strings.ToLower(strings.TrimSpace(s))) {
	case SortByClassroom:
		return SortByClassroom
	case SortByStatus:
		return SortByStatus
	}
	return SortByName
}

// SpotterQuery filters and orders the spotter roster.
type SpotterQuery struct {
	Search string
	Sort   SortKey
}

// SpotterRow is one line of the spotter roster.
type SpotterRow struct {
	StudentID     string        `json:"studentId"`
	FirstName     string        `json:"firstName"`
	LastName      string        `json:"lastName"`
	DisplayName   string        `json:"displayName"`
	ClassroomID   string        `json:"classroomId"`
	ClassroomName string        `json:"classroomName"`
	CarpoolNumber string        `json:"carpoolNumber"`
	Status        models.Status `json:"status"`
	ToggleTo      models.Status `json:"toggleTo"`
}

// Spotter returns every student annotated with classroom name and carpool
// number. Search is a case-insensitive substring match against "Last,
// First" or the carpool number. Every ordering falls back to name.
func Spotter(idx *index.Index, dir Directory, q SpotterQuery) []SpotterRow {
	classNames := make(map[string]string, len(dir.Classrooms))
	for _, c := range dir.Classrooms {
		classNames[c.ID] = c.Name
	}
	carpools := make(map[string]string, len(dir.Families))
	for _, f := range dir.Families {
		carpools[f.ID] = strconv.Itoa(f.CarpoolNumber)
	}

	search := strings.ToLower(strings.TrimSpace(q.Search))
	rows := make([]SpotterRow, 0, len(dir.Students))
	for _, s := range dir.Students {
		carpool := carpools[s.FamilyID]
		if search != "" &&
			!strings.Contains(strings.ToLower(s.DisplayName()), search) &&
			!strings.Contains(carpool, search) {
			continue
		}
		status := idx.Status(s.ID)
		rows = append(rows, SpotterRow{
			StudentID:     s.ID,
			FirstName:     s.FirstName,
			LastName:      s.LastName,
			DisplayName:   s.DisplayName(),
			ClassroomID:   s.ClassroomID,
			ClassroomName: classNames[s.ClassroomID],
			CarpoolNumber: carpool,
			Status:        status,
			ToggleTo:      status.Opposite(),
		})
	}

	sortKey := q.Sort
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		switch sortKey {
		case SortByClassroom:
			if c := compareFold(a.ClassroomName, b.ClassroomName); c != 0 {
				return c < 0
			}
		case SortByStatus:
			if a.Status != b.Status {
				return a.Status < b.Status
			}
		}
		if c := compareNames(a.LastName, a.FirstName, b.LastName, b.FirstName); c != 0 {
			return c < 0
		}
		return a.StudentID < b.StudentID
	})
	return rows
}

func compareNames(lastA, firstA, lastB, firstB string) int {
	if c := compareFold(lastA, lastB); c != 0 {
		return c
	}
	return compareFold(firstA, firstB)
}

func compareFold(a, b string) int {
	if c := strings.Compare(strings.ToLower(a), strings.ToLower(b)); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}
