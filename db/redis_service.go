package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"dismissal-server-go/models"
)

const (
	classesKey          = "classes"      // Set: all classroom IDs
	classInfoPrefix     = "class:"       // Hash prefix: class:{id} -> classroom details
	classStudentsPrefix = "class:"       // Set prefix: class:{id}:students -> student IDs
	studentsKey         = "students"     // Set: all student IDs
	studentInfoPrefix   = "student:"     // Hash prefix: student:{id} -> student details
	familiesKey         = "families"     // Set: all family IDs
	familyInfoPrefix    = "family:"      // Hash prefix: family:{id} -> family details
	carpoolPrefix       = "carpool:"     // String: carpool:{number} -> family ID
	statusPrefix        = "status:"      // Hash: status:{day} -> studentID -> JSON record
	schoolTodayKey      = "school:today" // String: optional logical day override
)

// RedisService is the record store: the school directory plus the daily
// status rows, all in Redis.
type RedisService struct {
	Client *redis.Client
}

// NewRedisService creates a new RedisService instance
func NewRedisService(client *redis.Client) *RedisService {
	return &RedisService{Client: client}
}

func getClassInfoKey(classID string) string {
	return classInfoPrefix + classID
}

func getClassStudentsKey(classID string) string {
	return classStudentsPrefix + classID + ":students"
}

func getStudentInfoKey(studentID string) string {
	return studentInfoPrefix + studentID
}

func getFamilyInfoKey(familyID string) string {
	return familyInfoPrefix + familyID
}

func getFamilyStudentsKey(familyID string) string {
	return familyInfoPrefix + familyID + ":students"
}

func getCarpoolKey(number int) string {
	return carpoolPrefix + strconv.Itoa(number)
}

func getStatusKey(day string) string {
	return statusPrefix + day
}

// The companion hash holds changed_at in Unix milliseconds so the upsert
// script can compare timestamps without decoding JSON.
func getStatusTimesKey(day string) string {
	return statusPrefix + day + ":ts"
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, models.ErrStoreUnavailable, err)
}

// --- Directory writes ---

// AddClassroom adds or replaces a classroom.
func (s *RedisService) AddClassroom(ctx context.Context, c models.Classroom) error {
	if c.ID == "" || c.Name == "" {
		return fmt.Errorf("%w: classroom ID and Name cannot be empty", models.ErrValidationFailed)
	}
	pipe := s.Client.Pipeline()
	pipe.SAdd(ctx, classesKey, c.ID)
	pipe.HSet(ctx, getClassInfoKey(c.ID), map[string]interface{}{
		"id":    c.ID,
		"name":  c.Name,
		"order": c.Order,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[store] error adding classroom %s: %v", c.ID, err)
		return unavailable("add classroom", err)
	}
	log.Printf("[store] added classroom: %s (%s)", c.Name, c.ID)
	return nil
}

// AddFamily adds or replaces a family and its carpool number mapping.
func (s *RedisService) AddFamily(ctx context.Context, f models.Family) error {
	if f.ID == "" || f.CarpoolNumber <= 0 {
		return fmt.Errorf("%w: family ID and a positive carpool number are required", models.ErrValidationFailed)
	}
	pipe := s.Client.Pipeline()
	pipe.SAdd(ctx, familiesKey, f.ID)
	pipe.HSet(ctx, getFamilyInfoKey(f.ID), map[string]interface{}{
		"id":            f.ID,
		"carpoolNumber": f.CarpoolNumber,
		"parentNames":   f.ParentNames,
	})
	pipe.Set(ctx, getCarpoolKey(f.CarpoolNumber), f.ID, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[store] error adding family %s: %v", f.ID, err)
		return unavailable("add family", err)
	}
	return nil
}

// AddStudent adds a student to a classroom and family. A missing classroom
// is created with a placeholder name.
func (s *RedisService) AddStudent(ctx context.Context, st models.Student) error {
	if st.ID == "" || st.FirstName == "" || st.LastName == "" || st.ClassroomID == "" {
		return fmt.Errorf("%w: student ID, names and ClassroomID cannot be empty", models.ErrValidationFailed)
	}

	exists, err := s.Client.SIsMember(ctx, classesKey, st.ClassroomID).Result()
	if err != nil {
		return unavailable("check classroom", err)
	}
	if !exists {
		log.Printf("[store] warning: adding student %s to non-existent classroom %s, creating it", st.ID, st.ClassroomID)
		if err := s.AddClassroom(ctx, models.Classroom{ID: st.ClassroomID, Name: "Class " + st.ClassroomID}); err != nil {
			return fmt.Errorf("student's classroom %s does not exist and auto-creation failed: %w", st.ClassroomID, err)
		}
	}

	pipe := s.Client.Pipeline()
	pipe.SAdd(ctx, studentsKey, st.ID)
	pipe.SAdd(ctx, getClassStudentsKey(st.ClassroomID), st.ID)
	if st.FamilyID != "" {
		pipe.SAdd(ctx, getFamilyStudentsKey(st.FamilyID), st.ID)
	}
	pipe.HSet(ctx, getStudentInfoKey(st.ID), map[string]interface{}{
		"id":          st.ID,
		"firstName":   st.FirstName,
		"lastName":    st.LastName,
		"classroomId": st.ClassroomID,
		"familyId":    st.FamilyID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[store] error adding student %s to classroom %s: %v", st.ID, st.ClassroomID, err)
		return unavailable("add student", err)
	}
	return nil
}

// --- Directory reads ---

// hashesFor fetches the hash at keyOf(id) for every id in one round trip.
// Empty hashes (dangling set members) are omitted.
func (s *RedisService) hashesFor(ctx context.Context, ids []string, keyOf func(string) string) ([]map[string]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.Client.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, keyOf(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]map[string]string, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}
		out = append(out, data)
	}
	return out, nil
}

// ListClassrooms returns every classroom ordered by display order, then name.
func (s *RedisService) ListClassrooms(ctx context.Context) ([]models.Classroom, error) {
	ids, err := s.Client.SMembers(ctx, classesKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("list classrooms", err)
	}
	rows, err := s.hashesFor(ctx, ids, getClassInfoKey)
	if err != nil {
		return nil, unavailable("list classrooms", err)
	}
	classrooms := make([]models.Classroom, 0, len(rows))
	for _, data := range rows {
		order, _ := strconv.Atoi(data["order"])
		classrooms = append(classrooms, models.Classroom{ID: data["id"], Name: data["name"], Order: order})
	}
	sort.Slice(classrooms, func(i, j int) bool {
		if classrooms[i].Order != classrooms[j].Order {
			return classrooms[i].Order < classrooms[j].Order
		}
		return classrooms[i].Name < classrooms[j].Name
	})
	return classrooms, nil
}

// ListStudents returns every student.
func (s *RedisService) ListStudents(ctx context.Context) ([]models.Student, error) {
	ids, err := s.Client.SMembers(ctx, studentsKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("list students", err)
	}
	rows, err := s.hashesFor(ctx, ids, getStudentInfoKey)
	if err != nil {
		return nil, unavailable("list students", err)
	}
	students := make([]models.Student, 0, len(rows))
	for _, data := range rows {
		students = append(students, studentFromHash(data))
	}
	sort.Slice(students, func(i, j int) bool { return students[i].ID < students[j].ID })
	return students, nil
}

func studentFromHash(data map[string]string) models.Student {
	return models.Student{
		ID:          data["id"],
		FirstName:   data["firstName"],
		LastName:    data["lastName"],
		ClassroomID: data["classroomId"],
		FamilyID:    data["familyId"],
	}
}

// ListFamilies returns every family ordered by carpool number.
func (s *RedisService) ListFamilies(ctx context.Context) ([]models.Family, error) {
	ids, err := s.Client.SMembers(ctx, familiesKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("list families", err)
	}
	rows, err := s.hashesFor(ctx, ids, getFamilyInfoKey)
	if err != nil {
		return nil, unavailable("list families", err)
	}
	families := make([]models.Family, 0, len(rows))
	for _, data := range rows {
		number, _ := strconv.Atoi(data["carpoolNumber"])
		families = append(families, models.Family{ID: data["id"], CarpoolNumber: number, ParentNames: data["parentNames"]})
	}
	sort.Slice(families, func(i, j int) bool { return families[i].CarpoolNumber < families[j].CarpoolNumber })
	return families, nil
}

// LookupFamilyStudents resolves a carpool number to the family's students,
// sorted by last then first name. An unknown number yields an empty list.
func (s *RedisService) LookupFamilyStudents(ctx context.Context, carpoolNumber int) ([]models.FamilyStudent, error) {
	familyID, err := s.Client.Get(ctx, getCarpoolKey(carpoolNumber)).Result()
	if errors.Is(err, redis.Nil) {
		return []models.FamilyStudent{}, nil
	}
	if err != nil {
		return nil, unavailable("lookup family", err)
	}

	ids, err := s.Client.SMembers(ctx, getFamilyStudentsKey(familyID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("lookup family students", err)
	}
	rows, err := s.hashesFor(ctx, ids, getStudentInfoKey)
	if err != nil {
		return nil, unavailable("lookup family students", err)
	}
	out := make([]models.FamilyStudent, 0, len(rows))
	for _, data := range rows {
		st := studentFromHash(data)
		out = append(out, models.FamilyStudent{StudentID: st.ID, FirstName: st.FirstName, LastName: st.LastName})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastName != out[j].LastName {
			return out[i].LastName < out[j].LastName
		}
		return out[i].FirstName < out[j].FirstName
	})
	return out, nil
}

// SchoolToday returns the stored logical day override, or "" when none is set.
func (s *RedisService) SchoolToday(ctx context.Context) (string, error) {
	day, err := s.Client.Get(ctx, schoolTodayKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", unavailable("read school day", err)
	}
	return day, nil
}

// --- Daily status ---

// ListStatusForDay returns every status row stored for day. Rows that fail
// to decode are logged and skipped.
func (s *RedisService) ListStatusForDay(ctx context.Context, day string) ([]models.StatusRecord, error) {
	data, err := s.Client.HGetAll(ctx, getStatusKey(day)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("list status", err)
	}
	records := make([]models.StatusRecord, 0, len(data))
	for studentID, raw := range data {
		rec, err := decodeRecord(raw)
		if err != nil {
			log.Printf("[store] skipping malformed status row %s/%s: %v", day, studentID, err)
			continue
		}
		records = append(records, *rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].StudentID < records[j].StudentID })
	return records, nil
}

func decodeRecord(raw string) (*models.StatusRecord, error) {
	var rec models.StatusRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, err
	}
	if rec.StudentID == "" || !rec.Status.Valid() {
		return nil, fmt.Errorf("invalid record %q", raw)
	}
	return &rec, nil
}

// upsertScript writes each (studentID, json, changedAtMillis) triple unless
// the stored row is newer. It returns, per row, the applied flag followed by
// the previous JSON ("" when there was none).
var upsertScript = redis.NewScript(`
local out = {}
for i = 1, #ARGV, 3 do
  local id = ARGV[i]
  local ts = tonumber(ARGV[i + 2])
  local prev = redis.call('HGET', KEYS[1], id)
  local prevTs = tonumber(redis.call('HGET', KEYS[2], id) or '0')
  if prevTs > ts then
    table.insert(out, 0)
  else
    redis.call('HSET', KEYS[1], id, ARGV[i + 1])
    redis.call('HSET', KEYS[2], id, ARGV[i + 2])
    table.insert(out, 1)
  end
  table.insert(out, prev or '')
end
return out
`)

// UpsertStatus inserts or updates every row in one atomic script call.
// All rows must share a day. A row older than the stored record for its key
// is not written and comes back with Applied=false. Each applied row is then
// announced on the status channel; a failed announcement is logged but does
// not fail the write, since observers resync periodically.
func (s *RedisService) UpsertStatus(ctx context.Context, rows []models.StatusRecord) ([]models.UpsertOutcome, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no rows to upsert", models.ErrValidationFailed)
	}
	day := rows[0].Day
	args := make([]interface{}, 0, len(rows)*3)
	for _, r := range rows {
		if r.StudentID == "" || r.Day != day || !r.Status.Valid() {
			return nil, fmt.Errorf("%w: invalid status row %+v", models.ErrValidationFailed, r)
		}
		raw, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encode status row: %w", err)
		}
		args = append(args, r.StudentID, string(raw), r.ChangedAt.UnixMilli())
	}

	reply, err := upsertScript.Run(ctx, s.Client, []string{getStatusKey(day), getStatusTimesKey(day)}, args...).Slice()
	if err != nil {
		log.Printf("[store] upsert of %d status rows for %s failed: %v", len(rows), day, err)
		return nil, unavailable("upsert status", err)
	}
	if len(reply) != len(rows)*2 {
		return nil, unavailable("upsert status", fmt.Errorf("unexpected reply length %d", len(reply)))
	}

	outcomes := make([]models.UpsertOutcome, len(rows))
	for i, r := range rows {
		applied, _ := reply[i*2].(int64)
		outcomes[i] = models.UpsertOutcome{Row: r, Applied: applied == 1}
		if prevRaw, _ := reply[i*2+1].(string); prevRaw != "" {
			if prev, err := decodeRecord(prevRaw); err == nil {
				outcomes[i].Previous = prev
			}
		}
	}

	s.announce(ctx, outcomes)
	return outcomes, nil
}

func (s *RedisService) announce(ctx context.Context, outcomes []models.UpsertOutcome) {
	pipe := s.Client.Pipeline()
	queued := 0
	for i := range outcomes {
		o := outcomes[i]
		if !o.Applied {
			continue
		}
		payload, err := json.Marshal(models.ChangeEvent{Previous: o.Previous, Current: &o.Row})
		if err != nil {
			continue
		}
		pipe.Publish(ctx, StatusChannel, payload)
		queued++
	}
	if queued == 0 {
		return
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[store] failed to announce %d status changes: %v", queued, err)
	}
}

// ClearStatusForDay deletes every status row for day and announces each
// deletion. It returns the number of rows removed.
func (s *RedisService) ClearStatusForDay(ctx context.Context, day string) (int, error) {
	records, err := s.ListStatusForDay(ctx, day)
	if err != nil {
		return 0, err
	}
	if err := s.Client.Del(ctx, getStatusKey(day), getStatusTimesKey(day)).Err(); err != nil {
		return 0, unavailable("clear status", err)
	}
	pipe := s.Client.Pipeline()
	for i := range records {
		payload, err := json.Marshal(models.ChangeEvent{Previous: &records[i]})
		if err != nil {
			continue
		}
		pipe.Publish(ctx, StatusChannel, payload)
	}
	if len(records) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			log.Printf("[store] failed to announce cleared rows for %s: %v", day, err)
		}
	}
	log.Printf("[store] cleared %d status rows for %s", len(records), day)
	return len(records), nil
}

// --- Utility ---

// InitializeRedisClient creates a Redis client and checks the connection.
func InitializeRedisClient(ctx context.Context, addr, password string, dbIndex int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       dbIndex,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := rdb.Ping(pingCtx).Result(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("could not connect to Redis at %s: %w", addr, err)
	}

	log.Printf("Successfully connected to Redis %s DB %d", addr, dbIndex)
	return rdb, nil
}
