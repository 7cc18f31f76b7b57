// Package memory is an in-process repository implementation of
// internal/core/port.Repository, used by the core's unit tests. Persistence
// technology is not prescribed by the core; this and internal/repository/
// postgres are the two interchangeable adapters that prove the port is
// technology-agnostic.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/eduforge/timetable-core/internal/core/model"
	"github.com/eduforge/timetable-core/internal/core/port"
	apperrors "github.com/eduforge/timetable-core/pkg/errors"
)

// Store is a mutex-guarded in-memory implementation of port.Repository.
type Store struct {
	mu sync.RWMutex

	courses   map[string]model.Course
	teachers  map[string]model.Teacher
	rooms     map[string]model.Classroom
	slots     map[string]model.TimeSlot
	groups    map[string]model.StudentGroup
	members   map[string][]string // groupID -> studentIDs
	years     map[string]model.AcademicYear
	sessions  map[string][]model.Session // academicYearID -> sessions
	holidays  map[string][]model.Holiday // academicYearID -> holidays

	assignments map[string]model.Assignment // id -> assignment
	generations []model.AssignmentGeneration
	generation  uint64

	tokens  map[string]model.AttendanceToken // id -> token
	records map[string]model.AttendanceRecord // studentID|assignmentID|date -> record
}

func NewStore() *Store {
	return &Store{
		courses:     make(map[string]model.Course),
		teachers:    make(map[string]model.Teacher),
		rooms:       make(map[string]model.Classroom),
		slots:       make(map[string]model.TimeSlot),
		groups:      make(map[string]model.StudentGroup),
		members:     make(map[string][]string),
		years:       make(map[string]model.AcademicYear),
		sessions:    make(map[string][]model.Session),
		holidays:    make(map[string][]model.Holiday),
		assignments: make(map[string]model.Assignment),
		tokens:      make(map[string]model.AttendanceToken),
		records:     make(map[string]model.AttendanceRecord),
	}
}

// Seeding helpers. Tests populate the store directly rather than through
// the core API, since entity management is an external collaborator's
// responsibility.

func (s *Store) AddCourse(c model.Course) { s.mu.Lock(); defer s.mu.Unlock(); s.courses[c.ID] = c }
func (s *Store) AddTeacher(t model.Teacher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teachers[t.ID] = t
}
func (s *Store) AddClassroom(r model.Classroom) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[r.ID] = r
}
func (s *Store) AddTimeSlot(sl model.TimeSlot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[sl.ID] = sl
}
func (s *Store) AddStudentGroup(g model.StudentGroup, studentIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[g.ID] = g
	s.members[g.ID] = studentIDs
}
func (s *Store) AddAcademicYear(y model.AcademicYear) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.years[y.ID] = y
}
func (s *Store) AddSession(sess model.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.AcademicYearID] = append(s.sessions[sess.AcademicYearID], sess)
}
func (s *Store) AddHoliday(h model.Holiday) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holidays[h.AcademicYearID] = append(s.holidays[h.AcademicYearID], h)
}

// AddAssignment seeds an assignment directly, bypassing Regenerate. Tests
// that exercise the materialiser or attendance packages in isolation use
// this rather than running the scheduler.
func (s *Store) AddAssignment(a model.Assignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments[a.ID] = a
}

// EntityReader

func (s *Store) Courses(ctx context.Context) ([]model.Course, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Course, 0, len(s.courses))
	for _, c := range s.courses {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CourseByID(ctx context.Context, id string) (model.Course, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.courses[id]
	if !ok {
		return model.Course{}, apperrors.ErrNotFound
	}
	return c, nil
}

func (s *Store) Teachers(ctx context.Context) ([]model.Teacher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Teacher, 0, len(s.teachers))
	for _, t := range s.teachers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) TeacherByID(ctx context.Context, id string) (model.Teacher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.teachers[id]
	if !ok {
		return model.Teacher{}, apperrors.ErrNotFound
	}
	return t, nil
}

func (s *Store) Classrooms(ctx context.Context) ([]model.Classroom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Classroom, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ClassroomByID(ctx context.Context, id string) (model.Classroom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return model.Classroom{}, apperrors.ErrNotFound
	}
	return r, nil
}

func (s *Store) TimeSlots(ctx context.Context) ([]model.TimeSlot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.TimeSlot, 0, len(s.slots))
	for _, sl := range s.slots {
		out = append(out, sl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) TimeSlotByID(ctx context.Context, id string) (model.TimeSlot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.slots[id]
	if !ok {
		return model.TimeSlot{}, nil
	}
	return sl, nil
}

func (s *Store) StudentGroups(ctx context.Context) ([]model.StudentGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.StudentGroup, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) StudentGroupByID(ctx context.Context, id string) (model.StudentGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return model.StudentGroup{}, apperrors.ErrNotFound
	}
	return g, nil
}

func (s *Store) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := s.members[groupID]
	out := make([]string, len(members))
	copy(out, members)
	return out, nil
}

func (s *Store) ActiveAcademicYear(ctx context.Context, at time.Time) (model.AcademicYear, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, y := range s.years {
		if y.Contains(at) {
			return y, true, nil
		}
	}
	return model.AcademicYear{}, false, nil
}

func (s *Store) Sessions(ctx context.Context, academicYearID string) ([]model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Session, len(s.sessions[academicYearID]))
	copy(out, s.sessions[academicYearID])
	return out, nil
}

func (s *Store) Holidays(ctx context.Context, academicYearID string) ([]model.Holiday, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Holiday, len(s.holidays[academicYearID]))
	copy(out, s.holidays[academicYearID])
	return out, nil
}

// AssignmentRepository

func (s *Store) AssignmentsByGroups(ctx context.Context, groupIDs []string) ([]model.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wanted := make(map[string]bool, len(groupIDs))
	for _, id := range groupIDs {
		wanted[id] = true
	}
	var out []model.Assignment
	for _, a := range s.assignments {
		if wanted[a.GroupID] {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) AllAssignments(ctx context.Context) ([]model.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Assignment, 0, len(s.assignments))
	for _, a := range s.assignments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) AssignmentByID(ctx context.Context, id string) (model.Assignment, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assignments[id]
	return a, ok, nil
}

func (s *Store) ReplaceForGroups(ctx context.Context, uow port.UnitOfWork, groupIDs []string, assignments []model.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]bool, len(groupIDs))
	for _, id := range groupIDs {
		wanted[id] = true
	}
	for id, a := range s.assignments {
		if wanted[a.GroupID] {
			delete(s.assignments, id)
		}
	}
	for _, a := range assignments {
		s.assignments[a.ID] = a
	}
	s.generation++
	return nil
}

func (s *Store) RecordGeneration(ctx context.Context, uow port.UnitOfWork, gen model.AssignmentGeneration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generations = append(s.generations, gen)
	return nil
}

func (s *Store) Generation(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation, nil
}

// TokenRepository

func (s *Store) ActiveTokenForStudent(ctx context.Context, studentID string) (model.AttendanceToken, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tokens {
		if t.StudentID == studentID && !t.Consumed {
			return t, true, nil
		}
	}
	return model.AttendanceToken{}, false, nil
}

func (s *Store) TokenByID(ctx context.Context, id string) (model.AttendanceToken, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[id]
	return t, ok, nil
}

func (s *Store) InsertToken(ctx context.Context, token model.AttendanceToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.ID] = token
	return nil
}

func (s *Store) InvalidateToken(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return apperrors.ErrTokenMissing
	}
	t.Consumed = true
	s.tokens[id] = t
	return nil
}

func (s *Store) ConsumeToken(ctx context.Context, id string) error {
	return s.InvalidateToken(ctx, id)
}

// AttendanceRepository

func recordKey(studentID, assignmentID string, instanceDate time.Time) string {
	return studentID + "|" + assignmentID + "|" + instanceDate.Format("2006-01-02")
}

func (s *Store) RecordFor(ctx context.Context, studentID, assignmentID string, instanceDate time.Time) (model.AttendanceRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[recordKey(studentID, assignmentID, instanceDate)]
	return r, ok, nil
}

func (s *Store) RecordsForInstance(ctx context.Context, assignmentID string, instanceDate time.Time) ([]model.AttendanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.AttendanceRecord
	suffix := "|" + assignmentID + "|" + instanceDate.Format("2006-01-02")
	for key, r := range s.records {
		if len(key) >= len(suffix) && key[len(key)-len(suffix):] == suffix {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) InsertRecord(ctx context.Context, uow port.UnitOfWork, record model.AttendanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey(record.StudentID, record.AssignmentID, record.InstanceDate)
	if _, exists := s.records[key]; exists {
		return apperrors.ErrAlreadyMarked
	}
	s.records[key] = record
	return nil
}

// Atomic

type memUnitOfWork struct{}

func (memUnitOfWork) Handle() interface{} { return nil }

// Atomic runs fn directly with a no-op unit of work. It takes no lock of its
// own (each write method locks the store itself), and it does not roll back:
// writes that fn made before returning an error stay applied.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, uow port.UnitOfWork) error) error {
	return fn(ctx, memUnitOfWork{})
}
