// Package scheduler implements a deterministic depth-first backtracking
// constraint-satisfaction search: for every (group, course) pair, pick
// periods-per-week distinct (slot, room, teacher) triples such that all
// assignment invariants hold globally across every group, not only the
// ones being regenerated.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eduforge/timetable-core/internal/core/model"
	"github.com/eduforge/timetable-core/internal/core/port"
	apperrors "github.com/eduforge/timetable-core/pkg/errors"
)

// Service owns the exclusive regeneration section. Regeneration is
// serialised globally rather than sharded by group; this is the simpler of
// the two compliant choices and avoids cross-group race conditions on
// shared slots and rooms.
type Service struct {
	repo port.Repository
	mu   sync.Mutex
}

func NewService(repo port.Repository) *Service {
	return &Service{repo: repo}
}

// Result reports the outcome of a successful Regenerate call.
type Result struct {
	AssignmentCount int
	BacktrackCount  int
}

// requirement is one flattened (group, course) period slot still needing a
// (slot, room, teacher) triple. periodsPerWeek(course) requirements are
// emitted per (group, course) pair, consecutively, so that distinctness of
// slots within a pair only has to be checked against that pair's own prior
// picks.
type requirement struct {
	groupID  string
	courseID string
}

type occupancy struct {
	slotRoom    map[[2]string]bool // [slotID, roomID]
	slotTeacher map[[2]string]bool // [slotID, teacherID]
	slotGroup   map[[2]string]bool // [slotID, groupID]
	courseSlots map[[2]string]map[string]bool // [groupID, courseID] -> slotID set
}

func newOccupancy() *occupancy {
	return &occupancy{
		slotRoom:    make(map[[2]string]bool),
		slotTeacher: make(map[[2]string]bool),
		slotGroup:   make(map[[2]string]bool),
		courseSlots: make(map[[2]string]map[string]bool),
	}
}

func (o *occupancy) place(a model.Assignment) {
	o.slotRoom[[2]string{a.SlotID, a.RoomID}] = true
	o.slotTeacher[[2]string{a.SlotID, a.TeacherID}] = true
	o.slotGroup[[2]string{a.SlotID, a.GroupID}] = true
	key := [2]string{a.GroupID, a.CourseID}
	if o.courseSlots[key] == nil {
		o.courseSlots[key] = make(map[string]bool)
	}
	o.courseSlots[key][a.SlotID] = true
}

func (o *occupancy) unplace(a model.Assignment) {
	delete(o.slotRoom, [2]string{a.SlotID, a.RoomID})
	delete(o.slotTeacher, [2]string{a.SlotID, a.TeacherID})
	delete(o.slotGroup, [2]string{a.SlotID, a.GroupID})
	key := [2]string{a.GroupID, a.CourseID}
	if set := o.courseSlots[key]; set != nil {
		delete(set, a.SlotID)
	}
}

// Regenerate replaces all assignments for groupIDs atomically. deadline of
// zero means no deadline beyond the context's own.
func (s *Service) Regenerate(ctx context.Context, groupIDs []string, deadline time.Duration) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	search, err := s.newSearch(ctx, groupIDs)
	if err != nil {
		return Result{}, err
	}

	ok, err := search.run(ctx)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, apperrors.NewUnschedulableError(search.unplacedCourseIDs(), search.backtrackCount)
	}

	if err := s.repo.Atomic(ctx, func(ctx context.Context, uow port.UnitOfWork) error {
		if err := s.repo.ReplaceForGroups(ctx, uow, groupIDs, search.committed); err != nil {
			return err
		}
		return s.repo.RecordGeneration(ctx, uow, model.AssignmentGeneration{
			ID:              uuid.NewString(),
			GroupSetHash:    hashGroupIDs(groupIDs),
			AssignmentCount: len(search.committed),
			ConflictCount:   0,
			CreatedAt:       time.Now(),
		})
	}); err != nil {
		return Result{}, apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "committing regeneration")
	}

	return Result{AssignmentCount: len(search.committed), BacktrackCount: search.backtrackCount}, nil
}

type search struct {
	repo port.Repository

	courses  map[string]model.Course
	teachers []model.Teacher
	rooms    []model.Classroom
	slots    []model.TimeSlot // non-break, ordered

	requirements []requirement
	occ          *occupancy

	committed      []model.Assignment
	backtrackCount int
}

func (s *Service) newSearch(ctx context.Context, groupIDs []string) (*search, error) {
	courses, err := s.repo.Courses(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "loading courses")
	}
	teachers, err := s.repo.Teachers(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "loading teachers")
	}
	rooms, err := s.repo.Classrooms(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "loading rooms")
	}
	slots, err := s.repo.TimeSlots(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "loading slots")
	}
	groups, err := s.repo.StudentGroups(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "loading groups")
	}
	allAssignments, err := s.repo.AllAssignments(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "loading assignments")
	}

	touched := make(map[string]bool, len(groupIDs))
	for _, id := range groupIDs {
		touched[id] = true
	}

	groupByID := make(map[string]model.StudentGroup, len(groups))
	for _, g := range groups {
		groupByID[g.ID] = g
	}

	courseByID := make(map[string]model.Course, len(courses))
	for _, c := range courses {
		courseByID[c.ID] = c
	}

	occ := newOccupancy()
	for _, a := range allAssignments {
		if !touched[a.GroupID] {
			occ.place(a)
		}
	}

	nonBreakSlots := make([]model.TimeSlot, 0, len(slots))
	for _, sl := range slots {
		if !sl.IsBreak {
			nonBreakSlots = append(nonBreakSlots, sl)
		}
	}
	sort.SliceStable(nonBreakSlots, func(i, j int) bool {
		if nonBreakSlots[i].Weekday != nonBreakSlots[j].Weekday {
			return nonBreakSlots[i].Weekday < nonBreakSlots[j].Weekday
		}
		return nonBreakSlots[i].StartTime.Before(nonBreakSlots[j].StartTime)
	})

	sortedTeachers := make([]model.Teacher, len(teachers))
	copy(sortedTeachers, teachers)
	sort.SliceStable(sortedTeachers, func(i, j int) bool { return sortedTeachers[i].ID < sortedTeachers[j].ID })

	sortedRooms := make([]model.Classroom, len(rooms))
	copy(sortedRooms, rooms)
	sort.SliceStable(sortedRooms, func(i, j int) bool {
		if sortedRooms[i].Capacity != sortedRooms[j].Capacity {
			return sortedRooms[i].Capacity < sortedRooms[j].Capacity
		}
		return sortedRooms[i].ID < sortedRooms[j].ID
	})

	targetGroups := make([]model.StudentGroup, 0, len(groupIDs))
	for _, id := range groupIDs {
		if g, ok := groupByID[id]; ok {
			targetGroups = append(targetGroups, g)
		}
	}
	sort.SliceStable(targetGroups, func(i, j int) bool {
		a, b := targetGroups[i], targetGroups[j]
		if a.Department != b.Department {
			return a.Department < b.Department
		}
		if a.Year != b.Year {
			return a.Year < b.Year
		}
		if a.Semester != b.Semester {
			return a.Semester < b.Semester
		}
		return a.ID < b.ID
	})

	var requirements []requirement
	for _, g := range targetGroups {
		groupCourses := make([]model.Course, 0, len(g.CourseIDs))
		for _, cid := range g.CourseIDs {
			if c, ok := courseByID[cid]; ok {
				groupCourses = append(groupCourses, c)
			}
		}
		sort.SliceStable(groupCourses, func(i, j int) bool {
			if groupCourses[i].PeriodsPerWeek != groupCourses[j].PeriodsPerWeek {
				return groupCourses[i].PeriodsPerWeek > groupCourses[j].PeriodsPerWeek
			}
			return groupCourses[i].Code < groupCourses[j].Code
		})
		for _, c := range groupCourses {
			for i := 0; i < c.PeriodsPerWeek; i++ {
				requirements = append(requirements, requirement{groupID: g.ID, courseID: c.ID})
			}
		}
	}

	return &search{
		repo:         s.repo,
		courses:      courseByID,
		teachers:     sortedTeachers,
		rooms:        sortedRooms,
		slots:        nonBreakSlots,
		requirements: requirements,
		occ:          occ,
	}, nil
}

// run performs the depth-first backtracking search, returning false if the
// requirement list cannot be fully satisfied.
func (sr *search) run(ctx context.Context) (bool, error) {
	return sr.solve(ctx, 0)
}

func (sr *search) solve(ctx context.Context, idx int) (bool, error) {
	if idx == len(sr.requirements) {
		return true, nil
	}
	select {
	case <-ctx.Done():
		return false, apperrors.NewTimeoutError(sr.backtrackCount)
	default:
	}

	req := sr.requirements[idx]
	course := sr.courses[req.courseID]
	usedSlots := sr.occ.courseSlots[[2]string{req.groupID, req.courseID}]

	for _, slot := range sr.slots {
		if usedSlots != nil && usedSlots[slot.ID] {
			continue
		}
		if sr.occ.slotGroup[[2]string{slot.ID, req.groupID}] {
			continue
		}

		for _, room := range sr.rooms {
			if room.Capacity < course.MinCapacity {
				continue
			}
			if !model.EquipmentSatisfies(course.RequiredEquipment, room.Equipment) {
				continue
			}
			if sr.occ.slotRoom[[2]string{slot.ID, room.ID}] {
				continue
			}

			for _, teacher := range sr.teachers {
				if !teacher.Eligible(course.Department) {
					continue
				}
				if sr.occ.slotTeacher[[2]string{slot.ID, teacher.ID}] {
					continue
				}

				assignment := model.Assignment{
					ID:        uuid.NewString(),
					GroupID:   req.groupID,
					CourseID:  req.courseID,
					TeacherID: teacher.ID,
					RoomID:    room.ID,
					SlotID:    slot.ID,
				}
				sr.occ.place(assignment)
				sr.committed = append(sr.committed, assignment)

				ok, err := sr.solve(ctx, idx+1)
				if err != nil {
					return false, err
				}
				if ok {
					return true, nil
				}

				sr.committed = sr.committed[:len(sr.committed)-1]
				sr.occ.unplace(assignment)
				sr.backtrackCount++
			}
		}
	}

	return false, nil
}

func (sr *search) unplacedCourseIDs() []string {
	placed := make(map[[2]string]int)
	for _, a := range sr.committed {
		placed[[2]string{a.GroupID, a.CourseID}]++
	}
	seen := make(map[string]bool)
	var ids []string
	for _, req := range sr.requirements {
		key := [2]string{req.groupID, req.courseID}
		needed := sr.courses[req.courseID].PeriodsPerWeek
		if placed[key] < needed && !seen[req.courseID] {
			seen[req.courseID] = true
			ids = append(ids, req.courseID)
		}
	}
	return ids
}

func hashGroupIDs(groupIDs []string) string {
	sorted := make([]string, len(groupIDs))
	copy(sorted, groupIDs)
	sort.Strings(sorted)
	h := ""
	for _, id := range sorted {
		h += id + ","
	}
	return h
}
