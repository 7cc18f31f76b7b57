// Package feasibility proves or disproves global schedulability before the
// constraint-satisfaction scheduler attempts a real assignment search.
package feasibility

import (
	"context"
	"fmt"

	"github.com/eduforge/timetable-core/internal/core/model"
	"github.com/eduforge/timetable-core/internal/core/port"
	apperrors "github.com/eduforge/timetable-core/pkg/errors"
)

// Service runs the fixed-order feasibility checks.
type Service struct {
	repo port.EntityReader
}

func NewService(repo port.EntityReader) *Service {
	return &Service{repo: repo}
}

// Check runs the census through per-group budget checks in order, returning
// on the first failure. A nil error means "may be schedulable" — callers
// must still handle search failure from the scheduler.
func (s *Service) Check(ctx context.Context) error {
	courses, err := s.repo.Courses(ctx)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "loading courses")
	}
	rooms, err := s.repo.Classrooms(ctx)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "loading classrooms")
	}
	teachers, err := s.repo.Teachers(ctx)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "loading teachers")
	}
	slots, err := s.repo.TimeSlots(ctx)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "loading time slots")
	}
	groups, err := s.repo.StudentGroups(ctx)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "loading groups")
	}

	// 1. Resource census.
	if len(courses) == 0 {
		return apperrors.NewInfeasibleError("no courses defined")
	}
	if len(rooms) == 0 {
		return apperrors.NewInfeasibleError("no classrooms defined")
	}
	if len(teachers) == 0 {
		return apperrors.NewInfeasibleError("no teachers defined")
	}
	if len(slots) == 0 {
		return apperrors.NewInfeasibleError("no time slots defined")
	}
	if len(groups) == 0 {
		return apperrors.NewInfeasibleError("no student groups defined")
	}

	nonBreakSlots := 0
	for _, sl := range slots {
		if !sl.IsBreak {
			nonBreakSlots++
		}
	}
	if nonBreakSlots == 0 {
		return apperrors.NewInfeasibleError("no non-break time slots available")
	}

	courseByID := make(map[string]model.Course, len(courses))
	for _, c := range courses {
		courseByID[c.ID] = c
	}

	// 2. Group/course coverage.
	for _, g := range groups {
		if len(g.CourseIDs) == 0 {
			return apperrors.NewInfeasibleError("group has no assigned course", g.ID)
		}
	}

	// 3. Capacity feasibility, per course.
	for _, c := range courses {
		okCapacity := false
		for _, r := range rooms {
			if r.Capacity >= c.MinCapacity {
				okCapacity = true
			}
		}
		if !okCapacity {
			return apperrors.NewInfeasibleError(
				fmt.Sprintf("no room satisfies capacity >= %d for course %s", c.MinCapacity, c.Code), c.ID)
		}
	}

	// 4. Equipment feasibility, per course.
	for _, c := range courses {
		okEquipment := false
		for _, r := range rooms {
			if model.EquipmentSatisfies(c.RequiredEquipment, r.Equipment) {
				okEquipment = true
			}
		}
		if !okEquipment {
			return apperrors.NewInfeasibleError(
				fmt.Sprintf("no room satisfies required equipment for course %s", c.Code), c.ID)
		}
	}

	// 5. Qualification feasibility, per course.
	for _, c := range courses {
		eligible := false
		for _, t := range teachers {
			if t.Eligible(c.Department) {
				eligible = true
				break
			}
		}
		if !eligible {
			return apperrors.NewInfeasibleError(
				fmt.Sprintf("no eligible teacher for course %s", c.Code), c.ID)
		}
	}

	// 6. Global slot budget.
	totalPeriods := 0
	for _, g := range groups {
		for _, cid := range g.CourseIDs {
			if c, ok := courseByID[cid]; ok {
				totalPeriods += c.PeriodsPerWeek
			}
		}
	}
	if totalPeriods > nonBreakSlots*len(groups) {
		return apperrors.NewInfeasibleError("global slot budget exceeded")
	}

	// 7. Per-group budget (tighter than the global check).
	for _, g := range groups {
		groupPeriods := 0
		for _, cid := range g.CourseIDs {
			if c, ok := courseByID[cid]; ok {
				groupPeriods += c.PeriodsPerWeek
			}
		}
		if groupPeriods > nonBreakSlots {
			return apperrors.NewInfeasibleError("group slot budget exceeded", g.ID)
		}
	}

	return nil
}
