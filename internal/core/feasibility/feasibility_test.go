package feasibility_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eduforge/timetable-core/internal/core/feasibility"
	"github.com/eduforge/timetable-core/internal/core/model"
	"github.com/eduforge/timetable-core/internal/repository/memory"
)

func baseStore() *memory.Store {
	store := memory.NewStore()
	store.AddCourse(model.Course{ID: "c1", Code: "MATH101", Department: "math", PeriodsPerWeek: 1, MinCapacity: 30})
	store.AddTeacher(model.Teacher{ID: "t1", Department: "math"})
	store.AddClassroom(model.Classroom{ID: "r1", Capacity: 30})
	store.AddTimeSlot(model.TimeSlot{
		ID:        "s1",
		Weekday:   model.Monday,
		StartTime: time.Date(0, 1, 1, 9, 0, 0, 0, time.UTC),
		EndTime:   time.Date(0, 1, 1, 10, 0, 0, 0, time.UTC),
	})
	store.AddStudentGroup(model.StudentGroup{ID: "g1", Department: "math", CourseIDs: []string{"c1"}}, []string{"stu-1"})
	return store
}

func TestCheckFeasibilitySucceedsForTrivialSchedule(t *testing.T) {
	store := baseStore()
	svc := feasibility.NewService(store)
	require.NoError(t, svc.Check(context.Background()))
}

func TestCheckFeasibilityRejectsCapacityShortfall(t *testing.T) {
	store := memory.NewStore()
	store.AddCourse(model.Course{ID: "c1", Code: "MATH101", Department: "math", PeriodsPerWeek: 1, MinCapacity: 40})
	store.AddTeacher(model.Teacher{ID: "t1", Department: "math"})
	store.AddClassroom(model.Classroom{ID: "r1", Capacity: 30})
	store.AddTimeSlot(model.TimeSlot{ID: "s1", Weekday: model.Monday})
	store.AddStudentGroup(model.StudentGroup{ID: "g1", Department: "math", CourseIDs: []string{"c1"}}, nil)

	svc := feasibility.NewService(store)
	err := svc.Check(context.Background())
	require.Error(t, err)
}

func TestCheckFeasibilityRejectsEmptyResourceCensus(t *testing.T) {
	store := memory.NewStore()
	svc := feasibility.NewService(store)
	require.Error(t, svc.Check(context.Background()))
}

func TestCheckFeasibilityRejectsGroupWithNoCourses(t *testing.T) {
	store := baseStore()
	store.AddStudentGroup(model.StudentGroup{ID: "g2", Department: "math"}, nil)

	svc := feasibility.NewService(store)
	require.Error(t, svc.Check(context.Background()))
}
