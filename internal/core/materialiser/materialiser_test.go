package materialiser_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eduforge/timetable-core/internal/core/materialiser"
	"github.com/eduforge/timetable-core/internal/core/model"
	"github.com/eduforge/timetable-core/internal/core/scheduler"
	"github.com/eduforge/timetable-core/internal/repository/memory"
)

func jan(day int) time.Time { return time.Date(2024, time.January, day, 0, 0, 0, 0, time.UTC) }

func seedJanuary(store *memory.Store) {
	store.AddAcademicYear(model.AcademicYear{ID: "y1", StartDate: jan(1), EndDate: time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)})
	store.AddSession(model.Session{ID: "sess1", AcademicYearID: "y1", StartDate: jan(1), EndDate: time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)})
	store.AddTimeSlot(model.TimeSlot{ID: "s1", Weekday: model.Monday, StartTime: time.Date(0, 1, 1, 9, 0, 0, 0, time.UTC), EndTime: time.Date(0, 1, 1, 10, 0, 0, 0, time.UTC)})
	store.AddStudentGroup(model.StudentGroup{ID: "g1", Department: "math"}, []string{"stu-1"})
	store.AddAssignment(model.Assignment{ID: "a1", GroupID: "g1", CourseID: "c1", TeacherID: "t1", RoomID: "r1", SlotID: "s1"})
}

func TestMaterialiseInstancesCoversEveryMondayInRange(t *testing.T) {
	store := memory.NewStore()
	seedJanuary(store)

	svc := materialiser.NewService(store)
	instances, err := svc.MaterialiseInstances(context.Background(), jan(1), time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC), model.InstanceScope{})
	require.NoError(t, err)
	// Mondays in January 2024: 1, 8, 15, 22, 29.
	require.Len(t, instances, 5)
	for _, inst := range instances {
		require.Equal(t, "a1", inst.AssignmentID)
		require.Equal(t, time.Monday, inst.Date.Weekday())
	}
}

func TestMaterialiseInstancesExcludesHoliday(t *testing.T) {
	store := memory.NewStore()
	seedJanuary(store)
	store.AddHoliday(model.Holiday{ID: "h1", AcademicYearID: "y1", StartDate: jan(8), EndDate: jan(9)})

	svc := materialiser.NewService(store)
	instances, err := svc.MaterialiseInstances(context.Background(), jan(1), time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC), model.InstanceScope{})
	require.NoError(t, err)
	require.Len(t, instances, 4)
	for _, inst := range instances {
		require.False(t, inst.Date.Equal(jan(8)))
	}
}

func TestMaterialiseInstancesExcludesDatesOutsideAnySession(t *testing.T) {
	store := memory.NewStore()
	store.AddAcademicYear(model.AcademicYear{ID: "y1", StartDate: jan(1), EndDate: time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)})
	// Session only covers the first half of the month.
	store.AddSession(model.Session{ID: "sess1", AcademicYearID: "y1", StartDate: jan(1), EndDate: jan(15)})
	store.AddTimeSlot(model.TimeSlot{ID: "s1", Weekday: model.Monday, StartTime: time.Date(0, 1, 1, 9, 0, 0, 0, time.UTC), EndTime: time.Date(0, 1, 1, 10, 0, 0, 0, time.UTC)})
	store.AddStudentGroup(model.StudentGroup{ID: "g1", Department: "math"}, nil)
	store.AddAssignment(model.Assignment{ID: "a1", GroupID: "g1", CourseID: "c1", TeacherID: "t1", RoomID: "r1", SlotID: "s1"})

	svc := materialiser.NewService(store)
	instances, err := svc.MaterialiseInstances(context.Background(), jan(1), time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC), model.InstanceScope{})
	require.NoError(t, err)
	// Only Jan 1 and 8 fall within [Jan 1, Jan 15).
	require.Len(t, instances, 2)
}

func TestMaterialiseInstancesIsIdempotent(t *testing.T) {
	store := memory.NewStore()
	seedJanuary(store)

	svc := materialiser.NewService(store)
	from, to := jan(1), time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)

	first, err := svc.MaterialiseInstances(context.Background(), from, to, model.InstanceScope{})
	require.NoError(t, err)
	second, err := svc.MaterialiseInstances(context.Background(), from, to, model.InstanceScope{})
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestMaterialiseInstancesCacheInvalidatesOnGenerationChange(t *testing.T) {
	store := memory.NewStore()
	seedJanuary(store)

	svc := materialiser.NewService(store)
	schedSvc := scheduler.NewService(store)
	from, to := jan(1), time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)

	first, err := svc.MaterialiseInstances(context.Background(), from, to, model.InstanceScope{})
	require.NoError(t, err)
	require.Len(t, first, 5)

	// Adding a second slot and a two-period course, then regenerating,
	// replaces the Monday-only assignment with a Monday and a Tuesday one
	// and bumps the repository's generation counter; the cached result from
	// before the regeneration must not be served afterwards.
	store.AddCourse(model.Course{ID: "c2", Code: "SCI101", Department: "math", PeriodsPerWeek: 2, MinCapacity: 1})
	store.AddTeacher(model.Teacher{ID: "t2", Department: "math"})
	store.AddClassroom(model.Classroom{ID: "r2", Capacity: 30})
	store.AddTimeSlot(model.TimeSlot{ID: "s2", Weekday: model.Tuesday, StartTime: time.Date(0, 1, 1, 9, 0, 0, 0, time.UTC), EndTime: time.Date(0, 1, 1, 10, 0, 0, 0, time.UTC)})
	group, err := store.StudentGroupByID(context.Background(), "g1")
	require.NoError(t, err)
	group.CourseIDs = append(group.CourseIDs, "c2")
	store.AddStudentGroup(group, []string{"stu-1"})

	_, err = schedSvc.Regenerate(context.Background(), []string{"g1"}, 0)
	require.NoError(t, err)

	second, err := svc.MaterialiseInstances(context.Background(), from, to, model.InstanceScope{})
	require.NoError(t, err)
	require.NotEqual(t, len(first), len(second), "cache must not serve a stale result after the generation counter advances")
}

func TestMaterialiseInstancesScopesByGroup(t *testing.T) {
	store := memory.NewStore()
	store.AddAcademicYear(model.AcademicYear{ID: "y1", StartDate: jan(1), EndDate: time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)})
	store.AddSession(model.Session{ID: "sess1", AcademicYearID: "y1", StartDate: jan(1), EndDate: time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)})
	store.AddTimeSlot(model.TimeSlot{ID: "s1", Weekday: model.Monday, StartTime: time.Date(0, 1, 1, 9, 0, 0, 0, time.UTC), EndTime: time.Date(0, 1, 1, 10, 0, 0, 0, time.UTC)})
	store.AddStudentGroup(model.StudentGroup{ID: "g1", Department: "math"}, []string{"stu-1"})
	store.AddStudentGroup(model.StudentGroup{ID: "g2", Department: "science"}, []string{"stu-2"})
	store.AddAssignment(model.Assignment{ID: "a1", GroupID: "g1", CourseID: "c1", TeacherID: "t1", RoomID: "r1", SlotID: "s1"})
	store.AddAssignment(model.Assignment{ID: "a2", GroupID: "g2", CourseID: "c2", TeacherID: "t2", RoomID: "r2", SlotID: "s1"})

	svc := materialiser.NewService(store)
	instances, err := svc.MaterialiseInstances(context.Background(), jan(1), time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC), model.InstanceScope{GroupID: "g1"})
	require.NoError(t, err)
	for _, inst := range instances {
		require.Equal(t, "a1", inst.AssignmentID)
	}

	byStudent, err := svc.MaterialiseInstances(context.Background(), jan(1), time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC), model.InstanceScope{StudentID: "stu-2"})
	require.NoError(t, err)
	for _, inst := range byStudent {
		require.Equal(t, "a2", inst.AssignmentID)
	}
}
