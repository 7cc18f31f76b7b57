// Package port declares the narrow repository interfaces the core depends
// on. No core package reaches for a concrete database driver; persistence
// technology is a non-goal of the core and is supplied by an adapter in
// internal/repository.
package port

import (
	"context"
	"time"

	"github.com/eduforge/timetable-core/internal/core/model"
)

// InstanceFilter selects class instances by date range and scope.
type InstanceFilter struct {
	From  time.Time
	To    time.Time
	Scope model.InstanceScope
}

// EntityReader exposes lookup-by-id and listing for every static entity the
// scheduler and feasibility analyser consume.
type EntityReader interface {
	Courses(ctx context.Context) ([]model.Course, error)
	CourseByID(ctx context.Context, id string) (model.Course, error)

	Teachers(ctx context.Context) ([]model.Teacher, error)
	TeacherByID(ctx context.Context, id string) (model.Teacher, error)

	Classrooms(ctx context.Context) ([]model.Classroom, error)
	ClassroomByID(ctx context.Context, id string) (model.Classroom, error)

	TimeSlots(ctx context.Context) ([]model.TimeSlot, error)
	TimeSlotByID(ctx context.Context, id string) (model.TimeSlot, error)

	StudentGroups(ctx context.Context) ([]model.StudentGroup, error)
	StudentGroupByID(ctx context.Context, id string) (model.StudentGroup, error)
	GroupMembers(ctx context.Context, groupID string) ([]string, error)

	ActiveAcademicYear(ctx context.Context, at time.Time) (model.AcademicYear, bool, error)
	Sessions(ctx context.Context, academicYearID string) ([]model.Session, error)
	Holidays(ctx context.Context, academicYearID string) ([]model.Holiday, error)
}

// AssignmentRepository reads and atomically replaces scheduler output.
type AssignmentRepository interface {
	AssignmentsByGroups(ctx context.Context, groupIDs []string) ([]model.Assignment, error)
	AllAssignments(ctx context.Context) ([]model.Assignment, error)
	AssignmentByID(ctx context.Context, id string) (model.Assignment, bool, error)

	// ReplaceForGroups atomically clears all existing assignments for the
	// given groups and inserts the replacement set, inside the supplied
	// unit of work. Callers must bracket this with Atomic.
	ReplaceForGroups(ctx context.Context, uow UnitOfWork, groupIDs []string, assignments []model.Assignment) error

	// RecordGeneration persists an audit row for a committed regeneration.
	RecordGeneration(ctx context.Context, uow UnitOfWork, gen model.AssignmentGeneration) error

	// Generation returns a monotonically increasing counter bumped on every
	// successful ReplaceForGroups commit. Callers use it to invalidate a
	// cached result the moment the underlying assignments change.
	Generation(ctx context.Context) (uint64, error)
}

// TokenRepository manages attendance token lifecycle.
type TokenRepository interface {
	ActiveTokenForStudent(ctx context.Context, studentID string) (model.AttendanceToken, bool, error)
	TokenByID(ctx context.Context, id string) (model.AttendanceToken, bool, error)
	InsertToken(ctx context.Context, token model.AttendanceToken) error
	InvalidateToken(ctx context.Context, id string) error
	ConsumeToken(ctx context.Context, id string) error
}

// AttendanceRepository manages attendance record writes, append-only.
type AttendanceRepository interface {
	RecordFor(ctx context.Context, studentID, assignmentID string, instanceDate time.Time) (model.AttendanceRecord, bool, error)
	RecordsForInstance(ctx context.Context, assignmentID string, instanceDate time.Time) ([]model.AttendanceRecord, error)
	InsertRecord(ctx context.Context, uow UnitOfWork, record model.AttendanceRecord) error
}

// Repository aggregates every port surface the core depends on. Two
// implementations exist: a Postgres-backed one and an in-memory one, since
// persistence technology is explicitly a non-goal.
type Repository interface {
	EntityReader
	AssignmentRepository
	TokenRepository
	AttendanceRepository

	// Atomic brackets a sequence of writes in a transactional unit so
	// partial writes cannot leak. fn receives a UnitOfWork bound to the
	// transaction; returning an error rolls back.
	Atomic(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error
}

// UnitOfWork is the transactional handle passed to writes that must commit
// or roll back together. Its concrete shape is owned by the repository
// implementation (e.g. *sqlx.Tx for Postgres); the core only ever threads
// it through, never inspects it.
type UnitOfWork interface {
	// Handle returns the implementation-specific transaction object.
	Handle() interface{}
}
