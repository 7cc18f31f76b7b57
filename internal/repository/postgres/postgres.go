// Package postgres is a sqlx/lib-pq implementation of
// internal/core/port.Repository, following common repository-layer
// conventions (dynamic WHERE building, *sqlx.Tx-bracketed writes). It is
// one of two interchangeable port adapters; persistence technology is not
// prescribed by the core itself.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/eduforge/timetable-core/internal/core/model"
	"github.com/eduforge/timetable-core/internal/core/port"
	apperrors "github.com/eduforge/timetable-core/pkg/errors"
)

// Repository is the Postgres-backed adapter for the core's repository port.
type Repository struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

type courseRow struct {
	ID                string         `db:"id"`
	Code              string         `db:"code"`
	Name              string         `db:"name"`
	Department        string         `db:"department"`
	PeriodsPerWeek    int            `db:"periods_per_week"`
	MinCapacity       int            `db:"min_capacity"`
	RequiredEquipment pq.StringArray `db:"required_equipment"`
}

func (r courseRow) toModel() model.Course {
	return model.Course{
		ID:                r.ID,
		Code:              r.Code,
		Name:              r.Name,
		Department:        r.Department,
		PeriodsPerWeek:    r.PeriodsPerWeek,
		MinCapacity:       r.MinCapacity,
		RequiredEquipment: []string(r.RequiredEquipment),
	}
}

func (p *Repository) Courses(ctx context.Context) ([]model.Course, error) {
	var rows []courseRow
	if err := p.db.SelectContext(ctx, &rows,
		`SELECT id, code, name, department, periods_per_week, min_capacity, required_equipment
		 FROM courses ORDER BY id`); err != nil {
		return nil, wrapRepoErr(err, "listing courses")
	}
	out := make([]model.Course, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}

func (p *Repository) CourseByID(ctx context.Context, id string) (model.Course, error) {
	var row courseRow
	err := p.db.GetContext(ctx, &row,
		`SELECT id, code, name, department, periods_per_week, min_capacity, required_equipment
		 FROM courses WHERE id = $1`, id)
	if err != nil {
		return model.Course{}, notFoundOr(err, "course")
	}
	return row.toModel(), nil
}

type teacherRow struct {
	ID             string         `db:"id"`
	FullName       string         `db:"full_name"`
	Department     string         `db:"department"`
	Qualifications pq.StringArray `db:"qualifications"`
}

func (r teacherRow) toModel() model.Teacher {
	return model.Teacher{ID: r.ID, FullName: r.FullName, Department: r.Department, Qualifications: []string(r.Qualifications)}
}

func (p *Repository) Teachers(ctx context.Context) ([]model.Teacher, error) {
	var rows []teacherRow
	if err := p.db.SelectContext(ctx, &rows,
		`SELECT id, full_name, department, qualifications FROM teachers ORDER BY id`); err != nil {
		return nil, wrapRepoErr(err, "listing teachers")
	}
	out := make([]model.Teacher, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}

func (p *Repository) TeacherByID(ctx context.Context, id string) (model.Teacher, error) {
	var row teacherRow
	err := p.db.GetContext(ctx, &row,
		`SELECT id, full_name, department, qualifications FROM teachers WHERE id = $1`, id)
	if err != nil {
		return model.Teacher{}, notFoundOr(err, "teacher")
	}
	return row.toModel(), nil
}

type classroomRow struct {
	ID        string         `db:"id"`
	Name      string         `db:"name"`
	Capacity  int            `db:"capacity"`
	Equipment pq.StringArray `db:"equipment"`
}

func (r classroomRow) toModel() model.Classroom {
	return model.Classroom{ID: r.ID, Name: r.Name, Capacity: r.Capacity, Equipment: []string(r.Equipment)}
}

func (p *Repository) Classrooms(ctx context.Context) ([]model.Classroom, error) {
	var rows []classroomRow
	if err := p.db.SelectContext(ctx, &rows,
		`SELECT id, name, capacity, equipment FROM classrooms ORDER BY id`); err != nil {
		return nil, wrapRepoErr(err, "listing classrooms")
	}
	out := make([]model.Classroom, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}

func (p *Repository) ClassroomByID(ctx context.Context, id string) (model.Classroom, error) {
	var row classroomRow
	err := p.db.GetContext(ctx, &row,
		`SELECT id, name, capacity, equipment FROM classrooms WHERE id = $1`, id)
	if err != nil {
		return model.Classroom{}, notFoundOr(err, "classroom")
	}
	return row.toModel(), nil
}

func (p *Repository) TimeSlots(ctx context.Context) ([]model.TimeSlot, error) {
	var slots []model.TimeSlot
	if err := p.db.SelectContext(ctx, &slots,
		`SELECT id, weekday, start_time, end_time, is_break FROM time_slots ORDER BY id`); err != nil {
		return nil, wrapRepoErr(err, "listing time slots")
	}
	return slots, nil
}

func (p *Repository) TimeSlotByID(ctx context.Context, id string) (model.TimeSlot, error) {
	var slot model.TimeSlot
	err := p.db.GetContext(ctx, &slot,
		`SELECT id, weekday, start_time, end_time, is_break FROM time_slots WHERE id = $1`, id)
	if err != nil {
		if isNoRows(err) {
			return model.TimeSlot{}, nil
		}
		return model.TimeSlot{}, wrapRepoErr(err, "loading time slot")
	}
	return slot, nil
}

type groupRow struct {
	ID         string         `db:"id"`
	Department string         `db:"department"`
	Year       int            `db:"year"`
	Semester   int            `db:"semester"`
	CourseIDs  pq.StringArray `db:"course_ids"`
}

func (r groupRow) toModel() model.StudentGroup {
	return model.StudentGroup{ID: r.ID, Department: r.Department, Year: r.Year, Semester: r.Semester, CourseIDs: []string(r.CourseIDs)}
}

func (p *Repository) StudentGroups(ctx context.Context) ([]model.StudentGroup, error) {
	var rows []groupRow
	if err := p.db.SelectContext(ctx, &rows,
		`SELECT id, department, year, semester, course_ids FROM student_groups ORDER BY id`); err != nil {
		return nil, wrapRepoErr(err, "listing student groups")
	}
	out := make([]model.StudentGroup, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}

func (p *Repository) StudentGroupByID(ctx context.Context, id string) (model.StudentGroup, error) {
	var row groupRow
	err := p.db.GetContext(ctx, &row,
		`SELECT id, department, year, semester, course_ids FROM student_groups WHERE id = $1`, id)
	if err != nil {
		return model.StudentGroup{}, notFoundOr(err, "student group")
	}
	return row.toModel(), nil
}

func (p *Repository) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	var ids []string
	if err := p.db.SelectContext(ctx, &ids,
		`SELECT student_id FROM student_group_members WHERE group_id = $1 ORDER BY student_id`, groupID); err != nil {
		return nil, wrapRepoErr(err, "listing group members")
	}
	return ids, nil
}

func (p *Repository) ActiveAcademicYear(ctx context.Context, at time.Time) (model.AcademicYear, bool, error) {
	var year model.AcademicYear
	err := p.db.GetContext(ctx, &year,
		`SELECT id, name, start_date, end_date FROM academic_years WHERE start_date <= $1 AND end_date > $1 LIMIT 1`, at)
	if err != nil {
		if isNoRows(err) {
			return model.AcademicYear{}, false, nil
		}
		return model.AcademicYear{}, false, wrapRepoErr(err, "resolving active academic year")
	}
	return year, true, nil
}

func (p *Repository) Sessions(ctx context.Context, academicYearID string) ([]model.Session, error) {
	var sessions []model.Session
	if err := p.db.SelectContext(ctx, &sessions,
		`SELECT id, academic_year_id, name, start_date, end_date FROM sessions WHERE academic_year_id = $1 ORDER BY start_date`,
		academicYearID); err != nil {
		return nil, wrapRepoErr(err, "listing sessions")
	}
	return sessions, nil
}

func (p *Repository) Holidays(ctx context.Context, academicYearID string) ([]model.Holiday, error) {
	var holidays []model.Holiday
	if err := p.db.SelectContext(ctx, &holidays,
		`SELECT id, academic_year_id, name, start_date, end_date FROM holidays WHERE academic_year_id = $1 ORDER BY start_date`,
		academicYearID); err != nil {
		return nil, wrapRepoErr(err, "listing holidays")
	}
	return holidays, nil
}

func (p *Repository) AssignmentsByGroups(ctx context.Context, groupIDs []string) ([]model.Assignment, error) {
	var assignments []model.Assignment
	query, args, err := sqlx.In(
		`SELECT id, group_id, course_id, teacher_id, room_id, slot_id FROM assignments WHERE group_id IN (?) ORDER BY id`,
		groupIDs)
	if err != nil {
		return nil, wrapRepoErr(err, "building group assignment query")
	}
	query = p.db.Rebind(query)
	if err := p.db.SelectContext(ctx, &assignments, query, args...); err != nil {
		return nil, wrapRepoErr(err, "listing assignments by group")
	}
	return assignments, nil
}

func (p *Repository) AllAssignments(ctx context.Context) ([]model.Assignment, error) {
	var assignments []model.Assignment
	if err := p.db.SelectContext(ctx, &assignments,
		`SELECT id, group_id, course_id, teacher_id, room_id, slot_id FROM assignments ORDER BY id`); err != nil {
		return nil, wrapRepoErr(err, "listing assignments")
	}
	return assignments, nil
}

func (p *Repository) AssignmentByID(ctx context.Context, id string) (model.Assignment, bool, error) {
	var assignment model.Assignment
	err := p.db.GetContext(ctx, &assignment,
		`SELECT id, group_id, course_id, teacher_id, room_id, slot_id FROM assignments WHERE id = $1`, id)
	if err != nil {
		if isNoRows(err) {
			return model.Assignment{}, false, nil
		}
		return model.Assignment{}, false, wrapRepoErr(err, "loading assignment")
	}
	return assignment, true, nil
}

func (p *Repository) ReplaceForGroups(ctx context.Context, uow port.UnitOfWork, groupIDs []string, assignments []model.Assignment) error {
	tx, err := txFrom(uow)
	if err != nil {
		return err
	}

	deleteQuery, args, err := sqlx.In(`DELETE FROM assignments WHERE group_id IN (?)`, groupIDs)
	if err != nil {
		return wrapRepoErr(err, "building assignment delete")
	}
	deleteQuery = tx.Rebind(deleteQuery)
	if _, err := tx.ExecContext(ctx, deleteQuery, args...); err != nil {
		return wrapRepoErr(err, "clearing prior assignments")
	}

	for _, a := range assignments {
		if _, err := tx.NamedExecContext(ctx,
			`INSERT INTO assignments (id, group_id, course_id, teacher_id, room_id, slot_id)
			 VALUES (:id, :group_id, :course_id, :teacher_id, :room_id, :slot_id)`, a); err != nil {
			return wrapRepoErr(err, "inserting assignment")
		}
	}
	return nil
}

func (p *Repository) RecordGeneration(ctx context.Context, uow port.UnitOfWork, gen model.AssignmentGeneration) error {
	tx, err := txFrom(uow)
	if err != nil {
		return err
	}
	_, err = tx.NamedExecContext(ctx,
		`INSERT INTO assignment_generations (id, group_set_hash, assignment_count, conflict_count, meta, created_at)
		 VALUES (:id, :group_set_hash, :assignment_count, :conflict_count, :meta, :created_at)`, gen)
	if err != nil {
		return wrapRepoErr(err, "recording assignment generation")
	}
	return nil
}

func (p *Repository) Generation(ctx context.Context) (uint64, error) {
	var generation uint64
	if err := p.db.GetContext(ctx, &generation, `SELECT COUNT(*) FROM assignment_generations`); err != nil {
		return 0, wrapRepoErr(err, "reading generation counter")
	}
	return generation, nil
}

func (p *Repository) ActiveTokenForStudent(ctx context.Context, studentID string) (model.AttendanceToken, bool, error) {
	var token model.AttendanceToken
	err := p.db.GetContext(ctx, &token,
		`SELECT id, student_id, nonce_hash, issued_at, expires_at, consumed
		 FROM attendance_tokens WHERE student_id = $1 AND consumed = false LIMIT 1`, studentID)
	if err != nil {
		if isNoRows(err) {
			return model.AttendanceToken{}, false, nil
		}
		return model.AttendanceToken{}, false, wrapRepoErr(err, "loading active token")
	}
	return token, true, nil
}

func (p *Repository) TokenByID(ctx context.Context, id string) (model.AttendanceToken, bool, error) {
	var token model.AttendanceToken
	err := p.db.GetContext(ctx, &token,
		`SELECT id, student_id, nonce_hash, issued_at, expires_at, consumed
		 FROM attendance_tokens WHERE id = $1`, id)
	if err != nil {
		if isNoRows(err) {
			return model.AttendanceToken{}, false, nil
		}
		return model.AttendanceToken{}, false, wrapRepoErr(err, "loading token")
	}
	return token, true, nil
}

func (p *Repository) InsertToken(ctx context.Context, token model.AttendanceToken) error {
	_, err := p.db.NamedExecContext(ctx,
		`INSERT INTO attendance_tokens (id, student_id, nonce_hash, issued_at, expires_at, consumed)
		 VALUES (:id, :student_id, :nonce_hash, :issued_at, :expires_at, :consumed)`, token)
	if err != nil {
		return wrapRepoErr(err, "inserting token")
	}
	return nil
}

func (p *Repository) InvalidateToken(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE attendance_tokens SET consumed = true WHERE id = $1`, id)
	if err != nil {
		return wrapRepoErr(err, "invalidating token")
	}
	return checkRowsAffected(res, apperrors.ErrTokenMissing)
}

func (p *Repository) ConsumeToken(ctx context.Context, id string) error {
	return p.InvalidateToken(ctx, id)
}

func (p *Repository) RecordFor(ctx context.Context, studentID, assignmentID string, instanceDate time.Time) (model.AttendanceRecord, bool, error) {
	var record model.AttendanceRecord
	err := p.db.GetContext(ctx, &record,
		`SELECT id, student_id, assignment_id, instance_date, status, marked_at, marker_id
		 FROM attendance_records WHERE student_id = $1 AND assignment_id = $2 AND instance_date = $3`,
		studentID, assignmentID, instanceDate)
	if err != nil {
		if isNoRows(err) {
			return model.AttendanceRecord{}, false, nil
		}
		return model.AttendanceRecord{}, false, wrapRepoErr(err, "loading attendance record")
	}
	return record, true, nil
}

func (p *Repository) RecordsForInstance(ctx context.Context, assignmentID string, instanceDate time.Time) ([]model.AttendanceRecord, error) {
	var records []model.AttendanceRecord
	if err := p.db.SelectContext(ctx, &records,
		`SELECT id, student_id, assignment_id, instance_date, status, marked_at, marker_id
		 FROM attendance_records WHERE assignment_id = $1 AND instance_date = $2`, assignmentID, instanceDate); err != nil {
		return nil, wrapRepoErr(err, "listing attendance records")
	}
	return records, nil
}

func (p *Repository) InsertRecord(ctx context.Context, uow port.UnitOfWork, record model.AttendanceRecord) error {
	tx, err := txFrom(uow)
	if err != nil {
		return err
	}
	_, err = tx.NamedExecContext(ctx,
		`INSERT INTO attendance_records (id, student_id, assignment_id, instance_date, status, marked_at, marker_id)
		 VALUES (:id, :student_id, :assignment_id, :instance_date, :status, :marked_at, :marker_id)
		 ON CONFLICT (student_id, assignment_id, instance_date) DO NOTHING`, record)
	if err != nil {
		return wrapRepoErr(err, "inserting attendance record")
	}
	return nil
}

type sqlxUnitOfWork struct {
	tx *sqlx.Tx
}

func (u sqlxUnitOfWork) Handle() interface{} { return u.tx }

// Atomic brackets fn in a *sqlx.Tx, committing on success and rolling back
// on any error.
func (p *Repository) Atomic(ctx context.Context, fn func(ctx context.Context, uow port.UnitOfWork) error) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapRepoErr(err, "beginning transaction")
	}

	if err := fn(ctx, sqlxUnitOfWork{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return wrapRepoErr(err, "committing transaction")
	}
	return nil
}

func txFrom(uow port.UnitOfWork) (*sqlx.Tx, error) {
	tx, ok := uow.Handle().(*sqlx.Tx)
	if !ok {
		return nil, apperrors.Wrap(fmt.Errorf("postgres repository requires a *sqlx.Tx unit of work"),
			apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "invalid unit of work")
	}
	return tx, nil
}

func wrapRepoErr(err error, message string) error {
	return apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, message)
}

func notFoundOr(err error, entity string) error {
	if isNoRows(err) {
		return apperrors.Clone(apperrors.ErrNotFound, entity+" not found")
	}
	return wrapRepoErr(err, "loading "+entity)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func checkRowsAffected(res interface{ RowsAffected() (int64, error) }, ifZero error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapRepoErr(err, "checking rows affected")
	}
	if n == 0 {
		return ifZero
	}
	return nil
}
