package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/eduforge/timetable-core/internal/core/model"
	"github.com/eduforge/timetable-core/internal/core/port"
	apperrors "github.com/eduforge/timetable-core/pkg/errors"
)

func newRepoMock(t *testing.T) (*Repository, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "sqlmock")
	return New(sqlxDB), mock, func() { db.Close() }
}

func TestRepositoryCoursesMapsEquipmentArray(t *testing.T) {
	repo, mock, cleanup := newRepoMock(t)
	defer cleanup()

	rows := sqlmock.NewRows([]string{"id", "code", "name", "department", "periods_per_week", "min_capacity", "required_equipment"}).
		AddRow("c1", "MATH101", "Algebra", "math", 3, 30, pq.StringArray{"whiteboard"})
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, code, name, department, periods_per_week, min_capacity, required_equipment")).
		WillReturnRows(rows)

	courses, err := repo.Courses(context.Background())
	require.NoError(t, err)
	require.Len(t, courses, 1)
	require.Equal(t, []string{"whiteboard"}, courses[0].RequiredEquipment)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryCourseByIDNotFound(t *testing.T) {
	repo, mock, cleanup := newRepoMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, code, name, department, periods_per_week, min_capacity, required_equipment")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.CourseByID(context.Background(), "missing")
	require.Equal(t, apperrors.ErrNotFound.Code, apperrors.FromError(err).Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryActiveAcademicYearNoActiveYearReturnsFalse(t *testing.T) {
	repo, mock, cleanup := newRepoMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, start_date, end_date FROM academic_years")).
		WillReturnError(sql.ErrNoRows)

	_, ok, err := repo.ActiveAcademicYear(context.Background(), time.Now())
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryReplaceForGroupsDeletesThenInserts(t *testing.T) {
	repo, mock, cleanup := newRepoMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM assignments WHERE group_id IN")).
		WithArgs("g1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO assignments")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Atomic(context.Background(), func(ctx context.Context, uow port.UnitOfWork) error {
		return repo.ReplaceForGroups(ctx, uow, []string{"g1"}, []model.Assignment{
			{ID: "a1", GroupID: "g1", CourseID: "c1", TeacherID: "t1", RoomID: "r1", SlotID: "s1"},
		})
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryInvalidateTokenReturnsTokenMissingWhenNoRowsAffected(t *testing.T) {
	repo, mock, cleanup := newRepoMock(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE attendance_tokens SET consumed = true WHERE id = $1")).
		WithArgs("missing-token").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.InvalidateToken(context.Background(), "missing-token")
	require.ErrorIs(t, err, apperrors.ErrTokenMissing)
	require.NoError(t, mock.ExpectationsWereMet())
}
