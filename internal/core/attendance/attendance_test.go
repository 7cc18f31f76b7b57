package attendance_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eduforge/timetable-core/internal/core/attendance"
	apperrors "github.com/eduforge/timetable-core/pkg/errors"
	"github.com/eduforge/timetable-core/internal/core/model"
	"github.com/eduforge/timetable-core/internal/repository/memory"
)

const (
	studentID = "stu-1"
	teacherID = "t1"
)

func seedClass(store *memory.Store, slotStart, slotEnd time.Time) string {
	store.AddStudentGroup(model.StudentGroup{ID: "g1", Department: "math"}, []string{studentID})
	store.AddTimeSlot(model.TimeSlot{ID: "s1", Weekday: model.Monday, StartTime: slotStart, EndTime: slotEnd})
	store.AddAssignment(model.Assignment{ID: "a1", GroupID: "g1", CourseID: "c1", TeacherID: teacherID, RoomID: "r1", SlotID: "s1"})
	return model.ClassInstance{AssignmentID: "a1", Date: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)}.ID()
}

func newFixture() (*memory.Store, *attendance.Service, string) {
	store := memory.NewStore()
	instanceID := seedClass(store,
		time.Date(0, 1, 1, 9, 0, 0, 0, time.UTC),
		time.Date(0, 1, 1, 10, 0, 0, 0, time.UTC),
	)
	return store, attendance.NewService(store), instanceID
}

func slotTime(hour, minute int, second ...int) time.Time {
	sec := 0
	if len(second) > 0 {
		sec = second[0]
	}
	return time.Date(2024, time.January, 1, hour, minute, sec, 0, time.UTC)
}

func TestIssueThenScanRecordsPresent(t *testing.T) {
	store, svc, instanceID := newFixture()
	issuedAt := slotTime(8, 0)

	nonce, _, err := svc.IssueToken(context.Background(), studentID, issuedAt)
	require.NoError(t, err)

	outcome, err := svc.Scan(context.Background(), nonce, instanceID, teacherID, slotTime(9, 5))
	require.NoError(t, err)
	require.Equal(t, model.AttendancePresent, outcome.Status)

	record, exists, err := store.RecordFor(context.Background(), studentID, "a1", time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, model.AttendancePresent, record.Status)
}

func TestScanTwiceWithSameTokenIsRejected(t *testing.T) {
	_, svc, instanceID := newFixture()
	nonce, _, err := svc.IssueToken(context.Background(), studentID, slotTime(8, 0))
	require.NoError(t, err)

	_, err = svc.Scan(context.Background(), nonce, instanceID, teacherID, slotTime(9, 5))
	require.NoError(t, err)

	_, err = svc.Scan(context.Background(), nonce, instanceID, teacherID, slotTime(9, 6))
	require.ErrorIs(t, err, apperrors.ErrTokenConsumed)
}

func TestScanAtExactSlotStartIsPresent(t *testing.T) {
	_, svc, instanceID := newFixture()
	nonce, _, err := svc.IssueToken(context.Background(), studentID, slotTime(8, 0))
	require.NoError(t, err)

	outcome, err := svc.Scan(context.Background(), nonce, instanceID, teacherID, slotTime(9, 0))
	require.NoError(t, err)
	require.Equal(t, model.AttendancePresent, outcome.Status)
}

func TestScanAtGracePeriodBoundaryIsPresent(t *testing.T) {
	_, svc, instanceID := newFixture()
	nonce, _, err := svc.IssueToken(context.Background(), studentID, slotTime(8, 0))
	require.NoError(t, err)

	// Exactly start_time + 15 minutes is still within the grace period.
	outcome, err := svc.Scan(context.Background(), nonce, instanceID, teacherID, slotTime(9, 15))
	require.NoError(t, err)
	require.Equal(t, model.AttendancePresent, outcome.Status)
}

func TestScanOneSecondPastGraceIsLate(t *testing.T) {
	_, svc, instanceID := newFixture()
	nonce, _, err := svc.IssueToken(context.Background(), studentID, slotTime(8, 0))
	require.NoError(t, err)

	outcome, err := svc.Scan(context.Background(), nonce, instanceID, teacherID, slotTime(9, 15).Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, model.AttendanceLate, outcome.Status)
	require.Equal(t, 15, outcome.MinutesLate)
}

func TestScanAtExactSlotEndIsAccepted(t *testing.T) {
	_, svc, instanceID := newFixture()
	nonce, _, err := svc.IssueToken(context.Background(), studentID, slotTime(8, 0))
	require.NoError(t, err)

	outcome, err := svc.Scan(context.Background(), nonce, instanceID, teacherID, slotTime(10, 0))
	require.NoError(t, err)
	require.Equal(t, model.AttendanceLate, outcome.Status)
}

func TestScanAfterSlotEndIsRejected(t *testing.T) {
	_, svc, instanceID := newFixture()
	nonce, _, err := svc.IssueToken(context.Background(), studentID, slotTime(8, 0))
	require.NoError(t, err)

	_, err = svc.Scan(context.Background(), nonce, instanceID, teacherID, slotTime(10, 0).Add(time.Second))
	require.ErrorIs(t, err, apperrors.ErrEnded)
}

func TestScanBeforeSlotStartIsRejected(t *testing.T) {
	_, svc, instanceID := newFixture()
	nonce, _, err := svc.IssueToken(context.Background(), studentID, slotTime(8, 0))
	require.NoError(t, err)

	_, err = svc.Scan(context.Background(), nonce, instanceID, teacherID, slotTime(8, 59, 59))
	require.ErrorIs(t, err, apperrors.ErrNotYetStarted)
}

// seedClassTomorrow seeds an instance dated one day after issuedAt, with a
// wide slot window surrounding the 24h token expiry boundary, so that the
// expiry check (not the slot window) is what a scan at that boundary hits.
func seedClassTomorrow(store *memory.Store) string {
	store.AddStudentGroup(model.StudentGroup{ID: "g1", Department: "math"}, []string{studentID})
	store.AddTimeSlot(model.TimeSlot{
		ID:        "s1",
		Weekday:   model.Tuesday,
		StartTime: time.Date(0, 1, 1, 7, 0, 0, 0, time.UTC),
		EndTime:   time.Date(0, 1, 1, 9, 0, 0, 0, time.UTC),
	})
	store.AddAssignment(model.Assignment{ID: "a1", GroupID: "g1", CourseID: "c1", TeacherID: teacherID, RoomID: "r1", SlotID: "s1"})
	return model.ClassInstance{AssignmentID: "a1", Date: time.Date(2024, time.January, 2, 0, 0, 0, 0, time.UTC)}.ID()
}

func TestScanJustBeforeTokenExpiryIsAccepted(t *testing.T) {
	store := memory.NewStore()
	instanceID := seedClassTomorrow(store)
	svc := attendance.NewService(store)

	issuedAt := slotTime(8, 0) // Jan 1, 08:00
	nonce, _, err := svc.IssueToken(context.Background(), studentID, issuedAt)
	require.NoError(t, err)

	// Jan 2, 07:59:59 — one second before the 24h expiry boundary, inside
	// the Jan 2 07:00-09:00 slot window.
	_, err = svc.Scan(context.Background(), nonce, instanceID, teacherID, issuedAt.Add(attendance.TokenValidity).Add(-time.Second))
	require.NoError(t, err)
}

func TestScanAtTokenExpiryIsRejected(t *testing.T) {
	store := memory.NewStore()
	instanceID := seedClassTomorrow(store)
	svc := attendance.NewService(store)

	issuedAt := slotTime(8, 0)
	nonce, _, err := svc.IssueToken(context.Background(), studentID, issuedAt)
	require.NoError(t, err)

	// Exactly at the 24h boundary: validity is the half-open interval
	// [issued, expires), so T+24h itself is already expired.
	_, err = svc.Scan(context.Background(), nonce, instanceID, teacherID, issuedAt.Add(attendance.TokenValidity))
	require.ErrorIs(t, err, apperrors.ErrTokenExpired)
}

func TestScanRejectsWrongMarker(t *testing.T) {
	_, svc, instanceID := newFixture()
	nonce, _, err := svc.IssueToken(context.Background(), studentID, slotTime(8, 0))
	require.NoError(t, err)

	_, err = svc.Scan(context.Background(), nonce, instanceID, "someone-else", slotTime(9, 5))
	require.ErrorIs(t, err, apperrors.ErrUnauthorisedMarker)
}

func TestScanRejectsStudentNotInGroup(t *testing.T) {
	store := memory.NewStore()
	instanceID := seedClass(store, slotTime(9, 0), slotTime(10, 0))
	svc := attendance.NewService(store)
	nonce, _, err := svc.IssueToken(context.Background(), "not-a-member", slotTime(8, 0))
	require.NoError(t, err)

	_, err = svc.Scan(context.Background(), nonce, instanceID, teacherID, slotTime(9, 5))
	require.ErrorIs(t, err, apperrors.ErrWrongGroup)
}

func TestIssueTokenInvalidatesPriorActiveToken(t *testing.T) {
	_, svc, instanceID := newFixture()
	firstNonce, _, err := svc.IssueToken(context.Background(), studentID, slotTime(8, 0))
	require.NoError(t, err)

	_, _, err = svc.IssueToken(context.Background(), studentID, slotTime(8, 30))
	require.NoError(t, err)

	_, err = svc.Scan(context.Background(), firstNonce, instanceID, teacherID, slotTime(9, 5))
	require.Error(t, err)
}

func TestSweepAbsencesMarksUnscannedMembersAndIsIdempotent(t *testing.T) {
	store := memory.NewStore()
	store.AddStudentGroup(model.StudentGroup{ID: "g1", Department: "math"}, []string{"stu-1", "stu-2"})
	store.AddTimeSlot(model.TimeSlot{ID: "s1", Weekday: model.Monday, StartTime: slotTime(9, 0), EndTime: slotTime(10, 0)})
	store.AddAssignment(model.Assignment{ID: "a1", GroupID: "g1", CourseID: "c1", TeacherID: teacherID, RoomID: "r1", SlotID: "s1"})
	instanceID := model.ClassInstance{AssignmentID: "a1", Date: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)}.ID()
	svc := attendance.NewService(store)

	now := slotTime(10, 5)
	created, err := svc.SweepAbsences(context.Background(), instanceID, now)
	require.NoError(t, err)
	require.Equal(t, 2, created)

	for _, stu := range []string{"stu-1", "stu-2"} {
		record, exists, err := store.RecordFor(context.Background(), stu, "a1", time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		require.True(t, exists)
		require.Equal(t, model.AttendanceAbsent, record.Status)
	}

	// Re-sweeping must not create additional records or downgrade existing ones.
	createdAgain, err := svc.SweepAbsences(context.Background(), instanceID, now)
	require.NoError(t, err)
	require.Equal(t, 0, createdAgain)
}

func TestSweepAbsencesSkipsAlreadyScannedStudent(t *testing.T) {
	store := memory.NewStore()
	store.AddStudentGroup(model.StudentGroup{ID: "g1", Department: "math"}, []string{"stu-1", "stu-2"})
	store.AddTimeSlot(model.TimeSlot{ID: "s1", Weekday: model.Monday, StartTime: slotTime(9, 0), EndTime: slotTime(10, 0)})
	store.AddAssignment(model.Assignment{ID: "a1", GroupID: "g1", CourseID: "c1", TeacherID: teacherID, RoomID: "r1", SlotID: "s1"})
	instanceID := model.ClassInstance{AssignmentID: "a1", Date: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)}.ID()
	svc := attendance.NewService(store)

	nonce, _, err := svc.IssueToken(context.Background(), "stu-1", slotTime(8, 0))
	require.NoError(t, err)
	_, err = svc.Scan(context.Background(), nonce, instanceID, teacherID, slotTime(9, 5))
	require.NoError(t, err)

	created, err := svc.SweepAbsences(context.Background(), instanceID, slotTime(10, 5))
	require.NoError(t, err)
	require.Equal(t, 1, created)

	record, exists, err := store.RecordFor(context.Background(), "stu-1", "a1", time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, model.AttendancePresent, record.Status, "sweep must not downgrade an existing present record")
}
