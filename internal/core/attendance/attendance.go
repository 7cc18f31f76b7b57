// Package attendance implements the token issuance and scan protocol:
// single-use, time-bounded tokens and a clock-gated capture sequence that
// is linearisable per (student, class-instance) pair.
package attendance

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/eduforge/timetable-core/internal/core/model"
	"github.com/eduforge/timetable-core/internal/core/port"
	apperrors "github.com/eduforge/timetable-core/pkg/errors"
)

const (
	// TokenValidity is the fixed lifetime of an issued attendance token.
	TokenValidity = 24 * time.Hour

	// GracePeriod is the window after slot start during which a scan still
	// counts as "present" rather than "late".
	GracePeriod = 15 * time.Minute

	nonceSecretBytes = 16 // 128 bits of random secret per token
)

// ScanOutcome is the status recorded by a successful scan.
type ScanOutcome struct {
	Status      model.AttendanceStatus
	MinutesLate int
}

// Service issues tokens and processes scans against the repository port.
type Service struct {
	repo  port.Repository
	locks *stripedLocks
}

func NewService(repo port.Repository) *Service {
	return &Service{repo: repo, locks: newStripedLocks(256)}
}

// IssueToken invalidates any existing active token for the student and
// issues a fresh one, returning the plaintext opaque nonce exactly once.
// The nonce is never persisted in plaintext: it encodes a lookup ID and a
// secret whose bcrypt hash is stored, the same way a credential hash would
// be, while still allowing O(1) lookup on scan.
func (s *Service) IssueToken(ctx context.Context, studentID string, now time.Time) (string, model.AttendanceToken, error) {
	if existing, ok, err := s.repo.ActiveTokenForStudent(ctx, studentID); err != nil {
		return "", model.AttendanceToken{}, apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "loading active token")
	} else if ok {
		if err := s.repo.InvalidateToken(ctx, existing.ID); err != nil {
			return "", model.AttendanceToken{}, apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "invalidating prior token")
		}
	}

	secretBytes := make([]byte, nonceSecretBytes)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", model.AttendanceToken{}, apperrors.Wrap(err, apperrors.ErrInternal.Code, apperrors.ErrInternal.Status, "generating token secret")
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", model.AttendanceToken{}, apperrors.Wrap(err, apperrors.ErrInternal.Code, apperrors.ErrInternal.Status, "hashing token secret")
	}

	token := model.AttendanceToken{
		ID:        uuid.NewString(),
		StudentID: studentID,
		NonceHash: string(hash),
		IssuedAt:  now,
		ExpiresAt: now.Add(TokenValidity),
		Consumed:  false,
	}
	if err := s.repo.InsertToken(ctx, token); err != nil {
		return "", model.AttendanceToken{}, apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "inserting token")
	}

	opaqueNonce := token.ID + "." + secret
	return opaqueNonce, token, nil
}

// Scan executes the full capture sequence atomically with respect to other
// scans of the same (student, class-instance) pair.
func (s *Service) Scan(ctx context.Context, nonce, classInstanceID, markerID string, now time.Time) (ScanOutcome, error) {
	tokenID, secret, ok := splitNonce(nonce)
	if !ok {
		return ScanOutcome{}, apperrors.ErrTokenMissing
	}

	token, ok, err := s.repo.TokenByID(ctx, tokenID)
	if err != nil {
		return ScanOutcome{}, apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "loading token")
	}
	if !ok {
		return ScanOutcome{}, apperrors.ErrTokenMissing
	}
	if err := bcrypt.CompareHashAndPassword([]byte(token.NonceHash), []byte(secret)); err != nil {
		return ScanOutcome{}, apperrors.ErrTokenMissing
	}
	if token.Consumed {
		return ScanOutcome{}, apperrors.ErrTokenConsumed
	}
	if !now.Before(token.ExpiresAt) {
		return ScanOutcome{}, apperrors.ErrTokenExpired
	}

	assignmentID, instanceDate, ok := model.ParseInstanceID(classInstanceID)
	if !ok {
		return ScanOutcome{}, apperrors.ErrNotFound
	}
	assignment, ok, err := s.repo.AssignmentByID(ctx, assignmentID)
	if err != nil {
		return ScanOutcome{}, apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "loading assignment")
	}
	if !ok {
		return ScanOutcome{}, apperrors.ErrNotFound
	}

	lockKey := token.StudentID + "|" + classInstanceID
	unlock := s.locks.lock(lockKey)
	defer unlock()

	if assignment.TeacherID != markerID {
		return ScanOutcome{}, apperrors.ErrUnauthorisedMarker
	}

	members, err := s.repo.GroupMembers(ctx, assignment.GroupID)
	if err != nil {
		return ScanOutcome{}, apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "loading group members")
	}
	if !contains(members, token.StudentID) {
		return ScanOutcome{}, apperrors.ErrWrongGroup
	}

	slot, ok, err := s.lookupSlot(ctx, assignment.SlotID)
	if err != nil {
		return ScanOutcome{}, err
	}
	if !ok {
		return ScanOutcome{}, apperrors.ErrNotFound
	}

	windowStart := combineDateAndTime(instanceDate, slot.StartTime)
	windowEnd := combineDateAndTime(instanceDate, slot.EndTime)

	if now.Before(windowStart) {
		return ScanOutcome{}, apperrors.ErrNotYetStarted
	}
	if now.After(windowEnd) {
		return ScanOutcome{}, apperrors.ErrEnded
	}

	status := model.AttendancePresent
	minutesLate := 0
	if now.After(windowStart.Add(GracePeriod)) {
		status = model.AttendanceLate
		minutesLate = int(now.Sub(windowStart).Minutes())
	}

	if _, exists, err := s.repo.RecordFor(ctx, token.StudentID, assignment.ID, instanceDate); err != nil {
		return ScanOutcome{}, apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "checking existing record")
	} else if exists {
		return ScanOutcome{}, apperrors.ErrAlreadyMarked
	}

	record := model.AttendanceRecord{
		ID:           uuid.NewString(),
		StudentID:    token.StudentID,
		AssignmentID: assignment.ID,
		InstanceDate: instanceDate,
		Status:       status,
		MarkedAt:     now,
		MarkerID:     markerID,
	}
	if err := s.repo.Atomic(ctx, func(ctx context.Context, uow port.UnitOfWork) error {
		return s.repo.InsertRecord(ctx, uow, record)
	}); err != nil {
		return ScanOutcome{}, apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "inserting attendance record")
	}

	if err := s.repo.ConsumeToken(ctx, token.ID); err != nil {
		return ScanOutcome{}, apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "consuming token")
	}

	return ScanOutcome{Status: status, MinutesLate: minutesLate}, nil
}

// SweepAbsences creates absent records for every group member of the given
// class instance who does not already have a record. It is idempotent: a
// repeat call creates zero additional records and never downgrades an
// existing present/late record.
func (s *Service) SweepAbsences(ctx context.Context, classInstanceID string, now time.Time) (int, error) {
	assignmentID, instanceDate, ok := model.ParseInstanceID(classInstanceID)
	if !ok {
		return 0, apperrors.ErrNotFound
	}
	assignment, ok, err := s.repo.AssignmentByID(ctx, assignmentID)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "loading assignment")
	}
	if !ok {
		return 0, apperrors.ErrNotFound
	}

	members, err := s.repo.GroupMembers(ctx, assignment.GroupID)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "loading group members")
	}
	existing, err := s.repo.RecordsForInstance(ctx, assignment.ID, instanceDate)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "loading existing records")
	}
	marked := make(map[string]bool, len(existing))
	for _, r := range existing {
		marked[r.StudentID] = true
	}

	created := 0
	for _, studentID := range members {
		if marked[studentID] {
			continue
		}

		lockKey := studentID + "|" + classInstanceID
		unlock := s.locks.lock(lockKey)

		if _, exists, err := s.repo.RecordFor(ctx, studentID, assignment.ID, instanceDate); err != nil {
			unlock()
			return created, apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "checking existing record")
		} else if exists {
			unlock()
			continue
		}

		record := model.AttendanceRecord{
			ID:           uuid.NewString(),
			StudentID:    studentID,
			AssignmentID: assignment.ID,
			InstanceDate: instanceDate,
			Status:       model.AttendanceAbsent,
			MarkedAt:     now,
			MarkerID:     assignment.TeacherID,
		}
		err := s.repo.Atomic(ctx, func(ctx context.Context, uow port.UnitOfWork) error {
			return s.repo.InsertRecord(ctx, uow, record)
		})
		unlock()
		if err != nil {
			return created, apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "inserting absence record")
		}
		created++
	}

	return created, nil
}

func (s *Service) lookupSlot(ctx context.Context, slotID string) (model.TimeSlot, bool, error) {
	slot, err := s.repo.TimeSlotByID(ctx, slotID)
	if err != nil {
		return model.TimeSlot{}, false, apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "loading slot")
	}
	if slot.ID == "" {
		return model.TimeSlot{}, false, nil
	}
	return slot, true, nil
}

func splitNonce(nonce string) (tokenID, secret string, ok bool) {
	idx := strings.IndexByte(nonce, '.')
	if idx < 0 {
		return "", "", false
	}
	return nonce[:idx], nonce[idx+1:], true
}

func combineDateAndTime(date, clock time.Time) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), clock.Hour(), clock.Minute(), clock.Second(), 0, date.Location())
}

func contains(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}
