// Package materialiser projects weekly assignments onto calendar dates,
// honouring academic sessions and holidays. Results are idempotent on
// (assignment, date) and may be cached, gated on the repository's
// generation counter so a cached result never outlives the state it was
// computed from.
package materialiser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eduforge/timetable-core/internal/core/model"
	"github.com/eduforge/timetable-core/internal/core/port"
	apperrors "github.com/eduforge/timetable-core/pkg/errors"
)

type cacheKey struct {
	from  time.Time
	to    time.Time
	scope model.InstanceScope
}

func (k cacheKey) remoteKey(generation uint64) string {
	return fmt.Sprintf("materialiser:%d:%d:%d:%s:%s:%s",
		generation, k.from.Unix(), k.to.Unix(), k.scope.GroupID, k.scope.TeacherID, k.scope.StudentID)
}

type cacheEntry struct {
	generation uint64
	computedAt time.Time
	instances  []model.ClassInstance
}

// remotePayload is the JSON shape stored under a generation-keyed remote
// cache entry. The generation is redundant with the key itself but lets a
// caller sanity-check a payload surviving a key-format change.
type remotePayload struct {
	Generation uint64                `json:"generation"`
	Instances  []model.ClassInstance `json:"instances"`
}

// ResultCache is the narrow interface the materialiser needs from a remote
// cache backend (internal/repository/rediscache.Repository satisfies it).
// It sits in front of the in-process map so multiple service instances
// share materialised results.
type ResultCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Service materialises class instances for a date range and scope.
type Service struct {
	repo port.Repository

	mu       sync.Mutex
	cache    map[cacheKey]cacheEntry
	cacheTTL time.Duration // 0 disables the time-based expiry, relying on generation alone

	remote    ResultCache
	remoteTTL time.Duration
}

func NewService(repo port.Repository) *Service {
	return &Service{repo: repo, cache: make(map[cacheKey]cacheEntry)}
}

// SetCacheTTL bounds how long a materialised result may be served before it
// is recomputed, independent of the generation counter. The zero value (the
// default) disables time-based expiry: a cached entry is served until the
// next regeneration bumps the generation counter.
func (s *Service) SetCacheTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheTTL = ttl
}

// SetRemoteCache installs a shared cache backend consulted on a local miss
// and populated on local compute, keyed by generation so stale entries from
// a prior regeneration are never served. ttl bounds how long an entry may
// sit in the remote store; a zero ttl falls back to 10 minutes since the
// remote store has no generation-driven eviction of its own.
func (s *Service) SetRemoteCache(cache ResultCache, ttl time.Duration) {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = cache
	s.remoteTTL = ttl
}

// MaterialiseInstances emits the set of class instances for [from, to) under
// the given scope, applying the academic-year, session and holiday filters
// in sequence.
func (s *Service) MaterialiseInstances(ctx context.Context, from, to time.Time, scope model.InstanceScope) ([]model.ClassInstance, error) {
	generation, err := s.repo.Generation(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "reading generation counter")
	}

	key := cacheKey{from: from, to: to, scope: scope}
	s.mu.Lock()
	entry, ok := s.cache[key]
	ttl := s.cacheTTL
	remote := s.remote
	remoteTTL := s.remoteTTL
	s.mu.Unlock()
	if ok && entry.generation == generation && (ttl == 0 || time.Since(entry.computedAt) < ttl) {
		return entry.instances, nil
	}

	if remote != nil {
		// A remote error (miss or otherwise) just falls through to compute;
		// the remote cache is a best-effort accelerator, never a source of
		// truth the request can fail on.
		var payload remotePayload
		if err := remote.Get(ctx, key.remoteKey(generation), &payload); err == nil {
			s.mu.Lock()
			s.cache[key] = cacheEntry{generation: generation, computedAt: time.Now(), instances: payload.Instances}
			s.mu.Unlock()
			return payload.Instances, nil
		}
	}

	instances, err := s.compute(ctx, from, to, scope)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[key] = cacheEntry{generation: generation, computedAt: time.Now(), instances: instances}
	s.mu.Unlock()

	if remote != nil {
		_ = remote.Set(ctx, key.remoteKey(generation), remotePayload{Generation: generation, Instances: instances}, remoteTTL)
	}

	return instances, nil
}

func (s *Service) compute(ctx context.Context, from, to time.Time, scope model.InstanceScope) ([]model.ClassInstance, error) {
	assignments, err := s.repo.AllAssignments(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "loading assignments")
	}
	slots, err := s.repo.TimeSlots(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "loading slots")
	}
	slotByID := make(map[string]model.TimeSlot, len(slots))
	for _, sl := range slots {
		slotByID[sl.ID] = sl
	}

	scoped, err := s.scopedAssignments(ctx, assignments, scope)
	if err != nil {
		return nil, err
	}

	var instances []model.ClassInstance
	for d := from; d.Before(to); d = d.AddDate(0, 0, 1) {
		year, ok, err := s.repo.ActiveAcademicYear(ctx, d)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "resolving academic year")
		}
		if !ok {
			continue
		}

		sessions, err := s.repo.Sessions(ctx, year.ID)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "loading sessions")
		}
		if !anySessionCovers(sessions, d) {
			continue
		}

		holidays, err := s.repo.Holidays(ctx, year.ID)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "loading holidays")
		}
		if anyHolidayCovers(holidays, d) {
			continue
		}

		weekday := model.Weekday(int(d.Weekday()+6) % 7) // time.Sunday=0 -> align with model.Monday=0
		for _, a := range scoped {
			slot, ok := slotByID[a.SlotID]
			if !ok || slot.IsBreak {
				continue
			}
			if slot.Weekday != weekday {
				continue
			}
			instances = append(instances, model.ClassInstance{AssignmentID: a.ID, Date: d})
		}
	}

	return instances, nil
}

func (s *Service) scopedAssignments(ctx context.Context, assignments []model.Assignment, scope model.InstanceScope) ([]model.Assignment, error) {
	if scope.GroupID == "" && scope.TeacherID == "" && scope.StudentID == "" {
		return assignments, nil
	}

	var studentGroupID string
	if scope.StudentID != "" {
		groups, err := s.repo.StudentGroups(ctx)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "loading groups")
		}
		for _, g := range groups {
			members, err := s.repo.GroupMembers(ctx, g.ID)
			if err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrRepositoryFailure.Code, apperrors.ErrRepositoryFailure.Status, "loading group members")
			}
			for _, m := range members {
				if m == scope.StudentID {
					studentGroupID = g.ID
					break
				}
			}
			if studentGroupID != "" {
				break
			}
		}
	}

	var out []model.Assignment
	for _, a := range assignments {
		if scope.GroupID != "" && a.GroupID != scope.GroupID {
			continue
		}
		if scope.TeacherID != "" && a.TeacherID != scope.TeacherID {
			continue
		}
		if scope.StudentID != "" && a.GroupID != studentGroupID {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func anySessionCovers(sessions []model.Session, d time.Time) bool {
	for _, s := range sessions {
		if s.Contains(d) {
			return true
		}
	}
	return false
}

func anyHolidayCovers(holidays []model.Holiday, d time.Time) bool {
	for _, h := range holidays {
		if h.Contains(d) {
			return true
		}
	}
	return false
}
