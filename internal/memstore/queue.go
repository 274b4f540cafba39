package memstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/classifieds/realtime/internal/domain"
)

type entryID struct {
	ms  int64
	seq int64
}

func (e entryID) String() string {
	return fmt.Sprintf("%d-%d", e.ms, e.seq)
}

func (e entryID) after(o entryID) bool {
	if e.ms != o.ms {
		return e.ms > o.ms
	}
	return e.seq > o.seq
}

// parseEntryID accepts "<ms>-<seq>" and a bare "<ms>", like a stream cursor.
func parseEntryID(s string) (entryID, error) {
	msPart, seqPart, hasSeq := strings.Cut(s, "-")
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return entryID{}, fmt.Errorf("invalid entry id %q", s)
	}
	var seq int64
	if hasSeq {
		if seq, err = strconv.ParseInt(seqPart, 10, 64); err != nil {
			return entryID{}, fmt.Errorf("invalid entry id %q", s)
		}
	}
	return entryID{ms: ms, seq: seq}, nil
}

type storedEntry struct {
	id    entryID
	entry domain.QueueEntry
}

type userStream struct {
	mu      sync.Mutex
	entries []storedEntry
	// wake is closed and replaced on every append.
	wake chan struct{}
	// waiters counts blocked readers. An evicted stream is no longer in the
	// map and must not be written to.
	waiters int
	evicted bool
}

// Queue is an in-memory domain.NotificationQueue with one stream per user.
// A stream exists only while it holds entries or has a blocked reader.
type Queue struct {
	streams sync.Map // uuid.UUID -> *userStream
	maxLen  int
	now     func() time.Time

	// ids are issued queue-wide so they keep increasing when a user's
	// stream is evicted and recreated.
	idMu sync.Mutex
	last entryID
}

func NewQueue(maxLen int) *Queue {
	return &Queue{maxLen: maxLen, now: time.Now}
}

// lockStream returns the stream of userID with its lock held, or nil when
// there is none and create is unset.
func (q *Queue) lockStream(userID uuid.UUID, create bool) *userStream {
	for {
		v, ok := q.streams.Load(userID)
		if !ok {
			if !create {
				return nil
			}
			v, _ = q.streams.LoadOrStore(userID, &userStream{wake: make(chan struct{})})
		}
		s := v.(*userStream)
		s.mu.Lock()
		if !s.evicted {
			return s
		}
		s.mu.Unlock()
	}
}

// evictIfIdle drops s when it is empty and nobody waits on it. The caller
// holds s.mu.
func (q *Queue) evictIfIdle(userID uuid.UUID, s *userStream) {
	if len(s.entries) > 0 || s.waiters > 0 {
		return
	}
	s.evicted = true
	q.streams.CompareAndDelete(userID, s)
}

func (q *Queue) Append(_ context.Context, userID uuid.UUID, payload []byte) (string, error) {
	now := q.now()
	s := q.lockStream(userID, true)
	defer s.mu.Unlock()

	id := q.nextID(now)

	data := make([]byte, len(payload))
	copy(data, payload)
	s.entries = append(s.entries, storedEntry{
		id: id,
		entry: domain.QueueEntry{
			ID:         id.String(),
			UserID:     userID,
			Payload:    data,
			EnqueuedAt: now,
		},
	})
	if q.maxLen > 0 && len(s.entries) > q.maxLen {
		s.entries = append([]storedEntry(nil), s.entries[len(s.entries)-q.maxLen:]...)
	}

	close(s.wake)
	s.wake = make(chan struct{})
	return id.String(), nil
}

func (q *Queue) nextID(now time.Time) entryID {
	q.idMu.Lock()
	defer q.idMu.Unlock()
	id := entryID{ms: now.UnixMilli()}
	if !id.after(q.last) {
		id = entryID{ms: q.last.ms, seq: q.last.seq + 1}
	}
	q.last = id
	return id
}

// ReadFrom only creates a stream for a blocking read, so that an Append can
// wake the reader.
func (q *Queue) ReadFrom(ctx context.Context, userID uuid.UUID, cursor string, maxCount int64, block time.Duration) ([]domain.QueueEntry, error) {
	from, err := parseEntryID(cursor)
	if err != nil {
		return nil, err
	}
	s := q.lockStream(userID, block > 0)
	if s == nil {
		return nil, nil
	}

	entries := s.after(from, maxCount)
	if len(entries) > 0 || block <= 0 {
		q.evictIfIdle(userID, s)
		s.mu.Unlock()
		return entries, nil
	}
	wake := s.wake
	s.waiters++
	s.mu.Unlock()

	timer := time.NewTimer(block)
	defer timer.Stop()
	var waitErr error
	woke := false
	select {
	case <-wake:
		woke = true
	case <-timer.C:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiters--
	if woke {
		entries = s.after(from, maxCount)
	}
	q.evictIfIdle(userID, s)
	return entries, waitErr
}

// after lists entries past from. The caller holds s.mu.
func (s *userStream) after(from entryID, maxCount int64) []domain.QueueEntry {
	var out []domain.QueueEntry
	for _, e := range s.entries {
		if maxCount > 0 && int64(len(out)) >= maxCount {
			break
		}
		if e.id.after(from) {
			out = append(out, e.entry)
		}
	}
	return out
}

func (q *Queue) Acknowledge(_ context.Context, userID uuid.UUID, id string) error {
	target, err := parseEntryID(id)
	if err != nil {
		return err
	}
	s := q.lockStream(userID, false)
	if s == nil {
		return nil
	}
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.id == target {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	q.evictIfIdle(userID, s)
	return nil
}

func (q *Queue) Len(_ context.Context, userID uuid.UUID) (int64, error) {
	s := q.lockStream(userID, false)
	if s == nil {
		return 0, nil
	}
	defer s.mu.Unlock()
	return int64(len(s.entries)), nil
}
