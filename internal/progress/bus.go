// Package progress implements the render orchestrator's progress fan-out
// (C2): an in-process subscriber registry for SSE-style long readers, a
// go-cache snapshot layer, and a throttled durable Postgres mirror.
package progress

import (
	"context"
	"log"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/bobarin/renderforge/internal/models"
)

const (
	subscriberBufferSize = 16
	mirrorMinInterval    = 900 * time.Millisecond
	heartbeatInterval    = 30 * time.Second
	snapshotTTL          = 7 * 24 * time.Hour
)

// Mirror is the durable-store half of the bus; satisfied by *db.DB.
type Mirror interface {
	UpsertProgress(ctx context.Context, p *models.ProgressRecord) error
	GetProgress(ctx context.Context, jobID string) (*models.ProgressRecord, error)
}

// Update is the caller-supplied delta merged into the current record.
// Nil and zero-value fields are treated as "unchanged": Error is set only
// when non-nil, and Done only moves false→true (a job cannot be un-done).
type Update struct {
	Percent      *int
	Stage        *models.Stage
	Message      *string
	ETASeconds   *int
	Done         bool
	Error        *string
	PerScene     map[int]int
	SceneCount   *int
	CurrentScene *int
}

type subscriber struct {
	ch chan models.ProgressRecord
}

type jobState struct {
	mu          sync.Mutex
	record      models.ProgressRecord
	subscribers map[*subscriber]struct{}
	lastMirror  time.Time
}

// Bus is the live registry; one instance is shared process-wide.
type Bus struct {
	mirror Mirror
	cache  *gocache.Cache

	mu   sync.Mutex
	jobs map[string]*jobState
}

func New(mirror Mirror) *Bus {
	b := &Bus{
		mirror: mirror,
		cache:  gocache.New(snapshotTTL, snapshotTTL/2),
		jobs:   make(map[string]*jobState),
	}
	go b.heartbeatLoop()
	return b
}

func (b *Bus) stateFor(jobID string) *jobState {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.jobs[jobID]
	if !ok {
		st = &jobState{subscribers: make(map[*subscriber]struct{})}
		b.jobs[jobID] = st
	}
	return st
}

// Publish merges update into the job's current record, fans it out to live
// subscribers unthrottled, and conditionally writes the durable mirror.
func (b *Bus) Publish(ctx context.Context, jobID string, u Update) error {
	st := b.stateFor(jobID)

	st.mu.Lock()
	merge(&st.record, jobID, u)
	snapshot := st.record
	shouldMirror := snapshot.Done || snapshot.Error != nil || time.Since(st.lastMirror) >= mirrorMinInterval
	if shouldMirror {
		st.lastMirror = time.Now()
	}
	subs := make([]*subscriber, 0, len(st.subscribers))
	for s := range st.subscribers {
		subs = append(subs, s)
	}
	st.mu.Unlock()

	b.cache.SetDefault(jobID, snapshot)

	for _, s := range subs {
		select {
		case s.ch <- snapshot:
		default:
			log.Printf("[progress] subscriber for job %s dropped: buffer full", jobID)
			b.unsubscribe(jobID, s)
		}
	}

	if shouldMirror && b.mirror != nil {
		if err := b.mirror.UpsertProgress(ctx, &snapshot); err != nil {
			log.Printf("[progress] durable mirror write failed for job %s: %v", jobID, err)
		}
	}

	if snapshot.Done || snapshot.Error != nil {
		b.close(jobID)
	}

	return nil
}

// merge applies the monotonicity rule: percent only ever increases within a
// stage; a stage change accepts the new percent verbatim even if it is
// numerically lower than the prior stage's percent.
func merge(rec *models.ProgressRecord, jobID string, u Update) {
	rec.JobID = jobID

	stageChanged := u.Stage != nil && *u.Stage != rec.Stage
	if u.Stage != nil {
		rec.Stage = *u.Stage
	}

	if u.Percent != nil {
		clamped := clamp(*u.Percent, 0, 100)
		if stageChanged {
			rec.Percent = clamped
		} else if clamped > rec.Percent {
			rec.Percent = clamped
		}
	}

	if u.Message != nil {
		rec.Message = *u.Message
	}
	if u.ETASeconds != nil {
		rec.ETASeconds = u.ETASeconds
	}
	if u.Error != nil {
		rec.Error = u.Error
	}
	if u.Done {
		rec.Done = true
	}
	if u.PerScene != nil {
		if rec.PerScene == nil {
			rec.PerScene = make(map[int]int, len(u.PerScene))
		}
		for i, p := range u.PerScene {
			rec.PerScene[i] = p
		}
	}
	if u.SceneCount != nil {
		rec.SceneCount = *u.SceneCount
	}
	if u.CurrentScene != nil {
		rec.CurrentScene = *u.CurrentScene
	}
	rec.UpdatedAt = time.Now()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Subscribe returns a channel of updates, seeded with the current snapshot
// (from the live cache, or the durable mirror if the local state is cold).
func (b *Bus) Subscribe(ctx context.Context, jobID string) (<-chan models.ProgressRecord, func(), error) {
	st := b.stateFor(jobID)
	sub := &subscriber{ch: make(chan models.ProgressRecord, subscriberBufferSize)}

	st.mu.Lock()
	hasSnapshot := !st.record.UpdatedAt.IsZero()
	snapshot := st.record
	st.subscribers[sub] = struct{}{}
	st.mu.Unlock()

	if !hasSnapshot {
		if cached, ok := b.cache.Get(jobID); ok {
			snapshot = cached.(models.ProgressRecord)
			hasSnapshot = true
		}
	}
	if !hasSnapshot && b.mirror != nil {
		if rec, err := b.mirror.GetProgress(ctx, jobID); err == nil && rec != nil {
			snapshot = *rec
			hasSnapshot = true
		}
	}
	if hasSnapshot {
		select {
		case sub.ch <- snapshot:
		default:
		}
	}

	cancel := func() { b.unsubscribe(jobID, sub) }
	return sub.ch, cancel, nil
}

func (b *Bus) unsubscribe(jobID string, sub *subscriber) {
	st := b.stateFor(jobID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.subscribers[sub]; ok {
		delete(st.subscribers, sub)
		close(sub.ch)
	}
}

// close drops the job's in-process state once it is terminal; the durable
// mirror and go-cache snapshot remain available for late subscribers.
func (b *Bus) close(jobID string) {
	b.mu.Lock()
	st, ok := b.jobs[jobID]
	delete(b.jobs, jobID)
	b.mu.Unlock()

	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for s := range st.subscribers {
		close(s.ch)
	}
	st.subscribers = nil
}

// heartbeatLoop pings every tracked non-terminal job so long-lived
// subscribers see a keep-alive even when no real publish has happened.
func (b *Bus) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		b.mu.Lock()
		jobIDs := make([]string, 0, len(b.jobs))
		for id := range b.jobs {
			jobIDs = append(jobIDs, id)
		}
		b.mu.Unlock()

		for _, id := range jobIDs {
			st := b.stateFor(id)
			st.mu.Lock()
			stale := time.Since(st.record.UpdatedAt) >= heartbeatInterval
			snapshot := st.record
			subs := make([]*subscriber, 0, len(st.subscribers))
			for s := range st.subscribers {
				subs = append(subs, s)
			}
			st.mu.Unlock()

			if !stale || snapshot.Done {
				continue
			}
			for _, s := range subs {
				select {
				case s.ch <- snapshot:
				default:
				}
			}
		}
	}
}
