package progress

import (
	"context"
	"testing"
	"time"

	"github.com/bobarin/renderforge/internal/models"
)

func intPtr(i int) *int                  { return &i }
func stagePtr(s models.Stage) *models.Stage { return &s }
func strPtr(s string) *string            { return &s }

func TestMergePercentMonotonicWithinStage(t *testing.T) {
	rec := models.ProgressRecord{Stage: models.StageClips, Percent: 40}
	merge(&rec, "job-1", Update{Percent: intPtr(30)})
	if rec.Percent != 40 {
		t.Errorf("expected percent to stay at 40, got %d", rec.Percent)
	}

	merge(&rec, "job-1", Update{Percent: intPtr(55)})
	if rec.Percent != 55 {
		t.Errorf("expected percent to advance to 55, got %d", rec.Percent)
	}
}

func TestMergeStageChangeAcceptsVerbatim(t *testing.T) {
	rec := models.ProgressRecord{Stage: models.StageClips, Percent: 70}
	composing := models.StageComposing
	merge(&rec, "job-1", Update{Stage: &composing, Percent: intPtr(10)})

	if rec.Stage != models.StageComposing {
		t.Errorf("expected stage to change to composing, got %s", rec.Stage)
	}
	if rec.Percent != 10 {
		t.Errorf("expected percent to reset to 10 on stage change, got %d", rec.Percent)
	}
}

func TestMergeClampsPercent(t *testing.T) {
	rec := models.ProgressRecord{}
	merge(&rec, "job-1", Update{Percent: intPtr(150)})
	if rec.Percent != 100 {
		t.Errorf("expected percent clamped to 100, got %d", rec.Percent)
	}
}

func TestMergePerSceneAccumulates(t *testing.T) {
	rec := models.ProgressRecord{}
	merge(&rec, "job-1", Update{PerScene: map[int]int{0: 50}})
	merge(&rec, "job-1", Update{PerScene: map[int]int{1: 20}})

	if rec.PerScene[0] != 50 || rec.PerScene[1] != 20 {
		t.Errorf("expected both scene entries retained, got %v", rec.PerScene)
	}
}

func TestMergeDoneIsSticky(t *testing.T) {
	rec := models.ProgressRecord{Done: true}
	merge(&rec, "job-1", Update{Percent: intPtr(5)})
	if !rec.Done {
		t.Error("expected done to remain true")
	}
}

type fakeMirror struct {
	writes []models.ProgressRecord
}

func (f *fakeMirror) UpsertProgress(ctx context.Context, p *models.ProgressRecord) error {
	f.writes = append(f.writes, *p)
	return nil
}

func (f *fakeMirror) GetProgress(ctx context.Context, jobID string) (*models.ProgressRecord, error) {
	return nil, nil
}

func TestPublishAlwaysMirrorsOnDone(t *testing.T) {
	mirror := &fakeMirror{}
	bus := New(mirror)

	for i := 0; i < 3; i++ {
		bus.Publish(context.Background(), "job-1", Update{Percent: intPtr(10 * i)})
	}
	bus.Publish(context.Background(), "job-1", Update{Done: true})

	found := false
	for _, w := range mirror.writes {
		if w.Done {
			found = true
		}
	}
	if !found {
		t.Error("expected a durable write on done=true regardless of throttle window")
	}
}

func TestSubscribeReceivesCurrentSnapshot(t *testing.T) {
	bus := New(&fakeMirror{})
	bus.Publish(context.Background(), "job-1", Update{Percent: intPtr(42), Stage: stagePtr(models.StageClips)})

	ch, cancel, err := bus.Subscribe(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer cancel()

	select {
	case rec := <-ch:
		if rec.Percent != 42 {
			t.Errorf("expected snapshot percent 42, got %d", rec.Percent)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial snapshot")
	}
}

func TestSubscribeClosesOnDone(t *testing.T) {
	bus := New(&fakeMirror{})
	ch, _, err := bus.Subscribe(context.Background(), "job-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bus.Publish(context.Background(), "job-2", Update{Done: true, Message: strPtr("finished")})

	timeout := time.After(time.Second)
	for {
		select {
		case rec, ok := <-ch:
			if !ok {
				return
			}
			if rec.Done {
				continue
			}
		case <-timeout:
			t.Fatal("timed out waiting for channel close")
		}
	}
}
