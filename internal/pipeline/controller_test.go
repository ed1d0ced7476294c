package pipeline

import (
	"context"
	"testing"

	"github.com/RockChinQ/LangBot/internal/entities"
	"github.com/RockChinQ/LangBot/internal/plugin"
	"github.com/RockChinQ/LangBot/pkg/models"
)

func TestControllerInterruptStopsTraversal(t *testing.T) {
	first := &fakeStage{name: "first"}
	second := &fakeStage{name: "second", process: func(_ context.Context, _ *entities.Query) (*Result, error) {
		return Interrupt(), nil
	}}
	third := &fakeStage{name: "third"}

	c := NewController([]Stage{first, second, third}, plugin.NewHost(nil), nil, nil)
	c.Process(context.Background(), personQuery(testSnapshot(), 1, "hi"))

	if first.calls != 1 || second.calls != 1 || third.calls != 0 {
		t.Fatalf("calls = %d/%d/%d, want 1/1/0", first.calls, second.calls, third.calls)
	}
}

func TestControllerReleasesSemaphoreOnError(t *testing.T) {
	acquire := &fakeStage{name: StageSessionAcquire, process: func(ctx context.Context, q *entities.Query) (*Result, error) {
		if err := q.Session.Semaphore.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		q.SessionPermitHeld = true
		return Continue(), nil
	}}
	failing := &fakeStage{name: "failing", process: func(_ context.Context, _ *entities.Query) (*Result, error) {
		return nil, entities.NewError(entities.ErrInternal, "synthetic failure", nil)
	}}

	c := NewController([]Stage{acquire, failing}, plugin.NewHost(nil), nil, nil)

	query := personQuery(testSnapshot(), 1, "hi")
	query.Session = entities.NewSession(models.LauncherPerson, 1, 1)
	c.Process(context.Background(), query)

	if !query.Session.Semaphore.TryAcquire(1) {
		t.Fatalf("session permit leaked on the error path")
	}
	query.Session.Semaphore.Release(1)
}

func TestControllerReleasesSemaphoreOnInterrupt(t *testing.T) {
	acquire := &fakeStage{name: StageSessionAcquire, process: func(ctx context.Context, q *entities.Query) (*Result, error) {
		if err := q.Session.Semaphore.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		q.SessionPermitHeld = true
		return Continue(), nil
	}}
	dropping := &fakeStage{name: "dropping", process: func(_ context.Context, _ *entities.Query) (*Result, error) {
		return Interrupt(), nil
	}}

	c := NewController([]Stage{acquire, dropping}, plugin.NewHost(nil), nil, nil)

	query := personQuery(testSnapshot(), 1, "hi")
	query.Session = entities.NewSession(models.LauncherPerson, 1, 1)
	c.Process(context.Background(), query)

	if !query.Session.Semaphore.TryAcquire(1) {
		t.Fatalf("session permit leaked on the interrupt path")
	}
	query.Session.Semaphore.Release(1)
}

func TestControllerJumpSkipsStages(t *testing.T) {
	jumper := &fakeStage{name: "jumper", process: func(_ context.Context, _ *entities.Query) (*Result, error) {
		return &Result{Action: ActionJump, JumpTo: "target"}, nil
	}}
	skipped := &fakeStage{name: "skipped"}
	target := &fakeStage{name: "target"}

	c := NewController([]Stage{jumper, skipped, target}, plugin.NewHost(nil), nil, nil)
	c.Process(context.Background(), personQuery(testSnapshot(), 1, "hi"))

	if skipped.calls != 0 {
		t.Fatalf("jumped-over stage ran")
	}
	if target.calls != 1 {
		t.Fatalf("jump target did not run")
	}
}

func TestControllerRejectsBackwardJump(t *testing.T) {
	first := &fakeStage{name: "first"}
	jumper := &fakeStage{name: "jumper", process: func(_ context.Context, _ *entities.Query) (*Result, error) {
		return &Result{Action: ActionJump, JumpTo: "first"}, nil
	}}
	after := &fakeStage{name: "after"}

	c := NewController([]Stage{first, jumper, after}, plugin.NewHost(nil), nil, nil)
	c.Process(context.Background(), personQuery(testSnapshot(), 1, "hi"))

	if first.calls != 1 {
		t.Fatalf("backward jump must not re-run earlier stages")
	}
	if after.calls != 0 {
		t.Fatalf("traversal must stop after an invalid jump")
	}
}

func TestControllerStreamFeedsRemainingStages(t *testing.T) {
	stream := make(chan *Result, 3)
	stream <- &Result{Action: ActionContinue}
	stream <- &Result{Action: ActionInterrupt}
	stream <- &Result{Action: ActionContinue}
	close(stream)

	streamer := &fakeStage{name: "streamer", process: func(_ context.Context, _ *entities.Query) (*Result, error) {
		return &Result{Action: ActionStream, Stream: stream}, nil
	}}
	sink := &fakeStage{name: "sink"}

	c := NewController([]Stage{streamer, sink}, plugin.NewHost(nil), nil, nil)
	c.Process(context.Background(), personQuery(testSnapshot(), 1, "hi"))

	// Two continue items pass through the sink; the interrupt is skipped.
	if sink.calls != 2 {
		t.Fatalf("sink ran %d times, want 2", sink.calls)
	}
}

func TestControllerStageSkippedByPlugin(t *testing.T) {
	host := plugin.NewHost(nil)
	blocker := &testEventPlugin{name: "blocker", handlers: map[string]plugin.EventHandler{
		plugin.EventStageBefore: func(_ context.Context, ec *plugin.EventContext) error {
			if ev, ok := ec.Event.(plugin.StageBefore); ok && ev.StageName == "guarded" {
				ec.PreventDefault()
			}
			return nil
		},
	}}
	if err := host.Register(context.Background(), blocker); err != nil {
		t.Fatal(err)
	}

	guarded := &fakeStage{name: "guarded"}
	after := &fakeStage{name: "after"}
	c := NewController([]Stage{guarded, after}, host, nil, nil)
	c.Process(context.Background(), personQuery(testSnapshot(), 1, "hi"))

	if guarded.calls != 0 {
		t.Fatalf("prevented stage must not run")
	}
	if after.calls != 1 {
		t.Fatalf("traversal must continue past a prevented stage")
	}
}

func TestControllerPreventedSessionAcquire(t *testing.T) {
	host := plugin.NewHost(nil)
	blocker := &testEventPlugin{name: "blocker", handlers: map[string]plugin.EventHandler{
		plugin.EventStageBefore: func(_ context.Context, ec *plugin.EventContext) error {
			if ev, ok := ec.Event.(plugin.StageBefore); ok && ev.StageName == StageSessionAcquire {
				ec.PreventDefault()
			}
			return nil
		},
	}}
	if err := host.Register(context.Background(), blocker); err != nil {
		t.Fatal(err)
	}

	acquire := &fakeStage{name: StageSessionAcquire, process: func(ctx context.Context, q *entities.Query) (*Result, error) {
		if err := q.Session.Semaphore.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		q.SessionPermitHeld = true
		return Continue(), nil
	}}
	after := &fakeStage{name: "after"}
	c := NewController([]Stage{acquire, after}, host, nil, nil)

	// No session was bound; a skipped acquire must not make the
	// controller release anything.
	query := personQuery(testSnapshot(), 1, "hi")
	c.Process(context.Background(), query)

	if acquire.calls != 0 {
		t.Fatalf("prevented acquire stage must not run")
	}
	if after.calls != 1 {
		t.Fatalf("traversal must continue past the prevented stage")
	}

	// With a session already bound the permit count must stay intact.
	query = personQuery(testSnapshot(), 1, "hi")
	query.Session = entities.NewSession(models.LauncherPerson, 1, 1)
	c.Process(context.Background(), query)

	if !query.Session.Semaphore.TryAcquire(1) {
		t.Fatalf("permit vanished without the acquire stage running")
	}
	if query.Session.Semaphore.TryAcquire(1) {
		t.Fatalf("permit was over-released")
	}
	query.Session.Semaphore.Release(1)
}

type testEventPlugin struct {
	name     string
	handlers map[string]plugin.EventHandler
}

func (p *testEventPlugin) Manifest() plugin.Manifest { return plugin.Manifest{Name: p.name} }

func (p *testEventPlugin) Handlers() map[string]plugin.EventHandler { return p.handlers }
