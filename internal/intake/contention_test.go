package intake

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinshell/kinshell/internal/grouplock"
	"github.com/kinshell/kinshell/internal/sandbox"
	"github.com/kinshell/kinshell/internal/scheduler"
	"github.com/kinshell/kinshell/pkg/types"
)

type runSpan struct {
	folder     string
	scheduled  bool
	start, end time.Time
}

// spanRunner records when each run was active.
type spanRunner struct {
	mu    sync.Mutex
	delay time.Duration
	spans []runSpan
}

func (r *spanRunner) Run(_ context.Context, req sandbox.Request) sandbox.Result {
	start := time.Now()
	time.Sleep(r.delay)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spans = append(r.spans, runSpan{req.Group.Folder, req.IsScheduledTask, start, time.Now()})
	return ok("done")
}

func TestIntakeAndSchedulerShareGroupLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	locks := grouplock.New()
	runner := &spanRunner{delay: 30 * time.Millisecond}
	f.in.opts.Locks = locks
	f.in.opts.Runner = runner

	var offset atomic.Int64
	now := func() time.Time { return time.Now().Add(time.Duration(offset.Load())) }
	sched, err := scheduler.New(scheduler.Options{
		Store:    f.store,
		Runner:   runner,
		Locks:    locks,
		Location: time.UTC,
		Now:      now,
	})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := sched.CreateTask(ctx, scheduler.TaskSpec{GroupFolder: "main", Prompt: "digest", Kind: types.ScheduleInterval, Value: "1m"})
		require.NoError(t, err)
	}
	offset.Store(int64(2 * time.Minute))
	f.say(t, "main@c", "owner@s.net", "hello")

	var wg sync.WaitGroup
	start := make(chan struct{})
	tick := func(fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			assert.NoError(t, fn(ctx))
		}()
	}
	tick(f.in.Tick)
	tick(sched.Tick)
	tick(sched.Tick)
	close(start)
	wg.Wait()

	var scheduled, triggered int
	for _, s := range runner.spans {
		assert.Equal(t, "main", s.folder)
		if s.scheduled {
			scheduled++
		} else {
			triggered++
		}
	}
	assert.Equal(t, 2, scheduled, "each due task runs once")
	assert.Equal(t, 1, triggered)
	for i := range runner.spans {
		for j := i + 1; j < len(runner.spans); j++ {
			a, b := runner.spans[i], runner.spans[j]
			assert.False(t, a.start.Before(b.end) && b.start.Before(a.end), "runs %d and %d overlap", i, j)
		}
	}
}
