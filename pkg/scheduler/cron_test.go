package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCronEvery(t *testing.T) {
	cr := NewCron(time.UTC)
	var runs int32
	_, err := cr.AddFunc("@every 1s", func(ctx context.Context) {
		atomic.AddInt32(&runs, 1)
	})
	require.NoError(t, err)
	require.Len(t, cr.Entries(), 1)

	cr.Start()
	time.Sleep(2200 * time.Millisecond)
	cr.Stop()

	assert.GreaterOrEqual(t, atomic.LoadInt32(&runs), int32(1))
}

func TestCronStopCancelsJobContext(t *testing.T) {
	cr := NewCron(nil)
	cancelled := make(chan struct{})
	_, err := cr.AddFunc("@every 1s", func(ctx context.Context) {
		<-ctx.Done()
		close(cancelled)
	})
	require.NoError(t, err)

	cr.Start()
	time.Sleep(1200 * time.Millisecond)
	cr.Stop()

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("job context was not cancelled on Stop")
	}
}

func TestCronInvalidExpr(t *testing.T) {
	cr := NewCron(nil)
	_, err := cr.Add("not a schedule", FuncJob(func(context.Context) {}))
	assert.Error(t, err)
}
