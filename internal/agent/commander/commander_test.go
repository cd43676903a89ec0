package commander

import (
	"context"
	"testing"
	"time"

	v1 "github.com/edgefleet/edgefleet/api/v1"
	fclog "github.com/edgefleet/edgefleet/pkg/log"
	"github.com/stretchr/testify/require"
)

func TestCommander_QueueAndCollect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New(ctx, fclog.NewPrefixLogger("test"), func(_ context.Context, id int64, _ string, cmd v1.SafeCommandTx) (v1.SafeCommandRx, int) {
		require.NotNil(t, cmd.Ping)
		return v1.SafeCommandRx{Pong: &v1.PongRx{}}, 0
	})

	c.QueueCommand(1, "bundle-1", v1.SafeCommandTx{Ping: &v1.PingTx{}}, false)

	require.Eventually(t, func() bool {
		return len(c.GetResults()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCommander_GetResultsEvictsCompletedOnly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	release := make(chan struct{})
	c := New(ctx, fclog.NewPrefixLogger("test"), func(_ context.Context, id int64, _ string, _ v1.SafeCommandTx) (v1.SafeCommandRx, int) {
		if id == 2 {
			<-release
		}
		return v1.SafeCommandRx{Pong: &v1.PongRx{}}, 0
	})

	c.QueueCommand(1, "b", v1.SafeCommandTx{Ping: &v1.PingTx{}}, false)
	c.QueueCommand(2, "b", v1.SafeCommandTx{Ping: &v1.PingTx{}}, false)

	require.Eventually(t, func() bool {
		return c.Pending() == 1
	}, time.Second, 5*time.Millisecond)

	results := c.GetResults()
	require.Len(t, results, 1)
	require.Equal(t, int64(1), results[0].ID)

	// a second call before command 2 completes returns nothing, and
	// command 1 is not reported twice.
	require.Empty(t, c.GetResults())

	close(release)
	require.Eventually(t, func() bool {
		return len(c.GetResults()) == 1
	}, time.Second, 5*time.Millisecond)
}
