package devicelogstream

import (
	"context"
	"testing"

	fclog "github.com/edgefleet/edgefleet/pkg/log"
	"github.com/stretchr/testify/require"
)

func TestStart_InvalidURLFails(t *testing.T) {
	b := New(fclog.NewPrefixLogger("test"))
	err := b.Start(context.Background(), "sess-1", "myservice", "not-a-valid-url")
	require.Error(t, err)
}

func TestStop_UnknownSessionIsNoop(t *testing.T) {
	b := New(fclog.NewPrefixLogger("test"))
	require.NotPanics(t, func() { b.Stop("unknown") })
}
