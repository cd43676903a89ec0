package executors

import (
	"context"
	"testing"

	v1 "github.com/edgefleet/edgefleet/api/v1"
	"github.com/stretchr/testify/require"
)

func TestApplyNMCLI_StaticMissingAddressFails(t *testing.T) {
	exec := &fakeExec{}
	err := ApplyNMCLI(context.Background(), exec, v1.NetworkProfile{Name: "eth-static", Interface: "eth0", Mode: "static"})
	require.Error(t, err)
}

func TestApplyNMCLI_DHCPSucceeds(t *testing.T) {
	exec := &fakeExec{}
	err := ApplyNMCLI(context.Background(), exec, v1.NetworkProfile{Name: "eth-dhcp", Interface: "eth0", Mode: "dhcp"})
	require.NoError(t, err)
	require.Equal(t, "nmcli", exec.lastName)
	require.Equal(t, []string{"connection", "up", "eth-dhcp"}, exec.lastArgs)
}

func TestApplyNMCLI_UnrecognizedModeFails(t *testing.T) {
	exec := &fakeExec{}
	err := ApplyNMCLI(context.Background(), exec, v1.NetworkProfile{Name: "x", Interface: "eth0", Mode: "bogus"})
	require.Error(t, err)
}
