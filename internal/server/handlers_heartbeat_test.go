package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	v1 "github.com/edgefleet/edgefleet/api/v1"
	"github.com/edgefleet/edgefleet/internal/auth"
	"github.com/edgefleet/edgefleet/internal/instrumentation"
	"github.com/edgefleet/edgefleet/internal/notify"
	"github.com/edgefleet/edgefleet/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// newTestHeartbeatRouter builds just the two routes the heartbeat synthesis
// path exercises (register + heartbeat), skipping the rest of server.New's
// collaborators that Register/Heartbeat never touch.
func newTestHeartbeatRouter(t *testing.T, st store.Store, log logrus.FieldLogger) http.Handler {
	t.Helper()
	h := NewHandlers(st, log, notify.NoopNotifier{}, nil, nil, nil, instrumentation.New(prometheus.NewRegistry()))
	r := chi.NewRouter()
	r.Post("/smith/register", h.Register)
	r.Group(func(r chi.Router) {
		r.Use(auth.DeviceBearerAuth(st, log))
		r.Post("/smith/home", h.Heartbeat)
	})
	return r
}

// registerApprovedDevice creates, approves, and registers a device, returning
// its bearer token.
func registerApprovedDevice(t *testing.T, ctx context.Context, st store.Store, router http.Handler, serial string) string {
	t.Helper()
	device, _, err := st.Device().GetOrCreateBySerial(ctx, serial, "de:ad:be:ef:00:00")
	require.NoError(t, err)
	require.NoError(t, st.Device().Approve(ctx, device.ID))

	body, err := json.Marshal(v1.RegisterRequest{SerialNumber: serial})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/smith/register", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp v1.RegisterResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func postHeartbeat(t *testing.T, router http.Handler, token string, req v1.HeartbeatRequest) v1.HeartbeatResponse {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	httpReq := httptest.NewRequest(http.MethodPost, "/smith/home", bytes.NewReader(body))
	httpReq.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httpReq)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp v1.HeartbeatResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	return resp
}

func TestHeartbeat_Synthesis(t *testing.T) {
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("heartbeat synthesis test requires DATABASE_URL")
	}

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	st, dbName, err := store.PrepareDBForUnitTests(log)
	require.NoError(t, err)
	defer store.DeleteTestDB(log, st, dbName)

	router := newTestHeartbeatRouter(t, st, log)
	ctx := context.Background()

	t.Run("GetVariables is answered with a synthesized UpdateVariables command", func(t *testing.T) {
		token := registerApprovedDevice(t, ctx, st, router, "SN-GETVARS-1")

		resp := postHeartbeat(t, router, token, v1.HeartbeatRequest{
			Timestamp: time.Now(),
			Responses: []v1.SafeCommandResponse{{ID: 0, Response: v1.SafeCommandRx{GetVariables: &v1.GetVariablesRx{}}}},
		})

		require.Len(t, resp.Commands, 1)
		require.Equal(t, int64(v1.SynthesizedUpdateVariables), resp.Commands[0].ID)
		require.NotNil(t, resp.Commands[0].Cmd.UpdateVariables)
	})

	t.Run("GetNetwork yields nothing when the device has no stored network profile", func(t *testing.T) {
		token := registerApprovedDevice(t, ctx, st, router, "SN-GETNET-1")

		resp := postHeartbeat(t, router, token, v1.HeartbeatRequest{
			Timestamp: time.Now(),
			Responses: []v1.SafeCommandResponse{{ID: 0, Response: v1.SafeCommandRx{GetNetwork: &v1.GetNetworkRx{}}}},
		})

		require.Empty(t, resp.Commands)
	})

	t.Run("UpdateSystemInfo is persisted with no reply command", func(t *testing.T) {
		token := registerApprovedDevice(t, ctx, st, router, "SN-SYSINFO-2")

		info := v1.SystemInfo{OSVersion: "9.9", KernelRelease: "6.1", Architecture: "amd64"}
		resp := postHeartbeat(t, router, token, v1.HeartbeatRequest{
			Timestamp: time.Now(),
			Responses: []v1.SafeCommandResponse{{ID: 0, Response: v1.SafeCommandRx{UpdateSystemInfo: &v1.UpdateSystemInfoRx{SystemInfo: info}}}},
		})
		require.Empty(t, resp.Commands)

		device, err := st.Device().GetBySerial(ctx, "SN-SYSINFO-2")
		require.NoError(t, err)
		require.NotNil(t, device.SystemInfo)
		require.Equal(t, info, *device.SystemInfo)
	})
}
