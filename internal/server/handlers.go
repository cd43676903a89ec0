package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	v1 "github.com/edgefleet/edgefleet/api/v1"
	"github.com/edgefleet/edgefleet/internal/auth"
	"github.com/edgefleet/edgefleet/internal/deployment"
	"github.com/edgefleet/edgefleet/internal/instrumentation"
	"github.com/edgefleet/edgefleet/internal/ipresolve"
	"github.com/edgefleet/edgefleet/internal/nettest"
	"github.com/edgefleet/edgefleet/internal/notify"
	"github.com/edgefleet/edgefleet/internal/objectstore"
	"github.com/edgefleet/edgefleet/internal/store"
	"github.com/edgefleet/edgefleet/internal/store/model"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// downloadURLTTL is how long a signed download URL remains valid.
const downloadURLTTL = 10 * time.Minute

// testFileSize is the fixed payload size of the network test-file route
// (spec §6 "Returns exactly 20 MiB of zeros").
const testFileSize = 20 << 20

// Handlers implements every route of spec §6 against the store and the
// collaborators named in SPEC_FULL.md's domain stack. Grounded on the
// teacher's internal/service handler pattern (one struct wrapping store +
// collaborators, one method per route) generalized from its resource-CRUD
// shape to this system's command/heartbeat/deployment shape.
type Handlers struct {
	store      store.Store
	log        logrus.FieldLogger
	notifier   notify.Notifier
	objects    objectstore.Store
	deployer   *deployment.Engine
	nettests   *nettest.Orchestrator
	metrics    *instrumentation.Metrics
}

func NewHandlers(st store.Store, log logrus.FieldLogger, notifier notify.Notifier, objects objectstore.Store, deployer *deployment.Engine, nettests *nettest.Orchestrator, metrics *instrumentation.Metrics) *Handlers {
	return &Handlers{store: st, log: log, notifier: notifier, objects: objects, deployer: deployer, nettests: nettests, metrics: metrics}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Register implements POST /smith/register (spec §4.1).
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req v1.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	if req.SerialNumber == "" {
		http.Error(w, "serial_number is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	device, created, err := h.store.Device().GetOrCreateBySerial(ctx, req.SerialNumber, req.WifiMAC)
	if err != nil {
		h.log.WithError(err).Error("register: lookup/create device")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if created {
		h.notifier.DeviceRegistered(ctx, req.SerialNumber)
	}
	if !device.Approved {
		http.Error(w, "device not approved", http.StatusForbidden)
		return
	}
	if device.Token != nil {
		http.Error(w, "token already issued", http.StatusConflict)
		return
	}

	token := uuid.NewString()
	err = h.store.RunInTransaction(ctx, func(tx store.Store) error {
		if err := tx.Device().SetToken(ctx, device.ID, token); err != nil {
			return err
		}
		preset, err := tx.VariablePreset().GetByTitle(ctx, model.DefaultVariablePresetTitle)
		if err != nil {
			return fmt.Errorf("loading %s variable preset: %w", model.DefaultVariablePresetTitle, err)
		}
		return tx.Device().UpdateVariables(ctx, device.ID, preset.Variables)
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			http.Error(w, "token already issued", http.StatusConflict)
			return
		}
		h.log.WithError(err).Error("register: issuing token")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, v1.RegisterResponse{Token: token})
}

// Heartbeat implements POST /smith/home, the core synchronisation point of
// spec §4.2.
func (h *Handlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := auth.DeviceFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req v1.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	ip := ipresolve.ClientIP(r)

	var resp v1.HeartbeatResponse
	err := h.store.RunInTransaction(ctx, func(tx store.Store) error {
		device, err := tx.Device().GetByID(ctx, deviceID)
		if err != nil {
			return err
		}

		var synthesized []v1.CommandEnvelope
		for _, sr := range req.Responses {
			var cmdID *int64
			if !v1.IsSynthesized(sr.ID) {
				id := sr.ID
				cmdID = &id
			}
			if err := tx.Command().InsertResponse(ctx, deviceID, cmdID, sr.Response, sr.Status); err != nil {
				return fmt.Errorf("recording response for command %d: %w", sr.ID, err)
			}

			// GetVariables/GetNetwork/UpdateSystemInfo are device-originated
			// requests carried in the Responses list rather than replies to
			// a queued command (spec.md §9 Open Question). They never
			// correspond to a command_queue row, so they're handled here
			// rather than via the normal deliver/claim path below.
			switch {
			case sr.Response.UpdateSystemInfo != nil:
				if err := tx.Device().UpdateSystemInfo(ctx, deviceID, sr.Response.UpdateSystemInfo.SystemInfo); err != nil {
					return fmt.Errorf("persisting system info: %w", err)
				}
			case sr.Response.GetVariables != nil:
				synthesized = append(synthesized, v1.CommandEnvelope{
					ID:  int64(v1.SynthesizedUpdateVariables),
					Cmd: v1.SafeCommandTx{UpdateVariables: &v1.UpdateVariablesTx{Variables: device.Variables}},
				})
			case sr.Response.GetNetwork != nil:
				if device.NetworkProfile != nil {
					synthesized = append(synthesized, v1.CommandEnvelope{
						ID:  int64(v1.SynthesizedUpdateNetwork),
						Cmd: v1.SafeCommandTx{UpdateNetwork: &v1.UpdateNetworkTx{Network: *device.NetworkProfile}},
					})
				}
			}
		}

		var ipID *int64
		if ip != "" {
			addr, _, err := tx.IPAddress().Upsert(ctx, ip)
			if err != nil {
				return fmt.Errorf("upserting client ip: %w", err)
			}
			ipID = &addr.ID
		}
		if err := tx.Device().UpdateLastPingAndIP(ctx, deviceID, ipID); err != nil {
			return err
		}

		if req.ReleaseID != nil && (device.ReleaseID == nil || *device.ReleaseID != *req.ReleaseID) {
			if err := tx.Device().RecordReleaseUpgrade(ctx, deviceID, device.ReleaseID, *req.ReleaseID); err != nil {
				return fmt.Errorf("recording release upgrade: %w", err)
			}
		}

		cmds, err := tx.Command().DeliverableForDevice(ctx, deviceID)
		if err != nil {
			return err
		}
		ids := make([]int64, 0, len(cmds))
		for _, c := range cmds {
			ids = append(ids, c.ID)
		}
		claimed, err := tx.Command().MarkFetched(ctx, ids)
		if err != nil {
			return err
		}
		claimedSet := make(map[int64]bool, len(claimed))
		for _, id := range claimed {
			claimedSet[id] = true
		}

		envelopes := make([]v1.CommandEnvelope, 0, len(claimed))
		for _, c := range cmds {
			if !claimedSet[c.ID] {
				continue
			}
			envelopes = append(envelopes, v1.CommandEnvelope{
				ID: c.ID, Bundle: c.Bundle, Cmd: c.Cmd, ContinueOnError: c.ContinueOnError,
			})
		}

		envelopes = append(envelopes, synthesized...)

		resp = v1.HeartbeatResponse{Commands: envelopes, TargetReleaseID: device.TargetReleaseID}
		return nil
	})
	if err != nil {
		h.log.WithError(err).Error("heartbeat: transaction failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.metrics.ObserveHeartbeat()
	writeJSON(w, http.StatusOK, resp)
}

// Download implements GET /smith/download?path=<bucket>/<obj> (spec §6).
func (h *Handlers) Download(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	size, err := h.objects.Stat(ctx, path)
	if err != nil {
		h.log.WithError(err).Warn("download: stat failed")
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	url, err := h.objects.SignedURL(ctx, path, downloadURLTTL)
	if err != nil {
		h.log.WithError(err).Error("download: signing url")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.metrics.AddDownloadBytes(size)
	w.Header().Set("x-file-size", strconv.FormatInt(size, 10))
	http.Redirect(w, r, url, http.StatusFound)
}

// TestFile implements GET /smith/network/test-file: exactly 20 MiB of
// zeros (spec §6), used by the device's TestNetwork download phase.
func (h *Handlers) TestFile(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(testFileSize))
	buf := make([]byte, 64*1024)
	remaining := testFileSize
	for remaining > 0 {
		n := len(buf)
		if remaining < n {
			n = remaining
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return
		}
		remaining -= n
	}
}

// TestUpload implements POST /smith/network/test-upload (spec §6), the
// device's TestNetwork upload phase.
func (h *Handlers) TestUpload(w http.ResponseWriter, r *http.Request) {
	n, err := io.Copy(io.Discard, r.Body)
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"bytes_received": n})
}

// InsertCommand implements the command API: POST to insert a SafeCommandTx
// against one or more devices as a bundle (spec §4.4 "the server MUST
// reject negative ids from user-issued inserts" — user inserts never
// specify an id at all, so that invariant holds trivially here).
func (h *Handlers) InsertCommand(w http.ResponseWriter, r *http.Request) {
	var req v1.CommandInsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	if len(req.DeviceIDs) == 0 {
		http.Error(w, "device_ids is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	bundle := uuid.NewString()
	ids := make([]int64, 0, len(req.DeviceIDs))
	for _, deviceID := range req.DeviceIDs {
		c, err := h.store.Command().Insert(ctx, deviceID, bundle, req.Cmd, req.ContinueOnError)
		if err != nil {
			h.log.WithError(err).Error("insert command: writing row")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		ids = append(ids, c.ID)
	}

	writeJSON(w, http.StatusOK, map[string]any{"bundle": bundle, "command_ids": ids})
}

// CreateDeployment implements POST /releases/{id}/deployment (spec §4.7
// step 1).
func (h *Handlers) CreateDeployment(w http.ResponseWriter, r *http.Request) {
	releaseID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid release id", http.StatusBadRequest)
		return
	}

	d, err := h.deployer.Create(r.Context(), releaseID)
	if err != nil {
		if errors.Is(err, deployment.ErrReleaseNotDeployable) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.log.WithError(err).Error("create deployment")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, deploymentStatusResponse(d, 0))
}

// CheckDeployment implements PATCH /releases/{id}/deployment: the
// check-done poll of spec §4.7 step 2.
func (h *Handlers) CheckDeployment(w http.ResponseWriter, r *http.Request) {
	deploymentID, err := strconv.ParseInt(r.URL.Query().Get("deployment_id"), 10, 64)
	if err != nil {
		http.Error(w, "deployment_id query parameter is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	remaining, err := h.deployer.CheckDone(ctx, deploymentID)
	if err != nil {
		h.log.WithError(err).Error("check deployment")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	d, err := h.store.Deployment().GetByID(ctx, deploymentID)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	h.metrics.SetDeploymentCanariesRemaining(strconv.FormatInt(deploymentID, 10), remaining)
	writeJSON(w, http.StatusOK, deploymentStatusResponse(d, remaining))
}

// ConfirmDeployment implements POST /releases/{id}/deployment/confirm
// (spec §4.7 step 3).
func (h *Handlers) ConfirmDeployment(w http.ResponseWriter, r *http.Request) {
	deploymentID, err := strconv.ParseInt(r.URL.Query().Get("deployment_id"), 10, 64)
	if err != nil {
		http.Error(w, "deployment_id query parameter is required", http.StatusBadRequest)
		return
	}

	if err := h.deployer.ConfirmFullRollout(r.Context(), deploymentID); err != nil {
		if errors.Is(err, deployment.ErrCanariesNotDone) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		h.log.WithError(err).Error("confirm deployment")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	d, err := h.store.Deployment().GetByID(r.Context(), deploymentID)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, deploymentStatusResponse(d, 0))
}

func deploymentStatusResponse(d *model.Deployment, remaining int) v1.DeploymentStatusResponse {
	return v1.DeploymentStatusResponse{
		ID: d.ID, ReleaseID: d.ReleaseID, Status: string(d.Status), CanaryRemaining: remaining,
	}
}

// StartExtendedTest implements POST /network/extended-test (spec §6, §4.8).
func (h *Handlers) StartExtendedTest(w http.ResponseWriter, r *http.Request) {
	var req v1.ExtendedTestStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}

	session, err := h.nettests.Start(r.Context(), req.LabelFilter, req.DurationMinutes)
	if err != nil {
		switch {
		case errors.Is(err, nettest.ErrInvalidDuration):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, nettest.ErrSessionActive):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, nettest.ErrNoDevices):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			h.log.WithError(err).Error("start extended test")
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"id": session.ID})
}

// ExtendedTestStatus implements GET /network/extended-test/{id}.
func (h *Handlers) ExtendedTestStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	status, err := h.nettests.Status(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// CancelExtendedTest implements POST /network/extended-test/{id}/cancel.
func (h *Handlers) CancelExtendedTest(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if err := h.nettests.Cancel(r.Context(), id); err != nil {
		h.log.WithError(err).Error("cancel extended test")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
