// Package logstream implements the three-party WebSocket rendezvous of
// spec §4.10: a dashboard socket and a device socket are joined through a
// session table, with an mpsc-style channel standing in for the device's
// text frames until the dashboard forwarder drains them. When a
// pkg/queues.Provider is configured, device frames are additionally
// published to a topic keyed by session id, so a forwarder on another
// replica subscribed to the same topic can relay them even though the
// session *table* itself (the device_serial/service_name/dashboard_tx row)
// is only ever held by the replica that minted it — full multi-replica
// rendezvous would additionally need that row shared (e.g. in redis too),
// which DESIGN.md records as a known limitation.
// Grounded on the teacher's internal/agent/tunnel disposition pattern
// (server-side half of a relay kept in a lookup table, swept by TTL) and
// on gorilla/websocket as named in SPEC_FULL.md's domain stack.
package logstream

import (
	"context"
	"net/http"
	"sync"
	"time"

	v1 "github.com/edgefleet/edgefleet/api/v1"
	"github.com/edgefleet/edgefleet/internal/store"
	"github.com/edgefleet/edgefleet/pkg/queues"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"
)

// SessionTTL bounds how long a rendezvous row survives without the device
// ever connecting. Once evicted, the device's connect attempt sees 404 and
// the device terminates the child log-tail process (spec §4.10 "Lost
// sessions").
const SessionTTL = 2 * time.Minute

// session is one row of the HashMap<session_id, {...}> the spec describes.
// toDashboard stands in for the "dashboard_tx" mpsc channel: device frames
// are pushed onto it, and the dashboard-side forwarder goroutine drains it.
type session struct {
	deviceSerial string
	serviceName  string
	toDashboard  chan []byte

	mu     sync.Mutex
	closed bool
}

func (s *session) push(msg []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.toDashboard <- msg:
	default: // dashboard forwarder is behind; drop rather than block the device read loop
	}
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.toDashboard)
}

// Table is the shared session map plus the two WebSocket handlers that
// rendezvous through it.
type Table struct {
	store    store.Store
	log      logrus.FieldLogger
	cache    *ttlcache.Cache[string, *session]
	upgrader websocket.Upgrader
	queue    queues.Provider // nil when running single-replica / without redis configured
}

// NewTable builds a session table. queue may be nil, in which case
// forwarding is purely in-process (fine for a single-replica deployment or
// tests); when non-nil, device frames are additionally relayed through it
// so a dashboard connected to a different replica still receives them.
func NewTable(st store.Store, log logrus.FieldLogger, queue queues.Provider) *Table {
	cache := ttlcache.New[string, *session](ttlcache.WithTTL[string, *session](SessionTTL))
	go cache.Start()
	return &Table{
		store:    st,
		log:      log,
		cache:    cache,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		queue:    queue,
	}
}

func topicFor(sessionID string) string { return "logstream:" + sessionID }

func (t *Table) Stop() { t.cache.Stop() }

// DashboardHandler implements GET /ws/devices/{serial}/logs/{service}.
// Auth (the `token` query param or bearer header) is validated by the
// caller's middleware chain; this handler only performs the rendezvous.
// wsURL builds the ws:// URL the device will dial, given a session id.
func (t *Table) DashboardHandler(wsURL func(sessionID string) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serial := chi.URLParam(r, "serial")
		service := chi.URLParam(r, "service")

		device, err := t.store.Device().GetBySerial(r.Context(), serial)
		if err != nil {
			http.Error(w, "device not found", http.StatusNotFound)
			return
		}

		conn, err := t.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.log.WithError(err).Warn("logstream: dashboard upgrade failed")
			return
		}
		defer conn.Close()

		sessionID := uuid.NewString()
		s := &session{deviceSerial: serial, serviceName: service, toDashboard: make(chan []byte, 64)}
		t.cache.Set(sessionID, s, ttlcache.DefaultTTL)

		cmd := v1.SafeCommandTx{StreamLogs: &v1.StreamLogsTx{
			SessionID:   sessionID,
			ServiceName: service,
			WsURL:       wsURL(sessionID),
		}}
		if _, err := t.store.Command().Insert(r.Context(), device.ID, "", cmd, false); err != nil {
			t.log.WithError(err).Error("logstream: queuing StreamLogs command")
			t.cache.Delete(sessionID)
			return
		}

		// Reader goroutine: any close/error from the dashboard side
		// propagates to the device (spec §4.10 "either side's close
		// propagates").
		closeCh := make(chan struct{})
		go func() {
			defer close(closeCh)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		// When a queue is configured, also drain the cross-replica topic
		// into the same local channel so the forward loop below has one
		// read path regardless of which server the device landed on.
		var unsubscribe func()
		if t.queue != nil {
			remote, unsub, err := t.queue.Subscribe(r.Context(), topicFor(sessionID))
			if err != nil {
				t.log.WithError(err).Warn("logstream: subscribing to relay topic")
			} else {
				unsubscribe = unsub
				go func() {
					for msg := range remote {
						s.push(msg)
					}
				}()
			}
		}
		if unsubscribe != nil {
			defer unsubscribe()
		}

		for {
			select {
			case <-closeCh:
				t.endSession(sessionID, s, device.ID)
				return
			case msg, ok := <-s.toDashboard:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					t.endSession(sessionID, s, device.ID)
					return
				}
			}
		}
	}
}

// endSession tears down the rendezvous row and notifies the device. It
// uses context.Background() rather than the dashboard request's context,
// which may already be canceling by the time its socket closes (spec
// §4.10 "the server enqueues StopLogStream ... when the dashboard
// leaves").
func (t *Table) endSession(sessionID string, s *session, deviceID int64) {
	t.cache.Delete(sessionID)
	s.close()
	cmd := v1.SafeCommandTx{StopLogStream: &v1.StopLogStreamTx{SessionID: sessionID}}
	if _, err := t.store.Command().Insert(context.Background(), deviceID, "", cmd, false); err != nil {
		t.log.WithError(err).Warn("logstream: queuing StopLogStream command")
	}
}

// DeviceHandler implements GET /ws/stream-logs/{session_id}. A missing row
// (never registered, or evicted) yields 404, causing the device to
// terminate its log-tail child process (spec §4.10 "Lost sessions").
func (t *Table) DeviceHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	s := t.cache.Get(sessionID)
	if s == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	row := s.Value()

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.WithError(err).Warn("logstream: device upgrade failed")
		return
	}
	defer conn.Close()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		row.push(msg)
		if t.queue != nil {
			if err := t.queue.Publish(r.Context(), topicFor(sessionID), msg); err != nil {
				t.log.WithError(err).Warn("logstream: relaying frame through queue")
			}
		}
	}
}
