// Package v1 defines the wire contract shared by the control server and the
// device agent: command envelopes, heartbeat bodies, and the closed set of
// command/response tagged unions described in the command catalog.
package v1

import (
	"encoding/json"
	"fmt"
)

// SynthesizedCommandKind enumerates the server-generated commands that carry
// a negative command id and therefore never correspond to a command_queue
// row. Collecting them in one enum (rather than scattering -1/-4/-10/-11
// sentinels through handler code) is a deliberate deviation called for by
// REDESIGN FLAGS.
type SynthesizedCommandKind int32

const (
	SynthesizedUpdateVariables SynthesizedCommandKind = -1
	SynthesizedUpdateNetwork   SynthesizedCommandKind = -4
	SynthesizedStopLogStream   SynthesizedCommandKind = -10
	SynthesizedCloseTunnel     SynthesizedCommandKind = -11
)

// IsSynthesized reports whether a command id refers to a server-synthesised
// command rather than a row in command_queue.
func IsSynthesized(id int64) bool {
	return id < 0
}

// SafeCommandTx is the closed sum type of directives the server can send to
// a device. Exactly one field is non-nil; MarshalJSON/UnmarshalJSON encode
// it as the teacher's tagged-union convention: {"<Variant>": {...}} for
// payload-bearing variants, or the bare string "<Variant>" for unit
// variants.
type SafeCommandTx struct {
	Ping                *PingTx                `json:"-"`
	FreeForm            *FreeFormTx            `json:"-"`
	Restart             *RestartTx             `json:"-"`
	Upgrade             *UpgradeTx             `json:"-"`
	OpenTunnel          *OpenTunnelTx          `json:"-"`
	CloseTunnel         *CloseTunnelTx         `json:"-"`
	UpdateVariables     *UpdateVariablesTx     `json:"-"`
	UpdateNetwork       *UpdateNetworkTx       `json:"-"`
	TestNetwork         *TestNetworkTx         `json:"-"`
	ExtendedNetworkTest *ExtendedNetworkTestTx `json:"-"`
	StreamLogs          *StreamLogsTx          `json:"-"`
	StopLogStream       *StopLogStreamTx       `json:"-"`
	DownloadOTA         *DownloadOTATx         `json:"-"`
	CheckOTAStatus      *CheckOTAStatusTx      `json:"-"`
	StartOTA            *StartOTATx            `json:"-"`
}

type PingTx struct{}
type RestartTx struct{}
type UpgradeTx struct{}

type FreeFormTx struct {
	Cmd string `json:"cmd"`
}

type OpenTunnelTx struct {
	Port    *int32  `json:"port,omitempty"`
	User    *string `json:"user,omitempty"`
	PubKey  *string `json:"pub_key,omitempty"`
}

type CloseTunnelTx struct{}

type UpdateVariablesTx struct {
	Variables map[string]string `json:"variables"`
}

type UpdateNetworkTx struct {
	Network NetworkProfile `json:"network"`
}

// NetworkProfile describes a network configuration the device should apply
// via nmcli. Supplemented from original_source/api/src/network/route.rs,
// which the distilled spec.md omits.
type NetworkProfile struct {
	Name      string   `json:"name"`
	Interface string   `json:"interface"`
	Mode      string   `json:"mode"` // "dhcp" | "static" | "wifi"
	SSID      *string  `json:"ssid,omitempty"`
	PSK       *string  `json:"psk,omitempty"`
	Address   *string  `json:"address,omitempty"`
	Gateway   *string  `json:"gateway,omitempty"`
	DNS       []string `json:"dns,omitempty"`
}

type TestNetworkTx struct{}

type ExtendedNetworkTestTx struct {
	DurationMinutes int `json:"duration_minutes"`
}

type StreamLogsTx struct {
	SessionID   string `json:"session_id"`
	ServiceName string `json:"service_name"`
	WsURL       string `json:"ws_url"`
}

type StopLogStreamTx struct {
	SessionID string `json:"session_id"`
}

type DownloadOTATx struct {
	Path string `json:"path"`
}
type CheckOTAStatusTx struct{}
type StartOTATx struct{}

// SafeCommandRx is the closed sum type of replies a device can send back.
//
// GetVariables, GetNetwork, and UpdateSystemInfo are device-originated: the
// device sends them unprompted (not in reply to any queued command) to ask
// the server to re-issue its current state, or to report system state for
// the server to store. The heartbeat handler reacts to the first two by
// synthesising a negative-id Update* command back to the device in the same
// response (REDESIGN FLAGS: "an unusual in-band request/response
// inversion"); UpdateSystemInfo has no reply at all, the server just
// persists it.
type SafeCommandRx struct {
	Pong                *PongRx                `json:"-"`
	FreeForm            *FreeFormRx            `json:"-"`
	Restart             *RestartRx             `json:"-"`
	Upgraded            *UpgradedRx            `json:"-"`
	OpenTunnel          *OpenTunnelRx          `json:"-"`
	TunnelClosed        *TunnelClosedRx        `json:"-"`
	UpdateVariables     *UpdateVariablesRx     `json:"-"`
	UpdateNetwork       *UpdateNetworkRx       `json:"-"`
	GetVariables        *GetVariablesRx        `json:"-"`
	GetNetwork          *GetNetworkRx          `json:"-"`
	UpdateSystemInfo    *UpdateSystemInfoRx    `json:"-"`
	TestNetwork         *TestNetworkRx         `json:"-"`
	ExtendedNetworkTest *ExtendedNetworkTestRx `json:"-"`
	LogStreamStarted    *LogStreamStartedRx    `json:"-"`
	LogStreamStopped    *LogStreamStoppedRx    `json:"-"`
	DownloadOTA         *DownloadOTARx         `json:"-"`
	CheckOTAStatus      *CheckOTAStatusRx      `json:"-"`
	StartOTA            *StartOTARx            `json:"-"`
}

type PongRx struct{}

type FreeFormRx struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

type RestartRx struct {
	Message string `json:"message"`
}

type UpgradedRx struct{}

type OpenTunnelRx struct {
	PortServer int32 `json:"port_server"`
}

type TunnelClosedRx struct{}

type UpdateVariablesRx struct{}
type UpdateNetworkRx struct{}

// GetVariablesRx is sent by the device to ask the server to re-issue its
// current variable set as a synthesized UpdateVariables command carrying id
// SynthesizedUpdateVariables (spec.md §9 Open Question; GLOSSARY
// "synthesised command"). Bare unit variant, same shape as the original's
// bare `GetVariables` enum case.
type GetVariablesRx struct{}

// GetNetworkRx asks the server to re-issue the device's stored network
// profile as a synthesized UpdateNetwork command carrying id
// SynthesizedUpdateNetwork. If the device has no stored profile the server
// sends nothing back.
type GetNetworkRx struct{}

// UpdateSystemInfoRx reports the device's current system info for the
// server to persist against the device row. Unlike GetVariables/GetNetwork
// this carries no reply.
type UpdateSystemInfoRx struct {
	SystemInfo SystemInfo `json:"system_info"`
}

type TestNetworkRx struct {
	BytesDownloaded int64 `json:"bytes_downloaded"`
	BytesUploaded   int64 `json:"bytes_uploaded"`
	DurationMs      int64 `json:"duration_ms"`
	TimedOut        bool  `json:"timed_out"`
}

type NetworkSample struct {
	StartedAt       string  `json:"started_at"` // RFC3339
	BytesDownloaded int64   `json:"bytes_downloaded"`
	DurationMs      int64   `json:"duration_ms"`
	ThroughputMbps  float64 `json:"throughput_mbps"`
}

type ExtendedNetworkTestRx struct {
	Samples     []NetworkSample `json:"samples"`
	NetworkInfo map[string]string `json:"network_info"`
	TimedOut    bool            `json:"timed_out"`
}

type LogStreamStartedRx struct {
	SessionID string `json:"session_id"`
}
type LogStreamStoppedRx struct {
	SessionID string `json:"session_id"`
}

type DownloadOTARx struct {
	Progress int `json:"progress"`
}
type CheckOTAStatusRx struct {
	Status string `json:"status"`
}
type StartOTARx struct{}

// variant name constants used by the tagged-union encoder/decoder.
const (
	vPing                = "Ping"
	vFreeForm            = "FreeForm"
	vRestart             = "Restart"
	vUpgrade             = "Upgrade"
	vOpenTunnel          = "OpenTunnel"
	vCloseTunnel         = "CloseTunnel"
	vUpdateVariables     = "UpdateVariables"
	vUpdateNetwork       = "UpdateNetwork"
	vTestNetwork         = "TestNetwork"
	vExtendedNetworkTest = "ExtendedNetworkTest"
	vStreamLogs          = "StreamLogs"
	vStopLogStream       = "StopLogStream"
	vDownloadOTA         = "DownloadOTA"
	vCheckOTAStatus      = "CheckOTAStatus"
	vStartOTA            = "StartOTA"

	vPong             = "Pong"
	vUpgraded         = "Upgraded"
	vTunnelClosed     = "TunnelClosed"
	vLogStreamStarted = "LogStreamStarted"
	vLogStreamStopped = "LogStreamStopped"
	vGetVariables     = "GetVariables"
	vGetNetwork       = "GetNetwork"
	vUpdateSystemInfo = "UpdateSystemInfo"
)

func (c SafeCommandTx) MarshalJSON() ([]byte, error) {
	switch {
	case c.Ping != nil:
		return json.Marshal(vPing)
	case c.FreeForm != nil:
		return marshalTagged(vFreeForm, c.FreeForm)
	case c.Restart != nil:
		return json.Marshal(vRestart)
	case c.Upgrade != nil:
		return json.Marshal(vUpgrade)
	case c.OpenTunnel != nil:
		return marshalTagged(vOpenTunnel, c.OpenTunnel)
	case c.CloseTunnel != nil:
		return json.Marshal(vCloseTunnel)
	case c.UpdateVariables != nil:
		return marshalTagged(vUpdateVariables, c.UpdateVariables)
	case c.UpdateNetwork != nil:
		return marshalTagged(vUpdateNetwork, c.UpdateNetwork)
	case c.TestNetwork != nil:
		return json.Marshal(vTestNetwork)
	case c.ExtendedNetworkTest != nil:
		return marshalTagged(vExtendedNetworkTest, c.ExtendedNetworkTest)
	case c.StreamLogs != nil:
		return marshalTagged(vStreamLogs, c.StreamLogs)
	case c.StopLogStream != nil:
		return marshalTagged(vStopLogStream, c.StopLogStream)
	case c.DownloadOTA != nil:
		return marshalTagged(vDownloadOTA, c.DownloadOTA)
	case c.CheckOTAStatus != nil:
		return json.Marshal(vCheckOTAStatus)
	case c.StartOTA != nil:
		return json.Marshal(vStartOTA)
	default:
		return nil, fmt.Errorf("v1: empty SafeCommandTx")
	}
}

func (c *SafeCommandTx) UnmarshalJSON(data []byte) error {
	if tag, ok := tryBareString(data); ok {
		switch tag {
		case vPing:
			c.Ping = &PingTx{}
		case vRestart:
			c.Restart = &RestartTx{}
		case vUpgrade:
			c.Upgrade = &UpgradeTx{}
		case vCloseTunnel:
			c.CloseTunnel = &CloseTunnelTx{}
		case vTestNetwork:
			c.TestNetwork = &TestNetworkTx{}
		case vCheckOTAStatus:
			c.CheckOTAStatus = &CheckOTAStatusTx{}
		case vStartOTA:
			c.StartOTA = &StartOTATx{}
		default:
			return fmt.Errorf("v1: unknown command tag %q", tag)
		}
		return nil
	}

	tag, raw, err := unwrapTagged(data)
	if err != nil {
		return err
	}
	switch tag {
	case vFreeForm:
		c.FreeForm = &FreeFormTx{}
		return json.Unmarshal(raw, c.FreeForm)
	case vOpenTunnel:
		c.OpenTunnel = &OpenTunnelTx{}
		return json.Unmarshal(raw, c.OpenTunnel)
	case vUpdateVariables:
		c.UpdateVariables = &UpdateVariablesTx{}
		return json.Unmarshal(raw, c.UpdateVariables)
	case vUpdateNetwork:
		c.UpdateNetwork = &UpdateNetworkTx{}
		return json.Unmarshal(raw, c.UpdateNetwork)
	case vExtendedNetworkTest:
		c.ExtendedNetworkTest = &ExtendedNetworkTestTx{}
		return json.Unmarshal(raw, c.ExtendedNetworkTest)
	case vStreamLogs:
		c.StreamLogs = &StreamLogsTx{}
		return json.Unmarshal(raw, c.StreamLogs)
	case vStopLogStream:
		c.StopLogStream = &StopLogStreamTx{}
		return json.Unmarshal(raw, c.StopLogStream)
	case vDownloadOTA:
		c.DownloadOTA = &DownloadOTATx{}
		return json.Unmarshal(raw, c.DownloadOTA)
	default:
		return fmt.Errorf("v1: unknown command tag %q", tag)
	}
}

func (r SafeCommandRx) MarshalJSON() ([]byte, error) {
	switch {
	case r.Pong != nil:
		return json.Marshal(vPong)
	case r.FreeForm != nil:
		return marshalTagged(vFreeForm, r.FreeForm)
	case r.Restart != nil:
		return marshalTagged(vRestart, r.Restart)
	case r.Upgraded != nil:
		return json.Marshal(vUpgraded)
	case r.OpenTunnel != nil:
		return marshalTagged(vOpenTunnel, r.OpenTunnel)
	case r.TunnelClosed != nil:
		return json.Marshal(vTunnelClosed)
	case r.UpdateVariables != nil:
		return json.Marshal(vUpdateVariables)
	case r.UpdateNetwork != nil:
		return json.Marshal(vUpdateNetwork)
	case r.TestNetwork != nil:
		return marshalTagged(vTestNetwork, r.TestNetwork)
	case r.ExtendedNetworkTest != nil:
		return marshalTagged(vExtendedNetworkTest, r.ExtendedNetworkTest)
	case r.LogStreamStarted != nil:
		return marshalTagged(vLogStreamStarted, r.LogStreamStarted)
	case r.LogStreamStopped != nil:
		return marshalTagged(vLogStreamStopped, r.LogStreamStopped)
	case r.DownloadOTA != nil:
		return marshalTagged(vDownloadOTA, r.DownloadOTA)
	case r.CheckOTAStatus != nil:
		return marshalTagged(vCheckOTAStatus, r.CheckOTAStatus)
	case r.StartOTA != nil:
		return json.Marshal(vStartOTA)
	case r.GetVariables != nil:
		return json.Marshal(vGetVariables)
	case r.GetNetwork != nil:
		return json.Marshal(vGetNetwork)
	case r.UpdateSystemInfo != nil:
		return marshalTagged(vUpdateSystemInfo, r.UpdateSystemInfo)
	default:
		return nil, fmt.Errorf("v1: empty SafeCommandRx")
	}
}

func (r *SafeCommandRx) UnmarshalJSON(data []byte) error {
	if tag, ok := tryBareString(data); ok {
		switch tag {
		case vPong:
			r.Pong = &PongRx{}
		case vUpgraded:
			r.Upgraded = &UpgradedRx{}
		case vTunnelClosed:
			r.TunnelClosed = &TunnelClosedRx{}
		case vUpdateVariables:
			r.UpdateVariables = &UpdateVariablesRx{}
		case vUpdateNetwork:
			r.UpdateNetwork = &UpdateNetworkRx{}
		case vStartOTA:
			r.StartOTA = &StartOTARx{}
		case vGetVariables:
			r.GetVariables = &GetVariablesRx{}
		case vGetNetwork:
			r.GetNetwork = &GetNetworkRx{}
		default:
			return fmt.Errorf("v1: unknown response tag %q", tag)
		}
		return nil
	}

	tag, raw, err := unwrapTagged(data)
	if err != nil {
		return err
	}
	switch tag {
	case vUpdateSystemInfo:
		r.UpdateSystemInfo = &UpdateSystemInfoRx{}
		return json.Unmarshal(raw, r.UpdateSystemInfo)
	case vFreeForm:
		r.FreeForm = &FreeFormRx{}
		return json.Unmarshal(raw, r.FreeForm)
	case vRestart:
		r.Restart = &RestartRx{}
		return json.Unmarshal(raw, r.Restart)
	case vOpenTunnel:
		r.OpenTunnel = &OpenTunnelRx{}
		return json.Unmarshal(raw, r.OpenTunnel)
	case vTestNetwork:
		r.TestNetwork = &TestNetworkRx{}
		return json.Unmarshal(raw, r.TestNetwork)
	case vExtendedNetworkTest:
		r.ExtendedNetworkTest = &ExtendedNetworkTestRx{}
		return json.Unmarshal(raw, r.ExtendedNetworkTest)
	case vLogStreamStarted:
		r.LogStreamStarted = &LogStreamStartedRx{}
		return json.Unmarshal(raw, r.LogStreamStarted)
	case vLogStreamStopped:
		r.LogStreamStopped = &LogStreamStoppedRx{}
		return json.Unmarshal(raw, r.LogStreamStopped)
	case vDownloadOTA:
		r.DownloadOTA = &DownloadOTARx{}
		return json.Unmarshal(raw, r.DownloadOTA)
	case vCheckOTAStatus:
		r.CheckOTAStatus = &CheckOTAStatusRx{}
		return json.Unmarshal(raw, r.CheckOTAStatus)
	default:
		return fmt.Errorf("v1: unknown response tag %q", tag)
	}
}

func marshalTagged(tag string, payload any) ([]byte, error) {
	inner, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]json.RawMessage{tag: inner})
}

func tryBareString(data []byte) (string, bool) {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return "", false
	}
	return s, true
}

func unwrapTagged(data []byte) (string, json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return "", nil, fmt.Errorf("v1: not a tagged union: %w", err)
	}
	if len(m) != 1 {
		return "", nil, fmt.Errorf("v1: tagged union must have exactly one key, got %d", len(m))
	}
	for k, v := range m {
		return k, v, nil
	}
	panic("unreachable")
}
