// Package ipc implements the control protocol between keymapd and its
// clients (keymapctl, desktop integrations).
//
// Messages are length-prefixed JSON frames over a unix socket: a fixed
// 16-byte header carrying magic, version, type, request id, and payload
// length, followed by the JSON payload. Request ids correlate responses on
// a multiplexed connection; event frames carry id 0.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"keymapd/internal/engine"
)

const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x4B4D4950 // "KMIP"

	// HeaderSize is the fixed frame header length in bytes.
	HeaderSize = 16

	// MaxPayload bounds a single frame; control traffic is small.
	MaxPayload = 4 * 1024 * 1024
)

// MessageType identifies the frame type.
type MessageType uint16

const (
	// Control (0x00xx)
	MsgPing     MessageType = 0x0001
	MsgPong     MessageType = 0x0002
	MsgError    MessageType = 0x0003
	MsgShutdown MessageType = 0x0004

	// Status (0x01xx)
	MsgStatusRequest  MessageType = 0x0100
	MsgStatusResponse MessageType = 0x0101

	// Profiles (0x02xx)
	MsgListProfiles     MessageType = 0x0200
	MsgListProfilesResp MessageType = 0x0201
	MsgActivateProfile  MessageType = 0x0202
	MsgActivateResp     MessageType = 0x0203
	MsgReloadProfile    MessageType = 0x0204
	MsgReloadResp       MessageType = 0x0205
	MsgHistory          MessageType = 0x0206
	MsgHistoryResp      MessageType = 0x0207

	// Devices (0x03xx)
	MsgListDevices      MessageType = 0x0300
	MsgListDevicesResp  MessageType = 0x0301
	MsgDetachDevice     MessageType = 0x0302
	MsgDetachDeviceResp MessageType = 0x0303

	// Event streaming (0x04xx)
	MsgSubscribe     MessageType = 0x0400
	MsgSubscribeResp MessageType = 0x0401
	MsgEvent         MessageType = 0x0402
)

// Header is the fixed-size frame header.
type Header struct {
	Magic     uint32
	Version   uint8
	Flags     uint8
	Type      MessageType
	RequestID uint32
	Length    uint32
}

// Message is one complete frame.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage builds a frame for the given type and payload.
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write serializes the header.
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads and validates one header.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}
	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("ipc: bad magic %#x", h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("ipc: unsupported protocol version %d", h.Version)
	}
	return h, nil
}

// Write serializes a full frame.
func (m *Message) Write(w io.Writer) error {
	if err := m.Header.Write(w); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		_, err := w.Write(m.Payload)
		return err
	}
	return nil
}

// ReadMessage reads one full frame.
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayload {
			return nil, fmt.Errorf("ipc: payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Error codes carried in ErrorResponse.
const (
	ErrUnknown        = 1
	ErrInvalidRequest = 2
	ErrNotFound       = 3
	ErrInternal       = 4
	ErrLoadFailed     = 5
)

// ErrorResponse reports a failed request.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// StatusResponse is the daemon status snapshot.
type StatusResponse struct {
	Version       string                `json:"version"`
	UptimeSec     int64                 `json:"uptime_sec"`
	ActiveProfile string                `json:"active_profile"`
	ProfileDigest string                `json:"profile_digest,omitempty"`
	Devices       []engine.DeviceStatus `json:"devices"`
	Stats         StatsSnapshot         `json:"stats"`
}

// StatsSnapshot mirrors the engine's dispatch counters in JSON form.
type StatsSnapshot struct {
	Transitions     uint64 `json:"transitions"`
	Synthetic       uint64 `json:"synthetic"`
	PassThrough     uint64 `json:"passthrough"`
	Suppressed      uint64 `json:"suppressed"`
	OutputActions   uint64 `json:"output_actions"`
	TapResolutions  uint64 `json:"tap_resolutions"`
	HoldResolutions uint64 `json:"hold_resolutions"`
	Malformed       uint64 `json:"malformed"`
	DuplicateDowns  uint64 `json:"duplicate_downs"`
}

// ProfileInfo describes one available profile artifact.
type ProfileInfo struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Digest  string `json:"digest,omitempty"`
	Active  bool   `json:"active"`
	Layers  int    `json:"layers"`
	Devices string `json:"device_pattern,omitempty"`
}

// ListProfilesResponse lists available profiles.
type ListProfilesResponse struct {
	Profiles []ProfileInfo `json:"profiles"`
}

// ActivateProfileRequest switches the active profile.
type ActivateProfileRequest struct {
	Name string `json:"name"`
}

// ActivateProfileResponse acknowledges a profile switch.
type ActivateProfileResponse struct {
	Success bool   `json:"success"`
	Name    string `json:"name"`
	Digest  string `json:"digest,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HistoryRequest asks for recent profile activations.
type HistoryRequest struct {
	// Limit caps the entry count; zero means the server default.
	Limit int `json:"limit,omitempty"`
}

// HistoryEntry is one recorded profile activation.
type HistoryEntry struct {
	Profile     string    `json:"profile"`
	Digest      string    `json:"digest"`
	ActivatedAt time.Time `json:"activated_at"`
	Source      string    `json:"source"`
}

// HistoryResponse lists activations, newest first.
type HistoryResponse struct {
	Entries []HistoryEntry `json:"entries"`
}

// ListDevicesResponse lists managed devices.
type ListDevicesResponse struct {
	Devices []engine.DeviceStatus `json:"devices"`
}

// DetachDeviceRequest puts one device into pass-through mode.
type DetachDeviceRequest struct {
	Device string `json:"device"`
}

// DetachDeviceResponse acknowledges a detach.
type DetachDeviceResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// SubscribeRequest opens the event stream on this connection. After the
// acknowledgement the server sends MsgEvent frames until the client closes.
type SubscribeRequest struct {
	// Devices filters the stream; empty means all devices.
	Devices []string `json:"devices,omitempty"`
}

// SubscribeResponse acknowledges a subscription.
type SubscribeResponse struct {
	Success        bool   `json:"success"`
	SubscriptionID string `json:"subscription_id"`
}

// EventFrame is one streamed engine event.
type EventFrame struct {
	ID    string       `json:"id"`
	Event engine.Event `json:"event"`
}

// Encode marshals a payload.
func Encode(v any) ([]byte, error) { return json.Marshal(v) }

// Decode unmarshals a payload.
func Decode(data []byte, v any) error { return json.Unmarshal(data, v) }

// NewErrorMessage builds an error frame.
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{Code: code, Message: message})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse builds a response frame from a payload value.
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
