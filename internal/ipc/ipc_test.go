package ipc

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keymapd/internal/broadcast"
	"keymapd/internal/engine"
)

type stubDaemon struct {
	broadcaster *broadcast.Broadcaster
	activated   string
	detached    string
	failNext    bool
}

func (d *stubDaemon) Status() StatusResponse {
	return StatusResponse{
		Version:       "test",
		ActiveProfile: "default",
		Devices: []engine.DeviceStatus{
			{Device: "kbd0", Active: true},
		},
	}
}

func (d *stubDaemon) ListProfiles() ([]ProfileInfo, error) {
	return []ProfileInfo{
		{Name: "default", Active: true, Layers: 2},
		{Name: "gaming"},
	}, nil
}

func (d *stubDaemon) ActivateProfile(name string) (string, error) {
	if d.failNext {
		return "", errors.New("artifact rejected")
	}
	d.activated = name
	return "abc123", nil
}

func (d *stubDaemon) ReloadProfile() (string, error) { return "abc123", nil }

func (d *stubDaemon) History(limit int) ([]HistoryEntry, error) {
	entries := []HistoryEntry{
		{Profile: "gaming", Digest: "def456", ActivatedAt: time.Unix(200, 0), Source: "manual"},
		{Profile: "default", Digest: "abc123", ActivatedAt: time.Unix(100, 0), Source: "startup"},
	}
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries, nil
}

func (d *stubDaemon) DetachDevice(device string) error {
	d.detached = device
	return nil
}

func (d *stubDaemon) Subscribe() (<-chan broadcast.Notification, func()) {
	return d.broadcaster.Subscribe()
}

func startServer(t *testing.T) (*stubDaemon, *Client) {
	t.Helper()
	daemon := &stubDaemon{broadcaster: broadcast.New()}
	sock := filepath.Join(t.TempDir(), "kmd.sock")

	srv := NewServer(ServerConfig{SocketPath: sock}, daemon, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Close() })

	client, err := Dial(sock, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return daemon, client
}

func TestHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := NewMessage(MsgStatusRequest, 7, []byte(`{"a":1}`))
	require.NoError(t, msg.Write(&buf))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgStatusRequest, got.Header.Type)
	assert.Equal(t, uint32(7), got.Header.RequestID)
	assert.Equal(t, []byte(`{"a":1}`), got.Payload)
}

func TestReadHeader_BadMagic(t *testing.T) {
	var buf bytes.Buffer
	msg := NewMessage(MsgPing, 1, nil)
	msg.Header.Magic = 0xDEADBEEF
	require.NoError(t, msg.Write(&buf))

	_, err := ReadMessage(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "magic")
}

func TestClient_Ping(t *testing.T) {
	_, client := startServer(t)
	assert.NoError(t, client.Ping())
}

func TestClient_Status(t *testing.T) {
	_, client := startServer(t)

	st, err := client.Status()
	require.NoError(t, err)
	assert.Equal(t, "default", st.ActiveProfile)
	require.Len(t, st.Devices, 1)
	assert.Equal(t, "kbd0", st.Devices[0].Device)
}

func TestClient_ListProfiles(t *testing.T) {
	_, client := startServer(t)

	profiles, err := client.ListProfiles()
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.True(t, profiles[0].Active)
	assert.Equal(t, "gaming", profiles[1].Name)
}

func TestClient_ActivateProfile(t *testing.T) {
	daemon, client := startServer(t)

	resp, err := client.ActivateProfile("gaming")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "abc123", resp.Digest)
	assert.Equal(t, "gaming", daemon.activated)
}

func TestClient_ActivateProfile_Failure(t *testing.T) {
	daemon, client := startServer(t)
	daemon.failNext = true

	_, err := client.ActivateProfile("broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "artifact rejected")
}

func TestClient_ActivateProfile_EmptyName(t *testing.T) {
	_, client := startServer(t)

	_, err := client.ActivateProfile("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "profile name required")
}

func TestClient_History(t *testing.T) {
	_, client := startServer(t)

	entries, err := client.History(0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "gaming", entries[0].Profile, "newest first")
	assert.Equal(t, "manual", entries[0].Source)
	assert.Equal(t, "default", entries[1].Profile)

	entries, err = client.History(1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "gaming", entries[0].Profile)
}

func TestClient_DetachDevice(t *testing.T) {
	daemon, client := startServer(t)

	require.NoError(t, client.DetachDevice("kbd0"))
	assert.Equal(t, "kbd0", daemon.detached)
}

func TestClient_EventStream(t *testing.T) {
	daemon, client := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan EventFrame, 1)
	go func() {
		client.Events(ctx, nil, func(f EventFrame) {
			select {
			case got <- f:
			default:
			}
		})
	}()

	// The subscription registers asynchronously; publish until delivered.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case f := <-got:
			assert.Equal(t, "kbd0", f.Event.Device)
			assert.NotEmpty(t, f.ID)
			return
		case <-tick.C:
			daemon.broadcaster.Publish(engine.Event{Device: "kbd0", Sequence: 1})
		case <-deadline:
			t.Fatal("no event received")
		}
	}
}

func TestClient_EventStreamDeviceFilter(t *testing.T) {
	daemon, client := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan EventFrame, 4)
	go func() {
		client.Events(ctx, []string{"kbd1"}, func(f EventFrame) {
			got <- f
		})
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case f := <-got:
			assert.Equal(t, "kbd1", f.Event.Device, "filtered devices must not arrive")
			return
		case <-tick.C:
			daemon.broadcaster.Publish(engine.Event{Device: "kbd0"})
			daemon.broadcaster.Publish(engine.Event{Device: "kbd1"})
		case <-deadline:
			t.Fatal("no event received")
		}
	}
}

func TestServer_StaleSocketReplaced(t *testing.T) {
	daemon := &stubDaemon{broadcaster: broadcast.New()}
	sock := filepath.Join(t.TempDir(), "kmd.sock")

	srv1 := NewServer(ServerConfig{SocketPath: sock}, daemon, nil)
	require.NoError(t, srv1.Start())
	require.NoError(t, srv1.Close())

	// First server removed its socket on Close; a leftover file would still
	// be handled by the stale-socket probe.
	srv2 := NewServer(ServerConfig{SocketPath: sock}, daemon, nil)
	require.NoError(t, srv2.Start())
	defer srv2.Close()

	client, err := Dial(sock, time.Second)
	require.NoError(t, err)
	defer client.Close()
	assert.NoError(t, client.Ping())
}
