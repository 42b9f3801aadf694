package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// Client is a synchronous control client. One request is in flight at a
// time; Events switches the connection into streaming mode.
type Client struct {
	conn      net.Conn
	requestID atomic.Uint32
	timeout   time.Duration
}

// Dial connects to the daemon's control socket.
func Dial(socketPath string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn, timeout: timeout}, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

// roundTrip sends one request and reads one response frame.
func (c *Client) roundTrip(msgType MessageType, payload []byte) (*Message, error) {
	id := c.requestID.Add(1)

	deadline := time.Now().Add(c.timeout)
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	defer c.conn.SetDeadline(time.Time{})

	if err := NewMessage(msgType, id, payload).Write(c.conn); err != nil {
		return nil, fmt.Errorf("ipc: write request: %w", err)
	}

	for {
		resp, err := ReadMessage(c.conn)
		if err != nil {
			return nil, fmt.Errorf("ipc: read response: %w", err)
		}
		// Unsolicited frames (stream keepalives) are skipped.
		if resp.Header.RequestID != id {
			continue
		}
		if resp.Header.Type == MsgError {
			var er ErrorResponse
			if err := Decode(resp.Payload, &er); err != nil {
				return nil, errors.New("ipc: request failed")
			}
			return nil, fmt.Errorf("ipc: %s (code %d)", er.Message, er.Code)
		}
		return resp, nil
	}
}

// request performs a round trip and decodes the response payload into out.
func (c *Client) request(msgType MessageType, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = Encode(in)
		if err != nil {
			return err
		}
	}
	resp, err := c.roundTrip(msgType, payload)
	if err != nil {
		return err
	}
	if out != nil {
		return Decode(resp.Payload, out)
	}
	return nil
}

// Ping checks daemon liveness.
func (c *Client) Ping() error {
	_, err := c.roundTrip(MsgPing, nil)
	return err
}

// Status fetches the daemon status snapshot.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.request(MsgStatusRequest, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListProfiles fetches the available profiles.
func (c *Client) ListProfiles() ([]ProfileInfo, error) {
	var resp ListProfilesResponse
	if err := c.request(MsgListProfiles, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Profiles, nil
}

// ActivateProfile switches the active profile.
func (c *Client) ActivateProfile(name string) (*ActivateProfileResponse, error) {
	var resp ActivateProfileResponse
	if err := c.request(MsgActivateProfile, &ActivateProfileRequest{Name: name}, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return &resp, fmt.Errorf("activate %q: %s", name, resp.Error)
	}
	return &resp, nil
}

// ReloadProfile reloads the active profile's artifact from disk.
func (c *Client) ReloadProfile() (*ActivateProfileResponse, error) {
	var resp ActivateProfileResponse
	if err := c.request(MsgReloadProfile, nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return &resp, fmt.Errorf("reload: %s", resp.Error)
	}
	return &resp, nil
}

// History fetches recent profile activations, newest first. limit 0 asks
// for the server default.
func (c *Client) History(limit int) ([]HistoryEntry, error) {
	var resp HistoryResponse
	if err := c.request(MsgHistory, &HistoryRequest{Limit: limit}, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// ListDevices fetches per-device dispatch state.
func (c *Client) ListDevices() (*ListDevicesResponse, error) {
	var resp ListDevicesResponse
	if err := c.request(MsgListDevices, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DetachDevice puts one device into pass-through mode.
func (c *Client) DetachDevice(device string) error {
	var resp DetachDeviceResponse
	if err := c.request(MsgDetachDevice, &DetachDeviceRequest{Device: device}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("detach %q: %s", device, resp.Error)
	}
	return nil
}

// Events subscribes and invokes fn for every streamed event until ctx ends
// or the connection fails. The connection is dedicated to streaming after
// this call.
func (c *Client) Events(ctx context.Context, devices []string, fn func(EventFrame)) error {
	payload, err := Encode(&SubscribeRequest{Devices: devices})
	if err != nil {
		return err
	}
	resp, err := c.roundTrip(MsgSubscribe, payload)
	if err != nil {
		return err
	}
	var ack SubscribeResponse
	if err := Decode(resp.Payload, &ack); err != nil {
		return err
	}
	if !ack.Success {
		return errors.New("ipc: subscription refused")
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.conn.Close()
		case <-done:
		}
	}()

	for {
		msg, err := ReadMessage(c.conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("ipc: stream: %w", err)
		}
		if msg.Header.Type != MsgEvent {
			continue // keepalive
		}
		var frame EventFrame
		if err := Decode(msg.Payload, &frame); err != nil {
			continue
		}
		fn(frame)
	}
}
