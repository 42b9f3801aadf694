package ipc

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// handle dispatches one request frame. A nil return means no response is
// owed (the frame was malformed beyond a request id, or streaming already
// answered).
func (s *Server) handle(ctx context.Context, w *connWriter, msg *Message) *Message {
	id := msg.Header.RequestID

	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, id, nil)

	case MsgShutdown:
		// Acknowledged here; the daemon decides whether to honor it.
		return NewMessage(MsgPong, id, nil)

	case MsgStatusRequest:
		return s.respond(MsgStatusResponse, id, s.daemon.Status())

	case MsgListProfiles:
		profiles, err := s.daemon.ListProfiles()
		if err != nil {
			return NewErrorMessage(id, ErrInternal, err.Error())
		}
		return s.respond(MsgListProfilesResp, id, &ListProfilesResponse{Profiles: profiles})

	case MsgActivateProfile:
		var req ActivateProfileRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(id, ErrInvalidRequest, err.Error())
		}
		if req.Name == "" {
			return NewErrorMessage(id, ErrInvalidRequest, "profile name required")
		}
		digest, err := s.activateWithTimeout(ctx, req.Name)
		if err != nil {
			return s.respond(MsgActivateResp, id, &ActivateProfileResponse{
				Name: req.Name, Error: err.Error(),
			})
		}
		s.log.Info("profile activated", "profile", req.Name)
		return s.respond(MsgActivateResp, id, &ActivateProfileResponse{
			Success: true, Name: req.Name, Digest: digest,
		})

	case MsgReloadProfile:
		digest, err := s.daemon.ReloadProfile()
		if err != nil {
			return s.respond(MsgReloadResp, id, &ActivateProfileResponse{Error: err.Error()})
		}
		return s.respond(MsgReloadResp, id, &ActivateProfileResponse{Success: true, Digest: digest})

	case MsgHistory:
		var req HistoryRequest
		if len(msg.Payload) > 0 {
			if err := Decode(msg.Payload, &req); err != nil {
				return NewErrorMessage(id, ErrInvalidRequest, err.Error())
			}
		}
		entries, err := s.daemon.History(req.Limit)
		if err != nil {
			return NewErrorMessage(id, ErrInternal, err.Error())
		}
		return s.respond(MsgHistoryResp, id, &HistoryResponse{Entries: entries})

	case MsgListDevices:
		return s.respond(MsgListDevicesResp, id, &ListDevicesResponse{
			Devices: s.daemon.Status().Devices,
		})

	case MsgDetachDevice:
		var req DetachDeviceRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(id, ErrInvalidRequest, err.Error())
		}
		if err := s.daemon.DetachDevice(req.Device); err != nil {
			return s.respond(MsgDetachDeviceResp, id, &DetachDeviceResponse{Error: err.Error()})
		}
		return s.respond(MsgDetachDeviceResp, id, &DetachDeviceResponse{Success: true})

	case MsgSubscribe:
		var req SubscribeRequest
		if len(msg.Payload) > 0 {
			if err := Decode(msg.Payload, &req); err != nil {
				return NewErrorMessage(id, ErrInvalidRequest, err.Error())
			}
		}
		subID := uuid.NewString()
		ack, err := NewResponse(MsgSubscribeResp, id, &SubscribeResponse{
			Success: true, SubscriptionID: subID,
		})
		if err != nil {
			return NewErrorMessage(id, ErrInternal, err.Error())
		}
		if err := w.send(ack); err != nil {
			return nil
		}
		go s.streamEvents(ctx, w, req.Devices)
		return nil

	default:
		return NewErrorMessage(id, ErrInvalidRequest,
			fmt.Sprintf("unknown message type %#x", uint16(msg.Header.Type)))
	}
}

func (s *Server) respond(msgType MessageType, id uint32, v any) *Message {
	resp, err := NewResponse(msgType, id, v)
	if err != nil {
		return NewErrorMessage(id, ErrInternal, err.Error())
	}
	return resp
}

// activateWithTimeout bounds a profile switch; artifact loading touches the
// filesystem and must not hold a control connection forever.
func (s *Server) activateWithTimeout(ctx context.Context, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	type result struct {
		digest string
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		digest, err := s.daemon.ActivateProfile(name)
		ch <- result{digest, err}
	}()

	select {
	case r := <-ch:
		return r.digest, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("activate %q: %w", name, ctx.Err())
	}
}

// streamEvents pumps engine events to a subscribed connection until the
// connection or the daemon goes away. Write failures end the stream.
func (s *Server) streamEvents(ctx context.Context, w *connWriter, devices []string) {
	events, cancel := s.daemon.Subscribe()
	defer cancel()

	filter := make(map[string]bool, len(devices))
	for _, d := range devices {
		filter[d] = true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-events:
			if !ok {
				return
			}
			if len(filter) > 0 && !filter[n.Event.Device] {
				continue
			}
			frame, err := NewResponse(MsgEvent, 0, &EventFrame{ID: n.ID, Event: n.Event})
			if err != nil {
				continue
			}
			if err := w.send(frame); err != nil {
				return
			}
		case <-time.After(30 * time.Second):
			// Keepalive so dead peers are noticed on quiet keyboards.
			if err := w.send(NewMessage(MsgPong, 0, nil)); err != nil {
				return
			}
		}
	}
}
