package proto

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrMalformedFrame is returned for any frame that cannot be decoded
// into a known envelope. Callers answer with a MalformedMessage reply
// instead of dropping the connection.
var ErrMalformedFrame = errors.New("malformed frame")

const maxFrameSize = 1 << 20 // 1MiB, far above the largest legal request

type clientEnvelope struct {
	ID      uint64             `msgpack:"id"`
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// EncodeClientMessage serializes a correlated request.
func EncodeClientMessage(m ClientMessage) ([]byte, error) {
	if m.Request == nil {
		return nil, errors.New("nil request")
	}
	payload, err := msgpack.Marshal(m.Request)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(clientEnvelope{
		ID:      uint64(m.ID),
		Type:    m.Request.requestTag(),
		Payload: payload,
	})
}

// DecodeClientMessage parses a client frame. Unknown or short frames
// come back as ErrMalformedFrame.
func DecodeClientMessage(raw []byte) (ClientMessage, error) {
	if len(raw) == 0 || len(raw) > maxFrameSize {
		return ClientMessage{}, ErrMalformedFrame
	}
	var env clientEnvelope
	if err := msgpack.Unmarshal(raw, &env); err != nil {
		return ClientMessage{}, ErrMalformedFrame
	}

	req, err := decodeRequest(env.Type, env.Payload)
	if err != nil {
		return ClientMessage{}, ErrMalformedFrame
	}
	return ClientMessage{ID: RequestID(env.ID), Request: req}, nil
}

func decodeRequest(tag string, payload []byte) (ClientRequest, error) {
	var req ClientRequest
	switch tag {
	case "authenticate":
		req = &Authenticate{}
	case "log_out":
		req = &LogOut{}
	case "send_message":
		req = &SendMessage{}
	case "edit_message":
		req = &EditMessage{}
	case "delete_message":
		req = &DeleteMessage{}
	case "create_community":
		req = &CreateCommunity{}
	case "create_room":
		req = &CreateRoom{}
	case "create_invite":
		req = &CreateInvite{}
	case "join_community":
		req = &JoinCommunity{}
	case "set_looking_at":
		req = &SetLookingAt{}
	case "set_as_read":
		req = &SetAsRead{}
	case "set_watch_level":
		req = &SetWatchLevel{}
	case "change_username":
		req = &ChangeUsername{}
	case "change_display_name":
		req = &ChangeDisplayName{}
	case "change_password":
		req = &ChangePassword{}
	case "get_profile":
		req = &GetProfile{}
	case "get_room_update":
		req = &GetRoomUpdate{}
	case "get_messages":
		req = &GetMessages{}
	case "change_community_name":
		req = &ChangeCommunityName{}
	case "change_community_description":
		req = &ChangeCommunityDescription{}
	case "admin_action":
		req = &AdminAction{}
	case "report_user":
		req = &ReportUser{}
	default:
		return nil, fmt.Errorf("unknown request tag %q", tag)
	}
	if err := msgpack.Unmarshal(payload, req); err != nil {
		return nil, err
	}
	return deref(req), nil
}

// deref returns the value form so request handling can switch on
// concrete (non-pointer) types.
func deref(req ClientRequest) ClientRequest {
	switch r := req.(type) {
	case *Authenticate:
		return *r
	case *LogOut:
		return *r
	case *SendMessage:
		return *r
	case *EditMessage:
		return *r
	case *DeleteMessage:
		return *r
	case *CreateCommunity:
		return *r
	case *CreateRoom:
		return *r
	case *CreateInvite:
		return *r
	case *JoinCommunity:
		return *r
	case *SetLookingAt:
		return *r
	case *SetAsRead:
		return *r
	case *SetWatchLevel:
		return *r
	case *ChangeUsername:
		return *r
	case *ChangeDisplayName:
		return *r
	case *ChangePassword:
		return *r
	case *GetProfile:
		return *r
	case *GetRoomUpdate:
		return *r
	case *GetMessages:
		return *r
	case *ChangeCommunityName:
		return *r
	case *ChangeCommunityDescription:
		return *r
	case *AdminAction:
		return *r
	case *ReportUser:
		return *r
	default:
		return req
	}
}

type serverEnvelope struct {
	Kind    string             `msgpack:"kind"` // event | response | malformed | rate_limited
	Type    string             `msgpack:"type,omitempty"`
	ID      uint64             `msgpack:"id,omitempty"`
	Err     string             `msgpack:"err,omitempty"`
	Payload msgpack.RawMessage `msgpack:"payload,omitempty"`
	ReadyIn uint64             `msgpack:"ready_in_ms,omitempty"`
}

// EncodeServerMessage serializes an event, response or protocol notice.
func EncodeServerMessage(m ServerMessage) ([]byte, error) {
	switch {
	case m.Event != nil:
		payload, err := msgpack.Marshal(m.Event)
		if err != nil {
			return nil, err
		}
		return msgpack.Marshal(serverEnvelope{
			Kind:    "event",
			Type:    m.Event.eventTag(),
			Payload: payload,
		})

	case m.Response != nil:
		env := serverEnvelope{Kind: "response", ID: uint64(m.Response.ID)}
		if m.Response.Err != ErrNone {
			env.Err = string(m.Response.Err)
		} else {
			ok := m.Response.Ok
			if ok == nil {
				ok = NoData{}
			}
			payload, err := msgpack.Marshal(ok)
			if err != nil {
				return nil, err
			}
			env.Type = ok.okTag()
			env.Payload = payload
		}
		return msgpack.Marshal(env)

	case m.RateLimited != nil:
		return msgpack.Marshal(serverEnvelope{Kind: "rate_limited", ReadyIn: m.RateLimited.ReadyInMS})

	case m.Malformed:
		return msgpack.Marshal(serverEnvelope{Kind: "malformed"})
	}
	return nil, errors.New("empty server message")
}

// DecodeServerMessage parses a server frame (client side).
func DecodeServerMessage(raw []byte) (ServerMessage, error) {
	if len(raw) == 0 || len(raw) > maxFrameSize {
		return ServerMessage{}, ErrMalformedFrame
	}
	var env serverEnvelope
	if err := msgpack.Unmarshal(raw, &env); err != nil {
		return ServerMessage{}, ErrMalformedFrame
	}

	switch env.Kind {
	case "event":
		ev, err := decodeEvent(env.Type, env.Payload)
		if err != nil {
			return ServerMessage{}, ErrMalformedFrame
		}
		return ServerMessage{Event: ev}, nil

	case "response":
		resp := &Response{ID: RequestID(env.ID)}
		if env.Err != "" {
			resp.Err = ErrResponse(env.Err)
			return ServerMessage{Response: resp}, nil
		}
		ok, err := decodeOk(env.Type, env.Payload)
		if err != nil {
			return ServerMessage{}, ErrMalformedFrame
		}
		resp.Ok = ok
		return ServerMessage{Response: resp}, nil

	case "rate_limited":
		return ServerMessage{RateLimited: &RateLimited{ReadyInMS: env.ReadyIn}}, nil

	case "malformed":
		return ServerMessage{Malformed: true}, nil
	}
	return ServerMessage{}, ErrMalformedFrame
}

func decodeEvent(tag string, payload []byte) (ServerEvent, error) {
	var ev ServerEvent
	switch tag {
	case "client_ready":
		ev = &ClientReadyEvent{}
	case "add_message":
		ev = &AddMessageEvent{}
	case "notify_message_ready":
		ev = &NotifyMessageReadyEvent{}
	case "edit":
		ev = &EditEvent{}
	case "delete":
		ev = &DeleteEvent{}
	case "session_logged_out":
		ev = &SessionLoggedOutEvent{}
	case "add_room":
		ev = &AddRoomEvent{}
	case "add_community":
		ev = &AddCommunityEvent{}
	case "remove_community":
		ev = &RemoveCommunityEvent{}
	case "admin_permissions_changed":
		ev = &AdminPermissionsChangedEvent{}
	default:
		return nil, fmt.Errorf("unknown event tag %q", tag)
	}
	if err := msgpack.Unmarshal(payload, ev); err != nil {
		return nil, err
	}
	return derefEvent(ev), nil
}

func derefEvent(ev ServerEvent) ServerEvent {
	switch e := ev.(type) {
	case *ClientReadyEvent:
		return *e
	case *AddMessageEvent:
		return *e
	case *NotifyMessageReadyEvent:
		return *e
	case *EditEvent:
		return *e
	case *DeleteEvent:
		return *e
	case *SessionLoggedOutEvent:
		return *e
	case *AddRoomEvent:
		return *e
	case *AddCommunityEvent:
		return *e
	case *RemoveCommunityEvent:
		return *e
	case *AdminPermissionsChangedEvent:
		return *e
	default:
		return ev
	}
}

func decodeOk(tag string, payload []byte) (OkResponse, error) {
	var ok OkResponse
	switch tag {
	case "no_data", "":
		return NoData{}, nil
	case "add_community":
		ok = &AddCommunityResponse{}
	case "add_room":
		ok = &AddRoomResponse{}
	case "confirm_message":
		ok = &ConfirmMessage{}
	case "user":
		ok = &UserResponse{}
	case "profile":
		ok = &ProfileResponse{}
	case "new_invite":
		ok = &NewInvite{}
	case "room_update":
		ok = &RoomUpdateResponse{}
	case "message_history":
		ok = &MessageHistoryResponse{}
	case "user_search":
		ok = &UserSearchResponse{}
	case "reports":
		ok = &ReportsResponse{}
	default:
		return nil, fmt.Errorf("unknown ok tag %q", tag)
	}
	if err := msgpack.Unmarshal(payload, ok); err != nil {
		return nil, err
	}
	switch o := ok.(type) {
	case *AddCommunityResponse:
		return *o, nil
	case *AddRoomResponse:
		return *o, nil
	case *ConfirmMessage:
		return *o, nil
	case *UserResponse:
		return *o, nil
	case *ProfileResponse:
		return *o, nil
	case *NewInvite:
		return *o, nil
	case *RoomUpdateResponse:
		return *o, nil
	case *MessageHistoryResponse:
		return *o, nil
	case *UserSearchResponse:
		return *o, nil
	case *ReportsResponse:
		return *o, nil
	}
	return ok, nil
}
