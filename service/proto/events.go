package proto

// ServerMessage is the server->client envelope.
type ServerMessage struct {
	// Exactly one of the following is set.
	Event     ServerEvent // uncorrelated push
	Response  *Response   // correlated reply
	Malformed bool
	RateLimited *RateLimited
}

type Response struct {
	ID  RequestID
	Ok  OkResponse  // nil when Err is set
	Err ErrResponse // ErrNone when Ok is set
}

type RateLimited struct {
	ReadyInMS uint64 `msgpack:"ready_in_ms"`
}

func EventMessage(ev ServerEvent) ServerMessage { return ServerMessage{Event: ev} }

func ResponseMessage(id RequestID, ok OkResponse) ServerMessage {
	return ServerMessage{Response: &Response{ID: id, Ok: ok}}
}

func ErrorMessage(id RequestID, err ErrResponse) ServerMessage {
	return ServerMessage{Response: &Response{ID: id, Err: err}}
}

// ServerEvent is the tagged union of unsolicited pushes.
type ServerEvent interface {
	eventTag() string
}

type ClientReadyEvent struct {
	Ready ClientReady `msgpack:"ready"`
}

type AddMessageEvent struct {
	Community CommunityID `msgpack:"community"`
	Room      RoomID      `msgpack:"room"`
	Message   Message     `msgpack:"message"`
}

// NotifyMessageReadyEvent is the lightweight "there is new content"
// ping sent at most once per unread period.
type NotifyMessageReadyEvent struct {
	Community CommunityID `msgpack:"community"`
	Room      RoomID      `msgpack:"room"`
}

type EditEvent struct {
	Edit Edit `msgpack:"edit"`
}

type DeleteEvent struct {
	Delete Delete `msgpack:"delete"`
}

type SessionLoggedOutEvent struct{}

type AddRoomEvent struct {
	Community CommunityID   `msgpack:"community"`
	Structure RoomStructure `msgpack:"structure"`
}

type AddCommunityEvent struct {
	Structure CommunityStructure `msgpack:"structure"`
}

type RemoveCommunityEvent struct {
	ID     CommunityID `msgpack:"id"`
	Reason string      `msgpack:"reason"` // "deleted"
}

type AdminPermissionsChangedEvent struct {
	Permissions AdminPermissionFlags `msgpack:"permissions"`
}

func (ClientReadyEvent) eventTag() string             { return "client_ready" }
func (AddMessageEvent) eventTag() string              { return "add_message" }
func (NotifyMessageReadyEvent) eventTag() string      { return "notify_message_ready" }
func (EditEvent) eventTag() string                    { return "edit" }
func (DeleteEvent) eventTag() string                  { return "delete" }
func (SessionLoggedOutEvent) eventTag() string        { return "session_logged_out" }
func (AddRoomEvent) eventTag() string                 { return "add_room" }
func (AddCommunityEvent) eventTag() string            { return "add_community" }
func (RemoveCommunityEvent) eventTag() string         { return "remove_community" }
func (AdminPermissionsChangedEvent) eventTag() string { return "admin_permissions_changed" }
