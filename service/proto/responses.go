package proto

// ErrResponse is the typed failure returned inside a correlated
// response. The connection stays open for all of these except the
// consistency errors, which the session follows with termination.
type ErrResponse string

const (
	ErrNone ErrResponse = ""

	// Infrastructure.
	ErrInternal ErrResponse = "internal"
	ErrTimeout  ErrResponse = "timeout"

	// Authorization.
	ErrAccessDenied ErrResponse = "access_denied"
	ErrTokenInUse   ErrResponse = "token_in_use"

	// Domain.
	ErrUsernameAlreadyExists  ErrResponse = "username_already_exists"
	ErrInvalidUsername        ErrResponse = "invalid_username"
	ErrInvalidPassword        ErrResponse = "invalid_password"
	ErrInvalidDisplayName     ErrResponse = "invalid_display_name"
	ErrIncorrectCredentials   ErrResponse = "incorrect_username_or_password"
	ErrInvalidRoom            ErrResponse = "invalid_room"
	ErrInvalidCommunity       ErrResponse = "invalid_community"
	ErrInvalidInviteCode      ErrResponse = "invalid_invite_code"
	ErrInvalidUser            ErrResponse = "invalid_user"
	ErrInvalidMessage         ErrResponse = "invalid_message"
	ErrInvalidMessageSelector ErrResponse = "invalid_message_selector"
	ErrAlreadyInCommunity     ErrResponse = "already_in_community"
	ErrTooManyInviteCodes     ErrResponse = "too_many_invite_codes"
	ErrMessageTooLong         ErrResponse = "message_too_long"
	ErrTooLong                ErrResponse = "too_long"
	ErrUnimplemented          ErrResponse = "unimplemented"

	// Consistency: the session is terminated after responding.
	ErrUserDeleted        ErrResponse = "user_deleted"
	ErrDeviceDoesNotExist ErrResponse = "device_does_not_exist"
	ErrLoggedOut          ErrResponse = "logged_out"
)

func (e ErrResponse) Error() string { return string(e) }

// Terminal reports whether the error means the session state is no
// longer trustworthy and the connection must be closed.
func (e ErrResponse) Terminal() bool {
	switch e {
	case ErrUserDeleted, ErrDeviceDoesNotExist, ErrLoggedOut:
		return true
	}
	return false
}

// OkResponse is the tagged union of successful response bodies.
type OkResponse interface {
	okTag() string
}

type NoData struct{}

type AddCommunityResponse struct {
	Community CommunityStructure `msgpack:"community"`
}

type AddRoomResponse struct {
	Community CommunityID   `msgpack:"community"`
	Room      RoomStructure `msgpack:"room"`
}

type ConfirmMessage struct {
	Confirmation MessageConfirmation `msgpack:"confirmation"`
}

type UserResponse struct {
	User UserID `msgpack:"user"`
}

type ProfileResponse struct {
	Profile Profile `msgpack:"profile"`
}

type NewInvite struct {
	Code InviteCode `msgpack:"code"`
}

type RoomUpdateResponse struct {
	Update RoomUpdate `msgpack:"update"`
}

type MessageHistoryResponse struct {
	History MessageHistory `msgpack:"history"`
}

type UserSearchResponse struct {
	Users []ServerUser `msgpack:"users"`
}

type ReportsResponse struct {
	Reports []Report `msgpack:"reports"`
}

func (NoData) okTag() string                 { return "no_data" }
func (AddCommunityResponse) okTag() string   { return "add_community" }
func (AddRoomResponse) okTag() string        { return "add_room" }
func (ConfirmMessage) okTag() string         { return "confirm_message" }
func (UserResponse) okTag() string           { return "user" }
func (ProfileResponse) okTag() string        { return "profile" }
func (NewInvite) okTag() string              { return "new_invite" }
func (RoomUpdateResponse) okTag() string     { return "room_update" }
func (MessageHistoryResponse) okTag() string { return "message_history" }
func (UserSearchResponse) okTag() string     { return "user_search" }
func (ReportsResponse) okTag() string        { return "reports" }
