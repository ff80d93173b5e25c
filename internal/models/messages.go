package models

// Message type tags carried in the "type" envelope field.
const (
	TypeJoin            = "join"
	TypeCodeChange      = "code_change"
	TypeLanguageChange  = "language_change"
	TypeCursorPosition  = "cursor_position"
	TypeSelectionChange = "selection_change"

	TypeWelcome          = "welcome"
	TypeParticipantJoin  = "participant_join"
	TypeParticipantLeave = "participant_leave"
	TypeCodeUpdate       = "code_update"
	TypeLanguageUpdate   = "language_update"
	TypeCursorUpdate     = "cursor_update"
	TypeSelectionUpdate  = "selection_update"
	TypeError            = "error"
)

// Inbound is the closed set of client->server messages. Each variant is
// decoded once at the envelope boundary.
type Inbound interface {
	MessageType() string
}

type Join struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Token       string `json:"token,omitempty"`
}

type CodeChange struct {
	Code     *string `json:"code" validate:"required"`
	Language string  `json:"language,omitempty"`
}

type LanguageChange struct {
	Language *string `json:"language" validate:"required,min=1"`
}

type CursorPosition struct {
	Position *Position `json:"position" validate:"required"`
}

type SelectionChange struct {
	Selection *Selection `json:"selection" validate:"required"`
}

// Unknown carries a well-formed envelope whose type is not in the catalog.
type Unknown struct {
	Type string `json:"type"`
}

func (*Join) MessageType() string            { return TypeJoin }
func (*CodeChange) MessageType() string      { return TypeCodeChange }
func (*LanguageChange) MessageType() string  { return TypeLanguageChange }
func (*CursorPosition) MessageType() string  { return TypeCursorPosition }
func (*SelectionChange) MessageType() string { return TypeSelectionChange }
func (u *Unknown) MessageType() string       { return u.Type }

/*** server -> client ***/
type Welcome struct {
	Type         string        `json:"type"`
	UserID       string        `json:"userId"`
	DisplayName  string        `json:"displayName"`
	Color        string        `json:"color"`
	Code         string        `json:"code"`
	Language     string        `json:"language"`
	Participants []Participant `json:"participants"`
}

type ParticipantJoin struct {
	Type        string `json:"type"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
}

type ParticipantLeave struct {
	Type        string `json:"type"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type CodeUpdate struct {
	Type     string `json:"type"`
	Code     string `json:"code"`
	Language string `json:"language"`
}

type LanguageUpdate struct {
	Type     string `json:"type"`
	Language string `json:"language"`
}

type CursorUpdate struct {
	Type        string   `json:"type"`
	UserID      string   `json:"userId"`
	DisplayName string   `json:"displayName"`
	Color       string   `json:"color"`
	Position    Position `json:"position"`
}

type SelectionUpdate struct {
	Type        string    `json:"type"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Color       string    `json:"color"`
	Selection   Selection `json:"selection"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewError(msg string) ErrorMessage { return ErrorMessage{Type: TypeError, Message: msg} }
