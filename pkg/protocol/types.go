// Package protocol defines the JSON wire types spoken over the WebSocket
// transport and the coordination bus. Every frame carries a string type tag;
// both sides dispatch on it.
package protocol

// Client → server frame types.
const (
	TypePing           = "ping"
	TypeMsg            = "msg"
	TypeReactionAdd    = "reaction_add"
	TypeReactionRemove = "reaction_remove"
)

// Server → client envelope types.
const (
	TypePong            = "pong"
	TypeDisplay         = "display"
	TypeReactionAdded   = "reaction_added"
	TypeReactionRemoved = "reaction_removed"
	TypeUserJoined      = "user_joined"
	TypeUserLeft        = "user_left"
	TypeRoster          = "roster"
	TypeError           = "error"
)

// Bus event kinds.
const (
	KindJoined         = "joined"
	KindLeft           = "left"
	KindMessage        = "message"
	KindReactionAdd    = "reaction_add"
	KindReactionRemove = "reaction_remove"
)

// UserMessage is the client "msg" frame.
type UserMessage struct {
	Text             string `json:"text"`
	ReplyToMessageID string `json:"replyToMessageId,omitempty"`
	ClientTempID     string `json:"clientTempId,omitempty"`
}

// ReactionFrame covers both reaction_add and reaction_remove client frames.
type ReactionFrame struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

// Pong answers a client ping.
type Pong struct {
	Type string `json:"type"`
}

func NewPong() Pong { return Pong{Type: TypePong} }

// SongView is the song metadata embedded in a display envelope.
type SongView struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Artist string `json:"artist"`
	Year   int    `json:"year,omitempty"`
}

// ScoreCandidate is one KNN candidate recorded in the scores blob.
type ScoreCandidate struct {
	SongID     string  `json:"songId"`
	Title      string  `json:"title,omitempty"`
	Artist     string  `json:"artist,omitempty"`
	Similarity float64 `json:"similarity"`
	Popularity int     `json:"popularity"`
}

// Scores is the matcher's raw result, persisted alongside the message and
// echoed to clients. Mode is "semantic" on the normal path and "fallback"
// when the matcher degraded to popularity ordering.
type Scores struct {
	Mode        string           `json:"mode"`
	Model       string           `json:"model,omitempty"`
	EfSearch    int              `json:"efSearch,omitempty"`
	Fingerprint string           `json:"fingerprint"`
	VeryWeak    bool             `json:"veryWeak,omitempty"`
	Candidates  []ScoreCandidate `json:"candidates,omitempty"`
}

// Display is the broadcast envelope for an accepted user message. Durable is
// false when persistence failed and the ID is transient for this broadcast.
type Display struct {
	Type             string    `json:"type"`
	ID               string    `json:"id"`
	Room             string    `json:"room"`
	UserID           string    `json:"userId"`
	Handle           string    `json:"handle"`
	Text             string    `json:"text"`
	CreatedAt        string    `json:"createdAt"`
	ReplyToMessageID string    `json:"replyToMessageId,omitempty"`
	ClientTempID     string    `json:"clientTempId,omitempty"`
	Song             *SongView `json:"song,omitempty"`
	Scores           Scores    `json:"scores"`
	Reasoning        string    `json:"reasoning"`
	Similarity       float64   `json:"similarity"`
	Durable          bool      `json:"durable"`
}

// ReactionAdded notifies the room that a reaction appeared.
type ReactionAdded struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId"`
	Handle    string `json:"handle"`
}

// ReactionRemoved notifies the room that a reaction was withdrawn.
type ReactionRemoved struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId"`
}

// UserJoined announces a roster addition.
type UserJoined struct {
	Type     string `json:"type"`
	Room     string `json:"room"`
	UserID   string `json:"userId"`
	Handle   string `json:"handle"`
	JoinedAt string `json:"joinedAt"`
}

// UserLeft announces a roster removal.
type UserLeft struct {
	Type   string `json:"type"`
	Room   string `json:"room"`
	UserID string `json:"userId"`
}

// RosterUser is a single entry of a roster snapshot.
type RosterUser struct {
	UserID   string `json:"userId"`
	Handle   string `json:"handle"`
	JoinedAt string `json:"joinedAt"`
}

// Roster is the full-replacement snapshot sent on connect. Clients replace,
// never merge.
type Roster struct {
	Type  string       `json:"type"`
	Room  string       `json:"room"`
	Users []RosterUser `json:"users"`
}

// Error is the sender-only error envelope.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewError(message string) Error {
	return Error{Type: TypeError, Message: message}
}
