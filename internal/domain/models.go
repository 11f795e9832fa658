package domain

import (
	"time"

	"github.com/musicr/musicr/pkg/protocol"
)

// Song is a catalog entry. Embeddings live in the vector column only and are
// never exposed through the API.
type Song struct {
	ID                string    `json:"id"`
	RecordingID       *string   `json:"recording_id,omitempty"`
	ISRC              *string   `json:"isrc,omitempty"`
	Title             string    `json:"title"`
	Artist            string    `json:"artist"` // display name
	CanonicalArtist   string    `json:"canonical_artist"`
	CanonicalArtistID *string   `json:"canonical_artist_id,omitempty"`
	Album             string    `json:"album,omitempty"`
	Year              int       `json:"year,omitempty"`
	Tags              []string  `json:"tags,omitempty"`    // lowercase, deduplicated
	Phrases           []string  `json:"phrases,omitempty"` // lowercase, deduplicated
	Popularity        int       `json:"popularity"`        // 0-100
	Placeholder       bool      `json:"placeholder"`
	Source            string    `json:"source,omitempty"`
	Embedding         []float32 `json:"-"`
	CreatedAt         time.Time `json:"created_at"`
}

// SongRef is the subset of song metadata carried in match results and
// display envelopes.
type SongRef struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Artist string `json:"artist"`
	Year   int    `json:"year,omitempty"`
}

// SongMatch is one KNN candidate: a song reference plus the ranking inputs.
type SongMatch struct {
	SongRef
	CanonicalArtist string  `json:"canonical_artist"`
	Popularity      int     `json:"popularity"`
	Similarity      float64 `json:"similarity"` // 1 - cosine distance, in [0,1]
}

// User is an anonymous actor. The client-held UUID is the authoritative
// identity token; Handle never changes after the row is created.
type User struct {
	ID         string    `json:"id"` // UUID, client-generated
	Handle     string    `json:"handle"`
	IPHash     string    `json:"-"` // salted, rate limiting only
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Room is a chat room, identified by name and created on demand.
type Room struct {
	Name      string    `json:"name"`
	Config    []byte    `json:"-"` // optional per-room config, JSON
	CreatedAt time.Time `json:"created_at"`
}

// Message is an immutable chat event. SongID is nil when matching failed;
// the message persists regardless.
type Message struct {
	ID               string          `json:"id"` // UUID, server-assigned at persistence
	Room             string          `json:"room"`
	UserID           string          `json:"user_id"`
	Handle           string          `json:"handle"` // joined from users
	Text             string          `json:"text"`
	SongID           *string         `json:"song_id,omitempty"`
	Song             *SongRef        `json:"song,omitempty"` // joined from songs
	Scores           protocol.Scores `json:"scores"`
	ReplyToMessageID *string         `json:"reply_to_message_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Reaction is one emoji by one user on one message. The natural key
// (message, user, emoji) is unique; add and remove are idempotent.
type Reaction struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// ReactionGroup is the aggregated view of one emoji on one message.
type ReactionGroup struct {
	Emoji string   `json:"emoji"`
	Count int      `json:"count"`
	Users []string `json:"users"` // handles, in reaction order
}

// PresenceEntry is a cross-instance roster element. LastSeen is refreshed by
// the owning instance's heartbeat; entries from silent instances are swept.
type PresenceEntry struct {
	Room       string    `json:"room"`
	UserID     string    `json:"user_id"`
	Handle     string    `json:"handle"`
	JoinedAt   time.Time `json:"joined_at"`
	InstanceID string    `json:"instance_id"`
	LastSeen   time.Time `json:"last_seen"`
}
