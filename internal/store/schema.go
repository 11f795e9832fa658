package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EmbeddingDimensions is the width of the song embedding column. The model,
// the column type, and the HNSW index are all committed to this value; a
// different model requires a migration plus re-ingestion, not a config flag.
const EmbeddingDimensions = 384

const ddlExtensions = `CREATE EXTENSION IF NOT EXISTS vector`

// Song catalog. Embeddings are nullable so catalog rows can land before the
// embedding backfill does; unembedded and placeholder rows never match.
const ddlSongs = `
CREATE TABLE IF NOT EXISTS songs (
	id                  TEXT PRIMARY KEY,
	recording_id        TEXT,
	isrc                TEXT,
	title               TEXT NOT NULL,
	artist              TEXT NOT NULL,
	canonical_artist    TEXT NOT NULL DEFAULT '',
	canonical_artist_id TEXT,
	album               TEXT NOT NULL DEFAULT '',
	year                INT,
	tags                TEXT[] NOT NULL DEFAULT '{}',
	phrases             TEXT[] NOT NULL DEFAULT '{}',
	popularity          INT NOT NULL DEFAULT 0,
	placeholder         BOOLEAN NOT NULL DEFAULT FALSE,
	source              TEXT NOT NULL DEFAULT '',
	embedding_vector    vector(%d),
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const ddlSongIndexes = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_songs_recording_id ON songs (recording_id) WHERE recording_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_songs_isrc ON songs (isrc) WHERE isrc IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_songs_popularity ON songs (popularity DESC, id);
CREATE INDEX IF NOT EXISTS idx_songs_embedding ON songs
	USING hnsw (embedding_vector vector_cosine_ops) WITH (m = 16, ef_construction = 64)`

const ddlUsers = `
CREATE TABLE IF NOT EXISTS users (
	id           UUID PRIMARY KEY,
	handle       TEXT NOT NULL,
	ip_hash      TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_seen_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const ddlRooms = `
CREATE TABLE IF NOT EXISTS rooms (
	name       TEXT PRIMARY KEY,
	config     JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const ddlMessages = `
CREATE TABLE IF NOT EXISTS messages (
	id                  UUID PRIMARY KEY,
	room                TEXT NOT NULL REFERENCES rooms (name),
	user_id             UUID NOT NULL REFERENCES users (id),
	text                TEXT NOT NULL,
	song_id             TEXT REFERENCES songs (id),
	scores              JSONB NOT NULL DEFAULT '{}',
	reply_to_message_id UUID REFERENCES messages (id),
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const ddlMessageIndexes = `
CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages (room, created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_messages_reply_to ON messages (reply_to_message_id) WHERE reply_to_message_id IS NOT NULL`

const ddlReactions = `
CREATE TABLE IF NOT EXISTS reactions (
	message_id UUID NOT NULL REFERENCES messages (id),
	user_id    UUID NOT NULL REFERENCES users (id),
	emoji      TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (message_id, user_id, emoji)
)`

const ddlReactionIndexes = `
CREATE INDEX IF NOT EXISTS idx_reactions_message ON reactions (message_id)`

// Migrate applies the schema. Every statement is idempotent, so running it
// against an existing database is safe and is how new columns and indexes
// roll out across the fleet.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlExtensions,
		fmt.Sprintf(ddlSongs, EmbeddingDimensions),
		ddlSongIndexes,
		ddlUsers,
		ddlRooms,
		ddlMessages,
		ddlMessageIndexes,
		ddlReactions,
		ddlReactionIndexes,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// VerifyEmbeddingDimension checks that the live vector column width matches
// what this build was compiled against. A mismatch means the catalog was
// ingested with a different model and every lookup would be garbage, so the
// caller should refuse to start.
func (s *Store) VerifyEmbeddingDimension(ctx context.Context) error {
	query := `
		SELECT atttypmod
		FROM pg_attribute
		WHERE attrelid = 'songs'::regclass
		  AND attname = 'embedding_vector'
		  AND NOT attisdropped`

	var dims int
	if err := s.conn(ctx).QueryRow(ctx, query).Scan(&dims); err != nil {
		return fmt.Errorf("inspect embedding column: %w", err)
	}
	if dims != EmbeddingDimensions {
		return fmt.Errorf("embedding column is vector(%d), want vector(%d): catalog was ingested with a different model", dims, EmbeddingDimensions)
	}
	return nil
}
