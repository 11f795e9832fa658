package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/musicr/musicr/internal/domain"
)

const pgUndefinedTable = "42P01"

// SearchKNN runs a cosine nearest-neighbor query over the song embeddings.
// ef_search is a transaction-local setting, so the SET and the scan share one
// transaction. Placeholder and unembedded rows never appear. An empty catalog
// is ErrIndexUnavailable: the caller decides how to degrade, this layer never
// falls back to a sequential scan.
func (s *Store) SearchKNN(ctx context.Context, q []float32, k, efSearch int) ([]domain.SongMatch, error) {
	query := `
		SELECT id, title, artist, canonical_artist, year, popularity,
		       1 - (embedding_vector <=> $1) AS similarity
		FROM songs
		WHERE embedding_vector IS NOT NULL AND NOT placeholder
		ORDER BY embedding_vector <=> $1
		LIMIT $2`

	var matches []domain.SongMatch
	err := s.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.conn(ctx).Exec(ctx, "SET LOCAL hnsw.ef_search = "+strconv.Itoa(efSearch)); err != nil {
			return fmt.Errorf("set ef_search: %w", err)
		}

		rows, err := s.conn(ctx).Query(ctx, query, pgvector.NewVector(q), k)
		if err != nil {
			return fmt.Errorf("knn query: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				m    domain.SongMatch
				year *int
			)
			if err := rows.Scan(&m.ID, &m.Title, &m.Artist, &m.CanonicalArtist,
				&year, &m.Popularity, &m.Similarity); err != nil {
				return fmt.Errorf("scan knn row: %w", err)
			}
			if year != nil {
				m.Year = *year
			}
			matches = append(matches, m)
		}
		return rows.Err()
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable {
			return nil, domain.ErrIndexUnavailable
		}
		return nil, fmt.Errorf("search knn: %w", err)
	}
	if len(matches) == 0 {
		return nil, domain.ErrIndexUnavailable
	}
	return matches, nil
}

// TopByPopularity returns the n most popular non-placeholder songs. This is
// the degraded path when embeddings or the index are unavailable, so it
// deliberately avoids the vector column.
func (s *Store) TopByPopularity(ctx context.Context, n int) ([]domain.SongMatch, error) {
	query := `
		SELECT id, title, artist, canonical_artist, year, popularity
		FROM songs
		WHERE NOT placeholder
		ORDER BY popularity DESC, id
		LIMIT $1`

	rows, err := s.conn(ctx).Query(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("top by popularity: %w", err)
	}
	defer rows.Close()

	var matches []domain.SongMatch
	for rows.Next() {
		var (
			m    domain.SongMatch
			year *int
		)
		if err := rows.Scan(&m.ID, &m.Title, &m.Artist, &m.CanonicalArtist, &year, &m.Popularity); err != nil {
			return nil, fmt.Errorf("scan popularity row: %w", err)
		}
		if year != nil {
			m.Year = *year
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("top by popularity: %w", err)
	}
	return matches, nil
}

// CountSongs reports the matchable catalog size. It feeds both the health
// endpoint and the matcher's index version.
func (s *Store) CountSongs(ctx context.Context) (int64, error) {
	query := `SELECT count(*) FROM songs WHERE embedding_vector IS NOT NULL AND NOT placeholder`

	var count int64
	if err := s.conn(ctx).QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count songs: %w", err)
	}
	return count, nil
}

// UpsertSong writes a catalog row, embedding included. Ingestion pipelines
// and tests are the callers; the chat path never mutates the catalog.
func (s *Store) UpsertSong(ctx context.Context, song *domain.Song) error {
	query := `
		INSERT INTO songs (id, recording_id, isrc, title, artist, canonical_artist,
		                   canonical_artist_id, album, year, tags, phrases,
		                   popularity, placeholder, source, embedding_vector)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			recording_id = EXCLUDED.recording_id,
			isrc = EXCLUDED.isrc,
			title = EXCLUDED.title,
			artist = EXCLUDED.artist,
			canonical_artist = EXCLUDED.canonical_artist,
			canonical_artist_id = EXCLUDED.canonical_artist_id,
			album = EXCLUDED.album,
			year = EXCLUDED.year,
			tags = EXCLUDED.tags,
			phrases = EXCLUDED.phrases,
			popularity = EXCLUDED.popularity,
			placeholder = EXCLUDED.placeholder,
			source = EXCLUDED.source,
			embedding_vector = EXCLUDED.embedding_vector
		RETURNING created_at`

	var year *int
	if song.Year != 0 {
		year = &song.Year
	}
	var embedding any
	if song.Embedding != nil {
		embedding = pgvector.NewVector(song.Embedding)
	}
	tags, phrases := song.Tags, song.Phrases
	if tags == nil {
		tags = []string{}
	}
	if phrases == nil {
		phrases = []string{}
	}

	err := s.conn(ctx).QueryRow(ctx, query,
		song.ID, song.RecordingID, song.ISRC, song.Title, song.Artist,
		song.CanonicalArtist, song.CanonicalArtistID, song.Album, year,
		tags, phrases, song.Popularity, song.Placeholder,
		song.Source, embedding,
	).Scan(&song.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert song: %w", err)
	}
	return nil
}
