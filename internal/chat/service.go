// Package chat is the message pipeline: validate, rate limit, match, persist,
// broadcast. The ordering embodies one rule: a user's message outranks every
// subsystem, so matcher and even database failures degrade the envelope
// instead of rejecting the send.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/musicr/musicr/internal/bus"
	"github.com/musicr/musicr/internal/domain"
	"github.com/musicr/musicr/internal/match"
	"github.com/musicr/musicr/internal/metrics"
	"github.com/musicr/musicr/internal/store"
	"github.com/musicr/musicr/pkg/protocol"
)

const (
	// maxMessageRunes counts code points, not bytes; emoji-heavy messages
	// are not penalized for their encoding.
	maxMessageRunes = 500

	maxEmojiBytes = 32

	dbTimeout = 5 * time.Second
)

// Store is the persistence slice the service uses.
type Store interface {
	InsertMessage(ctx context.Context, params store.InsertMessageParams) (*domain.Message, error)
	AddReaction(ctx context.Context, messageID, userID uuid.UUID, emoji string) (bool, error)
	RemoveReaction(ctx context.Context, messageID, userID uuid.UUID, emoji string) (bool, error)
}

// Matcher resolves text to a song.
type Matcher interface {
	Match(ctx context.Context, text string) (match.Result, error)
}

// Broadcaster fans an envelope out to every local connection in a room.
type Broadcaster interface {
	Broadcast(room string, payload []byte)
}

// RateLimiter answers whether one more message is allowed for a key.
type RateLimiter interface {
	Allow(key string) bool
}

// ConnInfo identifies the connection a frame arrived on.
type ConnInfo struct {
	UserID uuid.UUID
	Handle string
	Room   string
	IPHash string
}

type Service struct {
	store       Store
	matcher     Matcher
	bus         bus.Bus
	hub         Broadcaster
	limiter     RateLimiter
	instanceID  string
	maintenance bool
}

func NewService(st Store, matcher Matcher, b bus.Bus, hub Broadcaster, limiter RateLimiter, instanceID string, maintenance bool) *Service {
	return &Service{
		store:       st,
		matcher:     matcher,
		bus:         b,
		hub:         hub,
		limiter:     limiter,
		instanceID:  instanceID,
		maintenance: maintenance,
	}
}

// HandleUserMessage runs one message through the pipeline. A returned error
// is for the sender alone; nil means the room (and the bus) got an envelope.
// Exactly one of the two happens, never both.
func (s *Service) HandleUserMessage(ctx context.Context, sender ConnInfo, frame protocol.UserMessage) error {
	if s.maintenance {
		return domain.ErrMaintenance
	}

	text := strings.TrimSpace(frame.Text)
	if text == "" {
		metrics.MessagesTotal.WithLabelValues("validation").Inc()
		return domain.ErrEmptyText
	}
	if utf8.RuneCountInString(text) > maxMessageRunes {
		metrics.MessagesTotal.WithLabelValues("validation").Inc()
		return domain.ErrTextTooLong
	}

	var replyTo *uuid.UUID
	if frame.ReplyToMessageID != "" {
		parsed, err := uuid.Parse(frame.ReplyToMessageID)
		if err != nil {
			metrics.MessagesTotal.WithLabelValues("validation").Inc()
			return fmt.Errorf("replyToMessageId: %w", domain.ErrInvalidID)
		}
		replyTo = &parsed
	}

	if !s.limiter.Allow(sender.IPHash) {
		metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
		return domain.ErrRateLimited
	}

	// The matcher has its own fallback ladder; an error here means even
	// the popularity path is gone. The message continues songless.
	result, matchErr := s.matcher.Match(ctx, text)
	if matchErr != nil {
		slog.Warn("chat: match unavailable, continuing without song", "error", matchErr)
	}

	var songID *string
	var songRef *domain.SongRef
	if matchErr == nil && result.Primary != nil {
		songID = &result.Primary.ID
		songRef = result.Primary
	}

	persistCtx, cancel := context.WithTimeout(ctx, dbTimeout)
	msg, err := s.store.InsertMessage(persistCtx, store.InsertMessageParams{
		Room:             sender.Room,
		UserID:           sender.UserID,
		Handle:           sender.Handle,
		Text:             text,
		SongID:           songID,
		Song:             songRef,
		Scores:           result.Scores,
		ReplyToMessageID: replyTo,
	})
	cancel()

	durable := true
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) && replyTo != nil {
			metrics.MessagesTotal.WithLabelValues("validation").Inc()
			return fmt.Errorf("unknown replyToMessageId: %w", domain.ErrNotFound)
		}

		// The room hears the message even when the database does not.
		slog.Warn("chat: persistence failed, broadcasting non-durable", "error", err)
		durable = false
		msg = &domain.Message{
			ID:        uuid.New().String(),
			Room:      sender.Room,
			UserID:    sender.UserID.String(),
			Handle:    sender.Handle,
			Text:      text,
			SongID:    songID,
			Song:      songRef,
			Scores:    result.Scores,
			CreatedAt: time.Now().UTC(),
		}
		if replyTo != nil {
			rt := replyTo.String()
			msg.ReplyToMessageID = &rt
		}
	}

	display := displayEnvelope(msg, result, frame.ClientTempID, durable)
	data, err := protocol.Marshal(display)
	if err != nil {
		return fmt.Errorf("encode display envelope: %w", err)
	}

	s.hub.Broadcast(sender.Room, data)
	s.bus.PublishChat(ctx, protocol.ChatEvent{
		Kind:             protocol.KindMessage,
		Room:             sender.Room,
		Payload:          data,
		OriginInstanceID: s.instanceID,
		TS:               protocol.NowMillis(),
	})

	if durable {
		metrics.MessagesTotal.WithLabelValues("broadcast").Inc()
	} else {
		metrics.MessagesTotal.WithLabelValues("non_durable").Inc()
	}
	return nil
}

func displayEnvelope(msg *domain.Message, result match.Result, clientTempID string, durable bool) protocol.Display {
	display := protocol.Display{
		Type:         protocol.TypeDisplay,
		ID:           msg.ID,
		Room:         msg.Room,
		UserID:       msg.UserID,
		Handle:       msg.Handle,
		Text:         msg.Text,
		CreatedAt:    msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		ClientTempID: clientTempID,
		Scores:       result.Scores,
		Reasoning:    result.Reasoning,
		Similarity:   result.Similarity,
		Durable:      durable,
	}
	if display.Reasoning == "" {
		display.Reasoning = "no match available"
	}
	if msg.ReplyToMessageID != nil {
		display.ReplyToMessageID = *msg.ReplyToMessageID
	}
	if msg.Song != nil {
		display.Song = &protocol.SongView{
			ID:     msg.Song.ID,
			Title:  msg.Song.Title,
			Artist: msg.Song.Artist,
			Year:   msg.Song.Year,
		}
	}
	return display
}
