package chat

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/musicr/musicr/internal/domain"
	"github.com/musicr/musicr/internal/metrics"
	"github.com/musicr/musicr/pkg/protocol"
)

// AddReaction records a reaction and, only if it is new, tells the room.
// Re-adding the same emoji is a silent no-op: no broadcast, no error, same
// end state.
func (s *Service) AddReaction(ctx context.Context, sender ConnInfo, frame protocol.ReactionFrame) error {
	if s.maintenance {
		return domain.ErrMaintenance
	}
	messageID, err := validateReaction(frame)
	if err != nil {
		return err
	}

	storeCtx, cancel := context.WithTimeout(ctx, dbTimeout)
	inserted, err := s.store.AddReaction(storeCtx, messageID, sender.UserID, frame.Emoji)
	cancel()
	if err != nil {
		return fmt.Errorf("add reaction: %w", err)
	}
	if !inserted {
		return nil
	}

	metrics.ReactionsTotal.WithLabelValues("add").Inc()
	env := protocol.ReactionAdded{
		Type:      protocol.TypeReactionAdded,
		MessageID: frame.MessageID,
		Emoji:     frame.Emoji,
		UserID:    sender.UserID.String(),
		Handle:    sender.Handle,
	}
	return s.broadcastReaction(ctx, sender.Room, protocol.KindReactionAdd, env)
}

// RemoveReaction withdraws a reaction symmetrically to AddReaction: only an
// actual deletion is announced.
func (s *Service) RemoveReaction(ctx context.Context, sender ConnInfo, frame protocol.ReactionFrame) error {
	if s.maintenance {
		return domain.ErrMaintenance
	}
	messageID, err := validateReaction(frame)
	if err != nil {
		return err
	}

	storeCtx, cancel := context.WithTimeout(ctx, dbTimeout)
	removed, err := s.store.RemoveReaction(storeCtx, messageID, sender.UserID, frame.Emoji)
	cancel()
	if err != nil {
		return fmt.Errorf("remove reaction: %w", err)
	}
	if !removed {
		return nil
	}

	metrics.ReactionsTotal.WithLabelValues("remove").Inc()
	env := protocol.ReactionRemoved{
		Type:      protocol.TypeReactionRemoved,
		MessageID: frame.MessageID,
		Emoji:     frame.Emoji,
		UserID:    sender.UserID.String(),
	}
	return s.broadcastReaction(ctx, sender.Room, protocol.KindReactionRemove, env)
}

func validateReaction(frame protocol.ReactionFrame) (uuid.UUID, error) {
	if frame.Emoji == "" || len(frame.Emoji) > maxEmojiBytes {
		return uuid.Nil, domain.ErrInvalidEmoji
	}
	messageID, err := uuid.Parse(frame.MessageID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("messageId: %w", domain.ErrInvalidID)
	}
	return messageID, nil
}

func (s *Service) broadcastReaction(ctx context.Context, room, kind string, env any) error {
	data, err := protocol.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode reaction envelope: %w", err)
	}

	s.hub.Broadcast(room, data)
	s.bus.PublishChat(ctx, protocol.ChatEvent{
		Kind:             kind,
		Room:             room,
		Payload:          data,
		OriginInstanceID: s.instanceID,
		TS:               protocol.NowMillis(),
	})
	return nil
}
