package store

import (
	"context"
	"fmt"

	"github.com/nidhogg/mindpulse/internal/conversation"
)

// AppendTurn adds a turn to the append-only conversation log.
func (s *Store) AppendTurn(ctx context.Context, t conversation.Turn) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO conversation_turns
			(id, conversation_id, learner_id, role, content, token_cost, truncated, fallback, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.ConversationID, t.LearnerID, string(t.Role), t.Content, t.TokenCost, t.Truncated, t.Fallback, t.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("append turn: %w", unavailable(err))
	}
	return nil
}

// RecentTurns returns the latest n turns of a conversation, oldest first.
func (s *Store) RecentTurns(ctx context.Context, conversationID string, n int) ([]conversation.Turn, error) {
	if n <= 0 {
		n = conversation.DefaultHistoryTurns
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, conversation_id, learner_id, role, content, token_cost, truncated, fallback, created_at
		FROM (
			SELECT * FROM conversation_turns WHERE conversation_id = $1
			ORDER BY seq DESC LIMIT $2
		) recent
		ORDER BY seq ASC`, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("get turns: %w", unavailable(err))
	}
	defer rows.Close()

	var turns []conversation.Turn
	for rows.Next() {
		var (
			t    conversation.Turn
			role string
		)
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.LearnerID, &role, &t.Content,
			&t.TokenCost, &t.Truncated, &t.Fallback, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = conversation.Role(role)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
