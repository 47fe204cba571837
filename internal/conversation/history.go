package conversation

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Role of a turn author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one append-only entry of a conversation.
type Turn struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	LearnerID      string    `json:"learner_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	TokenCost      int       `json:"token_cost"`
	CreatedAt      time.Time `json:"created_at"`
	Truncated      bool      `json:"truncated,omitempty"`
	Fallback       bool      `json:"fallback,omitempty"`
}

// EstimateTokens approximates the token count of s at four characters
// per token.
func EstimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}

// TurnStore persists the turn log.
type TurnStore interface {
	AppendTurn(ctx context.Context, t Turn) error
	// RecentTurns returns up to n of the latest turns, oldest first.
	RecentTurns(ctx context.Context, conversationID string, n int) ([]Turn, error)
}

// MemoryTurns is an in-process TurnStore.
type MemoryTurns struct {
	mu    sync.Mutex
	turns map[string][]Turn
}

func NewMemoryTurns() *MemoryTurns {
	return &MemoryTurns{turns: make(map[string][]Turn)}
}

func (m *MemoryTurns) AppendTurn(_ context.Context, t Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[t.ConversationID] = append(m.turns[t.ConversationID], t)
	return nil
}

func (m *MemoryTurns) RecentTurns(_ context.Context, conversationID string, n int) ([]Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.turns[conversationID]
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return append([]Turn(nil), all...), nil
}

const (
	summaryLineRunes = 160
	summaryMaxLines  = 20
)

// History is the working memory of a conversation: the last N turns
// verbatim and a short extractive summary of everything older.
type History struct {
	limit   int
	turns   []Turn
	summary []string
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryTurns
	}
	return &History{limit: limit}
}

func (h *History) Append(t Turn) {
	h.turns = append(h.turns, t)
	for len(h.turns) > h.limit {
		h.summary = append(h.summary, summarize(h.turns[0]))
		h.turns = h.turns[1:]
	}
	if extra := len(h.summary) - summaryMaxLines; extra > 0 {
		h.summary = h.summary[extra:]
	}
}

// Recent returns the retained turns, oldest first.
func (h *History) Recent() []Turn {
	return append([]Turn(nil), h.turns...)
}

func (h *History) Summary() string {
	return strings.Join(h.summary, "\n")
}

func (h *History) Len() int { return len(h.turns) }

// summarize keeps the first sentence of a turn.
func summarize(t Turn) string {
	text := strings.Join(strings.Fields(t.Content), " ")
	if i := strings.IndexAny(text, ".?!"); i >= 0 {
		text = text[:i+1]
	}
	if utf8.RuneCountInString(text) > summaryLineRunes {
		r := []rune(text)
		text = string(r[:summaryLineRunes-3]) + "..."
	}
	return string(t.Role) + ": " + text
}
