package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zhouzirui/dealroom/backend/internal/model/chat"
)

// MemoryStore keeps conversations in process memory. It backs tests and
// single-process development runs.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[int64]chat.Conversation
	messages      map[int64][]int64 // conversation -> ordered message ids
	byID          map[int64]chat.Message
	nextConvID    int64
	nextMsgID     int64
	now           func() time.Time
}

// NewMemoryStore bootstraps an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[int64]chat.Conversation),
		messages:      make(map[int64][]int64),
		byID:          make(map[int64]chat.Message),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateConversation(_ context.Context, modelID string) (chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextConvID++
	conv := chat.Conversation{
		ID:        s.nextConvID,
		ModelID:   modelID,
		CreatedAt: s.now(),
	}
	s.conversations[conv.ID] = conv
	s.messages[conv.ID] = make([]int64, 0, 16)
	return conv, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id int64) (chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return chat.Conversation{}, ErrConversationNotFound
	}
	conv.Messages = s.transcriptLocked(id)
	return conv, nil
}

func (s *MemoryStore) ListConversations(_ context.Context) ([]chat.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]chat.ConversationSummary, 0, len(s.conversations))
	for id, conv := range s.conversations {
		out = append(out, chat.ConversationSummary{
			ID:            id,
			ModelID:       conv.ModelID,
			CreatedAt:     conv.CreatedAt,
			MessagesCount: len(s.messages[id]),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) DeleteConversation(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[id]; !ok {
		return ErrConversationNotFound
	}
	for _, msgID := range s.messages[id] {
		delete(s.byID, msgID)
	}
	delete(s.messages, id)
	delete(s.conversations, id)
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID int64) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return nil, ErrConversationNotFound
	}
	return s.transcriptLocked(conversationID), nil
}

func (s *MemoryStore) AppendUserMessage(_ context.Context, conversationID int64, content string) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(conversationID, chat.RoleUser, content, true)
}

func (s *MemoryStore) AppendSystemMessage(_ context.Context, conversationID int64, content string) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(conversationID, chat.RoleSystem, content, true)
}

func (s *MemoryStore) TrailingAssistantMessage(_ context.Context, conversationID int64) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, ok := s.messages[conversationID]
	if !ok {
		return chat.Message{}, ErrConversationNotFound
	}
	if len(ids) > 0 {
		last := s.byID[ids[len(ids)-1]]
		if last.Role == chat.RoleAssistant && !last.Finalized() {
			return last, nil
		}
	}
	return s.appendLocked(conversationID, chat.RoleAssistant, "", false)
}

func (s *MemoryStore) AppendToMessage(_ context.Context, messageID int64, fragment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	if msg.Finalized() {
		return ErrMessageFinalized
	}
	msg.Content += fragment
	s.byID[messageID] = msg
	return nil
}

func (s *MemoryStore) FinalizeMessage(_ context.Context, messageID int64) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[messageID]
	if !ok {
		return chat.Message{}, ErrMessageNotFound
	}
	if !msg.Finalized() {
		done := s.now()
		msg.CompletedAt = &done
		s.byID[messageID] = msg
	}
	return msg, nil
}

func (s *MemoryStore) AbandonMessage(_ context.Context, messageID int64) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[messageID]
	if !ok {
		return chat.Message{}, ErrMessageNotFound
	}
	if msg.Abandoned {
		return msg, nil
	}
	if msg.Finalized() {
		return chat.Message{}, ErrMessageFinalized
	}
	done := s.now()
	msg.CompletedAt = &done
	msg.Abandoned = true
	s.byID[messageID] = msg
	return msg, nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	ids := s.messages[msg.ConversationID]
	for i, id := range ids {
		if id == messageID {
			s.messages[msg.ConversationID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	delete(s.byID, messageID)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) appendLocked(conversationID int64, role chat.Role, content string, final bool) (chat.Message, error) {
	if _, ok := s.conversations[conversationID]; !ok {
		return chat.Message{}, ErrConversationNotFound
	}

	s.nextMsgID++
	now := s.now()
	msg := chat.Message{
		ID:             s.nextMsgID,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
	}
	if final {
		msg.CompletedAt = &now
	}

	s.byID[msg.ID] = msg
	s.messages[conversationID] = append(s.messages[conversationID], msg.ID)
	return msg, nil
}

func (s *MemoryStore) transcriptLocked(conversationID int64) []chat.Message {
	ids := s.messages[conversationID]
	out := make([]chat.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.byID[id])
	}
	return out
}
