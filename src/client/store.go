package client

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/orchestra-mcp/relay/src/types"
	"github.com/rs/zerolog"
)

var (
	ErrEmptyText           = errors.New("client: message text is empty")
	ErrEmptyPeer           = errors.New("client: peer is required")
	ErrConversationDeleted = errors.New("client: conversation is deleted")
)

// State is the local lifecycle of a conversation.
type State int

const (
	StateActive State = iota
	StateDeleted
)

func (s State) String() string {
	if s == StateDeleted {
		return "deleted"
	}
	return "active"
}

type conversation struct {
	messages []Message
	unread   int
	state    State
	loaded   bool
}

// Store is the device's reconciled view of its conversations. It merges
// locally composed messages, messages relayed by the server and the
// persisted log. Safe for concurrent use.
type Store struct {
	self   types.UserID
	log    LogStore
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	convs map[types.ConversationKey]*conversation
	focus types.ConversationKey
}

// NewStore creates a store for self backed by log.
func NewStore(self types.UserID, log LogStore, logger zerolog.Logger) *Store {
	return &Store{
		self:   self,
		log:    log,
		logger: logger.With().Str("component", "store").Str("user_id", string(self)).Logger(),
		now:    func() time.Time { return time.Now().UTC() },
		convs:  make(map[types.ConversationKey]*conversation),
	}
}

// Self returns the user the store belongs to.
func (s *Store) Self() types.UserID { return s.self }

// KeyFor returns the key of the conversation with peer.
func (s *Store) KeyFor(peer types.UserID) types.ConversationKey {
	return types.NewConversationKey(s.self, peer)
}

// Open loads the persisted log of key. Opening an already loaded
// conversation is a no-op.
func (s *Store) Open(key types.ConversationKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conv(key)
	return err
}

// conv returns the conversation for key, loading it on first use.
// Callers hold s.mu.
func (s *Store) conv(key types.ConversationKey) (*conversation, error) {
	c, ok := s.convs[key]
	if !ok {
		c = &conversation{}
		s.convs[key] = c
	}
	if c.loaded || c.state == StateDeleted {
		return c, nil
	}
	msgs, err := s.log.Load(key)
	if err != nil {
		return c, fmt.Errorf("load %s: %w", key, err)
	}
	// Entries that arrived before the load keep their place after the history.
	c.messages = append(msgs, c.messages...)
	c.loaded = true
	return c, nil
}

// Focus marks key as the conversation on screen and clears its unread
// counter. An empty key clears the focus.
func (s *Store) Focus(key types.ConversationKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.focus = key
	if c, ok := s.convs[key]; ok {
		c.unread = 0
	}
}

// Compose appends an outgoing message optimistically with status Pending.
// The returned message's ClientID is what the session sends as
// clientMessageId.
func (s *Store) Compose(peer types.UserID, text string, typ types.MessageType) (Message, error) {
	if peer == "" {
		return Message{}, ErrEmptyPeer
	}
	if strings.TrimSpace(text) == "" {
		return Message{}, ErrEmptyText
	}
	if typ == "" {
		typ = types.MessageText
	}

	key := s.KeyFor(peer)
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.conv(key)
	if err != nil {
		s.logger.Warn().Err(err).Str("conversation", string(key)).Msg("history unavailable")
	}
	if c.state == StateDeleted {
		return Message{}, ErrConversationDeleted
	}

	id := uuid.NewString()
	m := Message{
		ID:         id,
		ClientID:   id,
		SenderID:   s.self,
		ReceiverID: peer,
		Text:       text,
		Type:       typ,
		SentAt:     s.now(),
		Status:     StatusPending,
	}
	c.messages = append(c.messages, m)
	s.persist(key, m, false)
	return m, nil
}

// Acknowledge applies a messageDelivered ack to the matching pending entry
// in place. It never inserts; unknown acks are ignored and reported false.
func (s *Store) Acknowledge(p types.DeliveredPayload) (Message, bool) {
	key := s.KeyFor(p.ReceiverID)
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[key]
	if !ok {
		return Message{}, false
	}
	i := find(c.messages, p.ClientMessageID, p.MessageID)
	if i < 0 {
		s.logger.Debug().Str("message_id", p.MessageID).Msg("ack for unknown message")
		return Message{}, false
	}
	m := &c.messages[i]
	if m.Status == StatusDelivered {
		return *m, true
	}
	if p.MessageID != "" {
		m.ID = p.MessageID
	}
	m.Status = StatusDelivered
	s.persist(key, *m, true)
	return *m, true
}

// Fail marks the entry matching a messageError as Failed in place. Errors
// that do not reference a composed message are ignored.
func (s *Store) Fail(p types.MessageErrorPayload) (Message, bool) {
	if p.ClientMessageID == "" && p.MessageID == "" {
		return Message{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]types.ConversationKey, 0, 1)
	if p.ReceiverID != "" {
		keys = append(keys, s.KeyFor(p.ReceiverID))
	} else {
		for k := range s.convs {
			keys = append(keys, k)
		}
	}
	for _, key := range keys {
		c, ok := s.convs[key]
		if !ok {
			continue
		}
		i := find(c.messages, p.ClientMessageID, p.MessageID)
		if i < 0 {
			continue
		}
		m := &c.messages[i]
		if m.Status != StatusPending {
			return *m, false
		}
		if p.MessageID != "" {
			m.ID = p.MessageID
		}
		m.Status = StatusFailed
		s.persist(key, *m, true)
		return *m, true
	}
	return Message{}, false
}

// Receive appends a relayed message keyed by its server id. Replaying an
// already known messageId is a no-op and reports false. Receiving into a
// Deleted conversation makes it Active again.
func (s *Store) Receive(p types.ReceiveMessagePayload) (Message, bool) {
	if p.MessageID == "" {
		return Message{}, false
	}
	key := types.NewConversationKey(p.SenderID, p.ReceiverID)
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.conv(key)
	if err != nil {
		s.logger.Warn().Err(err).Str("conversation", string(key)).Msg("history unavailable")
	}
	for _, m := range c.messages {
		if m.ID == p.MessageID {
			return m, false
		}
	}
	if c.state == StateDeleted {
		c.state = StateActive
		c.loaded = true
	}

	typ := p.MessageType
	if typ == "" {
		typ = types.MessageText
	}
	sentAt := p.Timestamp
	if sentAt.IsZero() {
		sentAt = s.now()
	}
	m := Message{
		ID:         p.MessageID,
		SenderID:   p.SenderID,
		ReceiverID: p.ReceiverID,
		Text:       p.Message,
		Type:       typ,
		SentAt:     sentAt,
		Status:     StatusDelivered,
	}
	c.messages = append(c.messages, m)
	if s.focus != key {
		c.unread++
	}
	s.persist(key, m, false)
	return m, true
}

// Unread returns the unread counter of key.
func (s *Store) Unread(key types.ConversationKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[key]; ok {
		return c.unread
	}
	return 0
}

// Messages returns a copy of the conversation log.
func (s *Store) Messages(key types.ConversationKey) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[key]
	if !ok {
		return nil
	}
	return append([]Message(nil), c.messages...)
}

// Size approximates the conversation's storage footprint in bytes.
func (s *Store) Size(key types.ConversationKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[key]
	if !ok {
		return 0
	}
	total := 0
	for _, m := range c.messages {
		total += m.size()
	}
	return total
}

// NeedsCleanup reports whether the conversation grew beyond threshold bytes.
func (s *Store) NeedsCleanup(key types.ConversationKey, threshold int) bool {
	return s.Size(key) > threshold
}

// State returns the lifecycle state of key.
func (s *Store) State(key types.ConversationKey) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[key]; ok {
		return c.state
	}
	return StateActive
}

// Delete wipes the local log of key and marks it Deleted. Neither the peer
// nor the server is told.
func (s *Store) Delete(key types.ConversationKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.log.Clear(key); err != nil {
		return fmt.Errorf("clear %s: %w", key, err)
	}
	s.convs[key] = &conversation{state: StateDeleted, loaded: true}
	s.logger.Info().Str("conversation", string(key)).Msg("conversation deleted")
	return nil
}

// Restore makes a Deleted conversation Active again with an empty log.
func (s *Store) Restore(key types.ConversationKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[key]; ok && c.state == StateDeleted {
		c.state = StateActive
	}
}

// Conversations lists every known conversation, persisted or in memory,
// excluding deleted ones.
func (s *Store) Conversations() ([]types.ConversationKey, error) {
	persisted, err := s.log.Conversations()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[types.ConversationKey]struct{}, len(persisted)+len(s.convs))
	for _, k := range persisted {
		seen[k] = struct{}{}
	}
	for k, c := range s.convs {
		if len(c.messages) > 0 {
			seen[k] = struct{}{}
		}
	}
	out := make([]types.ConversationKey, 0, len(seen))
	for k := range seen {
		if c, ok := s.convs[k]; ok && c.state == StateDeleted {
			continue
		}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) persist(key types.ConversationKey, m Message, update bool) {
	var err error
	if update {
		err = s.log.Update(key, m)
	} else {
		err = s.log.Append(key, m)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("conversation", string(key)).Str("message_id", m.ID).Msg("persist failed")
	}
}

// find locates an entry by client id first, then by server id.
func find(msgs []Message, clientID, messageID string) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if clientID != "" && msgs[i].ClientID == clientID {
			return i
		}
		if clientID == "" && messageID != "" && msgs[i].ID == messageID {
			return i
		}
	}
	return -1
}
