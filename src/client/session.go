package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/orchestra-mcp/relay/src/types"
	"github.com/rs/zerolog"
)

// ErrSessionClosed is returned when writing on a closed session.
var ErrSessionClosed = errors.New("client: session closed")

// EventDisconnected is the last event of a session.
const EventDisconnected = "disconnected"

// Event is what a Session publishes to its subscriber after applying a
// server frame to the local state.
type Event struct {
	// Kind is the wire event name, or EventDisconnected.
	Kind    string
	Message Message
	User    types.UserID
	Typing  bool
	Online  []types.UserID
	Error   *types.MessageErrorPayload
	Err     error
}

// SessionOptions configures Dial.
type SessionOptions struct {
	URL           string
	User          types.UserID
	Dialer        *websocket.Dialer
	TypingTimeout time.Duration
	EventBuffer   int
	WriteTimeout  time.Duration
}

// Session is one live connection to the relay. It owns the typing and
// presence views and feeds the store; it publishes Events on a channel
// instead of global callbacks.
type Session struct {
	conn     *websocket.Conn
	self     types.UserID
	store    *Store
	typing   *TypingIndicator
	presence *PresenceView
	logger   zerolog.Logger
	opts     SessionOptions

	writeMu sync.Mutex

	evMu   sync.RWMutex
	events chan Event
	closed bool
	done   chan struct{}
}

// Dial connects to the relay, announces opts.User and starts reading.
func Dial(ctx context.Context, opts SessionOptions, store *Store, logger zerolog.Logger) (*Session, error) {
	if opts.User == "" {
		return nil, errors.New("client: user is required")
	}
	if store.Self() != opts.User {
		return nil, fmt.Errorf("client: store belongs to %s, not %s", store.Self(), opts.User)
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, _, err := dialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}

	s := &Session{
		conn:     conn,
		self:     opts.User,
		store:    store,
		presence: NewPresenceView(),
		logger:   logger.With().Str("component", "session").Str("user_id", string(opts.User)).Logger(),
		opts:     opts,
		events:   make(chan Event, opts.EventBuffer),
		done:     make(chan struct{}),
	}
	s.typing = NewTypingIndicator(opts.TypingTimeout, func(u types.UserID, typing bool) {
		s.emit(Event{Kind: types.EventUserTyping, User: u, Typing: typing})
	})

	if err := s.write(types.EventJoin, types.JoinPayload{UserID: opts.User}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("join: %w", err)
	}
	go s.readLoop()
	return s, nil
}

// Events returns the subscriber channel. It is closed when the session ends.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed when the read loop exits.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Store() *Store { return s.store }

// Presence is the online set as last reported by the relay.
func (s *Session) Presence() *PresenceView { return s.presence }

// Typing reports which peers are typing to this user.
func (s *Session) Typing() *TypingIndicator { return s.typing }

// Send composes a message locally and sends it. The returned message is
// Pending; the ack or error arrives as an Event.
func (s *Session) Send(peer types.UserID, text string, typ types.MessageType) (Message, error) {
	m, err := s.store.Compose(peer, text, typ)
	if err != nil {
		return Message{}, err
	}
	err = s.write(types.EventSendMessage, types.SendMessagePayload{
		SenderID:        s.self,
		ReceiverID:      peer,
		Message:         text,
		MessageType:     string(m.Type),
		ClientMessageID: m.ClientID,
	})
	if err != nil {
		failed, _ := s.store.Fail(types.MessageErrorPayload{
			Reason:          err.Error(),
			ClientMessageID: m.ClientID,
			ReceiverID:      peer,
		})
		return failed, err
	}
	return m, nil
}

// SetTyping tells peer whether this user is typing.
func (s *Session) SetTyping(peer types.UserID, typing bool) error {
	return s.write(types.EventTyping, types.TypingPayload{SenderID: s.self, ReceiverID: peer, IsTyping: typing})
}

// Close ends the session. The read loop then closes the event channel.
func (s *Session) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	err := s.conn.Close()
	<-s.done
	return err
}

func (s *Session) write(event string, payload any) error {
	env, err := types.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(env)
}

func (s *Session) readLoop() {
	defer func() {
		s.typing.Stop()
		s.evMu.Lock()
		s.closed = true
		close(s.events)
		s.evMu.Unlock()
		close(s.done)
	}()

	for {
		var env types.Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Msg("read ended")
			}
			s.emit(Event{Kind: EventDisconnected, Err: err})
			return
		}
		if err := s.apply(env); err != nil {
			s.logger.Warn().Err(err).Str("event", env.Event).Msg("bad frame")
		}
	}
}

// apply folds one server frame into the local state.
func (s *Session) apply(env types.Envelope) error {
	switch env.Event {
	case types.EventOnlineUsers:
		var p types.OnlineUsersPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		s.presence.Replace(p.UserIDs)
		s.emit(Event{Kind: env.Event, Online: s.presence.Online()})

	case types.EventUserOnline, types.EventUserOffline:
		var p types.PresencePayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		if env.Event == types.EventUserOnline {
			s.presence.SetOnline(p.UserID)
		} else {
			s.presence.SetOffline(p.UserID)
		}
		s.emit(Event{Kind: env.Event, User: p.UserID})

	case types.EventReceiveMessage:
		var p types.ReceiveMessagePayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		if m, fresh := s.store.Receive(p); fresh {
			s.emit(Event{Kind: env.Event, Message: m, User: p.SenderID})
		}

	case types.EventMessageDelivered:
		var p types.DeliveredPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		if m, ok := s.store.Acknowledge(p); ok {
			s.emit(Event{Kind: env.Event, Message: m, User: p.ReceiverID})
		}

	case types.EventMessageError:
		var p types.MessageErrorPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		m, _ := s.store.Fail(p)
		s.emit(Event{Kind: env.Event, Message: m, User: p.ReceiverID, Error: &p})

	case types.EventUserTyping:
		var p types.UserTypingPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		s.typing.Apply(p)

	default:
		return fmt.Errorf("unexpected event %q", env.Event)
	}
	return nil
}

// emit publishes ev without blocking the read loop. A subscriber that falls
// behind loses events; the store and views stay authoritative.
func (s *Session) emit(ev Event) {
	s.evMu.RLock()
	defer s.evMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn().Str("event", ev.Kind).Msg("event channel full, dropping")
	}
}
