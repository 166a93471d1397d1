// Package session binds one authenticated user to one realtime connection and
// keeps the visible message list of the active conversation.
//
// Outgoing messages are shown immediately as pending entries with an empty id
// and a client_id correlation token. The relay echoes the stored message with
// the same token and the pending entry is replaced in place, so the sender
// never sees a message twice.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/antonioobaid/linkly/internal/chat"
)

type Status int

const (
	Pending Status = iota
	Confirmed
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	default:
		return "failed"
	}
}

// Entry is one line of the visible conversation.
type Entry struct {
	chat.Message
	ClientID string
	// RecipientID is set on entries sent from this session.
	RecipientID string
	Status      Status
	// FailureCode is set when Status is Failed.
	FailureCode string
}

type EventType int

const (
	// Changed: the active conversation's list changed.
	Changed EventType = iota
	// Elsewhere: a message arrived for a conversation that is not open.
	Elsewhere
)

type Event struct {
	Type    EventType
	Message chat.Message
}

var (
	ErrClosed          = errors.New("session: closed")
	ErrNoConversation  = errors.New("session: no active conversation")
	ErrEmptyMessage    = errors.New("session: message is empty")
	defaultReconcileIn = 30 * time.Second
)

// HistoryFetcher loads the full history of a conversation.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, conversationID string) ([]chat.Message, error)
}

type Config struct {
	// URL of the relay websocket endpoint, e.g. ws://localhost:8080/ws.
	URL    string
	Token  string
	UserID string

	History HistoryFetcher
	Dialer  *websocket.Dialer
	// ReconcileWindow bounds the sender+text fallback match for echoes that
	// arrive without a correlation token.
	ReconcileWindow time.Duration
}

type Session struct {
	cfg Config

	writeMu  sync.Mutex
	conn     *websocket.Conn
	readErr  error
	readDone chan struct{}

	mu             sync.Mutex
	conversationID string
	peerID         string
	entries        []Entry
	closed         bool

	events chan Event
	now    func() time.Time
}

// Dial opens the realtime connection for cfg.Token.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.URL == "" || cfg.Token == "" || cfg.UserID == "" {
		return nil, errors.New("session: URL, Token and UserID are required")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.ReconcileWindow <= 0 {
		cfg.ReconcileWindow = defaultReconcileIn
	}
	s := &Session{
		cfg:    cfg,
		events: make(chan Event, 64),
		now:    time.Now,
	}
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) connect(ctx context.Context) error {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return fmt.Errorf("session: parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", s.cfg.Token)
	u.RawQuery = q.Encode()

	conn, _, err := s.cfg.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("session: dial: %w", err)
	}
	// The relay greets once the connection is registered; until then peers'
	// messages would not reach us.
	if err := awaitGreeting(ctx, conn); err != nil {
		conn.Close()
		return err
	}
	done := make(chan struct{})
	s.writeMu.Lock()
	s.conn = conn
	s.readDone = done
	s.writeMu.Unlock()

	go s.readLoop(conn, done)
	return nil
}

func awaitGreeting(ctx context.Context, conn *websocket.Conn) error {
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("session: await greeting: %w", err)
	}
	var f serverFrame
	if err := json.Unmarshal(data, &f); err != nil || f.Type != chat.FrameConnected {
		return fmt.Errorf("session: unexpected first frame %q", f.Type)
	}
	return nil
}

// Reconnect replaces a dropped connection and reloads the active conversation
// from history; nothing is replayed by the relay.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	convID, peerID := s.conversationID, s.peerID
	s.mu.Unlock()

	s.closeConn()
	if err := s.connect(ctx); err != nil {
		return err
	}
	if convID == "" {
		return nil
	}
	return s.Open(ctx, convID, peerID)
}

// Close releases the connection. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.closeConn()
	return nil
}

func (s *Session) closeConn() {
	s.writeMu.Lock()
	conn, done := s.conn, s.readDone
	s.writeMu.Unlock()
	if conn == nil {
		return
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	conn.Close()
	<-done
}

// Done is closed when the current connection's read loop exits.
func (s *Session) Done() <-chan struct{} {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.readDone
}

// Err returns the error that ended the current connection, if any.
func (s *Session) Err() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.readErr
}

// Events reports list changes. Slow readers miss events, not messages.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Open switches to conversationID: the list is discarded and reloaded from
// history. Messages that arrive while loading are merged in.
func (s *Session) Open(ctx context.Context, conversationID, peerID string) error {
	s.mu.Lock()
	s.conversationID = conversationID
	s.peerID = peerID
	s.entries = nil
	s.mu.Unlock()

	if s.cfg.History == nil {
		return nil
	}
	history, err := s.cfg.History.FetchHistory(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("session: load history: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversationID != conversationID {
		return nil
	}
	merged := make([]Entry, 0, len(history)+len(s.entries))
	seen := make(map[string]struct{}, len(history))
	for _, m := range history {
		merged = append(merged, Entry{Message: m, Status: Confirmed})
		seen[m.ID] = struct{}{}
	}
	for _, e := range s.entries {
		if _, dup := seen[e.ID]; e.ID != "" && dup {
			continue
		}
		merged = append(merged, e)
	}
	s.entries = merged
	s.sortLocked()
	s.emit(Event{Type: Changed})
	return nil
}

// Messages returns a snapshot of the active conversation.
func (s *Session) Messages() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// ConversationID returns the active conversation, possibly adopted from the
// first echo after SendTo.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Send posts text to the active conversation.
func (s *Session) Send(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	convID, peerID := s.conversationID, s.peerID
	if convID == "" && peerID == "" {
		s.mu.Unlock()
		return "", ErrNoConversation
	}
	clientID := s.addPendingLocked(peerID, text)
	s.mu.Unlock()
	return s.write(ctx, clientID, convID, peerID, text)
}

// SendTo messages recipientID directly; the relay creates the conversation if
// needed. With nothing open, recipientID becomes the peer and the first echo
// or message from them sets the active conversation. Messages to anyone else
// are not listed; their echo arrives as an Elsewhere event.
func (s *Session) SendTo(ctx context.Context, recipientID, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	var convID, clientID string
	switch {
	case recipientID == s.peerID:
		convID = s.conversationID
		clientID = s.addPendingLocked(recipientID, text)
	case s.conversationID == "" && s.peerID == "":
		s.peerID = recipientID
		clientID = s.addPendingLocked(recipientID, text)
	default:
		clientID = uuid.NewString()
	}
	s.mu.Unlock()
	return s.write(ctx, clientID, convID, recipientID, text)
}

func (s *Session) addPendingLocked(recipientID, text string) string {
	clientID := uuid.NewString()
	s.entries = append(s.entries, Entry{
		Message: chat.Message{
			ConversationID: s.conversationID,
			SenderID:       s.cfg.UserID,
			Text:           text,
			CreatedAt:      s.now().UTC(),
		},
		ClientID:    clientID,
		RecipientID: recipientID,
		Status:      Pending,
	})
	s.emit(Event{Type: Changed})
	return clientID
}

func (s *Session) write(ctx context.Context, clientID, convID, recipientID, text string) (string, error) {
	payload, err := json.Marshal(chat.InboundFrame{
		Type:           chat.FrameSendMessage,
		RecipientID:    recipientID,
		ConversationID: convID,
		Text:           text,
		ClientID:       clientID,
	})
	if err != nil {
		return "", err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetWriteDeadline(deadline)
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		// Nothing reached the relay; surface it as a failed entry.
		s.markFailed(clientID, "transport")
		return clientID, fmt.Errorf("session: write: %w", err)
	}
	return clientID, nil
}

type serverFrame struct {
	Type     string       `json:"type"`
	ClientID string       `json:"client_id"`
	Code     string       `json:"code"`
	Error    string       `json:"error"`
	Message  chat.Message `json:"message"`
}

func (s *Session) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.writeMu.Lock()
			if s.conn == conn {
				s.readErr = err
			}
			s.writeMu.Unlock()
			return
		}
		var f serverFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.Type {
		case chat.FrameReceiveMessage:
			s.receive(f.Message, f.ClientID)
		case chat.FrameSendFailed:
			s.markFailed(f.ClientID, f.Code)
		}
	}
}

func (s *Session) receive(m chat.Message, clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conversationID == "" && s.fromPeerLocked(m, clientID) {
		s.adoptLocked(m.ConversationID)
	}
	if m.ConversationID != s.conversationID {
		s.emit(Event{Type: Elsewhere, Message: m})
		return
	}
	for _, e := range s.entries {
		if e.ID != "" && e.ID == m.ID {
			return
		}
	}

	idx := -1
	if clientID != "" {
		idx = s.indexOfClientID(clientID)
	}
	if idx < 0 && m.SenderID == s.cfg.UserID {
		idx = s.indexOfLookalike(m)
	}
	confirmed := Entry{Message: m, ClientID: clientID, Status: Confirmed}
	if idx >= 0 {
		confirmed.ClientID = s.entries[idx].ClientID
		confirmed.RecipientID = s.entries[idx].RecipientID
		s.entries[idx] = confirmed
	} else {
		s.entries = append(s.entries, confirmed)
	}
	s.sortLocked()
	s.emit(Event{Type: Changed, Message: m})
}

// fromPeerLocked reports whether m belongs to the conversation with the
// pending peer: our own echo of a listed send, or a message the peer wrote.
func (s *Session) fromPeerLocked(m chat.Message, clientID string) bool {
	if s.peerID == "" {
		return false
	}
	if m.SenderID == s.peerID {
		return true
	}
	if clientID == "" || m.SenderID != s.cfg.UserID {
		return false
	}
	i := s.indexOfClientID(clientID)
	return i >= 0 && s.entries[i].RecipientID == s.peerID
}

func (s *Session) adoptLocked(conversationID string) {
	s.conversationID = conversationID
	for i := range s.entries {
		if s.entries[i].ConversationID == "" {
			s.entries[i].ConversationID = conversationID
		}
	}
}

func (s *Session) indexOfClientID(clientID string) int {
	for i, e := range s.entries {
		if e.ClientID == clientID && e.Status != Confirmed {
			return i
		}
	}
	return -1
}

// indexOfLookalike finds the oldest pending entry with the same sender and
// text created within the reconcile window.
func (s *Session) indexOfLookalike(m chat.Message) int {
	for i, e := range s.entries {
		if e.Status != Pending || e.SenderID != m.SenderID || e.Text != m.Text {
			continue
		}
		d := m.CreatedAt.Sub(e.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= s.cfg.ReconcileWindow {
			return i
		}
	}
	return -1
}

func (s *Session) markFailed(clientID, code string) {
	if clientID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOfClientID(clientID); i >= 0 {
		s.entries[i].Status = Failed
		s.entries[i].FailureCode = code
		s.emit(Event{Type: Changed})
	}
}

// sortLocked orders by created_at; pending entries keep their relative order.
func (s *Session) sortLocked() {
	sort.SliceStable(s.entries, func(i, j int) bool {
		return s.entries[i].CreatedAt.Before(s.entries[j].CreatedAt)
	})
}

func (s *Session) emit(e Event) {
	select {
	case s.events <- e:
	default:
	}
}
