// Package chat wires the transport session and the state components of one
// logged-in identity into a single client object. A Client lives from login
// to logout; nothing in it is global.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"hsmpchat/internal/content"
	"hsmpchat/internal/models"
	"hsmpchat/internal/observability"
	"hsmpchat/internal/presence"
	"hsmpchat/internal/rooms"
	"hsmpchat/internal/stream"
	"hsmpchat/internal/transport"
	"hsmpchat/internal/typing"
	"hsmpchat/internal/unread"

	"github.com/c-pro/geche"
)

const (
	defaultSeenTTL     = 10 * time.Minute
	updatesBuffer      = 256
	cachedHistoryLimit = 100
)

type Transport interface {
	Identity() string
	State() transport.State
	On(event models.EventName, h transport.Handler)
	Connect(ctx context.Context) error
	Disconnect()
	Emit(event models.EventName, payload any) error
	EmitWithAck(ctx context.Context, event models.EventName, payload any, reply any) error
}

type API interface {
	rooms.API
	stream.History
}

// Cache is the offline copy of rooms and histories.
type Cache interface {
	UpsertRooms(rooms []models.Room) error
	ListRooms() ([]models.Room, error)
	UpsertMessages(roomID string, messages []models.Message) error
	ListMessages(roomID string, limit int) ([]models.Message, error)
}

type Config struct {
	TypingDebounce time.Duration
	TypingTimeout  time.Duration
	// SeenTTL bounds how long a message ID is remembered for deduplication.
	SeenTTL time.Duration
}

type Option func(*Client)

func WithCache(c Cache) Option {
	return func(cl *Client) { cl.cache = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// WithTyping passes options to the typing coordinator.
func WithTyping(opts ...typing.Option) Option {
	return func(cl *Client) { cl.typingOpts = append(cl.typingOpts, opts...) }
}

type Client struct {
	self       string
	transport  Transport
	api        API
	cache      Cache
	logger     *slog.Logger
	typingOpts []typing.Option

	presence *presence.Tracker
	rooms    *rooms.Directory
	stream   *stream.Stream
	typing   *typing.Coordinator
	unread   *unread.Ledger
	seen     geche.Geche[string, struct{}]

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	// mu serializes state transitions; it is never held across network waits.
	mu     sync.Mutex
	active string
	// stale is set until the first room load after construction or a disconnect.
	stale bool

	updMu   sync.Mutex
	updates chan Update
	closed  bool
}

func New(cfg Config, t Transport, api API, opts ...Option) *Client {
	if cfg.SeenTTL <= 0 {
		cfg.SeenTTL = defaultSeenTTL
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		self:      t.Identity(),
		transport: t,
		api:       api,
		logger:    slog.Default(),
		ctx:       ctx,
		cancel:    cancel,
		updates:   make(chan Update, updatesBuffer),
		presence:  presence.NewTracker(),
		unread:    unread.NewLedger(),
		stale:     true,
		seen:      geche.NewMapTTLCache[string, struct{}](ctx, cfg.SeenTTL, time.Minute),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.rooms = rooms.NewDirectory(c.self, api, c.logger)
	c.stream = stream.New(c.self, api, t)
	typingOpts := append([]typing.Option{
		typing.WithDurations(cfg.TypingDebounce, cfg.TypingTimeout),
		typing.WithLogger(c.logger),
	}, c.typingOpts...)
	c.typing = typing.NewCoordinator(c.self, t, typingOpts...)

	if c.cache != nil {
		if cached, err := c.cache.ListRooms(); err != nil {
			c.logger.Warn("failed to read cached rooms", "error", err)
		} else if len(cached) > 0 {
			c.rooms.Seed(cached)
		}
	}

	c.register()
	return c
}

func (c *Client) register() {
	c.transport.On(models.EventConnect, c.handleConnect)
	c.transport.On(models.EventDisconnect, c.handleDisconnect)
	c.transport.On(models.EventConnectError, c.handleConnectError)
	c.transport.On(models.EventOnlineUsers, c.handleOnlineUsers)
	c.transport.On(models.EventUserStatus, c.handleUserStatus)
	c.transport.On(models.EventReceiveMessage, c.handleReceiveMessage)
	c.transport.On(models.EventMessagesRead, c.handleMessagesRead)
	c.transport.On(models.EventUserTyping, c.handleUserTyping)
}

func (c *Client) Identity() string {
	return c.self
}

// Connect opens the event channel. Rooms are reloaded on every connect.
func (c *Client) Connect(ctx context.Context) error {
	err := c.transport.Connect(ctx)
	if err != nil {
		c.publish(Update{Kind: UpdateConnection, State: c.transport.State(), Err: err})
	}
	return err
}

func (c *Client) Disconnect() {
	c.transport.Disconnect()
}

// Close disconnects and releases the client. The Updates channel is closed.
func (c *Client) Close() {
	c.transport.Disconnect()
	c.cancel()
	c.bg.Wait()

	c.updMu.Lock()
	defer c.updMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.updates)
	}
}

// Updates delivers state changes. Updates are dropped when the reader falls behind.
func (c *Client) Updates() <-chan Update {
	return c.updates
}

func (c *Client) LoadRooms(ctx context.Context) ([]models.Room, error) {
	list, err := c.rooms.Load(ctx)
	if err != nil {
		c.logger.Error("failed to load rooms", "error", err)
		c.publish(Update{Kind: UpdateError, Err: err})
		return nil, err
	}
	c.saveRooms(list)
	c.publish(Update{Kind: UpdateRooms, Count: len(list)})
	return list, nil
}

// OpenConversation gets or creates the room shared with other and makes it active.
func (c *Client) OpenConversation(ctx context.Context, other string) (models.Room, error) {
	room, err := c.rooms.GetOrCreate(ctx, other)
	if err != nil {
		c.publish(Update{Kind: UpdateError, Err: err})
		return models.Room{}, err
	}
	c.saveRooms([]models.Room{room})
	c.publish(Update{Kind: UpdateRooms, RoomID: room.ID, Count: len(c.rooms.Rooms())})

	if _, err := c.ActivateRoom(ctx, room.ID); err != nil {
		return room, err
	}
	return room, nil
}

// ActivateRoom loads the history of roomID and makes it the active room.
// Its unread counter is reset and a read receipt is sent. A stale activation
// that lost to a newer one returns models.ErrSuperseded and changes nothing.
func (c *Client) ActivateRoom(ctx context.Context, roomID string) ([]models.Message, error) {
	if _, ok := c.rooms.Get(roomID); !ok {
		return nil, fmt.Errorf("room %s: %w", roomID, models.ErrNotFound)
	}

	msgs, err := c.stream.Activate(ctx, roomID)
	if err != nil {
		if !errors.Is(err, models.ErrSuperseded) {
			c.logger.Error("failed to activate room", "room", roomID, "error", err)
			c.publish(Update{Kind: UpdateError, RoomID: roomID, Err: err})
		}
		return nil, err
	}

	c.mu.Lock()
	if c.stream.RoomID() != roomID {
		c.mu.Unlock()
		return nil, models.ErrSuperseded
	}
	prev := c.active
	c.active = roomID
	c.unread.Reset(roomID)
	total := c.unread.Total()
	c.mu.Unlock()

	if prev != "" && prev != roomID {
		c.typing.Stop(prev)
		c.typing.ClearRoom(prev)
	}

	observability.SetUnread(total)
	if err := c.stream.MarkRead(roomID); err != nil {
		c.logger.Warn("read receipt not sent", "room", roomID, "error", err)
	}
	c.saveMessages(roomID, msgs)

	c.publish(Update{Kind: UpdateActiveRoom, RoomID: roomID, Count: len(msgs)})
	c.publish(Update{Kind: UpdateUnread, RoomID: roomID, Count: 0})
	return msgs, nil
}

// Send transmits text to the other participant of the active room.
func (c *Client) Send(ctx context.Context, text string) (models.Message, error) {
	if content.NormalizeText(text) == "" {
		return models.Message{}, models.ErrEmptyMessage
	}

	roomID := c.ActiveRoom()
	if roomID == "" {
		return models.Message{}, models.ErrNoActiveRoom
	}
	room, ok := c.rooms.Get(roomID)
	if !ok {
		err := &models.SendError{Text: text, Err: fmt.Errorf("room %s: %w", roomID, models.ErrNotFound)}
		c.publish(Update{Kind: UpdateError, RoomID: roomID, Err: err})
		return models.Message{}, err
	}
	receiver := room.Other(c.self).ID

	c.typing.Stop(roomID)

	msg, err := c.stream.Send(ctx, roomID, text, receiver)
	if err != nil {
		observability.IncMessage("out", "error")
		c.logger.Warn("message not sent", "room", roomID, "error", err)
		c.publish(Update{Kind: UpdateError, RoomID: roomID, Err: err})
		return models.Message{}, err
	}
	observability.IncMessage("out", "ok")

	c.mu.Lock()
	_, err = c.seen.Get(msg.ID)
	c.seen.Set(msg.ID, struct{}{})
	c.mu.Unlock()
	if err == nil {
		// The server echo overtook the acknowledgment and was handled already.
		return msg, nil
	}

	c.rooms.Touch(msg.RoomID, msg)
	c.saveMessages(msg.RoomID, []models.Message{msg})
	c.publish(Update{Kind: UpdateMessage, RoomID: msg.RoomID, Message: &msg})
	return msg, nil
}

// Input records a keystroke in the active room.
func (c *Client) Input() {
	if roomID := c.ActiveRoom(); roomID != "" {
		c.typing.Input(roomID)
	}
}

// StopTyping ends the local typing episode right away.
func (c *Client) StopTyping() {
	c.typing.StopAll()
}

// MarkRead sends a read receipt for the active room.
func (c *Client) MarkRead() error {
	return c.stream.MarkRead(c.ActiveRoom())
}

func (c *Client) IsOnline(id string) bool {
	return c.presence.IsOnline(id)
}

func (c *Client) Online() []string {
	return c.presence.Online()
}

func (c *Client) UnreadCount(roomID string) int {
	return c.unread.Count(roomID)
}

func (c *Client) Rooms() []models.Room {
	return c.rooms.Rooms()
}

func (c *Client) Room(roomID string) (models.Room, bool) {
	return c.rooms.Get(roomID)
}

func (c *Client) Messages() []models.Message {
	return c.stream.Messages()
}

func (c *Client) ActiveRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Client) TypingIn(roomID string) []string {
	return c.typing.TypingIn(roomID)
}

// CachedHistory returns the offline copy of roomID's newest messages.
func (c *Client) CachedHistory(roomID string) ([]models.Message, error) {
	if c.cache == nil {
		return nil, nil
	}
	return c.cache.ListMessages(roomID, cachedHistoryLimit)
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:      c.transport.State(),
		Stale:      c.stale,
		ActiveRoom: c.active,
		Online:     c.presence.Len(),
		Unread:     c.unread.Total(),
	}
}

func (c *Client) handleConnect(json.RawMessage) {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()

	c.publish(Update{Kind: UpdateConnection, State: transport.StateConnected})

	c.bg.Go(func() {
		if _, err := c.LoadRooms(c.ctx); err != nil {
			return
		}
		if active != "" {
			if _, err := c.ActivateRoom(c.ctx, active); err != nil {
				return
			}
		}
		c.mu.Lock()
		c.stale = false
		c.mu.Unlock()
	})
}

func (c *Client) handleDisconnect(data json.RawMessage) {
	var reason string
	_ = json.Unmarshal(data, &reason)

	c.mu.Lock()
	c.presence.Clear()
	c.typing.ClearAll()
	c.stale = true
	c.mu.Unlock()

	observability.SetOnlineUsers(0)
	c.publish(Update{Kind: UpdateConnection, State: c.transport.State(), Err: reasonErr(reason)})
}

func (c *Client) handleConnectError(data json.RawMessage) {
	var reason string
	_ = json.Unmarshal(data, &reason)
	c.publish(Update{Kind: UpdateConnection, State: c.transport.State(), Err: reasonErr(reason)})
}

func (c *Client) handleOnlineUsers(data json.RawMessage) {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		c.logger.Warn("bad onlineUsers payload", "error", err)
		return
	}

	c.mu.Lock()
	c.presence.Replace(ids)
	n := c.presence.Len()
	c.mu.Unlock()

	observability.SetOnlineUsers(n)
	c.publish(Update{Kind: UpdatePresence, Count: n})
}

func (c *Client) handleUserStatus(data json.RawMessage) {
	var ev models.UserStatusEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.UserID == "" {
		c.logger.Warn("bad userStatus payload", "data", string(data))
		return
	}

	c.mu.Lock()
	c.presence.Set(ev.UserID, ev.IsOnline)
	n := c.presence.Len()
	c.mu.Unlock()

	observability.SetOnlineUsers(n)
	c.publish(Update{Kind: UpdatePresence, UserID: ev.UserID, Online: ev.IsOnline, Count: n})
}

func (c *Client) handleReceiveMessage(data json.RawMessage) {
	var ev models.ReceiveMessageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.logger.Warn("bad receiveMessage payload", "error", err)
		return
	}
	msg := ev.Message
	if msg.RoomID == "" {
		msg.RoomID = ev.ChatRoomID
	}
	if msg.ID == "" || msg.RoomID == "" {
		c.logger.Warn("receiveMessage without id or room", "data", string(data))
		return
	}

	c.mu.Lock()
	if _, err := c.seen.Get(msg.ID); err == nil {
		c.mu.Unlock()
		return
	}
	c.seen.Set(msg.ID, struct{}{})
	active := c.active
	c.stream.Append(msg)
	counted := c.unread.Observe(msg, c.self, active)
	c.typing.Remote(msg.RoomID, msg.Sender, false)
	total := c.unread.Total()
	c.mu.Unlock()

	observability.IncMessage("in", "ok")
	observability.SetUnread(total)

	if !c.rooms.Touch(msg.RoomID, msg) {
		c.bg.Go(func() { c.resyncRooms(msg) })
	}
	if msg.Receiver == c.self && msg.RoomID == active {
		if err := c.stream.MarkRead(msg.RoomID); err != nil {
			c.logger.Warn("read receipt not sent", "room", msg.RoomID, "error", err)
		}
	}
	c.saveMessages(msg.RoomID, []models.Message{msg})

	c.publish(Update{Kind: UpdateMessage, RoomID: msg.RoomID, Message: &msg})
	if counted {
		c.publish(Update{Kind: UpdateUnread, RoomID: msg.RoomID, Count: c.unread.Count(msg.RoomID)})
	}
}

func (c *Client) resyncRooms(msg models.Message) {
	if err := c.rooms.UpsertOnIncomingMessage(c.ctx, msg.RoomID, msg); err != nil {
		c.logger.Error("failed to resync rooms", "room", msg.RoomID, "error", err)
		c.publish(Update{Kind: UpdateError, RoomID: msg.RoomID, Err: err})
		return
	}
	list := c.rooms.Rooms()
	c.saveRooms(list)
	c.publish(Update{Kind: UpdateRooms, RoomID: msg.RoomID, Count: len(list)})
}

func (c *Client) handleMessagesRead(data json.RawMessage) {
	var ev models.MessagesReadEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.logger.Warn("bad messagesRead payload", "error", err)
		return
	}

	c.mu.Lock()
	n := c.stream.ApplyReadReceipt(ev.ChatRoomID, ev.ReadBy)
	c.mu.Unlock()

	if n > 0 {
		c.saveMessages(ev.ChatRoomID, c.stream.Messages())
	}
	c.publish(Update{Kind: UpdateRead, RoomID: ev.ChatRoomID, UserID: ev.ReadBy, Count: n})
}

func (c *Client) handleUserTyping(data json.RawMessage) {
	var ev models.TypingSignal
	if err := json.Unmarshal(data, &ev); err != nil {
		c.logger.Warn("bad userTyping payload", "error", err)
		return
	}

	c.mu.Lock()
	c.typing.Remote(ev.ChatRoomID, ev.UserID, ev.IsTyping)
	c.mu.Unlock()

	c.publish(Update{Kind: UpdateTyping, RoomID: ev.ChatRoomID, UserID: ev.UserID, Typing: ev.IsTyping})
}

func (c *Client) saveRooms(list []models.Room) {
	if c.cache == nil || len(list) == 0 {
		return
	}
	if err := c.cache.UpsertRooms(list); err != nil {
		c.logger.Warn("failed to cache rooms", "error", err)
	}
}

func (c *Client) saveMessages(roomID string, msgs []models.Message) {
	if c.cache == nil || len(msgs) == 0 {
		return
	}
	if err := c.cache.UpsertMessages(roomID, msgs); err != nil {
		c.logger.Warn("failed to cache messages", "room", roomID, "error", err)
	}
}

func (c *Client) publish(u Update) {
	c.updMu.Lock()
	defer c.updMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.updates <- u:
	default:
		c.logger.Debug("update dropped", "kind", u.Kind)
	}
}

func reasonErr(reason string) error {
	if reason == "" {
		return nil
	}
	return errors.New(reason)
}
