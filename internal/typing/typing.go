// Package typing implements the local typing state machine and tracks
// who is typing on the remote side of each room.
//
// Local state per session is Idle or Typing. The first keystroke of an
// episode enters Typing and arms the debounce timer; the "typing started"
// signal goes out when it fires. Every keystroke re-arms the inactivity
// timer, which emits "typing stopped" and returns to Idle. Stop bypasses
// both timers.
package typing

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"hsmpchat/internal/models"
)

const (
	DefaultDebounce = 300 * time.Millisecond
	DefaultTimeout  = 2 * time.Second
)

type Emitter interface {
	Emit(event models.EventName, payload any) error
}

// Timer is the subset of *time.Timer the coordinator needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type Option func(*Coordinator)

func WithAfterFunc(af AfterFunc) Option {
	return func(c *Coordinator) { c.afterFunc = af }
}

func WithDurations(debounce, timeout time.Duration) Option {
	return func(c *Coordinator) {
		if debounce > 0 {
			c.debounce = debounce
		}
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

type Coordinator struct {
	self      string
	emitter   Emitter
	afterFunc AfterFunc
	debounce  time.Duration
	timeout   time.Duration
	logger    *slog.Logger

	// sendMu keeps signals in state order; it is taken before mu is released.
	sendMu sync.Mutex

	mu        sync.Mutex
	room      string
	typing    bool
	started   bool
	// episode invalidates the debounce timer, keys the inactivity timer.
	episode   uint64
	keys      uint64
	debounceT Timer
	idleT     Timer
	remote    map[string]map[string]struct{}
}

func NewCoordinator(self string, emitter Emitter, opts ...Option) *Coordinator {
	c := &Coordinator{
		self:      self,
		emitter:   emitter,
		afterFunc: realAfterFunc,
		debounce:  DefaultDebounce,
		timeout:   DefaultTimeout,
		logger:    slog.Default(),
		remote:    make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Input records a local keystroke in roomID.
func (c *Coordinator) Input(roomID string) {
	if roomID == "" {
		return
	}

	c.mu.Lock()
	var pending []models.TypingSignal
	if c.typing && c.room != roomID {
		pending = append(pending, c.stopLocked())
	}

	if !c.typing {
		c.typing = true
		c.started = false
		c.room = roomID
		c.episode++
		episode := c.episode
		c.debounceT = c.afterFunc(c.debounce, func() { c.fireStart(episode) })
	}

	c.keys++
	keys := c.keys
	if c.idleT != nil {
		c.idleT.Stop()
	}
	c.idleT = c.afterFunc(c.timeout, func() { c.fireTimeout(keys) })
	c.unlockAndEmit(pending...)
}

// Stop ends the Typing episode in roomID, emitting "typing stopped" right away.
// It is a no-op when the coordinator is idle or typing in another room.
func (c *Coordinator) Stop(roomID string) {
	c.mu.Lock()
	if !c.typing || c.room != roomID {
		c.mu.Unlock()
		return
	}
	c.unlockAndEmit(c.stopLocked())
}

// StopAll ends any Typing episode regardless of room.
func (c *Coordinator) StopAll() {
	c.mu.Lock()
	if !c.typing {
		c.mu.Unlock()
		return
	}
	c.unlockAndEmit(c.stopLocked())
}

// Typing reports whether the local side is in the Typing state and in which room.
func (c *Coordinator) Typing() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room, c.typing
}

func (c *Coordinator) fireStart(episode uint64) {
	c.mu.Lock()
	if !c.typing || c.started || episode != c.episode {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.unlockAndEmit(c.signalLocked(true))
}

func (c *Coordinator) fireTimeout(keys uint64) {
	c.mu.Lock()
	if !c.typing || keys != c.keys {
		c.mu.Unlock()
		return
	}
	c.unlockAndEmit(c.stopLocked())
}

func (c *Coordinator) stopLocked() models.TypingSignal {
	if c.debounceT != nil {
		c.debounceT.Stop()
		c.debounceT = nil
	}
	if c.idleT != nil {
		c.idleT.Stop()
		c.idleT = nil
	}
	c.episode++
	c.keys++
	c.typing = false
	c.started = false
	return c.signalLocked(false)
}

func (c *Coordinator) signalLocked(isTyping bool) models.TypingSignal {
	return models.TypingSignal{ChatRoomID: c.room, UserID: c.self, IsTyping: isTyping}
}

// unlockAndEmit releases mu and transmits signals outside of it.
func (c *Coordinator) unlockAndEmit(signals ...models.TypingSignal) {
	if len(signals) == 0 {
		c.mu.Unlock()
		return
	}
	c.sendMu.Lock()
	c.mu.Unlock()
	defer c.sendMu.Unlock()

	for _, sig := range signals {
		if err := c.emitter.Emit(models.EventTyping, sig); err != nil {
			c.logger.Debug("typing signal not sent", "room", sig.ChatRoomID, "typing", sig.IsTyping, "error", err)
		}
	}
}

// Remote applies a userTyping event. Our own echoes are ignored.
func (c *Coordinator) Remote(roomID, user string, isTyping bool) {
	if user == c.self || roomID == "" || user == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	users := c.remote[roomID]
	if !isTyping {
		delete(users, user)
		if len(users) == 0 {
			delete(c.remote, roomID)
		}
		return
	}
	if users == nil {
		users = make(map[string]struct{})
		c.remote[roomID] = users
	}
	users[user] = struct{}{}
}

// TypingIn returns the sorted identities typing in roomID.
func (c *Coordinator) TypingIn(roomID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	users := make([]string, 0, len(c.remote[roomID]))
	for u := range c.remote[roomID] {
		users = append(users, u)
	}
	slices.Sort(users)
	return users
}

func (c *Coordinator) ClearRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.remote, roomID)
}

// ClearAll drops remote state and cancels local timers without emitting.
func (c *Coordinator) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.debounceT != nil {
		c.debounceT.Stop()
		c.debounceT = nil
	}
	if c.idleT != nil {
		c.idleT.Stop()
		c.idleT = nil
	}
	c.episode++
	c.keys++
	c.typing = false
	c.started = false
	c.remote = make(map[string]map[string]struct{})
}
