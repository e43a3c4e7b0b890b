// Package console is a line-oriented terminal front-end for the chat client.
// Lines starting with a slash are commands, anything else is sent to the
// active room.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"hsmpchat/internal/chat"
	"hsmpchat/internal/content"
	"hsmpchat/internal/models"
)

type Chat interface {
	Identity() string
	Connect(ctx context.Context) error
	Rooms() []models.Room
	Room(roomID string) (models.Room, bool)
	OpenConversation(ctx context.Context, other string) (models.Room, error)
	ActivateRoom(ctx context.Context, roomID string) ([]models.Message, error)
	Messages() []models.Message
	CachedHistory(roomID string) ([]models.Message, error)
	Online() []string
	IsOnline(id string) bool
	UnreadCount(roomID string) int
	TypingIn(roomID string) []string
	ActiveRoom() string
	Send(ctx context.Context, text string) (models.Message, error)
	Status() chat.Status
	Updates() <-chan chat.Update
}

const helpText = `commands:
  /rooms             list conversations
  /open <identity>   open (or create) a conversation and make it active
  /switch <n|room>   activate a room by list number or id
  /history           show the active room
  /who               list online identities
  /unread            list unread counters
  /typing            show who is typing in the active room
  /status            connection status
  /reconnect         retry after the connection gave up
  /quit              leave
anything else is sent to the active room`

type Console struct {
	chat Chat
	mu   sync.Mutex
	out  io.Writer
}

func New(c Chat, out io.Writer) *Console {
	return &Console{chat: c, out: out}
}

// Run reads commands from in until EOF, /quit or ctx is done.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	c.printf("logged in as %s, /help for commands\n", c.chat.Identity())
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			if quit := c.Exec(ctx, line); quit {
				return nil
			}
		}
	}
}

// Watch prints client updates until the channel closes or ctx is done.
func (c *Console) Watch(ctx context.Context) {
	updates := c.chat.Updates()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			c.printUpdate(u)
		}
	}
}

// Exec runs a single input line and reports whether the user asked to quit.
func (c *Console) Exec(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		c.send(ctx, line)
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		c.printf("%s\n", helpText)
	case "/rooms":
		c.listRooms()
	case "/open":
		c.open(ctx, arg)
	case "/switch":
		c.switchRoom(ctx, arg)
	case "/history":
		c.printMessages(c.chat.Messages())
	case "/who":
		c.who()
	case "/unread":
		c.unread()
	case "/typing":
		c.typing()
	case "/reconnect":
		if err := c.chat.Connect(ctx); err != nil {
			c.printf("! %v\n", err)
		}
	case "/status":
		s := c.chat.Status()
		c.printf("state=%s stale=%t active=%s online=%d unread=%d\n", s.State, s.Stale, s.ActiveRoom, s.Online, s.Unread)
	default:
		c.printf("unknown command %s, try /help\n", cmd)
	}
	return false
}

func (c *Console) send(ctx context.Context, text string) {
	msg, err := c.chat.Send(ctx, text)
	if err != nil {
		var se *models.SendError
		if errors.As(err, &se) {
			c.printf("! not sent (%v), your text: %s\n", se.Err, se.Text)
			return
		}
		c.printf("! %v\n", err)
		return
	}
	c.printf("%s\n", formatMessage(msg, c.chat.Identity()))
}

func (c *Console) listRooms() {
	rooms := c.chat.Rooms()
	if len(rooms) == 0 {
		c.printf("no conversations yet, /open <identity> to start one\n")
		return
	}
	self := c.chat.Identity()
	active := c.chat.ActiveRoom()
	for i, r := range rooms {
		other := r.Other(self)
		marker := " "
		if r.ID == active {
			marker = "*"
		}
		status := "offline"
		if c.chat.IsOnline(other.ID) {
			status = "online"
		}
		line := fmt.Sprintf("%s%2d. %s (%s)", marker, i+1, displayName(other), status)
		if n := c.chat.UnreadCount(r.ID); n > 0 {
			line += fmt.Sprintf(" [%d unread]", n)
		}
		if r.LastMessage != nil {
			line += " - " + preview(r.LastMessage.Content)
		}
		c.printf("%s\n", line)
	}
}

func (c *Console) open(ctx context.Context, other string) {
	if other == "" {
		c.printf("usage: /open <identity>\n")
		return
	}
	room, err := c.chat.OpenConversation(ctx, other)
	if err != nil {
		c.printf("! %v\n", err)
		return
	}
	c.printf("now chatting with %s\n", displayName(room.Other(c.chat.Identity())))
	c.printMessages(c.chat.Messages())
}

func (c *Console) switchRoom(ctx context.Context, arg string) {
	roomID := arg
	if n, err := strconv.Atoi(arg); err == nil {
		rooms := c.chat.Rooms()
		if n < 1 || n > len(rooms) {
			c.printf("! no room number %d\n", n)
			return
		}
		roomID = rooms[n-1].ID
	}
	if roomID == "" {
		c.printf("usage: /switch <n|room>\n")
		return
	}

	msgs, err := c.chat.ActivateRoom(ctx, roomID)
	switch {
	case errors.Is(err, models.ErrSuperseded):
		return
	case err != nil:
		c.printf("! %v\n", err)
		var fe *models.FetchError
		if errors.As(err, &fe) {
			if cached, cerr := c.chat.CachedHistory(roomID); cerr == nil && len(cached) > 0 {
				c.printf("offline copy:\n")
				c.printMessages(cached)
			}
		}
		return
	}
	if room, ok := c.chat.Room(roomID); ok {
		c.printf("now chatting with %s\n", displayName(room.Other(c.chat.Identity())))
	}
	c.printMessages(msgs)
}

func (c *Console) who() {
	online := c.chat.Online()
	if len(online) == 0 {
		c.printf("nobody is online\n")
		return
	}
	c.printf("online: %s\n", strings.Join(online, ", "))
}

func (c *Console) unread() {
	found := false
	for _, r := range c.chat.Rooms() {
		if n := c.chat.UnreadCount(r.ID); n > 0 {
			found = true
			c.printf("%s: %d\n", displayName(r.Other(c.chat.Identity())), n)
		}
	}
	if !found {
		c.printf("no unread messages\n")
	}
}

func (c *Console) typing() {
	active := c.chat.ActiveRoom()
	if active == "" {
		c.printf("no active room\n")
		return
	}
	users := c.chat.TypingIn(active)
	if len(users) == 0 {
		c.printf("nobody is typing\n")
		return
	}
	c.printf("%s typing...\n", strings.Join(users, ", "))
}

func (c *Console) printMessages(msgs []models.Message) {
	self := c.chat.Identity()
	for _, m := range msgs {
		c.printf("%s\n", formatMessage(m, self))
	}
}

func (c *Console) printUpdate(u chat.Update) {
	self := c.chat.Identity()
	switch u.Kind {
	case chat.UpdateMessage:
		if u.Message == nil || u.Message.Sender == self {
			return
		}
		if u.RoomID == c.chat.ActiveRoom() {
			c.printf("%s\n", formatMessage(*u.Message, self))
			return
		}
		c.printf("* new message from %s: %s\n", u.Message.Sender, preview(u.Message.Content))
	case chat.UpdatePresence:
		if u.UserID == "" || u.UserID == self {
			return
		}
		state := "offline"
		if u.Online {
			state = "online"
		}
		c.printf("* %s is %s\n", u.UserID, state)
	case chat.UpdateRead:
		if u.Count > 0 {
			c.printf("* %s read your messages\n", u.UserID)
		}
	case chat.UpdateTyping:
		if u.Typing && u.RoomID == c.chat.ActiveRoom() {
			c.printf("* %s is typing...\n", u.UserID)
		}
	case chat.UpdateConnection:
		if u.Err != nil {
			c.printf("* %s: %v\n", u.State, u.Err)
			return
		}
		c.printf("* %s\n", u.State)
	case chat.UpdateError:
		c.printf("! %v\n", u.Err)
	}
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.out, format, args...)
}

func formatMessage(m models.Message, self string) string {
	who := m.Sender
	if who == self {
		who = "you"
	}
	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format(time.Kitchen), who, content.Sanitize(m.Content))
	if m.Sender == self && m.Read {
		line += " (read)"
	}
	return line
}

func preview(text string) string {
	text = content.Sanitize(text)
	if r := []rune(text); len(r) > 40 {
		return string(r[:40]) + "..."
	}
	return text
}

func displayName(p models.Participant) string {
	if p.Name != "" && p.Name != p.ID {
		return fmt.Sprintf("%s <%s>", content.Sanitize(p.Name), p.ID)
	}
	return p.ID
}
