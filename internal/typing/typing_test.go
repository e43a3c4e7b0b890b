package typing

import (
	"sort"
	"sync"
	"testing"
	"time"

	"hsmpchat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTimer struct {
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeClock struct {
	now    time.Duration
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	t := &fakeTimer{at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward, firing due timers in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	target := c.now + d
	for {
		var due []*fakeTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && t.at <= target {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			break
		}
		sort.SliceStable(due, func(i, j int) bool { return due[i].at < due[j].at })
		next := due[0]
		c.now = next.at
		next.fired = true
		next.f()
	}
	c.now = target
}

type recorder struct {
	mu      sync.Mutex
	signals []models.TypingSignal
}

func (r *recorder) Emit(event models.EventName, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if event == models.EventTyping {
		r.signals = append(r.signals, payload.(models.TypingSignal))
	}
	return nil
}

func (r *recorder) count(isTyping bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.signals {
		if s.IsTyping == isTyping {
			n++
		}
	}
	return n
}

func newTestCoordinator() (*Coordinator, *fakeClock, *recorder) {
	clock := &fakeClock{}
	rec := &recorder{}
	c := NewCoordinator("u1", rec, WithAfterFunc(clock.AfterFunc))
	return c, clock, rec
}

func TestCoordinator_BurstEmitsOneStartAndOneStop(t *testing.T) {
	c, clock, rec := newTestCoordinator()

	for i := 0; i < 10; i++ {
		c.Input("r1")
		clock.Advance(25 * time.Millisecond)
	}
	// 250ms into the burst nothing has been transmitted yet.
	assert.Empty(t, rec.signals)

	clock.Advance(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count(true))
	assert.Equal(t, 0, rec.count(false))

	room, typing := c.Typing()
	assert.True(t, typing)
	assert.Equal(t, "r1", room)

	// Inactivity is measured from the last keystroke at 225ms.
	clock.Advance(1900 * time.Millisecond)
	assert.Equal(t, 0, rec.count(false))
	clock.Advance(100 * time.Millisecond)

	assert.Equal(t, 1, rec.count(true))
	assert.Equal(t, 1, rec.count(false))
	_, typing = c.Typing()
	assert.False(t, typing)

	clock.Advance(10 * time.Second)
	require.Len(t, rec.signals, 2)
	assert.Equal(t, models.TypingSignal{ChatRoomID: "r1", UserID: "u1", IsTyping: true}, rec.signals[0])
	assert.Equal(t, models.TypingSignal{ChatRoomID: "r1", UserID: "u1", IsTyping: false}, rec.signals[1])
}

func TestCoordinator_ContinuousTypingStillStarts(t *testing.T) {
	c, clock, rec := newTestCoordinator()

	for i := 0; i < 20; i++ {
		c.Input("r1")
		clock.Advance(100 * time.Millisecond)
	}
	assert.Equal(t, 1, rec.count(true))
	assert.Equal(t, 0, rec.count(false))
}

func TestCoordinator_ExplicitStopBypassesTimers(t *testing.T) {
	c, clock, rec := newTestCoordinator()

	c.Input("r1")
	c.Stop("r1")

	require.Len(t, rec.signals, 1)
	assert.False(t, rec.signals[0].IsTyping)

	// Cancelled timers never fire.
	clock.Advance(5 * time.Second)
	assert.Len(t, rec.signals, 1)

	// Stop while idle emits nothing.
	c.Stop("r1")
	assert.Len(t, rec.signals, 1)
}

func TestCoordinator_StopOtherRoomIgnored(t *testing.T) {
	c, _, rec := newTestCoordinator()

	c.Input("r1")
	c.Stop("r2")
	assert.Empty(t, rec.signals)

	_, typing := c.Typing()
	assert.True(t, typing)
}

func TestCoordinator_SwitchRoomStopsPrevious(t *testing.T) {
	c, clock, rec := newTestCoordinator()

	c.Input("r1")
	clock.Advance(400 * time.Millisecond)
	c.Input("r2")

	require.Len(t, rec.signals, 2)
	assert.Equal(t, "r1", rec.signals[1].ChatRoomID)
	assert.False(t, rec.signals[1].IsTyping)

	clock.Advance(400 * time.Millisecond)
	require.Len(t, rec.signals, 3)
	assert.Equal(t, models.TypingSignal{ChatRoomID: "r2", UserID: "u1", IsTyping: true}, rec.signals[2])
}

func TestCoordinator_ClearAllDoesNotEmit(t *testing.T) {
	c, clock, rec := newTestCoordinator()

	c.Input("r1")
	c.Remote("r1", "u2", true)
	c.ClearAll()
	clock.Advance(5 * time.Second)

	assert.Empty(t, rec.signals)
	assert.Empty(t, c.TypingIn("r1"))
}

func TestCoordinator_RemoteTyping(t *testing.T) {
	c, _, _ := newTestCoordinator()

	c.Remote("r1", "u3", true)
	c.Remote("r1", "u2", true)
	c.Remote("r2", "u2", true)
	c.Remote("r1", "u1", true) // own echo

	assert.Equal(t, []string{"u2", "u3"}, c.TypingIn("r1"))

	c.Remote("r1", "u3", false)
	assert.Equal(t, []string{"u2"}, c.TypingIn("r1"))

	// Entries persist until a stop event or room clear.
	c.ClearRoom("r1")
	assert.Empty(t, c.TypingIn("r1"))
	assert.Equal(t, []string{"u2"}, c.TypingIn("r2"))
}

type blockingEmitter struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingEmitter) Emit(models.EventName, any) error {
	b.entered <- struct{}{}
	<-b.release
	return nil
}

func TestCoordinator_BlockedEmitDoesNotHoldState(t *testing.T) {
	clock := &fakeClock{}
	em := &blockingEmitter{entered: make(chan struct{}, 1), release: make(chan struct{})}
	c := NewCoordinator("u1", em, WithAfterFunc(clock.AfterFunc))

	c.Input("r1")
	stopped := make(chan struct{})
	go func() {
		c.Stop("r1")
		close(stopped)
	}()

	select {
	case <-em.entered:
	case <-time.After(time.Second):
		t.Fatal("stop signal was not emitted")
	}

	// State stays readable while the transmission is stuck.
	queried := make(chan struct{})
	go func() {
		c.Remote("r1", "u2", true)
		_, typing := c.Typing()
		assert.False(t, typing)
		assert.Equal(t, []string{"u2"}, c.TypingIn("r1"))
		close(queried)
	}()
	select {
	case <-queried:
	case <-time.After(time.Second):
		t.Fatal("coordinator state locked during emit")
	}

	close(em.release)
	<-stopped
}
