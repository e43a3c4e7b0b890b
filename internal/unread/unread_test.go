package unread

import (
	"testing"

	"hsmpchat/internal/models"
)

func TestLedger_Observe(t *testing.T) {
	tests := []struct {
		name   string
		msg    models.Message
		active string
		want   bool
	}{
		{"to self in inactive room", models.Message{RoomID: "r1", Receiver: "u2"}, "", true},
		{"to self in other active room", models.Message{RoomID: "r1", Receiver: "u2"}, "r2", true},
		{"to self in active room", models.Message{RoomID: "r1", Receiver: "u2"}, "r1", false},
		{"sent by self", models.Message{RoomID: "r1", Sender: "u2", Receiver: "u1"}, "", false},
		{"missing room", models.Message{Receiver: "u2"}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLedger()
			if got := l.Observe(tt.msg, "u2", tt.active); got != tt.want {
				t.Errorf("Observe() = %v, want %v", got, tt.want)
			}
			want := 0
			if tt.want {
				want = 1
			}
			if got := l.Count(tt.msg.RoomID); got != want {
				t.Errorf("Count() = %d, want %d", got, want)
			}
		})
	}
}

func TestLedger_ResetAndTotal(t *testing.T) {
	l := NewLedger()
	for i := 0; i < 3; i++ {
		l.Observe(models.Message{RoomID: "r1", Receiver: "me"}, "me", "")
	}
	l.Observe(models.Message{RoomID: "r2", Receiver: "me"}, "me", "")

	if l.Count("r1") != 3 || l.Total() != 4 {
		t.Fatalf("unexpected counts: r1=%d total=%d", l.Count("r1"), l.Total())
	}

	l.Reset("r1")
	if l.Count("r1") != 0 {
		t.Errorf("expected 0 after reset, got %d", l.Count("r1"))
	}
	if l.Count("unknown") != 0 {
		t.Error("unknown room should count 0")
	}

	l.Clear()
	if l.Total() != 0 {
		t.Errorf("expected empty ledger, got %d", l.Total())
	}
}
