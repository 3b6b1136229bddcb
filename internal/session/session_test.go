package session

import "testing"

func TestClassifier(t *testing.T) {
	c := NewClassifier([]string{"x11", "wayland", "tty"}, []string{"tty"})

	tests := []struct {
		s    Session
		want bool
	}{
		{Session{Type: "x11", Class: "user"}, true},
		{Session{Type: "wayland"}, true},
		{Session{Type: "tty", Class: "user"}, false},
		{Session{Type: "unspecified", Class: "user"}, false},
		{Session{Type: "x11", Class: "greeter"}, false},
	}
	for _, tt := range tests {
		if got := c.Controlled(tt.s); got != tt.want {
			t.Errorf("Controlled(%s/%s) = %v, want %v", tt.s.Type, tt.s.Class, got, tt.want)
		}
	}
}

func TestActivity(t *testing.T) {
	c := NewClassifier([]string{"x11", "tty"}, nil)

	tests := []struct {
		name     string
		sessions []Session
		active   bool
		idle     bool
	}{
		{"none", nil, false, false},
		{"busy", []Session{{Type: "x11"}, {Type: "tty", Idle: true}}, true, false},
		{"all idle", []Session{{Type: "x11", Idle: true}, {Type: "tty", Idle: true}}, true, true},
		{"uncontrolled only", []Session{{Type: "unspecified"}}, false, false},
		{"closing", []Session{{Type: "x11", State: "closing"}}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			active, idle := c.Activity(tt.sessions)
			if active != tt.active || idle != tt.idle {
				t.Fatalf("Activity = (%v, %v), want (%v, %v)", active, idle, tt.active, tt.idle)
			}
		})
	}
}

func TestForUserAndUsers(t *testing.T) {
	sessions := []Session{
		{ID: "1", User: "alice"},
		{ID: "2", User: "bob"},
		{ID: "3", User: "alice", State: "closing"},
		{ID: "4", User: "alice"},
	}

	mine := ForUser(sessions, "alice")
	if len(mine) != 2 || mine[0].ID != "1" || mine[1].ID != "4" {
		t.Fatalf("unexpected sessions %+v", mine)
	}

	users := Users(sessions)
	if len(users) != 2 || users[0] != "alice" || users[1] != "bob" {
		t.Fatalf("unexpected users %v", users)
	}
}

func TestUserBusAddress(t *testing.T) {
	if got := UserBusAddress(1000); got != "unix:path=/run/user/1000/bus" {
		t.Fatalf("unexpected address %q", got)
	}
}
