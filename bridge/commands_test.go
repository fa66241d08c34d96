package bridge

import (
	"reflect"
	"testing"
)

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in       string
		wantName string
		wantArgs []string
		wantOK   bool
	}{
		{`/register "Family Group" "family"`, "register", []string{"Family Group", "family"}, true},
		{`/unregister "Family Group"`, "unregister", []string{"Family Group"}, true},
		{`/reset 491701234567`, "reset", []string{"491701234567"}, true},
		{`/restart`, "restart", nil, true},
		{`  /Register Chat  `, "register", []string{"Chat"}, true},
		{`hello there`, "", nil, false},
		{`/broken "unterminated`, "", nil, false},
	}

	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			cmd, ok := parseCommand(tc.in)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if !ok {
				return
			}
			if cmd.Name != tc.wantName {
				t.Fatalf("name = %q, want %q", cmd.Name, tc.wantName)
			}
			if !reflect.DeepEqual(cmd.Args, tc.wantArgs) {
				t.Fatalf("args = %#v, want %#v", cmd.Args, tc.wantArgs)
			}
		})
	}
}

func TestEventRingCapped(t *testing.T) {
	var ring eventRing
	for i := 0; i < eventCap+20; i++ {
		ring.add("test", "chat", "")
	}
	if got := len(ring.list()); got != eventCap {
		t.Fatalf("events = %d, want %d", got, eventCap)
	}
}
