package main

import (
	"errors"
	"strings"
	"testing"
	"testing/iotest"
	"unicode/utf8"
)

func TestPumpInputKeepsSplitCharactersWhole(t *testing.T) {
	const typed = "héllo → 世界 🚀\n"
	var sent []string
	err := pumpInput(iotest.OneByteReader(strings.NewReader(typed)), func(s string) error {
		sent = append(sent, s)
		return nil
	})
	if err != nil {
		t.Fatalf("pump: %v", err)
	}
	for _, s := range sent {
		if !utf8.ValidString(s) {
			t.Fatalf("sent a partial character %q", s)
		}
	}
	if got := strings.Join(sent, ""); got != typed {
		t.Fatalf("expected %q, got %q", typed, got)
	}
}

func TestPumpInputFlushesTruncatedTail(t *testing.T) {
	input := "ok\xe4\xb8"
	var sent []string
	if err := pumpInput(strings.NewReader(input), func(s string) error {
		sent = append(sent, s)
		return nil
	}); err != nil {
		t.Fatalf("pump: %v", err)
	}
	if strings.Join(sent, "") != input {
		t.Fatalf("expected all bytes forwarded, got %q", sent)
	}
}

func TestPumpInputStopsOnSendError(t *testing.T) {
	boom := errors.New("socket closed")
	calls := 0
	err := pumpInput(iotest.OneByteReader(strings.NewReader("abc")), func(string) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("expected send error after one call, got %v after %d", err, calls)
	}
}

func TestCompleteRunes(t *testing.T) {
	euro := []byte("€")
	cases := []struct {
		data []byte
		want int
	}{
		{[]byte("abc"), 3},
		{append([]byte("a"), euro[:1]...), 1},
		{append([]byte("a"), euro[:2]...), 1},
		{append([]byte("a"), euro...), 4},
		{[]byte{0xff}, 1},
		{nil, 0},
	}
	for _, c := range cases {
		if got := completeRunes(c.data); got != c.want {
			t.Fatalf("completeRunes(%q) = %d, want %d", c.data, got, c.want)
		}
	}
}
