package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"unicode/utf8"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	apiclient "github.com/42yash/pyk8s-labs/pkg/api/client"
)

func clusterShell(args []string) error {
	fs := flag.NewFlagSet("cluster shell", flag.ExitOnError)
	id, err := singleArg(fs, args, "cluster-id")
	if err != nil {
		return err
	}
	client, token, err := session()
	if err != nil {
		return err
	}

	terminal, err := client.OpenTerminal(context.Background(), token, id)
	if err != nil {
		return err
	}
	defer terminal.Close()

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("enter raw mode: %w", err)
		}
		defer term.Restore(fd, state)
	}

	// stdin closing ends the session from our side
	var hungUp atomic.Bool
	go func() {
		if err := pumpInput(os.Stdin, terminal.Send); err != nil {
			return
		}
		hungUp.Store(true)
		_ = terminal.Close()
	}()

	for {
		frame, err := terminal.Receive()
		if err != nil {
			if apiclient.IsClosed(err) || hungUp.Load() {
				return nil
			}
			return err
		}
		switch frame.Type {
		case apiclient.FrameData:
			if _, err := os.Stdout.WriteString(frame.Payload); err != nil {
				return err
			}
		case apiclient.FrameError:
			return errors.New(frame.Payload)
		}
	}
}

// pumpInput forwards r to send until r fails, holding back a character
// split across reads until the rest of it arrives. It returns nil when r
// ends and the send error otherwise.
func pumpInput(r io.Reader, send func(string) error) error {
	buf := make([]byte, 1024)
	pending := 0
	for {
		n, err := r.Read(buf[pending:])
		n += pending
		cut := completeRunes(buf[:n])
		if cut > 0 {
			if serr := send(string(buf[:cut])); serr != nil {
				return serr
			}
		}
		pending = copy(buf, buf[cut:n])
		if err != nil {
			if pending > 0 {
				return send(string(buf[:pending]))
			}
			return nil
		}
	}
}

// completeRunes returns the length of the longest prefix of data that does
// not end inside a multi-byte character.
func completeRunes(data []byte) int {
	for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(data[i]) {
			continue
		}
		if !utf8.FullRune(data[i:]) {
			return i
		}
		break
	}
	return len(data)
}
