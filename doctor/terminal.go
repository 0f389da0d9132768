package doctor

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/term"

	"lingo/shutdown"
)

// terminal remembers the console mode the doctor started with. The device
// picker switches to raw mode, and an interrupt in the middle of it must not
// leave the shell unusable.
type terminal struct {
	fd    int
	state *term.State
}

func saveTerminal() *terminal {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return &terminal{fd: -1}
	}
	st, err := term.GetState(fd)
	if err != nil {
		return &terminal{fd: -1}
	}
	return &terminal{fd: fd, state: st}
}

func (t *terminal) restore() {
	if t.state != nil {
		_ = term.Restore(t.fd, t.state)
	}
}

// exitOnInterrupt restores the terminal and exits when the user presses
// Ctrl+C. The returned func cancels the watch.
func (t *terminal) exitOnInterrupt() func() {
	ctx, stop := shutdown.Context(context.Background())
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		select {
		case <-done:
			return
		default:
		}
		t.restore()
		fmt.Println("\nInterrupted")
		os.Exit(1)
	}()
	return func() {
		close(done)
		stop()
	}
}
