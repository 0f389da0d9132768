package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

var ErrPickerCanceled = errors.New("device selection canceled")

// FindDevice returns the capture device whose name matches name, first
// exactly and then as a case-insensitive substring.
func FindDevice(ctx Context, name string) (*DeviceInfo, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	for i := range devices {
		if devices[i].Name == name || devices[i].ID == name {
			return &devices[i], nil
		}
	}
	lower := strings.ToLower(name)
	for i := range devices {
		if strings.Contains(strings.ToLower(devices[i].Name), lower) {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("no capture device matching %q", name)
}

type pickerAction int

const (
	pickNone pickerAction = iota
	pickUp
	pickDown
	pickConfirm
	pickCancel
)

// decodeKey maps one raw-mode read to a picker action. Arrow keys arrive as
// three-byte escape sequences.
func decodeKey(b []byte) pickerAction {
	switch {
	case len(b) == 1:
		switch b[0] {
		case '\r', '\n':
			return pickConfirm
		case 3, 'q': // ctrl+c
			return pickCancel
		case 'k':
			return pickUp
		case 'j':
			return pickDown
		}
	case len(b) == 3 && b[0] == 0x1b && b[1] == '[':
		switch b[2] {
		case 'A':
			return pickUp
		case 'B':
			return pickDown
		}
	}
	return pickNone
}

// picker is the device list with a cursor, drawn in place on a raw terminal.
type picker struct {
	devices []DeviceInfo
	cursor  int
	drawn   bool
}

func (p *picker) move(delta int) {
	p.cursor = min(max(p.cursor+delta, 0), len(p.devices)-1)
}

func (p *picker) render(w io.Writer) {
	if p.drawn {
		fmt.Fprintf(w, "\x1b[%dA", len(p.devices)+2)
	}
	p.drawn = true
	fmt.Fprint(w, "\r\x1b[J")
	fmt.Fprint(w, "Which microphone should the tutor hear? (↑/↓, Enter to confirm)\r\n\r\n")
	for i, d := range p.devices {
		tag := ""
		if IsBluetooth(d.Name) {
			tag = " \x1b[33m[bluetooth: lower quality]\x1b[0m"
		}
		if i == p.cursor {
			fmt.Fprintf(w, "  \x1b[1;36m▶ %s%s\x1b[0m\r\n", d.Name, tag)
		} else {
			fmt.Fprintf(w, "    %s%s\r\n", d.Name, tag)
		}
	}
}

// run reads keys from r until the user confirms or cancels.
func (p *picker) run(r io.Reader, w io.Writer) (*DeviceInfo, error) {
	p.render(w)
	buf := make([]byte, 3)
	for {
		n, err := r.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}
		switch decodeKey(buf[:n]) {
		case pickConfirm:
			fmt.Fprint(w, "\r\n")
			return &p.devices[p.cursor], nil
		case pickCancel:
			fmt.Fprint(w, "\r\n")
			return nil, ErrPickerCanceled
		case pickUp:
			p.move(-1)
		case pickDown:
			p.move(1)
		default:
			continue
		}
		p.render(w)
	}
}

// SelectDevice presents an interactive device picker and returns the selected device.
// If only one device is available, it returns that device without prompting.
func SelectDevice(ctx Context) (*DeviceInfo, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	switch len(devices) {
	case 0:
		return nil, errors.New("no capture devices found")
	case 1:
		return &devices[0], nil
	}

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("setting raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	p := &picker{devices: devices}
	return p.run(os.Stdin, os.Stdout)
}
