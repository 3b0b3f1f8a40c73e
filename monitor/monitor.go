// Package monitor is a serial console for boards running the kernel: it
// prints the kernel log coming from the UART and forwards keystrokes to it.
package monitor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/mattn/go-tty"
	"go.bug.st/serial"

	"github.com/kcore-os/kcore/klog"
)

var ErrBusy = errors.New("monitor: port is in use by another monitor")

// Options configure Run.
type Options struct {
	Port string
	Baud int

	// Out receives the board output. Color enables highlighting of fatal
	// and error lines.
	Out   io.Writer
	Color bool

	Log *klog.Logger
}

// Ports lists the serial ports of the host.
func Ports() ([]string, error) {
	return serial.GetPortsList()
}

// lockPort takes the monitor lock of a port, so two monitors (or a monitor
// and a flasher) never share a UART.
func lockPort(port string) (*flock.Flock, error) {
	name := "kcore-" + strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(port) + ".lock"
	lock := flock.New(filepath.Join(os.TempDir(), name))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBusy, port)
	}
	return lock, nil
}

// Run monitors the port until ctx is done, the port closes or Ctrl-C is
// typed.
func Run(ctx context.Context, opts Options) error {
	if opts.Baud == 0 {
		opts.Baud = 115200
	}
	if opts.Log == nil {
		opts.Log = klog.Discard()
	}
	lock, err := lockPort(opts.Port)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	port, err := serial.Open(opts.Port, &serial.Mode{BaudRate: opts.Baud})
	if err != nil {
		return fmt.Errorf("monitor: %s: %w", opts.Port, err)
	}
	defer port.Close()

	keyboard, err := tty.Open()
	if err != nil {
		return fmt.Errorf("monitor: open terminal: %w", err)
	}
	defer keyboard.Close()

	opts.Log.Infof("connected to %s at %d baud, Ctrl-C to exit", opts.Port, opts.Baud)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errs := make(chan error, 2)
	go func() {
		errs <- Copy(opts.Out, port, opts.Color)
	}()
	go func() {
		errs <- forwardKeys(ctx, port, keyboard)
	}()
	select {
	case <-ctx.Done():
		return nil
	case err := <-errs:
		return err
	}
}

// forwardKeys sends typed characters to the board until Ctrl-C.
func forwardKeys(ctx context.Context, w io.Writer, keyboard *tty.TTY) error {
	for ctx.Err() == nil {
		r, err := keyboard.ReadRune()
		if err != nil {
			return err
		}
		if r == 0x03 {
			return nil
		}
		if _, err := io.WriteString(w, string(r)); err != nil {
			return err
		}
	}
	return nil
}

// Copy copies board output line by line. With color set, fatal and error
// lines of the kernel log are highlighted.
func Copy(w io.Writer, r io.Reader, color bool) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if color {
			switch {
			case strings.Contains(line, "FATAL:"):
				line = "\x1b[1;31m" + line + "\x1b[0m"
			case strings.Contains(line, "ERROR:"):
				line = "\x1b[31m" + line + "\x1b[0m"
			case strings.Contains(line, " WARN:"):
				line = "\x1b[33m" + line + "\x1b[0m"
			}
		}
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
	}
	return scanner.Err()
}
