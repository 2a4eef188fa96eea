// Package daemon implements backgrounding (§6's --service flag) and
// systemd readiness notification, grounded on the teacher's daemon.go
// fork-and-detach dance. Unlike the teacher, stdin/stdout/stderr
// redirection here uses golang.org/x/sys/unix.Dup2 rather than the
// teacher's cgo C.dup2: unix.Dup2 already papers over Dup2's absence
// in the plain syscall package on arm64 (it falls back to Dup3
// internally), which is the exact gap the teacher's comment cites cgo
// for, so no cgo dependency is needed here.
package daemon

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// serviceFlag is the argument Background filters out of os.Args before
// re-exec'ing the detached child, the same way the teacher's Daemon
// strips "-bg".
const serviceFlag = "--service"

// backgroundChildEnv marks the re-exec'd child so it can tell it was
// launched by Background rather than invoked with --service directly
// by a supervisor that already manages its lifecycle in the
// foreground (systemd Type=notify, for instance).
const backgroundChildEnv = "USBSHARE_BACKGROUND_CHILD=1"

// IsBackgroundChild reports whether this process is the detached child
// Background started.
func IsBackgroundChild() bool {
	return os.Getenv("USBSHARE_BACKGROUND_CHILD") == "1"
}

// Background forks the current process into a session-leader child
// with stdin/stdout/stderr inherited from /dev/null's eventual
// CloseStdInOutErr call, waits briefly for the child to either report
// an early startup failure on its inherited stderr pipe or detach
// cleanly, and returns. It mirrors the teacher's Daemon(): the parent
// never returns an error for a child that starts successfully, only
// for a fork or early-exit failure.
func Background() error {
	args := make([]string, 0, len(os.Args))
	for _, a := range os.Args[1:] {
		if a != serviceFlag {
			args = append(args, a)
		}
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("daemon: resolve executable: %w", err)
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("daemon: open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	errR, errW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("daemon: create startup pipe: %w", err)
	}
	defer errR.Close()

	proc, err := os.StartProcess(exe, append([]string{exe}, args...), &os.ProcAttr{
		Files: []*os.File{devNull, devNull, errW},
		Env:   append(os.Environ(), backgroundChildEnv),
		Sys:   &syscall.SysProcAttr{Setsid: true},
	})
	errW.Close()
	if err != nil {
		return fmt.Errorf("daemon: start background process: %w", err)
	}

	// Release lets the child outlive this process without becoming a
	// zombie once it's clear startup succeeded; reading from errR
	// first gives the child a chance to report an early failure (e.g.
	// a config error) before the parent commits to exiting 0.
	buf := make([]byte, 4096)
	n, _ := errR.Read(buf)
	if n > 0 {
		return fmt.Errorf("daemon: background process reported: %s", strings.TrimSpace(string(buf[:n])))
	}

	return proc.Release()
}

// CloseStdInOutErr redirects fd 0/1/2 to /dev/null. The background
// child calls it once startup has finished; closing fd 2 is what ends
// the parent's wait in Background.
func CloseStdInOutErr() error {
	nul, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("daemon: open %s: %w", os.DevNull, err)
	}
	defer nul.Close()

	fd := int(nul.Fd())
	for _, target := range []int{0, 1, 2} {
		if err := unix.Dup2(fd, target); err != nil {
			return fmt.Errorf("daemon: redirect fd %d: %w", target, err)
		}
	}
	return nil
}
