package logger

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoggerBasicWrite(t *testing.T) {
	l := New().ToConsole()
	l.Info(' ', "hello %s", "world")
}

func TestLoggerFileRotationCreatesFile(t *testing.T) {
	dir := t.TempDir()
	l := New().ToFile(dir, "test-session")

	l.Info(' ', "line one")
	l.Error(' ', "line two")

	path := filepath.Join(dir, "test-session.log")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected log file at %s: %v", path, err)
	}
}

func TestLoggerCcMaskEscalation(t *testing.T) {
	main := New().ToConsole()
	side := New().ToConsole()

	main.Cc(LDebug, side)

	found := false
	for _, cc := range main.cc {
		if cc.mask&LInfo == 0 || cc.mask&LError == 0 {
			t.Fatalf("Cc mask should escalate LDebug to imply LInfo and LError, got %v", cc.mask)
		}
		found = true
	}
	if !found {
		t.Fatalf("expected one cc entry")
	}
}

func TestLineWriterSplitsOnNewline(t *testing.T) {
	var got []string
	lw := &LineWriter{Func: func(line []byte) {
		got = append(got, string(line))
	}}

	lw.Write([]byte("abc\ndef"))
	lw.Close()

	want := []string{"abc\n", "def\n"}
	if len(got) != len(want) {
		t.Fatalf("got %d lines, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d: got %q want %q", i, got[i], want[i])
		}
	}
}
