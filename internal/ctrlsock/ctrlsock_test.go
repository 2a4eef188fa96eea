package ctrlsock

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/usbshare/usbshare/internal/logger"
)

type fakeProvider struct{ value map[string]int }

func (p fakeProvider) Status() any { return p.value }

func TestServerServesStatusOverUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctrl.sock")
	provider := fakeProvider{value: map[string]int{"devices": 3}}

	srv := New(path, provider, logger.New().ToConsole())
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	time.Sleep(50 * time.Millisecond)

	var got map[string]int
	if err := FetchStatus(path, &got); err != nil {
		t.Fatalf("FetchStatus: %v", err)
	}
	if got["devices"] != 3 {
		t.Errorf("got %v, want devices=3", got)
	}
}

func TestDialReportsErrNoServerWhenSocketMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nothing-here.sock")
	if _, err := Dial(path); err != ErrNoServer {
		t.Fatalf("Dial = %v, want ErrNoServer", err)
	}
}
