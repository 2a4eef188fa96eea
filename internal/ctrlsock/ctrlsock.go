// Package ctrlsock implements the out-of-process status query
// mechanism (§6's "status" run mode): a tiny HTTP server bound to a
// Unix-domain socket, exposing GET /status as JSON. Grounded on the
// teacher's ctrlsock.go, which serves a plain-text device table over
// the same kind of socket; this version serves the JSON-rendered
// registry/session/health/metrics snapshot the TUI and the status CLI
// mode both consume.
package ctrlsock

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/usbshare/usbshare/internal/logger"
)

// ErrNoServer is returned by Dial when the control socket doesn't
// exist or nothing is listening on it, mirroring the teacher's
// ErrNoIppUsb ("ipp-usb is not running").
var ErrNoServer = errors.New("ctrlsock: usbshare is not running")

// ErrAccess is returned by Dial on a permission error connecting to
// the socket, mirroring the teacher's ErrAccess.
var ErrAccess = errors.New("ctrlsock: permission denied connecting to control socket")

// StatusProvider supplies the data a /status request renders. Server
// and client run modes implement it over their own registry/session
// state; ctrlsock never reaches into those packages directly.
type StatusProvider interface {
	Status() any
}

// Server is a control socket bound to path, serving whatever provider
// reports at the moment of each request.
type Server struct {
	path     string
	provider StatusProvider
	log      *logger.Logger

	listener net.Listener
	http     *http.Server
}

// New builds a Server that will listen on path once Start is called.
func New(path string, provider StatusProvider, log *logger.Logger) *Server {
	s := &Server{path: path, provider: provider, log: log}
	s.http = &http.Server{Handler: http.HandlerFunc(s.handle)}
	return s
}

// Start removes any stale socket file, binds, and begins serving in
// the background. Call Stop to shut down.
func (s *Server) Start() error {
	os.Remove(s.path)

	l, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("ctrlsock: listen %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0700); err != nil {
		l.Close()
		return fmt.Errorf("ctrlsock: chmod %s: %w", s.path, err)
	}
	s.listener = l

	go func() {
		if err := s.http.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if s.log != nil {
				s.log.Error(' ', "ctrlsock: serve: %v", err)
			}
		}
	}()
	return nil
}

// Stop shuts the server down and removes the socket file.
func (s *Server) Stop() {
	if s.http == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.http.Shutdown(ctx)
	os.Remove(s.path)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if v := recover(); v != nil && s.log != nil {
			s.log.Error(' ', "ctrlsock: panic handling request: %v", v)
		}
	}()

	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.URL.Path != "/status" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")

	if err := json.NewEncoder(w).Encode(s.provider.Status()); err != nil && s.log != nil {
		s.log.Error(' ', "ctrlsock: encode status: %v", err)
	}
}

// Dial connects to the control socket at path, mapping common
// connection failures to the sentinel errors above the way the
// teacher's CtrlsockDial does.
func Dial(path string) (net.Conn, error) {
	conn, err := net.Dial("unix", path)
	if err == nil {
		return conn, nil
	}

	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, ErrNoServer
	case errors.Is(err, os.ErrPermission):
		return nil, ErrAccess
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, os.ErrNotExist) {
			return nil, ErrNoServer
		}
		if errors.Is(opErr.Err, os.ErrPermission) {
			return nil, ErrAccess
		}
	}

	return nil, fmt.Errorf("ctrlsock: dial %s: %w", path, err)
}

// FetchStatus dials path and decodes the JSON /status response into
// out (a pointer), for use by the "status" CLI run mode.
func FetchStatus(path string, out any) error {
	conn, err := Dial(path)
	if err != nil {
		return err
	}
	defer conn.Close()

	req, err := http.NewRequest(http.MethodGet, "http://ctrlsock/status", nil)
	if err != nil {
		return err
	}
	if err := req.Write(conn); err != nil {
		return fmt.Errorf("ctrlsock: write request: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		return fmt.Errorf("ctrlsock: read response: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ctrlsock: server returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
