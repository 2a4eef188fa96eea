// usbshare shares USB devices over the network: a server owns the
// physical devices and exposes them to one or more clients, each of
// which mounts an attached device through a local VHCI virtual
// controller as though it were plugged in directly.
//
// Run modes:
//
//	server        - own local USB devices and serve them to clients
//	client        - connect to a server and mount its shared devices
//	list-devices  - enumerate local USB devices and exit
//	check         - validate configuration and exit
//	status        - query a running instance's control socket and exit
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/usbshare/usbshare/internal/config"
	"github.com/usbshare/usbshare/internal/ctrlsock"
	"github.com/usbshare/usbshare/internal/daemon"
	"github.com/usbshare/usbshare/internal/discovery"
	"github.com/usbshare/usbshare/internal/health"
	"github.com/usbshare/usbshare/internal/logger"
	"github.com/usbshare/usbshare/internal/policy"
	"github.com/usbshare/usbshare/internal/ratelimit"
	"github.com/usbshare/usbshare/internal/registry"
	"github.com/usbshare/usbshare/internal/session"
	"github.com/usbshare/usbshare/internal/transport"
	"github.com/usbshare/usbshare/internal/tui"
	"github.com/usbshare/usbshare/internal/usbworker"
	"github.com/usbshare/usbshare/internal/vhci"
	"github.com/usbshare/usbshare/internal/wire"
)

const usageText = `Usage:
    %s mode [options]

Modes are:
    server        - own local USB devices and serve them to clients
    client        - connect to a server and mount its shared devices
    list-devices  - enumerate local USB devices and exit
    check         - validate configuration and exit
    status        - query a running instance and exit

Options are:
    --config <path>       configuration file (default depends on mode)
    --service             run in the background, notify systemd when ready
    --connect <peer>      server to connect to, by client.conf name or hex peer id (client)
    --log-level <level>   trace, debug, info, warn, or error
    --ctrl-socket <path>  control socket path (default depends on mode)
`

// errBadArgs marks a usage error: exit code 2, per §6.
type errBadArgs struct{ msg string }

func (e errBadArgs) Error() string { return e.msg }

type runMode int

const (
	modeNone runMode = iota
	modeServer
	modeClient
	modeListDevices
	modeCheck
	modeStatus
)

func (m runMode) String() string {
	switch m {
	case modeServer:
		return "server"
	case modeClient:
		return "client"
	case modeListDevices:
		return "list-devices"
	case modeCheck:
		return "check"
	case modeStatus:
		return "status"
	default:
		return "none"
	}
}

type cliArgs struct {
	mode       runMode
	configPath string
	service    bool
	connect    string
	logLevel   string
	ctrlSocket string
}

func parseArgv(argv []string) (cliArgs, error) {
	var a cliArgs

	i := 0
	next := func(flag string) (string, error) {
		i++
		if i >= len(argv) {
			return "", errBadArgs{fmt.Sprintf("%s requires a value", flag)}
		}
		return argv[i], nil
	}

	for ; i < len(argv); i++ {
		arg := argv[i]
		if val, ok := strings.CutPrefix(arg, "--config="); ok {
			a.configPath = val
			continue
		}
		if val, ok := strings.CutPrefix(arg, "--connect="); ok {
			a.connect = val
			continue
		}
		if val, ok := strings.CutPrefix(arg, "--log-level="); ok {
			a.logLevel = val
			continue
		}
		if val, ok := strings.CutPrefix(arg, "--ctrl-socket="); ok {
			a.ctrlSocket = val
			continue
		}

		switch arg {
		case "-h", "-help", "--help":
			fmt.Printf(usageText, os.Args[0])
			os.Exit(0)
		case "server":
			a.mode = modeServer
		case "client":
			a.mode = modeClient
		case "list-devices":
			a.mode = modeListDevices
		case "check":
			a.mode = modeCheck
		case "status":
			a.mode = modeStatus
		case "--service":
			a.service = true
		case "--config":
			v, err := next(arg)
			if err != nil {
				return a, err
			}
			a.configPath = v
		case "--connect":
			v, err := next(arg)
			if err != nil {
				return a, err
			}
			a.connect = v
		case "--log-level":
			v, err := next(arg)
			if err != nil {
				return a, err
			}
			a.logLevel = v
		case "--ctrl-socket":
			v, err := next(arg)
			if err != nil {
				return a, err
			}
			a.ctrlSocket = v
		default:
			return a, errBadArgs{fmt.Sprintf("invalid argument %q", arg)}
		}
	}

	if a.mode == modeNone {
		return a, errBadArgs{"a run mode is required"}
	}
	return a, nil
}

func main() {
	args, err := parseArgv(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintf(os.Stderr, "Try %s --help for more information\n", os.Args[0])
		os.Exit(2)
	}

	var runErr error
	switch args.mode {
	case modeServer:
		runErr = runServer(args)
	case modeClient:
		runErr = runClient(args)
	case modeListDevices:
		runErr = runListDevices(args)
	case modeCheck:
		runErr = runCheck(args)
	case modeStatus:
		runErr = runStatus(args)
	}

	if runErr != nil {
		if _, bad := runErr.(errBadArgs); bad {
			fmt.Fprintln(os.Stderr, runErr)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(1)
	}
}

func newLog(name, level string) *logger.Logger {
	log := logger.New().ToColorConsole()
	log.SetLevels(logger.LevelsFromName(level))
	return log
}

func cancelOnSignal() (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx, cancel
}

// runServer implements the "server" mode (§4.3-§4.9): own the local
// USB worker and registry, accept peer connections, and serve them
// until interrupted.
func runServer(args cliArgs) error {
	confPath := args.configPath
	if confPath == "" {
		confPath = config.DefaultServerConf
	}
	cfg, err := config.LoadServerConfig(confPath)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}

	level := cfg.LogLevel
	if args.logLevel != "" {
		level = args.logLevel
	}
	log := newLog("server", level)

	if args.service && !daemon.IsBackgroundChild() {
		// This is the original foreground invocation: fork the
		// detached child (which re-runs this same function with
		// --service stripped and IsBackgroundChild true) and exit
		// once it reports successful startup or an early failure.
		if err := daemon.Background(); err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	}

	worker, err := usbworker.New(log)
	if err != nil {
		return fmt.Errorf("server: usb init: %w", err)
	}

	eng := policy.NewEngine()
	eng.SetRequireApproval(cfg.RequireApproval)
	eng.SetShareFilters(cfg.ShareFilters)
	eng.SetSharedDevices(cfg.SharedDevices)
	for _, hex := range cfg.ApprovedClients {
		peer, err := wire.ParseEndpointId(hex)
		if err != nil {
			return fmt.Errorf("server: security.approved_clients: %w", err)
		}
		eng.Approve(peer)
	}

	reg := registry.New(worker, eng, log)

	var limiter *ratelimit.Bucket
	if cfg.RateLimitBytesPerSec > 0 {
		burst := cfg.RateLimitBurstBytes
		if burst <= 0 {
			burst = cfg.RateLimitBytesPerSec
		}
		limiter = ratelimit.New(burst, cfg.RateLimitBytesPerSec)
	}

	ctx, cancel := cancelOnSignal()
	defer cancel()

	go worker.Run(ctx)
	worker.RegisterHotplug()
	go reg.Run()

	allow := transport.AllowAny
	if cfg.RequireApproval {
		allow = eng.AllowPeer
	}

	ep, err := transport.Bind(ctx, cfg.ListenAddr, cfg.KeyPath, allow)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", cfg.ListenAddr, err)
	}
	defer ep.Close()

	log.Info(' ', "server: listening on %s, peer id %s", ep.Addr(), ep.EndpointId())

	if daemon.IsBackgroundChild() {
		// Closing fd 2 here is what unblocks Background's parent: it
		// is reading from the other end of this pipe and treats EOF
		// (no error text written first) as "startup succeeded".
		if err := daemon.CloseStdInOutErr(); err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	var publisher *discovery.Publisher
	if cfg.DiscoveryEnable {
		name := cfg.DiscoveryName
		if name == "" {
			if h, err := os.Hostname(); err == nil {
				name = h
			} else {
				name = "usbshare"
			}
		}
		p, err := discovery.NewPublisher()
		if err != nil {
			log.Error(' ', "server: discovery disabled: %v", err)
		} else {
			publisher = p
			_, port, _ := splitHostPort(ep.Addr())
			txt := discovery.TxtRecord{}.
				Add("id", ep.EndpointId().String()).
				Add("name", name)
			if err := publisher.Publish(name, port, txt); err != nil {
				log.Error(' ', "server: publish failed: %v", err)
			}
			defer publisher.Close()
		}
	}

	sockPath := args.ctrlSocket
	if sockPath == "" {
		sockPath = config.DefaultServerCtrlSocket
	}
	ctrl := ctrlsock.New(sockPath, serverStatusProvider{reg: reg}, log)
	os.MkdirAll(filepath.Dir(sockPath), 0755)
	if err := ctrl.Start(); err != nil {
		log.Error(' ', "server: control socket: %v", err)
	} else {
		defer ctrl.Stop()
	}

	if cfg.ServiceMode {
		if err := daemon.NotifyReady(); err != nil {
			log.Error(' ', "server: sd_notify: %v", err)
		}
		defer daemon.NotifyStopping()
	}

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, err := ep.Accept(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error(' ', "server: accept: %v", err)
				continue
			}
			go func() {
				sess := session.NewServerSession(conn, reg, limiter, log)
				if err := sess.Run(ctx); err != nil && ctx.Err() == nil {
					log.Error(' ', "server: session with %s ended: %v", conn.PeerIdentity(), err)
				}
			}()
		}
	}()

	if !cfg.ServiceMode && !daemon.IsBackgroundChild() {
		prog := tea.NewProgram(tui.NewServerModel(reg.Snapshot))
		go func() {
			<-ctx.Done()
			prog.Quit()
		}()
		if _, err := prog.Run(); err != nil {
			log.Error(' ', "server: tui: %v", err)
		}
		cancel()
	}

	<-ctx.Done()
	<-acceptDone
	return nil
}

// runClient implements the "client" mode (§4.5-§4.9, §5): resolve the
// requested server, connect, and mount its shared devices until
// interrupted or reconnect is exhausted.
func runClient(args cliArgs) error {
	confPath := args.configPath
	if confPath == "" {
		confPath = config.DefaultClientConf
	}
	cfg, err := config.LoadClientConfig(confPath)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}

	level := cfg.LogLevel
	if args.logLevel != "" {
		level = args.logLevel
	}
	log := newLog("client", level)

	if args.connect == "" {
		return errBadArgs{"client mode requires --connect <name|peer-id>"}
	}

	addr, expectPeer, serverName, err := resolveServer(cfg, args.connect, log)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}

	eng := policy.NewEngine()
	var entry *config.ServerEntry
	for i := range cfg.Servers {
		if cfg.Servers[i].Name == serverName {
			entry = &cfg.Servers[i]
			break
		}
	}
	if entry != nil {
		eng.SetAutoAttach(entry.AutoAttach)
	}

	platform := vhci.NewDefaultPlatform()
	vhciMgr := vhci.NewManager(platform, config.DefaultHSPorts, config.DefaultSSPorts, log)
	defer vhciMgr.DetachAll()

	sess := session.NewClientSession(addr, cfg.KeyPath, expectPeer, eng, vhciMgr, log)

	ctx, cancel := cancelOnSignal()
	defer cancel()

	sockPath := args.ctrlSocket
	if sockPath == "" {
		sockPath = config.DefaultClientCtrlSocket
	}
	ctrl := ctrlsock.New(sockPath, clientStatusProvider{sess: sess}, log)
	os.MkdirAll(filepath.Dir(sockPath), 0755)
	if err := ctrl.Start(); err != nil {
		log.Error(' ', "client: control socket: %v", err)
	} else {
		defer ctrl.Stop()
	}

	runDone := make(chan error, 1)
	go func() { runDone <- sess.Run(ctx) }()

	program := tea.NewProgram(tui.NewClientModel(serverName, clientSnapshotFunc(sess)))
	go func() {
		<-ctx.Done()
		program.Quit()
	}()
	if _, err := program.Run(); err != nil {
		log.Error(' ', "client: tui: %v", err)
	}
	cancel()

	err = <-runDone
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("client: %w", err)
	}
	return nil
}

// clientSnapshotFunc adapts one ClientSession's health/device state
// into the shape tui.ClientModel polls. The session tracks one
// metrics.Counters per connection, not per device, so every attached
// device's row currently reports the same connection-wide counters.
func clientSnapshotFunc(sess *session.ClientSession) tui.ClientSnapshotFunc {
	return func() (health.Snapshot, []tui.AttachedDevice) {
		h := sess.Health()
		m := sess.Metrics()
		var devices []tui.AttachedDevice
		for _, info := range sess.Devices() {
			devices = append(devices, tui.AttachedDevice{Info: info, Metrics: m})
		}
		return h, devices
	}
}

// runListDevices implements the "list-devices" mode: enumerate the
// local USB bus without binding any network listener, per SPEC_FULL's
// elevation of spec.md's "--list-devices (server)" flag into its own
// top-level mode (see DESIGN.md).
func runListDevices(args cliArgs) error {
	log := newLog("list-devices", firstNonEmpty(args.logLevel, "info"))

	worker, err := usbworker.New(log)
	if err != nil {
		return fmt.Errorf("list-devices: usb init: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events := worker.Events()
	go worker.Run(ctx)
	worker.RegisterHotplug()

	seen := map[wire.DeviceId]wire.DeviceInfo{}
drain:
	for {
		select {
		case ev := <-events:
			if ev.DeviceArrived != nil {
				seen[ev.DeviceArrived.Id] = *ev.DeviceArrived
			}
		case <-ctx.Done():
			break drain
		}
	}

	if len(seen) == 0 {
		fmt.Println("No USB devices found")
		return nil
	}

	fmt.Println(" Num  Id   Vndr:Prod  Speed       Product")
	i := 0
	for _, d := range seen {
		i++
		fmt.Printf("%3d. %4d  %04x:%04x  %-10s  %s %s\n",
			i, d.Id, d.VendorId, d.ProductId, d.Speed, d.Manufacturer, d.Product)
	}
	return nil
}

// runCheck implements the "check" mode: validate both configuration
// files (whichever are present) and report success or the first
// error encountered.
func runCheck(args cliArgs) error {
	serverPath := args.configPath
	if serverPath == "" {
		serverPath = config.DefaultServerConf
	}
	if _, err := config.LoadServerConfig(serverPath); err != nil {
		return fmt.Errorf("check: server config: %w", err)
	}

	clientPath := args.configPath
	if clientPath == "" {
		clientPath = config.DefaultClientConf
	}
	if _, err := config.LoadClientConfig(clientPath); err != nil {
		return fmt.Errorf("check: client config: %w", err)
	}

	fmt.Println("Configuration files: OK")
	return nil
}

// runStatus implements the "status" mode: query a running server or
// client's control socket and print its JSON status.
func runStatus(args cliArgs) error {
	sockPath := args.ctrlSocket
	if sockPath == "" {
		sockPath = config.DefaultServerCtrlSocket
	}

	var status map[string]any
	if err := ctrlsock.FetchStatus(sockPath, &status); err != nil {
		return fmt.Errorf("status: %w", err)
	}

	for k, v := range status {
		fmt.Printf("%s: %v\n", k, v)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitHostPort(addr string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	var port uint16
	_, err = fmt.Sscanf(portStr, "%d", &port)
	return host, port, err
}

// resolveServer turns --connect's argument into a dial address and
// expected peer identity, trying, in order: a configured
// client.servers[*] entry by name, a bare hex peer id, and finally a
// DNS-SD browse for a server advertising that name or peer id (§4.9).
func resolveServer(cfg *config.ClientConfig, want string, log *logger.Logger) (addr string, peer wire.EndpointId, name string, err error) {
	for _, s := range cfg.Servers {
		if s.Name == want {
			if s.PeerHex != "" {
				peer, err = wire.ParseEndpointId(s.PeerHex)
				if err != nil {
					return "", peer, "", err
				}
			}
			if s.Addr != "" {
				return s.Addr, peer, s.Name, nil
			}
			break
		}
	}

	if p, err := wire.ParseEndpointId(want); err == nil {
		if addr, ok := browseForPeer(p, log); ok {
			return addr, p, want, nil
		}
		return "", peer, "", fmt.Errorf("no address for peer %s and no server is advertising it", want)
	}

	browser, err := discovery.NewBrowser()
	if err != nil {
		return "", peer, "", fmt.Errorf("unknown server %q and discovery unavailable: %w", want, err)
	}
	defer browser.Close()

	infos, err := browser.Resolve()
	if err != nil {
		return "", peer, "", fmt.Errorf("unknown server %q: %w", want, err)
	}
	for _, info := range infos {
		if info.Name == want {
			p, err := wire.ParseEndpointId(info.Peer)
			if err != nil {
				continue
			}
			return info.Addr, p, want, nil
		}
	}
	return "", peer, "", fmt.Errorf("no configured or discoverable server named %q", want)
}

func browseForPeer(peer wire.EndpointId, log *logger.Logger) (string, bool) {
	browser, err := discovery.NewBrowser()
	if err != nil {
		return "", false
	}
	defer browser.Close()

	infos, err := browser.Resolve()
	if err != nil {
		log.Error(' ', "client: discovery browse: %v", err)
		return "", false
	}
	for _, info := range infos {
		if info.Peer == peer.String() {
			return info.Addr, true
		}
	}
	return "", false
}

// serverStatusProvider renders the registry's device snapshot for
// ctrlsock's /status endpoint.
type serverStatusProvider struct {
	reg *registry.Registry
}

func (p serverStatusProvider) Status() any {
	return struct {
		Mode    string                    `json:"mode"`
		Devices []registry.DeviceSnapshot `json:"devices"`
	}{Mode: "server", Devices: p.reg.Snapshot()}
}

// clientStatusProvider renders the session's health/device state for
// ctrlsock's /status endpoint.
type clientStatusProvider struct {
	sess *session.ClientSession
}

func (p clientStatusProvider) Status() any {
	return struct {
		Mode    string             `json:"mode"`
		Health  interface{}        `json:"health"`
		Devices []wire.DeviceInfo  `json:"devices"`
	}{Mode: "client", Health: p.sess.Health(), Devices: p.sess.Devices()}
}
