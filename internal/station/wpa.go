package station

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/asgard/internal/config"
)

// WPADriver drives a Linux station interface through wpa_supplicant's
// control socket. Requests go over one socket; a second, attached
// socket receives unsolicited CTRL-EVENT lines. Supplicant
// auto-reconnect is switched off so every association attempt is one
// the supervisor asked for. Address assignment is left to the system
// DHCP client; the driver polls the interface until a global IPv4
// address appears.
type WPADriver struct {
	iface   string
	ctrlDir string
	logger  *slog.Logger

	// PollInterval is how often the interface is checked for an
	// address after association (default 500ms).
	PollInterval time.Duration
	// RequestTimeout bounds each control request (default 5s).
	RequestTimeout time.Duration

	// addrs lists interface addresses. Replaced in tests.
	addrs func(iface string) ([]net.Addr, error)

	mu         sync.Mutex
	creds      Credentials
	configured bool
	ctrl       *wpaConn
	monitor    *wpaConn
	netID      string
	handler    func(Event)
	ctx        context.Context
	cancel     context.CancelFunc
	pollCancel context.CancelFunc
}

// NewWPADriver returns a driver for iface whose control sockets live
// in ctrlDir (usually /var/run/wpa_supplicant).
func NewWPADriver(iface, ctrlDir string, logger *slog.Logger) *WPADriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &WPADriver{
		iface:          iface,
		ctrlDir:        ctrlDir,
		logger:         logger,
		PollInterval:   500 * time.Millisecond,
		RequestTimeout: 5 * time.Second,
		addrs:          interfaceAddrs,
	}
}

// Configure implements [Driver].
func (d *WPADriver) Configure(creds Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.creds = creds
	d.configured = true
	return nil
}

// Start implements [Driver]. It registers the network with the
// supplicant, attaches the event monitor and emits EventStarted.
func (d *WPADriver) Start(ctx context.Context, handler func(Event)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.configured {
		return fmt.Errorf("wpa: start before configure")
	}
	if d.ctrl != nil {
		return fmt.Errorf("wpa: already started")
	}

	path := filepath.Join(d.ctrlDir, d.iface)
	ctrl, err := dialWPA(path)
	if err != nil {
		return err
	}
	if reply, err := ctrl.request("PING", d.RequestTimeout); err != nil || reply != "PONG" {
		ctrl.Close()
		return fmt.Errorf("wpa: supplicant at %s not responding (reply %q): %v", path, reply, err)
	}

	netID, err := d.addNetwork(ctrl)
	if err != nil {
		ctrl.Close()
		return err
	}

	monitor, err := dialWPA(path)
	if err != nil {
		ctrl.Close()
		return err
	}
	if err := expectOK(monitor, "ATTACH", d.RequestTimeout); err != nil {
		monitor.Close()
		ctrl.Close()
		return err
	}

	d.ctrl, d.monitor, d.netID = ctrl, monitor, netID
	d.handler = handler
	d.ctx, d.cancel = context.WithCancel(ctx)

	go d.readEvents(d.ctx, monitor)
	go handler(Event{Kind: EventStarted})

	d.logger.Debug("wpa_supplicant attached", "iface", d.iface, "network_id", netID)
	return nil
}

// addNetwork creates the network block and returns its id.
func (d *WPADriver) addNetwork(ctrl *wpaConn) (string, error) {
	if err := expectOK(ctrl, "STA_AUTOCONNECT 0", d.RequestTimeout); err != nil {
		return "", err
	}
	id, err := ctrl.request("ADD_NETWORK", d.RequestTimeout)
	if err != nil {
		return "", fmt.Errorf("wpa: ADD_NETWORK: %w", err)
	}
	if _, err := strconv.Atoi(id); err != nil {
		return "", fmt.Errorf("wpa: ADD_NETWORK returned %q", id)
	}

	for _, kv := range networkSettings(d.creds) {
		cmd := "SET_NETWORK " + id + " " + kv[0] + " " + kv[1]
		if err := expectOK(ctrl, cmd, d.RequestTimeout); err != nil {
			return "", fmt.Errorf("wpa: set %s: %w", kv[0], err)
		}
	}
	return id, nil
}

// networkSettings maps credentials to SET_NETWORK variables. The
// minimum auth mode is enforced by only allowing protocols at least
// that strong.
func networkSettings(c Credentials) [][2]string {
	settings := [][2]string{{"ssid", strconv.Quote(c.SSID)}}
	switch c.MinAuth {
	case AuthOpen:
		settings = append(settings, [2]string{"key_mgmt", "NONE"})
	case AuthWEP:
		settings = append(settings,
			[2]string{"key_mgmt", "NONE"},
			[2]string{"wep_key0", strconv.Quote(c.Passphrase)},
		)
	case AuthWPAPSK:
		settings = append(settings,
			[2]string{"key_mgmt", "WPA-PSK"},
			[2]string{"proto", "WPA RSN"},
			[2]string{"psk", DerivePSK(c.Passphrase, c.SSID)},
		)
	case AuthWPA2PSK:
		settings = append(settings,
			[2]string{"key_mgmt", "WPA-PSK"},
			[2]string{"proto", "RSN"},
			[2]string{"psk", DerivePSK(c.Passphrase, c.SSID)},
		)
	case AuthWPA3SAE:
		// SAE cannot use a precomputed PSK.
		settings = append(settings,
			[2]string{"key_mgmt", "SAE"},
			[2]string{"proto", "RSN"},
			[2]string{"ieee80211w", "2"},
			[2]string{"sae_password", strconv.Quote(c.Passphrase)},
		)
	}
	return settings
}

// Connect implements [Driver].
func (d *WPADriver) Connect() error {
	d.mu.Lock()
	ctrl, id := d.ctrl, d.netID
	d.mu.Unlock()
	if ctrl == nil {
		return fmt.Errorf("wpa: connect before start")
	}
	return expectOK(ctrl, "SELECT_NETWORK "+id, d.RequestTimeout)
}

// Close implements [Driver].
func (d *WPADriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctrl == nil {
		return nil
	}
	if d.pollCancel != nil {
		d.pollCancel()
	}
	d.cancel()

	// Closing the monitor socket ends readEvents; the supplicant drops
	// the detached monitor on its next send.
	var errs []error
	errs = append(errs, d.monitor.Close())
	if d.netID != "" {
		if _, err := d.ctrl.request("REMOVE_NETWORK "+d.netID, time.Second); err != nil {
			d.logger.Debug("wpa remove network failed", "error", err)
		}
	}
	errs = append(errs, d.ctrl.Close())
	d.ctrl, d.monitor = nil, nil
	return errors.Join(errs...)
}

// readEvents turns monitor lines into station events until ctx ends.
func (d *WPADriver) readEvents(ctx context.Context, monitor *wpaConn) {
	buf := make([]byte, 4096)
	for {
		n, err := monitor.conn.Read(buf)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Warn("wpa monitor read failed", "error", err)
			}
			return
		}
		line := string(buf[:n])
		d.logger.Log(ctx, config.LevelTrace, "wpa event", "line", line)

		ev, ok := parseEvent(line)
		if !ok || ctx.Err() != nil {
			continue
		}
		switch ev.kind {
		case wpaConnected:
			d.startAddressPoll(ctx)
		case wpaDisconnected, wpaNotFound:
			d.stopAddressPoll()
			d.handler(Event{Kind: EventDisconnected, Reason: ev.reason})
		}
	}
}

func (d *WPADriver) startAddressPoll(ctx context.Context) {
	d.mu.Lock()
	if d.pollCancel != nil {
		d.pollCancel()
	}
	pollCtx, cancel := context.WithCancel(ctx)
	d.pollCancel = cancel
	d.mu.Unlock()

	go d.pollAddress(pollCtx)
}

func (d *WPADriver) stopAddressPoll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pollCancel != nil {
		d.pollCancel()
		d.pollCancel = nil
	}
}

// pollAddress emits EventGotAddress once a usable IPv4 address shows
// up on the interface.
func (d *WPADriver) pollAddress(ctx context.Context) {
	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()

	for {
		addrs, err := d.addrs(d.iface)
		if err != nil {
			d.logger.Debug("list interface addresses failed", "iface", d.iface, "error", err)
		}
		if addr, ok := firstUsableIPv4(addrs); ok {
			if ctx.Err() == nil {
				d.handler(Event{Kind: EventGotAddress, Addr: addr})
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func interfaceAddrs(name string) ([]net.Addr, error) {
	ifc, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	return ifc.Addrs()
}

// firstUsableIPv4 skips loopback and link-local (169.254/16) addresses,
// which mean DHCP has not finished.
func firstUsableIPv4(addrs []net.Addr) (netip.Addr, bool) {
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		default:
			continue
		}
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if addr.Is4() && addr.IsGlobalUnicast() && !addr.IsLinkLocalUnicast() {
			return addr, true
		}
	}
	return netip.Addr{}, false
}

// --- control protocol ---

type wpaEventKind int

const (
	wpaConnected wpaEventKind = iota + 1
	wpaDisconnected
	wpaNotFound
)

type wpaEvent struct {
	kind   wpaEventKind
	reason string
}

// parseEvent recognizes the supplicant events the driver acts on.
// Lines look like "<3>CTRL-EVENT-DISCONNECTED bssid=... reason=3".
func parseEvent(line string) (wpaEvent, bool) {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "<") {
		if i := strings.IndexByte(line, '>'); i > 0 {
			line = line[i+1:]
		}
	}

	name, rest, _ := strings.Cut(line, " ")
	switch name {
	case "CTRL-EVENT-CONNECTED":
		return wpaEvent{kind: wpaConnected}, true
	case "CTRL-EVENT-DISCONNECTED":
		reason := "unknown"
		for _, field := range strings.Fields(rest) {
			if v, ok := strings.CutPrefix(field, "reason="); ok {
				reason = v
			}
		}
		return wpaEvent{kind: wpaDisconnected, reason: reason}, true
	case "CTRL-EVENT-NETWORK-NOT-FOUND":
		return wpaEvent{kind: wpaNotFound, reason: "network not found"}, true
	default:
		return wpaEvent{}, false
	}
}

var wpaSocketSeq atomic.Int64

// wpaConn is one datagram connection to the supplicant. The client
// must bind its own socket path for replies to reach it.
type wpaConn struct {
	conn  *net.UnixConn
	local string

	// mu holds one request and its reply together; replies carry no
	// request ID.
	mu sync.Mutex
}

func dialWPA(ctrlPath string) (*wpaConn, error) {
	local := filepath.Join(os.TempDir(), fmt.Sprintf("asgard-wpa-%d-%d", os.Getpid(), wpaSocketSeq.Add(1)))
	_ = os.Remove(local)

	conn, err := net.DialUnix("unixgram",
		&net.UnixAddr{Name: local, Net: "unixgram"},
		&net.UnixAddr{Name: ctrlPath, Net: "unixgram"},
	)
	if err != nil {
		return nil, fmt.Errorf("wpa: dial %s: %w", ctrlPath, err)
	}
	return &wpaConn{conn: conn, local: local}, nil
}

// request sends cmd and returns the trimmed reply. Unsolicited event
// lines that arrive first are skipped.
func (c *wpaConn) request(cmd string, timeout time.Duration) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	defer c.conn.SetDeadline(time.Time{})

	if _, err := c.conn.Write([]byte(cmd)); err != nil {
		return "", err
	}
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			return "", err
		}
		reply := strings.TrimSpace(string(buf[:n]))
		if strings.HasPrefix(reply, "<") {
			continue
		}
		return reply, nil
	}
}

func (c *wpaConn) Close() error {
	err := c.conn.Close()
	_ = os.Remove(c.local)
	return err
}

func expectOK(c *wpaConn, cmd string, timeout time.Duration) error {
	reply, err := c.request(cmd, timeout)
	if err != nil {
		return fmt.Errorf("wpa: %s: %w", verb(cmd), err)
	}
	if reply != "OK" {
		return fmt.Errorf("wpa: %s: %s", verb(cmd), reply)
	}
	return nil
}

// verb returns the command name without arguments, so secrets in
// SET_NETWORK values never reach error messages.
func verb(cmd string) string {
	v, _, _ := strings.Cut(cmd, " ")
	return v
}
