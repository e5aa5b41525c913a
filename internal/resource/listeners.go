// Package resource owns the daemon's listening sockets. Listeners may be
// handed over pre-bound by a service manager (fds 3..3+n-1, count in
// BROADCASTD_INHERITED_FDS); anything not inherited is bound fresh.
package resource

import (
	"net"
	"os"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/turtacn/broadcastd/pkg/consts"
	"github.com/turtacn/broadcastd/pkg/errors"
	"github.com/turtacn/broadcastd/pkg/logger"
)

// firstInheritedFD is where passed sockets start.
const firstInheritedFD = 3

// ListenerManager hands out TCP listeners by address.
type ListenerManager struct {
	mu sync.Mutex

	listeners map[string]net.Listener
	inherited []net.Listener

	baseFD     int
	discovered bool
	log        logger.Logger
}

// NewListenerManager creates an empty manager.
func NewListenerManager() *ListenerManager {
	return &ListenerManager{
		listeners: make(map[string]net.Listener),
		baseFD:    firstInheritedFD,
		log:       logger.Component("resource"),
	}
}

func isSocket(fd int) bool {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return false
	}
	return st.Mode&unix.S_IFMT == unix.S_IFSOCK
}

func setNonblock(l net.Listener) {
	tl, ok := l.(*net.TCPListener)
	if !ok {
		return
	}
	if rc, err := tl.SyscallConn(); err == nil {
		rc.Control(func(fd uintptr) {
			_ = unix.SetNonblock(int(fd), true)
		})
	}
}

func (lm *ListenerManager) discover() {
	if lm.discovered {
		return
	}
	lm.discovered = true

	count, err := strconv.Atoi(os.Getenv(consts.EnvInheritedFDs))
	if err != nil || count <= 0 {
		return
	}
	// Children must not see it.
	os.Unsetenv(consts.EnvInheritedFDs)

	lm.log.Info("Discovering inherited sockets", "count", count)
	for i := 0; i < count; i++ {
		fd := lm.baseFD + i
		if !isSocket(fd) {
			lm.log.Warn("Inherited fd is not a socket, skipping", "fd", fd)
			continue
		}
		f := os.NewFile(uintptr(fd), "listener-"+strconv.Itoa(fd))
		if f == nil {
			continue
		}
		l, err := net.FileListener(f)
		if err != nil {
			lm.log.Error("Cannot use inherited fd as listener", "fd", fd, "err", err)
			continue
		}
		// FileListener dups the fd; the original is no longer needed.
		f.Close()
		setNonblock(l)
		lm.inherited = append(lm.inherited, l)
		lm.log.Info("Discovered inherited socket", "addr", l.Addr().String(), "fd", fd)
	}
}

// sameAddr reports whether a bound address satisfies a requested one.
// ":8010" matches "[::]:8010" and "0.0.0.0:8010".
func sameAddr(requested string, bound net.Addr) bool {
	if requested == bound.String() {
		return true
	}
	rhost, rport, err := net.SplitHostPort(requested)
	if err != nil {
		return false
	}
	tcp, ok := bound.(*net.TCPAddr)
	if !ok || rport == "0" || rport != strconv.Itoa(tcp.Port) {
		return false
	}
	if rhost == "" {
		return tcp.IP.IsUnspecified()
	}
	if ip := net.ParseIP(rhost); ip != nil {
		return ip.Equal(tcp.IP)
	}
	if rhost == "localhost" {
		return tcp.IP.IsLoopback()
	}
	return false
}

// Listen returns the listener for addr: an already managed one, an
// inherited one, or a freshly bound one.
func (lm *ListenerManager) Listen(addr string) (net.Listener, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if l, ok := lm.listeners[addr]; ok {
		return l, nil
	}
	for key, l := range lm.listeners {
		if sameAddr(addr, l.Addr()) {
			lm.listeners[addr] = l
			lm.log.Debug("Address resolves to managed listener", "requested", addr, "managed", key)
			return l, nil
		}
	}

	lm.discover()
	for i, l := range lm.inherited {
		if sameAddr(addr, l.Addr()) {
			lm.log.Info("Claiming inherited socket", "addr", addr)
			lm.inherited = append(lm.inherited[:i], lm.inherited[i+1:]...)
			lm.listeners[addr] = l
			return l, nil
		}
	}

	lm.log.Info("Binding new listener", "addr", addr)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.New(errors.ErrCodeTransport, "Listen", "cannot bind "+addr, err)
	}
	lm.listeners[addr] = l
	return l, nil
}

// Addrs returns the bound addresses of all managed listeners, sorted.
func (lm *ListenerManager) Addrs() []string {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	seen := map[string]bool{}
	out := make([]string, 0, len(lm.listeners))
	for _, l := range lm.listeners {
		a := l.Addr().String()
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	sort.Strings(out)
	return out
}

// Close closes every managed and unclaimed inherited listener.
func (lm *ListenerManager) Close() {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for _, l := range lm.listeners {
		l.Close()
	}
	for _, l := range lm.inherited {
		l.Close()
	}
	lm.listeners = make(map[string]net.Listener)
	lm.inherited = nil
}

// Personal.AI order the ending
