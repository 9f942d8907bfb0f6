package multi

import (
	"context"
	"fmt"
	"net/netip"
	"os"

	"golang.org/x/sys/unix"
)

type resolveResult struct {
	addrs []netip.AddrPort
	err   error
}

// resolveAsync looks host up on its own goroutine. The transfer watches the
// read end of a socket pair that the lookup writes one byte to once the
// result is waiting in t.resolved, so the owner's loop keeps driving other
// transfers meanwhile.
func (m *Multi) resolveAsync(t *Transfer, host string, port uint16) error {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return os.NewSyscallError("socketpair", err)
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	if err := unix.SetNonblock(fds[0], true); err != nil {
		closeFd(fds[0])
		closeFd(fds[1])
		return os.NewSyscallError("setnonblock", err)
	}

	// with a connect timeout the lookup is cancelled when the transfer expires
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if m.opts.ConnectTimeout > 0 {
		ctx, cancel = context.WithCancel(context.Background())
	} else {
		ctx, cancel = context.WithTimeout(context.Background(), defaultResolveTimeout)
	}
	done := make(chan resolveResult, 1)

	t.state = stateResolving
	t.resolved = done
	t.cancelResolve = cancel
	t.fd = fds[0]
	m.sockets[t.fd] = t

	go func(resolver Resolver, wake int) {
		defer closeFd(wake)
		defer cancel()
		addrs, err := lookup(ctx, resolver, host, port)
		done <- resolveResult{addrs: addrs, err: err}
		// fails with EPIPE once the transfer has given up on the result
		_, _ = unix.Write(wake, []byte{1})
	}(m.opts.Resolver, fds[1])

	m.watch(t, ActionIn)
	return nil
}

func lookup(ctx context.Context, resolver Resolver, host string, port uint16) ([]netip.AddrPort, error) {
	ips, err := resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}
	addrs := make([]netip.AddrPort, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, netip.AddrPortFrom(ip.Unmap(), port))
	}
	return addrs, nil
}

// onResolved drops the wakeup socket and connects to the looked up addresses.
func (m *Multi) onResolved(t *Transfer, res resolveResult) {
	m.closeSocket(t)
	t.resolved = nil
	if res.err != nil {
		m.finish(t, res.err)
		return
	}
	t.addrs = res.addrs
	m.connectNext(t)
}
