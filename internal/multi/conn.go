package multi

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"slices"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

const maxHeaderBytes = 64 * 1024

var headerEnd = []byte("\r\n\r\n")

// connectPhaseDeadline returns the connect deadline while the transfer is
// still resolving or connecting.
func (t *Transfer) connectPhaseDeadline() time.Time {
	if t.state != stateResolving && t.state != stateConnecting {
		return time.Time{}
	}
	return t.connectDeadline
}

func timeoutError(base error, t *Transfer) error {
	host := t.URL
	if t.target != nil {
		host = t.target.Host
	}
	return fmt.Errorf("%w after %s: %s", base, t.Duration().Round(time.Millisecond), host)
}

// start parses the target and either connects to a literal address or
// starts resolving the host name. The connect timeout covers both.
func (m *Multi) start(t *Transfer) {
	u, err := url.Parse(t.URL)
	if err != nil {
		m.finish(t, fmt.Errorf("parse url: %w", err))
		return
	}
	if u.Scheme != "http" {
		m.finish(t, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme))
		return
	}
	if u.Hostname() == "" {
		m.finish(t, fmt.Errorf("parse url: missing host in %q", t.URL))
		return
	}
	t.target = u

	port, err := targetPort(u)
	if err != nil {
		m.finish(t, err)
		return
	}
	t.request = buildRequest(u, m.opts.UserAgent)
	if m.opts.ConnectTimeout > 0 {
		t.connectDeadline = m.now().Add(m.opts.ConnectTimeout)
	}

	host := u.Hostname()
	if ip, err := netip.ParseAddr(host); err == nil {
		t.addrs = []netip.AddrPort{netip.AddrPortFrom(ip.Unmap(), port)}
		m.connectNext(t)
		return
	}
	if err := m.resolveAsync(t, host, port); err != nil {
		m.finish(t, fmt.Errorf("resolve %s: %w", host, err))
	}
}

func targetPort(u *url.URL) (uint16, error) {
	p := u.Port()
	if p == "" {
		return 80, nil
	}
	n, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("parse url: invalid port %q", p)
	}
	return uint16(n), nil
}

// connectNext tries the remaining addresses in order until one accepts a
// non-blocking connect, failing the transfer when none is left.
func (m *Multi) connectNext(t *Transfer) {
	for t.addrIdx < len(t.addrs) {
		ap := t.addrs[t.addrIdx]
		t.addrIdx++

		fd, inProgress, err := dial(ap)
		if err != nil {
			t.connErr = err
			continue
		}
		t.fd = fd
		m.sockets[fd] = t
		if inProgress {
			t.state = stateConnecting
			m.watch(t, ActionOut)
			return
		}
		t.state = stateSending
		m.send(t)
		return
	}

	err := t.connErr
	if err == nil {
		err = errors.New("no addresses")
	}
	m.finish(t, fmt.Errorf("connect %s: %w", t.target.Host, err))
}

func (m *Multi) perform(t *Transfer, sel Select) {
	switch t.state {
	case stateResolving:
		select {
		case res := <-t.resolved:
			m.onResolved(t, res)
		default:
		}
	case stateConnecting:
		if sel&(SelectOut|SelectErr) == 0 {
			return
		}
		if err := connectResult(t.fd); err != nil {
			t.connErr = err
			m.closeSocket(t)
			m.connectNext(t)
			return
		}
		t.state = stateSending
		m.send(t)
	case stateSending:
		m.send(t)
	case stateReadingHeader, stateReadingBody:
		if sel&(SelectIn|SelectErr) != 0 {
			m.receive(t)
		}
	}
}

func (m *Multi) send(t *Transfer) {
	for t.sent < len(t.request) {
		n, err := unix.Write(t.fd, t.request[t.sent:])
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) {
				m.watch(t, ActionOut)
				return
			}
			m.finish(t, os.NewSyscallError("write", err))
			return
		}
		t.sent += n
	}
	t.state = stateReadingHeader
	m.watch(t, ActionIn)
}

func (m *Multi) receive(t *Transfer) {
	for range maxReadsPerAction {
		if t.state != stateReadingHeader && t.state != stateReadingBody {
			return
		}
		n, err := unix.Read(t.fd, m.buf)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) {
				return
			}
			m.finish(t, os.NewSyscallError("read", err))
			return
		}
		if n == 0 {
			m.eof(t)
			return
		}
		m.consume(t, m.buf[:n])
	}
}

func (m *Multi) consume(t *Transfer, p []byte) {
	for t.state == stateReadingHeader {
		t.header = append(t.header, p...)
		end := bytes.Index(t.header, headerEnd)
		if end < 0 {
			if len(t.header) > maxHeaderBytes {
				m.finish(t, fmt.Errorf("%w: header exceeds %d bytes", ErrMalformedResponse, maxHeaderBytes))
			}
			return
		}
		raw := t.header[:end+len(headerEnd)]
		rest := slices.Clone(t.header[end+len(headerEnd):])
		interim, err := t.parseHeader(raw)
		if err != nil {
			m.finish(t, err)
			return
		}
		t.header = t.header[:0]
		p = rest
		if interim {
			if len(p) == 0 {
				return
			}
			continue
		}

		t.header = nil
		t.state = stateReadingBody
		if t.body.mode == bodyNone {
			m.finish(t, nil)
			return
		}
	}

	done, err := t.body.feed(p, t.writeBody)
	if err != nil {
		m.finish(t, err)
		return
	}
	if done {
		m.finish(t, nil)
	}
}

func (m *Multi) eof(t *Transfer) {
	if t.state == stateReadingHeader {
		if len(t.header) == 0 {
			m.finish(t, fmt.Errorf("%w: empty reply from server", ErrMalformedResponse))
			return
		}
		m.finish(t, fmt.Errorf("%w: connection closed inside header", ErrMalformedResponse))
		return
	}
	m.finish(t, t.body.eof())
}

// parseHeader reads the status line and headers and chooses the body framing.
// It reports true for an interim 1xx response that is followed by another.
func (t *Transfer) parseHeader(raw []byte) (bool, error) {
	req := &http.Request{Method: http.MethodGet, URL: t.target}
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	_ = resp.Body.Close()

	t.statusCode = resp.StatusCode
	switch {
	case resp.StatusCode >= 100 && resp.StatusCode < 200 && resp.StatusCode != http.StatusSwitchingProtocols:
		return true, nil
	case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotModified:
		t.body = bodyDecoder{mode: bodyNone}
	case slices.Contains(resp.TransferEncoding, "chunked"):
		t.body = bodyDecoder{mode: bodyChunked}
	case resp.ContentLength == 0:
		t.body = bodyDecoder{mode: bodyNone}
	case resp.ContentLength > 0:
		t.body = bodyDecoder{mode: bodyLength, remaining: resp.ContentLength}
	default:
		t.body = bodyDecoder{mode: bodyUntilClose}
	}
	return false, nil
}

func (t *Transfer) writeBody(p []byte) error {
	n, err := t.Sink.Write(p)
	t.written += int64(n)
	if err != nil {
		return fmt.Errorf("write sink: %w", err)
	}
	return nil
}

func buildRequest(u *url.URL, userAgent string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", u.RequestURI())
	fmt.Fprintf(&b, "Host: %s\r\n", u.Host)
	if u.User != nil {
		password, _ := u.User.Password()
		cred := base64.StdEncoding.EncodeToString([]byte(u.User.Username() + ":" + password))
		fmt.Fprintf(&b, "Authorization: Basic %s\r\n", cred)
	}
	if userAgent != "" {
		fmt.Fprintf(&b, "User-Agent: %s\r\n", userAgent)
	}
	b.WriteString("Accept: */*\r\nConnection: close\r\n\r\n")
	return b.Bytes()
}

// dial opens a non-blocking stream socket and starts connecting it to ap.
func dial(ap netip.AddrPort) (fd int, inProgress bool, err error) {
	family, sa := sockaddr(ap)
	fd, err = unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, false, os.NewSyscallError("socket", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		closeFd(fd)
		return -1, false, os.NewSyscallError("setnonblock", err)
	}

	err = unix.Connect(fd, sa)
	switch {
	case err == nil:
		return fd, false, nil
	case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EINTR):
		return fd, true, nil
	default:
		closeFd(fd)
		return -1, false, os.NewSyscallError("connect", err)
	}
}

// connectResult returns the outcome of a non-blocking connect once the
// socket reports writable.
func connectResult(fd int) error {
	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	if soErr != 0 {
		return os.NewSyscallError("connect", unix.Errno(soErr))
	}
	return nil
}

func sockaddr(ap netip.AddrPort) (int, unix.Sockaddr) {
	addr := ap.Addr()
	if addr.Is4() {
		return unix.AF_INET, &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}
	}
	return unix.AF_INET6, &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}
}

func closeFd(fd int) {
	_ = unix.Close(fd)
}
