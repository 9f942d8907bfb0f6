// Package multi implements a multi-transfer HTTP engine that performs no
// waiting of its own.
//
// The engine tells its owner which sockets to watch through a SocketFunc and
// when it next needs attention through a TimerFunc. The owner reports
// readiness back with SocketAction and expired timeouts with Timeout, then
// collects finished transfers with InfoRead.
//
//	m := multi.New(multi.Options{ConnectTimeout: 30 * time.Second})
//	m.SetSocketFunc(func(fd int, action multi.Action) error { ... })
//	m.SetTimerFunc(func(timeoutMs int64) { ... })
//	_ = m.Add(multi.NewTransfer("http://example.com/", sink))
//
// Only plain http URLs are fetched, with a single GET per transfer over a
// fresh connection. Other schemes finish with ErrUnsupportedScheme. Response
// status codes are recorded, not interpreted.
//
// Host names are looked up on a separate goroutine. While a lookup runs the
// transfer waits on an internal socket that the owner watches like any
// other, so a slow resolver never stalls the owner's loop.
package multi
