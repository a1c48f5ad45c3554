package fast

import (
	"net"
	"net/http"
	"time"
)

// KeepAlivePeriod is the TCP keepalive probe delay enabled on every
// established connection, both sides.
const KeepAlivePeriod = 10 * time.Second

// keepAliveListener wraps a *net.TCPListener so every accepted
// connection gets TCP keepalive enabled at KeepAlivePeriod. This is
// the same technique net/http's own Server.ListenAndServe uses
// internally (an Accept() that tunes each accepted *net.TCPConn); no
// example or ecosystem library in the pack exposes listener-level
// keepalive tuning, so this one corner stays on net directly.
type keepAliveListener struct {
	*net.TCPListener
}

func (l keepAliveListener) Accept() (net.Conn, error) {
	conn, err := l.AcceptTCP()
	if err != nil {
		return nil, err
	}
	_ = conn.SetKeepAlive(true)
	_ = conn.SetKeepAlivePeriod(KeepAlivePeriod)
	return conn, nil
}

// listenKeepAlive opens a TCP listener on addr with keepalive enabled
// on every accepted connection.
func listenKeepAlive(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return keepAliveListener{ln.(*net.TCPListener)}, nil
}

// dialerWithKeepAlive builds an *http.Client whose transport opens
// connections with TCP keepalive enabled at KeepAlivePeriod — used by
// the client side of a Dial so the outbound socket matches the
// server's keepalive posture.
func dialerWithKeepAlive() *http.Client {
	dialer := &net.Dialer{KeepAlive: KeepAlivePeriod}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	return &http.Client{Transport: transport}
}
