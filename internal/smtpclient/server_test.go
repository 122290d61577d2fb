package smtpclient

import (
	"bufio"
	"crypto/tls"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	crmtls "github.com/shineum/crm-mail/internal/tls"
)

// fakeServer accepts one connection and runs a script against it,
// recording every command line the client sends.
type fakeServer struct {
	ln   net.Listener
	done chan struct{}

	mu       sync.Mutex
	commands []string
	data     string
}

func startServer(t *testing.T, script func(c *serverConn)) *fakeServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &fakeServer{ln: ln, done: make(chan struct{})}

	go func() {
		defer close(srv.done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
		script(&serverConn{t: t, srv: srv, conn: conn, r: bufio.NewReader(conn)})
	}()

	t.Cleanup(func() {
		ln.Close()
		srv.wait(t)
	})
	return srv
}

func (s *fakeServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *fakeServer) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(10 * time.Second):
		t.Fatal("server script did not finish")
	}
}

func (s *fakeServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *fakeServer) Data() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

type serverConn struct {
	t    *testing.T
	srv  *fakeServer
	conn net.Conn
	r    *bufio.Reader
}

func (c *serverConn) send(lines ...string) {
	for _, l := range lines {
		if _, err := c.conn.Write([]byte(l + "\r\n")); err != nil {
			c.t.Errorf("server write: %v", err)
			return
		}
	}
}

func (c *serverConn) readLine() (string, bool) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", false
	}
	line = strings.TrimRight(line, "\r\n")
	c.srv.mu.Lock()
	c.srv.commands = append(c.srv.commands, line)
	c.srv.mu.Unlock()
	return line, true
}

func (c *serverConn) expect(prefix string) string {
	line, ok := c.readLine()
	if !ok {
		c.t.Errorf("expected %q, connection closed", prefix)
		return ""
	}
	if !strings.HasPrefix(strings.ToUpper(line), prefix) {
		c.t.Errorf("got command %q, want prefix %q", line, prefix)
	}
	return line
}

func (c *serverConn) startTLS(cfg *tls.Config) bool {
	tlsConn := tls.Server(c.conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		c.t.Errorf("server handshake: %v", err)
		return false
	}
	c.conn = tlsConn
	c.r = bufio.NewReader(tlsConn)
	return true
}

// readData collects the DATA payload up to the lone dot and undoes
// dot-stuffing.
func (c *serverConn) readData() {
	var b strings.Builder
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			c.t.Errorf("reading DATA: %v", err)
			return
		}
		if line == ".\r\n" {
			break
		}
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}
		b.WriteString(line)
	}
	c.srv.mu.Lock()
	c.srv.data = b.String()
	c.srv.mu.Unlock()
}

// expectClosed asserts the client sends nothing more and hangs up.
func (c *serverConn) expectClosed(after string) {
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 64)
	n, err := c.conn.Read(buf)
	if n > 0 {
		c.t.Errorf("client sent %q after %s", buf[:n], after)
		return
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		c.t.Errorf("client did not close the connection after %s", after)
	}
}

// compliant describes a well-behaved submission server. rejectRcpt is the
// 1-based RCPT TO to refuse; authReply overrides the final AUTH reply.
type compliant struct {
	tls        *tls.Config
	implicit   bool
	noAuth     bool
	rejectRcpt int
	authReply  string
}

func (p compliant) run(c *serverConn) {
	if p.implicit && !c.startTLS(p.tls) {
		return
	}
	c.send("220 mock.test ESMTP ready")
	c.expect("EHLO")
	if !p.implicit {
		c.send("250-mock.test greets you", "250-PIPELINING", "250-STARTTLS", "250 AUTH LOGIN PLAIN")
		c.expect("STARTTLS")
		c.send("220 2.0.0 Ready to start TLS")
		if !c.startTLS(p.tls) {
			return
		}
		c.expect("EHLO")
	}
	c.send("250-mock.test", "250 AUTH LOGIN PLAIN")

	if !p.noAuth {
		c.expect("AUTH LOGIN")
		c.send("334 VXNlcm5hbWU6")
		c.readLine()
		c.send("334 UGFzc3dvcmQ6")
		c.readLine()
		if p.authReply != "" {
			c.send(p.authReply)
			c.expectClosed("auth failure")
			return
		}
		c.send("235 2.7.0 Authentication successful")
	}

	c.expect("MAIL FROM:")
	c.send("250 2.1.0 OK")

	rcpt := 0
	for {
		line, ok := c.readLine()
		if !ok {
			return
		}
		if strings.HasPrefix(line, "RCPT TO:") {
			rcpt++
			if rcpt == p.rejectRcpt {
				c.send("550 5.1.1 mailbox unavailable")
				c.expectClosed("rejected RCPT")
				return
			}
			c.send("250 2.1.5 OK")
			continue
		}
		if line != "DATA" {
			c.t.Errorf("got %q, want RCPT TO or DATA", line)
			return
		}
		break
	}
	c.send("354 End data with <CR><LF>.<CR><LF>")
	c.readData()
	c.send("250 2.0.0 OK queued as " + strconv.Itoa(rcpt))
	c.expect("QUIT")
	c.send("221 2.0.0 Bye")
}

func testTLS(t *testing.T) (server, client *tls.Config) {
	t.Helper()
	cert, err := crmtls.SelfSigned()
	if err != nil {
		t.Fatalf("generate cert: %v", err)
	}
	pool, err := crmtls.TrustPool(cert)
	if err != nil {
		t.Fatalf("trust pool: %v", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{*cert}}, &tls.Config{RootCAs: pool}
}

func tlsServerHandshake(c *serverConn, cfg *tls.Config) error {
	return tls.Server(c.conn, cfg).Handshake()
}
