package smtpclient

import (
	"bufio"
	"encoding/base64"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedServer drives the server side of a net.Pipe session. Each
// exchange is a command prefix to expect and the reply to send; the
// reply may hold multiple lines.
type exchange struct {
	expect string
	reply  string
}

type scriptedServer struct {
	conn     net.Conn
	script   []exchange
	commands []string
	data     string
	err      error
	done     chan struct{}
}

func serve(conn net.Conn, script []exchange) *scriptedServer {
	s := &scriptedServer{conn: conn, script: script, done: make(chan struct{})}
	go s.run()
	return s
}

func (s *scriptedServer) run() {
	defer close(s.done)
	defer s.conn.Close()
	r := bufio.NewReader(s.conn)

	s.conn.Write([]byte("220 mail.example ESMTP\r\n"))
	for _, ex := range s.script {
		line, err := r.ReadString('\n')
		if err != nil {
			s.err = err
			return
		}
		line = strings.TrimRight(line, "\r\n")
		s.commands = append(s.commands, line)
		if !strings.HasPrefix(line, ex.expect) {
			s.err = &net.AddrError{Err: "unexpected command " + line, Addr: ex.expect}
			return
		}
		if ex.expect == "DATA" {
			s.conn.Write([]byte(ex.reply))
			var body []string
			for {
				dl, err := r.ReadString('\n')
				if err != nil {
					s.err = err
					return
				}
				dl = strings.TrimRight(dl, "\r\n")
				if dl == "." {
					break
				}
				body = append(body, dl)
			}
			s.data = strings.Join(body, "\r\n")
			s.conn.Write([]byte("250 queued\r\n"))
			continue
		}
		s.conn.Write([]byte(ex.reply))
	}
	// Drain the QUIT if the script stopped before it.
	r.ReadString('\n')
	s.conn.Write([]byte("221 bye\r\n"))
}

func happyScript() []exchange {
	return []exchange{
		{"EHLO", "250-mail.example\r\n250-AUTH PLAIN LOGIN\r\n250 SIZE 35882577\r\n"},
		{"AUTH PLAIN", "235 ok\r\n"},
		{"MAIL FROM:<noreply@settld.example>", "250 ok\r\n"},
		{"RCPT TO:<buyer@acme.com>", "250 ok\r\n"},
		{"DATA", "354 go ahead\r\n"},
	}
}

func TestSendSession(t *testing.T) {
	client, server := net.Pipe()
	srv := serve(server, happyScript())

	cfg := Config{Host: "mail.example", Username: "mailer", Password: "pw", TimeoutMs: 2000}
	err := SendOverConn(client, cfg, &Message{
		From:    "noreply@settld.example",
		To:      []string{"buyer@acme.com"},
		Subject: "Your code",
		Body:    "Use 123456 to sign in.",
	})
	require.NoError(t, err)
	<-srv.done
	require.NoError(t, srv.err)

	wantAuth := "AUTH PLAIN " + base64.StdEncoding.EncodeToString([]byte("\x00mailer\x00pw"))
	assert.Contains(t, srv.commands, wantAuth)

	assert.Contains(t, srv.data, "Subject: Your code")
	assert.Contains(t, srv.data, "From: noreply@settld.example")
	assert.Contains(t, srv.data, "To: buyer@acme.com")
	assert.Contains(t, srv.data, "Use 123456 to sign in.")
}

func TestSendSkipsAuthWithoutUsername(t *testing.T) {
	client, server := net.Pipe()
	srv := serve(server, []exchange{
		{"EHLO", "250 mail.example\r\n"},
		{"MAIL FROM:", "250 ok\r\n"},
		{"RCPT TO:", "250 ok\r\n"},
		{"DATA", "354 go ahead\r\n"},
	})

	err := SendOverConn(client, Config{Host: "mail.example", TimeoutMs: 2000}, &Message{
		From: "a@b.c", To: []string{"x@y.z"}, Subject: "s", Body: "b",
	})
	require.NoError(t, err)
	<-srv.done
	require.NoError(t, srv.err)
	for _, cmd := range srv.commands {
		assert.False(t, strings.HasPrefix(cmd, "AUTH"), cmd)
	}
}

func TestSendRejectedRecipient(t *testing.T) {
	client, server := net.Pipe()
	srv := serve(server, []exchange{
		{"EHLO", "250 mail.example\r\n"},
		{"MAIL FROM:", "250 ok\r\n"},
		{"RCPT TO:", "550 no such user\r\n"},
	})

	err := SendOverConn(client, Config{Host: "mail.example", TimeoutMs: 2000}, &Message{
		From: "a@b.c", To: []string{"nobody@y.z"}, Subject: "s", Body: "b",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "550")
	assert.Contains(t, err.Error(), "no such user")
	<-srv.done
}

func TestSendMalformedReply(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		server.Write([]byte("220 mail.example\r\n"))
		r := bufio.NewReader(server)
		r.ReadString('\n')
		server.Write([]byte("garbage\r\n"))
		server.Close()
	}()

	err := SendOverConn(client, Config{Host: "mail.example", TimeoutMs: 2000}, &Message{
		From: "a@b.c", To: []string{"x@y.z"}, Subject: "s", Body: "b",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed")
}

func TestDotStuffedBodySurvivesTransport(t *testing.T) {
	client, server := net.Pipe()
	srv := serve(server, []exchange{
		{"EHLO", "250 mail.example\r\n"},
		{"MAIL FROM:", "250 ok\r\n"},
		{"RCPT TO:", "250 ok\r\n"},
		{"DATA", "354 go ahead\r\n"},
	})

	err := SendOverConn(client, Config{Host: "mail.example", TimeoutMs: 2000}, &Message{
		From: "a@b.c", To: []string{"x@y.z"}, Subject: "s",
		Body: "line one\n.hidden dot line\n..double\nlast",
	})
	require.NoError(t, err)
	<-srv.done
	require.NoError(t, srv.err)

	// The server sees stuffed dots; the terminator "." never appears in
	// the body it captured.
	assert.Contains(t, srv.data, "..hidden dot line")
	assert.Contains(t, srv.data, "...double")
	assert.NotContains(t, srv.data, "\r\n.\r\n")
}

func TestDotStuff(t *testing.T) {
	assert.Equal(t, "plain", DotStuff("plain"))
	assert.Equal(t, "..leading", DotStuff(".leading"))
	assert.Equal(t, "a\r\n..b\r\nc", DotStuff("a\n.b\nc"))
	assert.Equal(t, "a\r\nb", DotStuff("a\r\nb"))
	assert.Equal(t, "..", DotStuff("."))
}

func TestEnvelopeAddress(t *testing.T) {
	addr, err := envelopeAddress("ops@acme.com")
	require.NoError(t, err)
	assert.Equal(t, "ops@acme.com", addr)

	addr, err = envelopeAddress("Acme Ops <ops@acme.com>")
	require.NoError(t, err)
	assert.Equal(t, "ops@acme.com", addr)

	for _, bad := range []string{"", "no-at-sign", "a b@c.d", "Broken <ops@acme.com"} {
		_, err := envelopeAddress(bad)
		assert.Error(t, err, bad)
	}
}

func TestHasExtension(t *testing.T) {
	lines := []string{"mail.example", "AUTH PLAIN LOGIN", "STARTTLS", "SIZE 1000"}
	assert.True(t, hasExtension(lines, "STARTTLS"))
	assert.True(t, hasExtension(lines, "starttls"))
	assert.True(t, hasExtension(lines, "AUTH"))
	assert.False(t, hasExtension(lines, "CHUNKING"))
}

func TestNewDefaults(t *testing.T) {
	c := New(Config{Host: "mail.example"})
	assert.Equal(t, 587, c.cfg.Port)
	assert.Equal(t, 10_000, c.cfg.TimeoutMs)

	c = New(Config{Host: "mail.example", Port: 465, TimeoutMs: 500})
	assert.Equal(t, 465, c.cfg.Port)
	assert.Equal(t, 500, c.cfg.TimeoutMs)
}
