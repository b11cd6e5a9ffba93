// Package smtpclient is a synchronous, line-oriented ESMTP client with
// STARTTLS and AUTH PLAIN. It speaks one message per connection: the
// state machine is CONNECT, 220, EHLO, optional STARTTLS + re-EHLO,
// optional AUTH, MAIL FROM, RCPT TO, DATA, body, QUIT.
//
// The standard library's net/smtp is frozen and hides the reply stream;
// this client owns the wire so timeouts, multiline replies and
// dot-stuffing behave exactly as the delivery pipeline requires.
package smtpclient

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config describes the relay connection.
type Config struct {
	Host      string
	Port      int
	Username  string
	Password  string
	From      string
	TimeoutMs int
	// ImplicitTLS dials TLS directly (port 465 style) instead of
	// upgrading via STARTTLS.
	ImplicitTLS bool
}

// Message is a single outbound mail.
type Message struct {
	From    string
	To      []string
	Subject string
	Body    string
}

// Client sends messages through the configured relay.
type Client struct {
	cfg Config
}

// New returns a client for cfg. Defaults: port 587, timeout 10s.
func New(cfg Config) *Client {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = 10_000
	}
	return &Client{cfg: cfg}
}

// Send delivers a plain-text message to a single recipient. Satisfies
// the mailer interfaces of the OTP store and onboarding sequencer.
func (c *Client) Send(to, subject, body string) error {
	return c.SendMessage(&Message{From: c.cfg.From, To: []string{to}, Subject: subject, Body: body})
}

// SendMessage dials the relay and runs the full session.
func (c *Client) SendMessage(msg *Message) error {
	timeout := time.Duration(c.cfg.TimeoutMs) * time.Millisecond
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))

	var conn net.Conn
	var err error
	if c.cfg.ImplicitTLS {
		d := &net.Dialer{Timeout: timeout}
		conn, err = tls.DialWithDialer(d, "tcp", addr, &tls.Config{ServerName: c.cfg.Host})
	} else {
		conn, err = net.DialTimeout("tcp", addr, timeout)
	}
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	return SendOverConn(conn, c.cfg, msg)
}

// SendOverConn runs the session over an established connection. The
// connection is always closed before returning. Exposed so tests can
// drive a scripted server over net.Pipe.
func SendOverConn(conn net.Conn, cfg Config, msg *Message) error {
	s := &session{
		conn:    conn,
		r:       bufio.NewReader(conn),
		timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond,
		tls:     cfg.ImplicitTLS,
	}
	defer s.conn.Close()
	if s.timeout <= 0 {
		s.timeout = 10 * time.Second
	}
	return s.run(cfg, msg)
}

type session struct {
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
	tls     bool
}

func (s *session) run(cfg Config, msg *Message) error {
	from, err := envelopeAddress(msg.From)
	if err != nil {
		return err
	}

	if _, err := s.expect(220); err != nil {
		return fmt.Errorf("smtp greeting: %w", err)
	}

	ehlo, err := s.ehlo(cfg.Host)
	if err != nil {
		return err
	}

	if !s.tls && hasExtension(ehlo, "STARTTLS") {
		if err := s.cmd("STARTTLS", 220); err != nil {
			return err
		}
		tconn := tls.Client(s.conn, &tls.Config{ServerName: cfg.Host})
		s.conn = tconn
		s.r = bufio.NewReader(tconn)
		s.tls = true
		if ehlo, err = s.ehlo(cfg.Host); err != nil {
			return err
		}
	}

	if cfg.Username != "" {
		plain := base64.StdEncoding.EncodeToString([]byte("\x00" + cfg.Username + "\x00" + cfg.Password))
		if err := s.cmd("AUTH PLAIN "+plain, 235, 250); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := s.cmd("MAIL FROM:<"+from+">", 250); err != nil {
		return err
	}
	for _, rcpt := range msg.To {
		addr, err := envelopeAddress(rcpt)
		if err != nil {
			return err
		}
		if err := s.cmd("RCPT TO:<"+addr+">", 250, 251); err != nil {
			return err
		}
	}

	if err := s.cmd("DATA", 354); err != nil {
		return err
	}
	if err := s.writeLine(buildMessage(msg) + "\r\n."); err != nil {
		return err
	}
	if _, err := s.expect(250); err != nil {
		return fmt.Errorf("smtp data not accepted: %w", err)
	}

	// QUIT failures after a 250 are not delivery failures.
	_ = s.cmd("QUIT", 221)
	return nil
}

func (s *session) ehlo(host string) ([]string, error) {
	if host == "" {
		host = "localhost"
	}
	if err := s.writeLine("EHLO " + host); err != nil {
		return nil, err
	}
	return s.expect(250)
}

// cmd sends one command and requires one of the given reply codes.
func (s *session) cmd(line string, okCodes ...int) error {
	if err := s.writeLine(line); err != nil {
		return err
	}
	_, err := s.expect(okCodes...)
	return err
}

func (s *session) writeLine(line string) error {
	if err := s.conn.SetDeadline(time.Now().Add(s.timeout)); err != nil {
		return err
	}
	if _, err := s.conn.Write([]byte(line + "\r\n")); err != nil {
		s.conn.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	return nil
}

var replyRe = regexp.MustCompile(`^(\d{3})([ -])(.*)$`)

// expect reads one full (possibly multiline) reply. "NNN-" lines
// continue the reply; "NNN " terminates it. An unexpected code is an
// error carrying the server text.
func (s *session) expect(okCodes ...int) ([]string, error) {
	var lines []string
	code := 0
	for {
		if err := s.conn.SetDeadline(time.Now().Add(s.timeout)); err != nil {
			return nil, err
		}
		raw, err := s.r.ReadString('\n')
		if err != nil {
			s.conn.Close()
			return nil, fmt.Errorf("smtp read: %w", err)
		}
		m := replyRe.FindStringSubmatch(strings.TrimRight(raw, "\r\n"))
		if m == nil {
			s.conn.Close()
			return nil, fmt.Errorf("smtp malformed reply %q", strings.TrimSpace(raw))
		}
		code, _ = strconv.Atoi(m[1])
		lines = append(lines, m[3])
		if m[2] == " " {
			break
		}
	}
	for _, ok := range okCodes {
		if code == ok {
			return lines, nil
		}
	}
	return nil, fmt.Errorf("smtp unexpected reply %d: %s", code, strings.Join(lines, " / "))
}

func hasExtension(ehloLines []string, ext string) bool {
	for _, l := range ehloLines {
		if strings.EqualFold(strings.Fields(l+" ")[0], ext) {
			return true
		}
	}
	return false
}

// buildMessage renders headers plus the CRLF-normalized, dot-stuffed
// body. The caller appends the bare "." terminator line.
func buildMessage(msg *Message) string {
	var b strings.Builder
	b.WriteString("From: " + msg.From + "\r\n")
	b.WriteString("To: " + strings.Join(msg.To, ", ") + "\r\n")
	b.WriteString("Subject: " + msg.Subject + "\r\n")
	b.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	b.WriteString(DotStuff(msg.Body))
	return b.String()
}

// DotStuff normalizes line endings to CRLF and prefixes any line
// starting with "." with an extra dot, per RFC 5321 §4.5.2.
func DotStuff(body string) string {
	normalized := strings.ReplaceAll(body, "\r\n", "\n")
	lines := strings.Split(normalized, "\n")
	for i, l := range lines {
		if strings.HasPrefix(l, ".") {
			lines[i] = "." + l
		}
	}
	return strings.Join(lines, "\r\n")
}

var emailish = regexp.MustCompile(`^[^@\s<>]+@[^@\s<>]+$`)

// envelopeAddress extracts the bare address, honoring an optional
// display form "Name <addr>".
func envelopeAddress(s string) (string, error) {
	addr := strings.TrimSpace(s)
	if i := strings.Index(addr, "<"); i >= 0 {
		j := strings.Index(addr[i:], ">")
		if j < 0 {
			return "", fmt.Errorf("smtp bad address %q", s)
		}
		addr = addr[i+1 : i+j]
	}
	if !emailish.MatchString(addr) {
		return "", fmt.Errorf("smtp bad address %q", s)
	}
	return addr, nil
}
