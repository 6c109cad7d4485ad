package smtp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/smtp-sandbox-gateway/internal/email"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

const (
	// idleTimeout is the maximum time a session can wait for a command.
	idleTimeout = 60 * time.Second

	// dataTimeout bounds the handler call made at the end of DATA.
	dataTimeout = 30 * time.Second

	maxRecipients = 100
)

// errTooLarge marks a DATA transfer that crossed the size limit.
var errTooLarge = errors.New("message exceeds size limit")

// SessionConfig holds per-connection settings shared by every session of a
// server.
type SessionConfig struct {
	Hostname       string
	TLSConfig      *tls.Config
	MaxMessageSize int64
}

// Session runs the SMTP state machine for a single client connection.
type Session struct {
	id      string
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	state   int
	auth    *Authenticator
	handler MessageHandler
	config  SessionConfig
	log     *slog.Logger

	tlsActive bool

	// Current transaction
	mailFrom string
	rcptTo   []string
}

// NewSession creates a new SMTP session for the given connection.
func NewSession(conn net.Conn, auth *Authenticator, handler MessageHandler, cfg SessionConfig) *Session {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	id := uuid.NewString()
	return &Session{
		id:      id,
		conn:    conn,
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		state:   stateConnected,
		auth:    auth,
		handler: handler,
		config:  cfg,
		log:     slog.With("session", id, "remote", conn.RemoteAddr().String()),
	}
}

// ID returns the session identifier used in log lines.
func (s *Session) ID() string {
	return s.id
}

// Handle runs the session until the client quits, the connection fails, or
// ctx is cancelled.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	// Cancellation unblocks a pending read on the underlying connection,
	// including after a STARTTLS upgrade.
	raw := s.conn
	stop := context.AfterFunc(ctx, func() { raw.SetReadDeadline(time.Now()) })
	defer stop()

	s.log.Debug("session started")
	s.writeLine("220 %s ESMTP smtp-sandbox-gateway", s.config.Hostname)

	for {
		if ctx.Err() != nil {
			s.writeLine("421 Service shutting down")
			return
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			s.log.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil {
				s.writeLine("421 Service shutting down")
			} else if err != io.EOF {
				s.log.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if done := s.handleCommand(ctx, cmd, arg); done {
			return
		}
	}
}

// handleCommand processes a single SMTP command and returns true if the session should end.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		return s.handleSTARTTLS()
	case "AUTH":
		return s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		return s.handleDATA(ctx)
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.resetTransaction()
	if s.state < stateGreeted {
		s.state = stateGreeted
	}

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.config.Hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.config.Hostname, arg)
	if s.config.TLSConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.auth.Enabled() {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	s.writeLine("250-8BITMIME")
	s.writeLine("250-SIZE %d", s.config.MaxMessageSize)
	s.writeLine("250 OK")
}

// handleSTARTTLS upgrades the connection. A failed handshake ends the
// session because the stream state is unknown.
func (s *Session) handleSTARTTLS() bool {
	if s.config.TLSConfig == nil {
		s.writeLine("454 TLS not available")
		return false
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return false
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.config.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.log.Warn("TLS handshake failed", "error", err)
		return true
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true

	// RFC 3207: the client must greet again after the upgrade.
	s.state = stateConnected
	s.resetTransaction()
	s.log.Debug("TLS established", "version", tls.VersionName(tlsConn.ConnectionState().Version))
	return false
}

// handleAUTH processes AUTH PLAIN and AUTH LOGIN. It returns true when the
// client went away mid-exchange.
func (s *Session) handleAUTH(arg string) bool {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return false
	}
	if !s.auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return false
	}
	if s.state >= stateAuthOK {
		s.writeLine("503 Already authenticated")
		return false
	}

	mechanism, initial, _ := strings.Cut(arg, " ")

	var err error
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		err = s.authPlain(initial)
	case "LOGIN":
		err = s.authLogin()
	default:
		s.writeLine("504 Unrecognized authentication type")
		return false
	}

	switch {
	case err == nil:
		s.state = stateAuthOK
		s.log.Info("client authenticated")
		s.writeLine("235 Authentication successful")
	case errors.Is(err, errAuthCancelled):
		s.writeLine("501 Authentication cancelled")
	case errors.Is(err, errClientGone):
		s.log.Debug("client disconnected during AUTH", "error", err)
		return true
	default:
		s.log.Warn("authentication failed", "error", err)
		s.writeLine("535 Authentication failed")
	}
	return false
}

var (
	errAuthCancelled = errors.New("authentication cancelled")
	errClientGone    = errors.New("client disconnected")
)

func (s *Session) authPlain(initial string) error {
	encoded := initial
	if encoded == "" {
		line, err := s.challenge("334 ")
		if err != nil {
			return err
		}
		encoded = line
	}
	if encoded == "*" {
		return errAuthCancelled
	}
	return s.auth.VerifyPlain(encoded)
}

func (s *Session) authLogin() error {
	// "Username:" and "Password:" in base64.
	user, err := s.challenge("334 VXNlcm5hbWU6")
	if err != nil {
		return err
	}
	if user == "*" {
		return errAuthCancelled
	}
	pass, err := s.challenge("334 UGFzc3dvcmQ6")
	if err != nil {
		return err
	}
	if pass == "*" {
		return errAuthCancelled
	}
	return s.auth.VerifyLogin(user, pass)
}

// challenge sends prompt and returns the client's next line.
func (s *Session) challenge(prompt string) (string, error) {
	s.writeLine("%s", prompt)
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("%w: %v", errClientGone, err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.auth.Enabled() && s.state < stateAuthOK {
		s.writeLine("530 Authentication required")
		return
	}
	if s.state >= stateMailFrom {
		s.writeLine("503 Nested MAIL command")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	// The null reverse-path <> is valid for bounces.
	addr, params, ok := parsePath(arg[5:])
	if !ok {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	if size, ok := params["SIZE"]; ok {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			s.writeLine("501 Invalid SIZE parameter")
			return
		}
		if n > s.config.MaxMessageSize {
			s.writeLine("552 Message size exceeds fixed maximum message size")
			return
		}
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr, _, ok := parsePath(arg[3:])
	if !ok || addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	if len(s.rcptTo) >= maxRecipients {
		s.writeLine("452 Too many recipients")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA receives the message and replies with the handler's decision.
// It returns true if the connection failed mid-transfer.
func (s *Session) handleDATA(ctx context.Context) bool {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return false
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	raw, err := s.readData()
	if errors.Is(err, errTooLarge) {
		s.log.Warn("message rejected",
			"reason", "size limit",
			"max_message_size", s.config.MaxMessageSize,
		)
		s.writeLine("552 Message size exceeds fixed maximum message size")
		s.resetTransaction()
		return false
	}
	if err != nil {
		s.log.Warn("error reading DATA", "error", err)
		return true
	}

	env := email.Envelope{From: s.mailFrom, To: append([]string(nil), s.rcptTo...)}

	hctx, cancel := context.WithTimeout(ctx, dataTimeout)
	decision := s.handler.Handle(hctx, env, raw)
	cancel()

	s.log.Info("message received",
		"from", env.From,
		"recipients", len(env.To),
		"size", len(raw),
		"reply", decision.Code,
	)
	s.writeLine("%s", decision.String())
	s.resetTransaction()
	return false
}

// readData reads the DATA payload up to the terminating dot line, removing
// dot-stuffing. Once the size limit is crossed the rest of the payload is
// drained and errTooLarge is returned so the session stays usable.
func (s *Session) readData() ([]byte, error) {
	var buf bytes.Buffer
	tooLarge := false

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			return nil, err
		}
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			return nil, err
		}

		if bytes.Equal(bytes.TrimRight(line, "\r\n"), []byte(".")) {
			break
		}
		if len(line) > 0 && line[0] == '.' {
			line = line[1:]
		}

		if tooLarge {
			continue
		}
		if int64(buf.Len()+len(line)) > s.config.MaxMessageSize {
			tooLarge = true
			buf = bytes.Buffer{}
			continue
		}
		buf.Write(line)
	}

	if tooLarge {
		return nil, errTooLarge
	}
	return buf.Bytes(), nil
}

// resetTransaction clears the current mail transaction without affecting
// the greeting or authentication state.
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	if s.state > stateAuthOK {
		if s.auth.Enabled() {
			s.state = stateAuthOK
		} else {
			s.state = stateGreeted
		}
	}
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...any) {
	if _, err := fmt.Fprintf(s.writer, format+"\r\n", args...); err != nil {
		s.log.Debug("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.log.Debug("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), strings.TrimSpace(arg)
}

// parsePath extracts the address and ESMTP parameters from the argument of
// MAIL FROM: or RCPT TO:. Both "<addr> KEY=VALUE" and bare "addr" forms are
// accepted; ok is false for an unterminated angle bracket.
func parsePath(s string) (addr string, params map[string]string, ok bool) {
	s = strings.TrimSpace(s)

	var rest string
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return "", nil, false
		}
		addr, rest = s[1:end], s[end+1:]
	} else {
		addr, rest, _ = strings.Cut(s, " ")
		if addr == "" {
			return "", nil, false
		}
	}

	params = make(map[string]string)
	for _, field := range strings.Fields(rest) {
		key, value, _ := strings.Cut(field, "=")
		params[strings.ToUpper(key)] = value
	}
	return addr, params, true
}
