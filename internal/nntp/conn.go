// Package nntp implements a single authenticated NNTP session: dial,
// AUTHINFO, BODY and STAT, with yEnc decoding layered on article bodies.
package nntp

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/odz123/nzbdav/internal/config"
	nzberrors "github.com/odz123/nzbdav/internal/errors"
	"github.com/odz123/nzbdav/internal/yenc"
)

// State tracks the lifecycle of a connection while owned by a pool.
type State int

const (
	StateIdle State = iota
	StateInUse
	StateBroken
	StateClosed
)

const (
	dialTimeout = 10 * time.Second
	ioTimeout   = 60 * time.Second

	// maxDrainBytes bounds how much of an abandoned body is consumed to keep
	// the protocol state clean. Anything larger poisons the connection.
	maxDrainBytes = 1 << 20
)

// Conn is one authenticated NNTP session. It is owned by a per-server pool
// and lent exclusively to one caller at a time.
type Conn struct {
	serverID string
	raw      net.Conn
	text     *textproto.Conn

	state          State
	authedAt       time.Time
	lastActivityAt time.Time

	// inFlight is the dot-stuffed body currently being streamed, nil when
	// the protocol state is clean.
	inFlight io.Reader
}

// Dial opens and authenticates a connection to the given server. A rejected
// AUTHINFO exchange is Fatal: the credentials in the configuration are wrong
// and redialing cannot help.
func Dial(ctx context.Context, cfg config.ServerConfig) (*Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	d := net.Dialer{Timeout: dialTimeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nzberrors.Wrap(nzberrors.KindTransient, "dial "+addr, err)
	}

	if cfg.TLS {
		tlsConn := tls.Client(raw, &tls.Config{ServerName: cfg.Host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = raw.Close()
			return nil, nzberrors.Wrap(nzberrors.KindTransient, "tls handshake "+addr, err)
		}
		raw = tlsConn
	}

	c := &Conn{
		serverID: cfg.ID,
		raw:      raw,
		text:     textproto.NewConn(raw),
		state:    StateIdle,
	}

	_ = raw.SetDeadline(time.Now().Add(ioTimeout))

	// 200 or 201 (posting not allowed) both mean the session is usable.
	if _, _, err := c.text.ReadCodeLine(20); err != nil {
		_ = c.Close()
		return nil, nzberrors.Wrap(nzberrors.KindTransient, "server greeting", err)
	}

	if cfg.User != "" {
		if err := c.authenticate(cfg.User, cfg.Pass); err != nil {
			_ = c.Close()
			return nil, err
		}
	}

	c.authedAt = time.Now()
	c.lastActivityAt = c.authedAt
	return c, nil
}

func (c *Conn) authenticate(user, pass string) error {
	id, err := c.text.Cmd("AUTHINFO USER %s", user)
	if err != nil {
		return nzberrors.Wrap(nzberrors.KindTransient, "authinfo user", err)
	}
	c.text.StartResponse(id)
	code, _, err := c.text.ReadCodeLine(-1)
	c.text.EndResponse(id)
	if err != nil && code == 0 {
		return nzberrors.Wrap(nzberrors.KindTransient, "authinfo user", err)
	}
	switch code {
	case 281:
		return nil
	case 381:
		// password required
	default:
		return nzberrors.New(nzberrors.KindFatal, fmt.Sprintf("authentication rejected (%d)", code))
	}

	id, err = c.text.Cmd("AUTHINFO PASS %s", pass)
	if err != nil {
		return nzberrors.Wrap(nzberrors.KindTransient, "authinfo pass", err)
	}
	c.text.StartResponse(id)
	code, _, err = c.text.ReadCodeLine(-1)
	c.text.EndResponse(id)
	if err != nil && code == 0 {
		return nzberrors.Wrap(nzberrors.KindTransient, "authinfo pass", err)
	}
	if code != 281 {
		return nzberrors.New(nzberrors.KindFatal, fmt.Sprintf("authentication rejected (%d)", code))
	}

	return nil
}

// ServerID returns the id of the server this session belongs to.
func (c *Conn) ServerID() string { return c.serverID }

// State returns the connection state.
func (c *Conn) State() State { return c.state }

// SetState is used by the owning pool when lending and returning.
func (c *Conn) SetState(s State) { c.state = s }

// LastActivity returns the time of the last successful wire operation.
func (c *Conn) LastActivity() time.Time { return c.lastActivityAt }

// Stat checks article existence without transferring the body.
func (c *Conn) Stat(ctx context.Context, messageID string) (bool, error) {
	if err := c.pre(ctx); err != nil {
		return false, err
	}

	id, err := c.text.Cmd("STAT %s", formatMessageID(messageID))
	if err != nil {
		c.state = StateBroken
		return false, nzberrors.Wrap(nzberrors.KindTransient, "stat", err)
	}
	c.text.StartResponse(id)
	code, _, err := c.text.ReadCodeLine(-1)
	c.text.EndResponse(id)
	if code == 0 && err != nil {
		c.state = StateBroken
		return false, nzberrors.Wrap(nzberrors.KindTransient, "stat", err)
	}

	c.lastActivityAt = time.Now()
	switch {
	case code == 223:
		return true, nil
	case code == 430 || code == 423:
		return false, nil
	case code == 480 || code == 481 || code == 482:
		return false, nzberrors.New(nzberrors.KindUnauthorized, fmt.Sprintf("stat rejected (%d)", code))
	default:
		return false, nzberrors.New(nzberrors.KindTransient, fmt.Sprintf("unexpected stat response (%d)", code))
	}
}

// GetSegmentStream issues BODY and returns a yEnc reader over the decoded
// payload. The part geometry is parsed before this returns, so the header is
// available even when the caller only wants the body. The connection stays
// borrowed until the stream is released via Release.
func (c *Conn) GetSegmentStream(ctx context.Context, messageID string) (*yenc.Reader, error) {
	if err := c.pre(ctx); err != nil {
		return nil, err
	}

	id, err := c.text.Cmd("BODY %s", formatMessageID(messageID))
	if err != nil {
		c.state = StateBroken
		return nil, nzberrors.Wrap(nzberrors.KindTransient, "body", err)
	}
	c.text.StartResponse(id)
	code, _, err := c.text.ReadCodeLine(-1)
	if code == 0 && err != nil {
		c.text.EndResponse(id)
		c.state = StateBroken
		return nil, nzberrors.Wrap(nzberrors.KindTransient, "body", err)
	}
	switch {
	case code == 222:
		// body follows
	case code == 430 || code == 423:
		c.text.EndResponse(id)
		c.lastActivityAt = time.Now()
		return nil, nzberrors.New(nzberrors.KindNotFound, "article not found: "+messageID)
	case code == 480 || code == 481 || code == 482:
		c.text.EndResponse(id)
		return nil, nzberrors.New(nzberrors.KindUnauthorized, fmt.Sprintf("body rejected (%d)", code))
	default:
		c.text.EndResponse(id)
		return nil, nzberrors.New(nzberrors.KindTransient, fmt.Sprintf("unexpected body response (%d)", code))
	}

	dot := c.text.DotReader()
	c.inFlight = &pendingBody{c: c, id: id, r: dot}

	dec, err := yenc.NewReader(c.inFlight.(*pendingBody))
	if err != nil {
		// Malformed yEnc leaves an unknown amount of body unread.
		c.state = StateBroken
		c.text.EndResponse(id)
		c.inFlight = nil
		return nil, err
	}

	c.lastActivityAt = time.Now()
	return dec, nil
}

// GetSegmentHeader parses only the yEnc header of an article. The remainder
// of the body is drained so the session stays reusable.
func (c *Conn) GetSegmentHeader(ctx context.Context, messageID string) (yenc.Header, error) {
	dec, err := c.GetSegmentStream(ctx, messageID)
	if err != nil {
		return yenc.Header{}, err
	}
	h := dec.Header()
	c.Release()
	return h, nil
}

// Release returns the protocol to a clean state after a segment stream. If
// the in-flight body is small enough it is drained; otherwise the connection
// is marked broken so the pool replaces it instead of reusing a poisoned
// session.
func (c *Conn) Release() {
	pb, ok := c.inFlight.(*pendingBody)
	if !ok || pb == nil {
		return
	}
	c.inFlight = nil

	n, err := io.Copy(io.Discard, io.LimitReader(pb.r, maxDrainBytes))
	c.text.EndResponse(pb.id)
	if err != nil || n >= maxDrainBytes {
		c.state = StateBroken
		return
	}
	c.lastActivityAt = time.Now()
}

// Abort marks the connection broken without draining. Used when a read is
// cancelled mid-stream.
func (c *Conn) Abort() {
	if pb, ok := c.inFlight.(*pendingBody); ok && pb != nil {
		c.text.EndResponse(pb.id)
	}
	c.inFlight = nil
	c.state = StateBroken
}

// Close terminates the session. QUIT is best-effort.
func (c *Conn) Close() error {
	if c.state == StateClosed {
		return nil
	}
	c.state = StateClosed
	if c.inFlight != nil {
		c.inFlight = nil
	}
	_, _ = c.text.Cmd("QUIT")
	return c.text.Close()
}

// pre validates the session before a command and arms the I/O deadline.
func (c *Conn) pre(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.state == StateBroken || c.state == StateClosed {
		return nzberrors.New(nzberrors.KindTransient, "connection is not usable")
	}
	if c.inFlight != nil {
		return nzberrors.New(nzberrors.KindProtocol, "previous body not fully consumed")
	}

	deadline := time.Now().Add(ioTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return c.raw.SetDeadline(deadline)
}

// pendingBody tracks the dot reader of an in-flight BODY response and marks
// the connection broken on any read error, since a failed dot read leaves
// the stream position unknown.
type pendingBody struct {
	c  *Conn
	id uint
	r  io.Reader
}

func (p *pendingBody) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if err != nil && err != io.EOF {
		p.c.state = StateBroken
		err = nzberrors.Wrap(nzberrors.KindTransient, "body read", err)
	}
	if err == io.EOF {
		if pb, ok := p.c.inFlight.(*pendingBody); ok && pb == p {
			// Body fully consumed; protocol state is clean again.
			p.c.inFlight = nil
			p.c.text.EndResponse(p.id)
			p.c.lastActivityAt = time.Now()
		}
	}
	return n, err
}

func formatMessageID(id string) string {
	if strings.HasPrefix(id, "<") {
		return id
	}
	return "<" + id + ">"
}
