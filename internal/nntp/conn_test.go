package nntp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odz123/nzbdav/internal/config"
	nzberrors "github.com/odz123/nzbdav/internal/errors"
)

// fakeServer speaks just enough NNTP for the connection tests.
type fakeServer struct {
	listener net.Listener
	articles map[string][]byte // message-id (no brackets) -> yEnc body
	user     string
	pass     string
}

func newFakeServer(t *testing.T, articles map[string][]byte) *fakeServer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &fakeServer{listener: listener, articles: articles, user: "user", pass: "pass"}
	go srv.serve()
	t.Cleanup(func() { _ = listener.Close() })
	return srv
}

func (s *fakeServer) config() config.ServerConfig {
	addr := s.listener.Addr().(*net.TCPAddr)
	return config.ServerConfig{
		ID:             "fake",
		Host:           "127.0.0.1",
		Port:           addr.Port,
		User:           s.user,
		Pass:           s.pass,
		MaxConnections: 2,
	}
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.session(conn)
	}
}

func (s *fakeServer) session(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	writeLine := func(line string) {
		_, _ = w.WriteString(line + "\r\n")
		_ = w.Flush()
	}

	writeLine("200 fake server ready")

	authed := false
	sawUser := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		cmd, arg, _ := strings.Cut(line, " ")

		switch strings.ToUpper(cmd) {
		case "AUTHINFO":
			kind, value, _ := strings.Cut(arg, " ")
			switch strings.ToUpper(kind) {
			case "USER":
				sawUser = true
				writeLine("381 password required")
			case "PASS":
				if sawUser && value == s.pass {
					authed = true
					writeLine("281 authentication accepted")
				} else {
					writeLine("481 authentication failed")
				}
			}
		case "STAT":
			id := strings.Trim(arg, "<>")
			if _, ok := s.articles[id]; ok {
				writeLine(fmt.Sprintf("223 0 <%s>", id))
			} else {
				writeLine("430 no such article")
			}
		case "BODY":
			if !authed {
				writeLine("480 authentication required")
				continue
			}
			id := strings.Trim(arg, "<>")
			body, ok := s.articles[id]
			if !ok {
				writeLine("430 no such article")
				continue
			}
			writeLine("222 body follows")
			for _, bodyLine := range bytes.Split(body, []byte("\r\n")) {
				// dot-stuffing per RFC 3977
				if bytes.HasPrefix(bodyLine, []byte(".")) {
					_, _ = w.Write([]byte("."))
				}
				_, _ = w.Write(bodyLine)
				_, _ = w.WriteString("\r\n")
			}
			writeLine(".")
		case "QUIT":
			writeLine("205 bye")
			return
		default:
			writeLine("500 unknown command")
		}
	}
}

func encodeArticle(name string, payload []byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "=ybegin line=128 size=%d name=%s\r\n", len(payload), name)
	for _, b := range payload {
		enc := b + 42
		switch enc {
		case 0x00, 0x0A, 0x0D, '=':
			buf.WriteByte('=')
			buf.WriteByte(enc + 64)
		default:
			buf.WriteByte(enc)
		}
	}
	fmt.Fprintf(&buf, "\r\n=yend size=%d pcrc32=%08x", len(payload), crc32.ChecksumIEEE(payload))
	return buf.Bytes()
}

func TestDialAuthenticatesAndStats(t *testing.T) {
	srv := newFakeServer(t, map[string][]byte{"exists@post": encodeArticle("x.bin", []byte("abc"))})

	conn, err := Dial(context.Background(), srv.config())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	found, err := conn.Stat(context.Background(), "exists@post")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = conn.Stat(context.Background(), "missing@post")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDialBadCredentialsIsFatal(t *testing.T) {
	srv := newFakeServer(t, nil)
	cfg := srv.config()
	cfg.Pass = "wrong"

	_, err := Dial(context.Background(), cfg)
	require.Error(t, err)
	assert.Equal(t, nzberrors.KindFatal, nzberrors.KindOf(err))
}

func TestGetSegmentStreamDecodesBody(t *testing.T) {
	payload := []byte("hello usenet world")
	srv := newFakeServer(t, map[string][]byte{"msg@post": encodeArticle("file.bin", payload)})

	conn, err := Dial(context.Background(), srv.config())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	dec, err := conn.GetSegmentStream(context.Background(), "msg@post")
	require.NoError(t, err)

	h := dec.Header()
	assert.Equal(t, "file.bin", h.FileName)
	assert.Equal(t, int64(len(payload)), h.PartSize)

	got, err := io.ReadAll(dec)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// After a full drain the session is reusable.
	conn.Release()
	found, err := conn.Stat(context.Background(), "msg@post")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestGetSegmentStreamNotFound(t *testing.T) {
	srv := newFakeServer(t, map[string][]byte{})

	conn, err := Dial(context.Background(), srv.config())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = conn.GetSegmentStream(context.Background(), "nope@post")
	require.Error(t, err)
	assert.Equal(t, nzberrors.KindNotFound, nzberrors.KindOf(err))

	// A 430 is a clean protocol exchange; the session keeps working.
	found, err := conn.Stat(context.Background(), "nope@post")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetSegmentHeaderDrainsBody(t *testing.T) {
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}
	srv := newFakeServer(t, map[string][]byte{"big@post": encodeArticle("big.bin", payload)})

	conn, err := Dial(context.Background(), srv.config())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	h, err := conn.GetSegmentHeader(context.Background(), "big@post")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), h.PartSize)
	assert.NotEqual(t, StateBroken, conn.State())

	found, err := conn.Stat(context.Background(), "big@post")
	require.NoError(t, err)
	assert.True(t, found)
}
