package usenet

import (
	"bytes"
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odz123/nzbdav/internal/config"
	nzberrors "github.com/odz123/nzbdav/internal/errors"
	"github.com/odz123/nzbdav/internal/nntp"
	"github.com/odz123/nzbdav/internal/pool"
	"github.com/odz123/nzbdav/internal/yenc"
)

// yencBody builds an encoded single-part article for fakes to serve.
func yencBody(name string, payload []byte) []byte {
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
	fmt.Fprintf(&buf, "\r\n=yend size=%d pcrc32=%08x\r\n", len(payload), crc32.ChecksumIEEE(payload))
	return buf.Bytes()
}

// scriptedConn serves canned payloads per message-id or fails with a fixed
// error.
type scriptedConn struct {
	state    nntp.State
	payloads map[string][]byte
	err      error
	stats    *atomic.Int32
}

func (f *scriptedConn) Stat(ctx context.Context, messageID string) (bool, error) {
	if f.stats != nil {
		f.stats.Add(1)
	}
	if f.err != nil {
		return false, f.err
	}
	_, ok := f.payloads[messageID]
	return ok, nil
}

func (f *scriptedConn) GetSegmentStream(ctx context.Context, messageID string) (*yenc.Reader, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, ok := f.payloads[messageID]
	if !ok {
		return nil, nzberrors.New(nzberrors.KindNotFound, "article not found: "+messageID)
	}
	return yenc.NewReader(bytes.NewReader(body))
}

func (f *scriptedConn) GetSegmentHeader(ctx context.Context, messageID string) (yenc.Header, error) {
	r, err := f.GetSegmentStream(ctx, messageID)
	if err != nil {
		return yenc.Header{}, err
	}
	return r.Header(), nil
}

func (f *scriptedConn) Release()              {}
func (f *scriptedConn) Abort()                { f.state = nntp.StateBroken }
func (f *scriptedConn) State() nntp.State     { return f.state }
func (f *scriptedConn) SetState(s nntp.State) { f.state = s }
func (f *scriptedConn) Close() error          { f.state = nntp.StateClosed; return nil }

// server is a test fixture pairing a config with scripted behavior.
type server struct {
	cfg      config.ServerConfig
	payloads map[string][]byte
	err      error
	dials    atomic.Int32
	stats    atomic.Int32
}

func newTestClient(servers ...*server) (*Client, *pool.Manager) {
	byID := make(map[string]*server, len(servers))
	cfgs := make([]config.ServerConfig, 0, len(servers))
	for _, s := range servers {
		byID[s.cfg.ID] = s
		cfgs = append(cfgs, s.cfg)
	}

	dial := func(ctx context.Context, cfg config.ServerConfig) (pool.Conn, error) {
		s := byID[cfg.ID]
		s.dials.Add(1)
		return &scriptedConn{payloads: s.payloads, err: s.err, stats: &s.stats}, nil
	}

	m := pool.NewManager(dial)
	m.SetServers(cfgs)
	return NewClient(m), m
}

func srv(id string, priority int, payloads map[string][]byte, err error) *server {
	return &server{
		cfg: config.ServerConfig{
			ID:             id,
			Host:           id + ".example.com",
			Port:           119,
			MaxConnections: 4,
			Priority:       priority,
		},
		payloads: payloads,
		err:      err,
	}
}

func TestTwoServerFailover(t *testing.T) {
	s1 := srv("s1", 0, map[string][]byte{}, nil)
	s2 := srv("s2", 1, map[string][]byte{"msg-A": yencBody("a.bin", []byte("hello"))}, nil)
	c, m := newTestClient(s1, s2)

	stream, err := c.GetSegmentStream(context.Background(), "msg-A")
	require.NoError(t, err)

	got, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
	require.NoError(t, stream.Close())

	h1 := m.Pool("s1").HealthSnapshot()
	h2 := m.Pool("s2").HealthSnapshot()
	assert.Equal(t, int64(1), h1.TotalArticlesNotFound)
	assert.Equal(t, int64(1), h2.TotalSuccesses)
	assert.Equal(t, int64(0), h2.TotalArticlesNotFound)
}

func TestAllServersMissPopulatesMissingCache(t *testing.T) {
	s1 := srv("s1", 0, map[string][]byte{}, nil)
	s2 := srv("s2", 1, map[string][]byte{}, nil)
	c, _ := newTestClient(s1, s2)

	_, err := c.GetSegmentStream(context.Background(), "msg-gone")
	require.Error(t, err)
	assert.Equal(t, nzberrors.KindNotFound, nzberrors.KindOf(err))

	dialsBefore := s1.dials.Load() + s2.dials.Load()

	// Second lookup must be served from the cache with zero network I/O.
	_, err = c.GetSegmentStream(context.Background(), "msg-gone")
	require.Error(t, err)
	assert.Equal(t, nzberrors.KindNotFound, nzberrors.KindOf(err))
	assert.Equal(t, dialsBefore, s1.dials.Load()+s2.dials.Load())
}

func TestTransientServerDoesNotHideHealthyOne(t *testing.T) {
	s1 := srv("s1", 0, nil, nzberrors.New(nzberrors.KindTransient, "connection reset"))
	s2 := srv("s2", 1, map[string][]byte{"msg-B": yencBody("b.bin", []byte("payload"))}, nil)
	c, _ := newTestClient(s1, s2)

	stream, err := c.GetSegmentStream(context.Background(), "msg-B")
	require.NoError(t, err)
	got, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
	require.NoError(t, stream.Close())
}

func TestAllServersErroredReturnsTransient(t *testing.T) {
	s1 := srv("s1", 0, nil, nzberrors.New(nzberrors.KindTransient, "timeout"))
	s2 := srv("s2", 1, nil, nzberrors.New(nzberrors.KindTransient, "timeout"))
	c, _ := newTestClient(s1, s2)

	_, err := c.GetSegmentStream(context.Background(), "msg-C")
	require.Error(t, err)
	assert.Equal(t, nzberrors.KindTransient, nzberrors.KindOf(err))

	// A transient verdict must never poison the missing cache.
	s1.err = nil
	s1.payloads = map[string][]byte{"msg-C": yencBody("c.bin", []byte("late"))}
	stream, err := c.GetSegmentStream(context.Background(), "msg-C")
	require.NoError(t, err)
	require.NoError(t, stream.Close())
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	s1 := srv("s1", 0, nil, nzberrors.New(nzberrors.KindTransient, "reset"))
	s2 := srv("s2", 1, map[string][]byte{"m": yencBody("m.bin", []byte("x"))}, nil)
	c, _ := newTestClient(s1, s2)

	// Each request attempts s1 twice (one same-server retry), so three
	// requests push the breaker past its threshold of five.
	for i := 0; i < 3; i++ {
		stream, err := c.GetSegmentStream(context.Background(), "m")
		require.NoError(t, err)
		require.NoError(t, stream.Close())
	}

	dialsAfterOpen := s1.dials.Load()
	assert.GreaterOrEqual(t, dialsAfterOpen, int32(5))

	stream, err := c.GetSegmentStream(context.Background(), "m")
	require.NoError(t, err)
	require.NoError(t, stream.Close())
	assert.Equal(t, dialsAfterOpen, s1.dials.Load(), "open circuit must not dial s1")
}

func TestStatReportsExistence(t *testing.T) {
	s1 := srv("s1", 0, map[string][]byte{"here": {1}}, nil)
	c, _ := newTestClient(s1)

	found, err := c.Stat(context.Background(), "here")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = c.Stat(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetSegmentHeaderUsesCache(t *testing.T) {
	payload := []byte("cached header payload")
	s1 := srv("s1", 0, map[string][]byte{"h": yencBody("h.bin", payload)}, nil)
	c, _ := newTestClient(s1)

	h, err := c.GetSegmentHeader(context.Background(), "h")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), h.PartSize)

	dials := s1.dials.Load()
	h2, err := c.GetSegmentHeader(context.Background(), "h")
	require.NoError(t, err)
	assert.Equal(t, h, h2)
	assert.Equal(t, dials, s1.dials.Load(), "second header lookup must hit the cache")
}

func TestCheckAllSegmentsFindsMissing(t *testing.T) {
	payloads := map[string][]byte{
		"a": {1}, "b": {2}, "d": {4},
	}
	s1 := srv("s1", 0, payloads, nil)
	c, _ := newTestClient(s1)

	res, err := c.CheckAllSegments(context.Background(), []string{"a", "b", "c", "d"}, CheckOptions{
		Concurrency:  2,
		SamplingRate: 1.0,
		MinSamples:   1,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Checked)
	assert.Equal(t, []string{"c"}, res.Missing)
}

func TestCheckAllSegmentsSampling(t *testing.T) {
	payloads := make(map[string][]byte)
	ids := make([]string, 100)
	for i := range ids {
		ids[i] = fmt.Sprintf("seg-%03d", i)
		payloads[ids[i]] = []byte{byte(i)}
	}
	s1 := srv("s1", 0, payloads, nil)
	c, _ := newTestClient(s1)

	var lastFraction float64
	res, err := c.CheckAllSegments(context.Background(), ids, CheckOptions{
		Concurrency:  4,
		SamplingRate: 0.1,
		MinSamples:   5,
		Progress:     func(f float64) { lastFraction = f },
	})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Checked)
	assert.Empty(t, res.Missing)
	assert.InDelta(t, 1.0, lastFraction, 0.001)
	assert.Equal(t, int32(10), s1.stats.Load())
}

func TestSampleUniformMinSamplesFloor(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e", "f"}
	assert.Len(t, sampleUniform(ids, 0.01, 3), 3)
	assert.Len(t, sampleUniform(ids, 0.01, 10), 6)
	assert.Len(t, sampleUniform(ids, 1.0, 1), 6)
}
