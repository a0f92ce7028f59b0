// Package usenet implements the multi-server segment client: priority
// routing with failover, per-server circuit breaking, the missing-segment
// cache and the yEnc header cache. Everything above this package addresses
// segments purely by message-id.
package usenet

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/odz123/nzbdav/internal/config"
	nzberrors "github.com/odz123/nzbdav/internal/errors"
	"github.com/odz123/nzbdav/internal/pool"
	"github.com/odz123/nzbdav/internal/yenc"
)

const (
	missingCacheSize = 8192
	// missingCacheTTL bounds how long an all-servers-miss verdict is
	// trusted before the network is asked again. Articles do reappear
	// when a lagging server catches up.
	missingCacheTTL = 10 * time.Minute

	headerCacheSize = 16384
)

// Client routes segment requests across the server fleet.
type Client struct {
	pools *pool.Manager
	log   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*breaker

	missing *expirable.LRU[string, time.Time]
	headers *lru.Cache[string, yenc.Header]
}

// NewClient creates a client on top of the given pool manager.
func NewClient(pools *pool.Manager) *Client {
	headers, _ := lru.New[string, yenc.Header](headerCacheSize)
	return &Client{
		pools:    pools,
		log:      slog.Default().With("component", "usenet-client"),
		breakers: make(map[string]*breaker),
		missing:  expirable.NewLRU[string, time.Time](missingCacheSize, nil, missingCacheTTL),
		headers:  headers,
	}
}

// ServerConfigs returns the configured fleet, priority order.
func (c *Client) ServerConfigs() []config.ServerConfig {
	return c.pools.ServerConfigs()
}

// HealthSnapshots returns per-server health counters.
func (c *Client) HealthSnapshots() []pool.Health {
	return c.pools.HealthSnapshots()
}

func (c *Client) breakerFor(serverID string) *breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[serverID]
	if !ok {
		b = newBreaker()
		c.breakers[serverID] = b
	}
	return b
}

// candidates builds the routing order: enabled, usable servers whose
// circuit is not open, sorted by priority then health bias. When the
// circuit excludes every server, open ones are re-admitted as a last
// resort probe.
func (c *Client) candidates() (servers []*pool.ServerPool, usableCount int, lastResort bool) {
	pools := c.pools.Pools()

	usable := make([]*pool.ServerPool, 0, len(pools))
	for _, p := range pools {
		if p.Usable() {
			usable = append(usable, p)
		}
	}

	admitted := make([]*pool.ServerPool, 0, len(usable))
	for _, p := range usable {
		if !c.breakerFor(p.Config().ID).Open() {
			admitted = append(admitted, p)
		}
	}
	if len(admitted) == 0 {
		// Every circuit is open; probe rather than fail outright.
		admitted = usable
		lastResort = true
	}

	sort.SliceStable(admitted, func(i, j int) bool {
		pi, pj := admitted[i].Config().Priority, admitted[j].Config().Priority
		if pi != pj {
			return pi < pj
		}
		return admitted[i].HealthSnapshot().ConsecutiveFailures < admitted[j].HealthSnapshot().ConsecutiveFailures
	})

	return admitted, len(usable), lastResort
}

// GetSegmentHeader returns the yEnc geometry of a segment, from cache when
// possible.
func (c *Client) GetSegmentHeader(ctx context.Context, messageID string) (yenc.Header, error) {
	if h, ok := c.headers.Get(messageID); ok {
		return h, nil
	}

	stream, err := c.GetSegmentStream(ctx, messageID)
	if err != nil {
		return yenc.Header{}, err
	}
	h := stream.Header
	_ = stream.Close()
	return h, nil
}

// GetSegmentStream fetches a segment with failover and returns the parsed
// header plus the decoded body stream. The caller must close the stream to
// hand the connection back.
func (c *Client) GetSegmentStream(ctx context.Context, messageID string) (*SegmentStream, error) {
	var stream *SegmentStream
	err := c.route(ctx, messageID, func(ctx context.Context, conn pool.Conn) error {
		dec, err := conn.GetSegmentStream(ctx, messageID)
		if err != nil {
			return err
		}
		stream = &SegmentStream{Header: dec.Header(), body: dec}
		return nil
	}, func(p *pool.ServerPool, conn pool.Conn) bool {
		// The winning connection stays borrowed by the stream.
		if stream != nil {
			stream.conn = conn
			stream.pool = p
			stream.brk = c.breakerFor(p.Config().ID)
			return true
		}
		return false
	})
	if err != nil {
		return nil, err
	}

	c.headers.Add(messageID, stream.Header)
	return stream, nil
}

// Stat reports whether at least one enabled server holds the article.
func (c *Client) Stat(ctx context.Context, messageID string) (bool, error) {
	var found bool
	err := c.route(ctx, messageID, func(ctx context.Context, conn pool.Conn) error {
		ok, err := conn.Stat(ctx, messageID)
		if err != nil {
			return err
		}
		if !ok {
			return nzberrors.New(nzberrors.KindNotFound, "article not found: "+messageID)
		}
		found = true
		return nil
	}, nil)
	if err != nil {
		if nzberrors.Is(err, nzberrors.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	return found, nil
}

// keepConn lets a caller take over the borrowed connection after a
// successful attempt. Returning false hands it back to the pool.
type keepConn func(p *pool.ServerPool, conn pool.Conn) bool

// route runs one segment request across the candidate servers with the
// failover policy: NotFound moves on, Transient/Protocol retries once on a
// fresh connection before moving on, all-NotFound populates the missing
// cache, all-errored surfaces Transient.
func (c *Client) route(ctx context.Context, messageID string, attempt func(context.Context, pool.Conn) error, keep keepConn) error {
	if when, ok := c.missing.Get(messageID); ok {
		c.log.DebugContext(ctx, "Missing-segment cache hit", "message_id", messageID, "observed_at", when)
		return nzberrors.New(nzberrors.KindNotFound, "article not found (cached): "+messageID)
	}

	servers, usableCount, lastResort := c.candidates()
	if len(servers) == 0 {
		return nzberrors.New(nzberrors.KindTransient, "no usable servers configured")
	}

	notFound := 0
	skipped := 0
	var lastErr error

	for _, p := range servers {
		brk := c.breakerFor(p.Config().ID)
		if !lastResort && !brk.Allow() {
			// Half-open circuit with a probe already in flight.
			skipped++
			continue
		}

		err := c.attemptOnServer(ctx, p, brk, messageID, attempt, keep)
		switch nzberrors.KindOf(err) {
		case nzberrors.KindUnknown:
			if err != nil {
				lastErr = err
				continue
			}
			return nil
		case nzberrors.KindNotFound:
			notFound++
			continue
		case nzberrors.KindCancelled:
			return err
		case nzberrors.KindUnauthorized, nzberrors.KindFatal:
			// Pool disabled itself; move on to the next server.
			lastErr = err
			continue
		default:
			lastErr = err
			continue
		}
	}

	if notFound == len(servers) {
		if len(servers) == usableCount && skipped == 0 {
			// Only an all-enabled-servers miss earns a cache entry.
			c.missing.Add(messageID, time.Now())
		}
		return nzberrors.New(nzberrors.KindNotFound, "article not found on any server: "+messageID)
	}
	if lastErr != nil {
		return nzberrors.Wrap(nzberrors.KindTransient, "all servers failed", lastErr)
	}
	if skipped > 0 {
		return nzberrors.New(nzberrors.KindTransient, "all candidate servers busy probing")
	}
	return nzberrors.New(nzberrors.KindNotFound, "article not found on any server: "+messageID)
}

// attemptOnServer borrows a connection and runs the attempt, retrying once
// on the same server with a fresh connection for transient and protocol
// failures.
func (c *Client) attemptOnServer(ctx context.Context, p *pool.ServerPool, brk *breaker, messageID string, attempt func(context.Context, pool.Conn) error, keep keepConn) error {
	var lastErr error
	for try := 0; try < 2; try++ {
		conn, err := p.Borrow(ctx)
		if err != nil {
			if nzberrors.KindOf(err) == nzberrors.KindCancelled {
				return err
			}
			brk.RecordFailure()
			return err
		}

		err = attempt(ctx, conn)
		if err == nil {
			brk.RecordSuccess()
			if keep != nil && keep(p, conn) {
				return nil
			}
			p.Return(conn, nil)
			return nil
		}

		switch nzberrors.KindOf(err) {
		case nzberrors.KindNotFound:
			p.Return(conn, err)
			brk.RecordSuccess()
			return err
		case nzberrors.KindTransient, nzberrors.KindProtocol, nzberrors.KindUnknown:
			// The session state is suspect after a failed exchange; retry
			// once on a fresh connection.
			conn.Abort()
			p.Return(conn, err)
			brk.RecordFailure()
			lastErr = err
		default:
			p.Return(conn, err)
			return err
		}
	}
	return lastErr
}

// SegmentStream is a borrowed connection streaming one decoded segment.
// Closing it returns the connection: clean when fully drained, broken when
// abandoned mid-body.
type SegmentStream struct {
	Header yenc.Header

	body *yenc.Reader
	conn pool.Conn
	pool *pool.ServerPool
	brk  *breaker

	readErr error
	closed  bool
}

// Read returns decoded segment bytes.
func (s *SegmentStream) Read(p []byte) (int, error) {
	n, err := s.body.Read(p)
	if err != nil && err != io.EOF {
		s.readErr = err
	}
	return n, err
}

// Close releases the borrowed connection. A stream abandoned before EOF
// marks the connection broken rather than risking a poisoned session.
func (s *SegmentStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if s.conn == nil {
		return nil
	}

	if s.readErr != nil {
		s.conn.Abort()
		s.brk.RecordFailure()
		s.pool.Return(s.conn, s.readErr)
		return nil
	}

	// Release drains a small remainder to keep the session; an abandoned
	// stream with too much left marks the connection broken instead.
	s.conn.Release()
	s.pool.Return(s.conn, nil)
	return nil
}
