package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odz123/nzbdav/internal/config"
	nzberrors "github.com/odz123/nzbdav/internal/errors"
	"github.com/odz123/nzbdav/internal/nntp"
	"github.com/odz123/nzbdav/internal/yenc"
)

type fakeConn struct {
	state nntp.State
	id    int
}

func (f *fakeConn) Stat(ctx context.Context, messageID string) (bool, error) { return true, nil }
func (f *fakeConn) GetSegmentStream(ctx context.Context, messageID string) (*yenc.Reader, error) {
	return nil, nil
}
func (f *fakeConn) GetSegmentHeader(ctx context.Context, messageID string) (yenc.Header, error) {
	return yenc.Header{}, nil
}
func (f *fakeConn) Release()               {}
func (f *fakeConn) Abort()                 { f.state = nntp.StateBroken }
func (f *fakeConn) State() nntp.State      { return f.state }
func (f *fakeConn) SetState(s nntp.State)  { f.state = s }
func (f *fakeConn) Close() error           { f.state = nntp.StateClosed; return nil }

func testServerConfig(maxConns int) config.ServerConfig {
	return config.ServerConfig{
		ID:             "srv-1",
		Host:           "news.example.com",
		Port:           563,
		MaxConnections: maxConns,
	}
}

func countingDialer() (DialFunc, *atomic.Int32) {
	var dials atomic.Int32
	return func(ctx context.Context, cfg config.ServerConfig) (Conn, error) {
		n := dials.Add(1)
		return &fakeConn{id: int(n)}, nil
	}, &dials
}

func TestBorrowReturnsReusesIdleConnections(t *testing.T) {
	dial, dials := countingDialer()
	p := NewServerPool(testServerConfig(2), dial)

	c1, err := p.Borrow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, nntp.StateInUse, c1.State())

	p.Return(c1, nil)

	c2, err := p.Borrow(context.Background())
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, int32(1), dials.Load())
}

func TestBorrowNeverExceedsCapacity(t *testing.T) {
	const capacity = 3
	dial, _ := countingDialer()
	p := NewServerPool(testServerConfig(capacity), dial)

	var inUse, maxInUse atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.Borrow(context.Background())
			if err != nil {
				return
			}
			cur := inUse.Add(1)
			for {
				prev := maxInUse.Load()
				if cur <= prev || maxInUse.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inUse.Add(-1)
			p.Return(c, nil)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxInUse.Load(), int32(capacity))
}

func TestBorrowBlocksUntilReturn(t *testing.T) {
	dial, _ := countingDialer()
	p := NewServerPool(testServerConfig(1), dial)

	c1, err := p.Borrow(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Borrow(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	p.Return(c1, nil)

	c2, err := p.Borrow(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, c2)
}

func TestBrokenConnectionIsReplacedNotReused(t *testing.T) {
	dial, dials := countingDialer()
	p := NewServerPool(testServerConfig(1), dial)

	c1, err := p.Borrow(context.Background())
	require.NoError(t, err)
	c1.SetState(nntp.StateBroken)
	p.Return(c1, nzberrors.New(nzberrors.KindTransient, "socket reset"))

	c2, err := p.Borrow(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	assert.Equal(t, int32(2), dials.Load())
}

func TestHealthSuccessResetsConsecutiveFailures(t *testing.T) {
	dial, _ := countingDialer()
	p := NewServerPool(testServerConfig(2), dial)

	p.RecordResult(nzberrors.New(nzberrors.KindTransient, "timeout"))
	p.RecordResult(nzberrors.New(nzberrors.KindTransient, "timeout"))
	h := p.HealthSnapshot()
	assert.Equal(t, 2, h.ConsecutiveFailures)
	assert.Equal(t, int64(2), h.TotalFailures)

	p.RecordResult(nil)
	h = p.HealthSnapshot()
	assert.Equal(t, 0, h.ConsecutiveFailures)
	assert.Equal(t, int64(1), h.TotalSuccesses)
	assert.Equal(t, int64(2), h.TotalFailures)
}

func TestNotFoundCountsAsSuccessPlusMissingArticle(t *testing.T) {
	dial, _ := countingDialer()
	p := NewServerPool(testServerConfig(2), dial)

	p.RecordResult(nzberrors.New(nzberrors.KindTransient, "timeout"))
	p.RecordResult(nzberrors.New(nzberrors.KindNotFound, "430"))

	h := p.HealthSnapshot()
	assert.Equal(t, 0, h.ConsecutiveFailures)
	assert.Equal(t, int64(1), h.TotalSuccesses)
	assert.Equal(t, int64(1), h.TotalArticlesNotFound)
	assert.True(t, h.Available)
}

func TestUnauthorizedDisablesServer(t *testing.T) {
	dial, _ := countingDialer()
	p := NewServerPool(testServerConfig(2), dial)

	p.RecordResult(nzberrors.New(nzberrors.KindUnauthorized, "481"))

	h := p.HealthSnapshot()
	assert.False(t, h.Available)
	assert.False(t, p.Usable())

	_, err := p.Borrow(context.Background())
	require.Error(t, err)
	assert.Equal(t, nzberrors.KindFatal, nzberrors.KindOf(err))
}

func TestCancelledResultDoesNotTouchCounters(t *testing.T) {
	dial, _ := countingDialer()
	p := NewServerPool(testServerConfig(2), dial)

	p.RecordResult(context.Canceled)

	h := p.HealthSnapshot()
	assert.Equal(t, 0, h.ConsecutiveFailures)
	assert.Equal(t, int64(0), h.TotalFailures)
	assert.Equal(t, int64(0), h.TotalSuccesses)
}

func TestManagerSortsPoolsByPriority(t *testing.T) {
	dial, _ := countingDialer()
	m := NewManager(dial)
	m.SetServers([]config.ServerConfig{
		{ID: "backup", Host: "b.example.com", Port: 119, MaxConnections: 1, Priority: 1},
		{ID: "main", Host: "a.example.com", Port: 119, MaxConnections: 1, Priority: 0},
	})

	pools := m.Pools()
	require.Len(t, pools, 2)
	assert.Equal(t, "main", pools[0].Config().ID)
	assert.Equal(t, "backup", pools[1].Config().ID)
}
