package importer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odz123/nzbdav/internal/config"
	"github.com/odz123/nzbdav/internal/database"
	"github.com/odz123/nzbdav/internal/importer/parser"
	nzberrors "github.com/odz123/nzbdav/internal/errors"
	"github.com/odz123/nzbdav/internal/usenet"
	"github.com/odz123/nzbdav/internal/yenc"
)

// fakeSegment is one article served by the fake client.
type fakeSegment struct {
	header  yenc.Header
	payload []byte
}

// fakeClient implements SegmentClient from a map of message-ids.
type fakeClient struct {
	segments map[string]fakeSegment
	missing  map[string]bool
}

func (f *fakeClient) OpenSegment(ctx context.Context, messageID string) (yenc.Header, io.ReadCloser, error) {
	seg, ok := f.segments[messageID]
	if !ok {
		return yenc.Header{}, nil, nzberrors.New(nzberrors.KindNotFound, "article not found: "+messageID)
	}
	return seg.header, io.NopCloser(bytes.NewReader(seg.payload)), nil
}

func (f *fakeClient) SegmentHeader(ctx context.Context, messageID string) (yenc.Header, error) {
	h, body, err := f.OpenSegment(ctx, messageID)
	if err != nil {
		return yenc.Header{}, err
	}
	_ = body.Close()
	return h, nil
}

func (f *fakeClient) CheckSegments(ctx context.Context, ids []string, opts usenet.CheckOptions) (*usenet.CheckResult, error) {
	res := &usenet.CheckResult{Checked: len(ids)}
	for _, id := range ids {
		if f.missing[id] {
			res.Missing = append(res.Missing, id)
		}
	}
	return res, nil
}

// addPlainFile registers a single-segment file with the fake client and
// returns the NZB <file> element for it.
func addPlainFile(f *fakeClient, msgID, name string, payload []byte) string {
	f.segments[msgID] = fakeSegment{
		header: yenc.Header{
			FileName:  name,
			PartSize:  int64(len(payload)),
			TotalSize: int64(len(payload)),
		},
		payload: payload,
	}
	return fmt.Sprintf(`<file poster="tester" date="1700000000" subject="&quot;%s&quot; yEnc (1/1)">
		<groups><group>alt.binaries.test</group></groups>
		<segments><segment bytes="%d" number="1">%s</segment></segments>
	</file>`, name, len(payload), msgID)
}

func nzbDoc(files ...string) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	buf.WriteString(`<nzb xmlns="http://www.newzbin.com/DTD/2003/nzb">` + "\n")
	for _, f := range files {
		buf.WriteString(f)
		buf.WriteString("\n")
	}
	buf.WriteString(`</nzb>`)
	return buf.Bytes()
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Import.EnsureArticleExistence = false
	cfg.Import.EnsureImportableVideo = false
	return cfg
}

func newTestProcessor(t *testing.T, client parser.SegmentClient, cfg *config.Config) (*Processor, *database.DB) {
	t.Helper()
	db, err := database.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewProcessor(client, db, func() *config.Config { return cfg }), db
}

func queueItem(job string) *database.QueueItem {
	return &database.QueueItem{
		ID:       "q-" + job,
		FileName: job + ".nzb",
		JobName:  job,
		Category: "movies",
	}
}

func TestProcessItemCreatesMountFolder(t *testing.T) {
	client := &fakeClient{segments: map[string]fakeSegment{}}
	payload := make([]byte, 256)
	fileXML := addPlainFile(client, "seg-1@post", "My.Movie.mkv", payload)

	p, db := newTestProcessor(t, client, testConfig())
	ctx := context.Background()

	item := queueItem("Movie")
	item.NzbContents = nzbDoc(fileXML)

	dirID, err := p.ProcessItem(ctx, item, nil)
	require.NoError(t, err)
	require.NotEmpty(t, dirID)

	dir, err := db.Items.ResolvePath(ctx, "content/movies/Movie")
	require.NoError(t, err)
	require.NotNil(t, dir)
	assert.Equal(t, dirID, dir.ID)

	children, err := db.Items.Children(ctx, dir.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "My.Movie.mkv", children[0].Name)
	assert.Equal(t, int64(256), children[0].Size)

	meta, err := db.Items.FileMeta(ctx, children[0].ID)
	require.NoError(t, err)
	require.Len(t, meta, 1)
	assert.Equal(t, "seg-1@post", meta[0].MessageID)
}

func TestProcessItemDuplicateIncrement(t *testing.T) {
	client := &fakeClient{segments: map[string]fakeSegment{}}
	fileXML := addPlainFile(client, "seg-a@post", "Movie.mkv", make([]byte, 64))

	cfg := testConfig()
	cfg.Import.DuplicateNzbBehavior = config.DuplicateIncrement
	p, db := newTestProcessor(t, client, cfg)
	ctx := context.Background()

	first := queueItem("Movie")
	first.NzbContents = nzbDoc(fileXML)
	_, err := p.ProcessItem(ctx, first, nil)
	require.NoError(t, err)

	second := queueItem("Movie")
	second.ID = "q-Movie-2"
	second.NzbContents = nzbDoc(fileXML)
	_, err = p.ProcessItem(ctx, second, nil)
	require.NoError(t, err)

	one, err := db.Items.ResolvePath(ctx, "content/movies/Movie")
	require.NoError(t, err)
	assert.NotNil(t, one)
	two, err := db.Items.ResolvePath(ctx, "content/movies/Movie (2)")
	require.NoError(t, err)
	assert.NotNil(t, two)
}

func TestProcessItemDuplicateMarkFailed(t *testing.T) {
	client := &fakeClient{segments: map[string]fakeSegment{}}
	fileXML := addPlainFile(client, "seg-b@post", "Movie.mkv", make([]byte, 64))

	cfg := testConfig()
	cfg.Import.DuplicateNzbBehavior = config.DuplicateMarkFailed
	p, _ := newTestProcessor(t, client, cfg)
	ctx := context.Background()

	first := queueItem("Movie")
	first.NzbContents = nzbDoc(fileXML)
	_, err := p.ProcessItem(ctx, first, nil)
	require.NoError(t, err)

	second := queueItem("Movie")
	second.NzbContents = nzbDoc(fileXML)
	_, err = p.ProcessItem(ctx, second, nil)
	require.Error(t, err)
	assert.Equal(t, nzberrors.KindConflict, nzberrors.KindOf(err))
}

func TestProcessItemHealthSweepMissingArticleIsRetryable(t *testing.T) {
	client := &fakeClient{
		segments: map[string]fakeSegment{},
		missing:  map[string]bool{"seg-c@post": true},
	}
	fileXML := addPlainFile(client, "seg-c@post", "Movie.mkv", make([]byte, 64))

	cfg := testConfig()
	cfg.Import.EnsureArticleExistence = true
	p, db := newTestProcessor(t, client, cfg)
	ctx := context.Background()

	item := queueItem("Gone")
	item.NzbContents = nzbDoc(fileXML)

	_, err := p.ProcessItem(ctx, item, nil)
	require.Error(t, err)
	assert.True(t, nzberrors.IsRetryable(err), "missing important article must defer, not fail")

	// Nothing staged: the sweep runs before aggregation.
	dir, err := db.Items.ResolvePath(ctx, "content/movies/Gone")
	require.NoError(t, err)
	assert.Nil(t, dir)
}

func TestProcessItemEnsureImportableVideo(t *testing.T) {
	client := &fakeClient{segments: map[string]fakeSegment{}}
	fileXML := addPlainFile(client, "seg-d@post", "readme.txt", make([]byte, 32))

	cfg := testConfig()
	cfg.Import.EnsureImportableVideo = true
	p, _ := newTestProcessor(t, client, cfg)
	ctx := context.Background()

	item := queueItem("NoVideo")
	item.NzbContents = nzbDoc(fileXML)

	_, err := p.ProcessItem(ctx, item, nil)
	require.Error(t, err)
	assert.Equal(t, nzberrors.KindValidation, nzberrors.KindOf(err))
	assert.False(t, nzberrors.IsRetryable(err))
}

func TestProcessItemBlacklistAndDedup(t *testing.T) {
	client := &fakeClient{segments: map[string]fakeSegment{}}
	a := addPlainFile(client, "seg-e@post", "file.mkv", make([]byte, 10))
	b := addPlainFile(client, "seg-f@post", "virus.exe", make([]byte, 10))

	p, db := newTestProcessor(t, client, testConfig())
	ctx := context.Background()

	item := queueItem("Mixed")
	item.NzbContents = nzbDoc(a, b)

	dirID, err := p.ProcessItem(ctx, item, nil)
	require.NoError(t, err)

	children, err := db.Items.Children(ctx, dirID)
	require.NoError(t, err)
	require.Len(t, children, 1, "blacklisted extension must be dropped")
	assert.Equal(t, "file.mkv", children[0].Name)
}

func TestProcessItemMultipartMkvJoin(t *testing.T) {
	client := &fakeClient{segments: map[string]fakeSegment{}}
	p1 := addPlainFile(client, "seg-g@post", "show.mkv.001", make([]byte, 100))
	p2 := addPlainFile(client, "seg-h@post", "show.mkv.002", make([]byte, 80))

	p, db := newTestProcessor(t, client, testConfig())
	ctx := context.Background()

	item := queueItem("Show")
	item.NzbContents = nzbDoc(p1, p2)

	dirID, err := p.ProcessItem(ctx, item, nil)
	require.NoError(t, err)

	children, err := db.Items.Children(ctx, dirID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "show.mkv", children[0].Name)
	assert.Equal(t, database.ItemTypeMultipartFile, children[0].Type)
	assert.Equal(t, int64(180), children[0].Size)

	meta, err := db.Items.MultipartMeta(ctx, children[0].ID)
	require.NoError(t, err)
	require.NotNil(t, meta)
	require.Len(t, meta.Parts, 2)
	assert.Equal(t, int64(0), meta.Parts[0].FileRange.Start)
	assert.Equal(t, int64(100), meta.Parts[0].FileRange.End)
	assert.Equal(t, int64(100), meta.Parts[1].FileRange.Start)
	assert.Equal(t, int64(180), meta.Parts[1].FileRange.End)
}

func TestProcessItemEmitsImportLinks(t *testing.T) {
	client := &fakeClient{segments: map[string]fakeSegment{}}
	fileXML := addPlainFile(client, "seg-i@post", "Feature.mkv", make([]byte, 64))

	cfg := testConfig()
	cfg.Import.ImportStrategy = config.ImportStrategyStrm
	p, db := newTestProcessor(t, client, cfg)
	ctx := context.Background()

	item := queueItem("Linked")
	item.NzbContents = nzbDoc(fileXML)

	_, err := p.ProcessItem(ctx, item, nil)
	require.NoError(t, err)

	link, err := db.Items.ResolvePath(ctx, "symlinks/movies/Linked/Feature.strm")
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.Equal(t, database.ItemTypeSymlink, link.Type)

	target, err := db.Items.Item(ctx, link.SymlinkTarget)
	require.NoError(t, err)
	require.NotNil(t, target)
	assert.Equal(t, "Feature.mkv", target.Name)
}
