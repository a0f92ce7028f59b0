// Package parser resolves NZB documents: XML parsing, the first-segment
// probe that yields each file's real identity, and the PAR2 descriptor pass
// that rescues obfuscated names.
package parser

import (
	"bytes"
	"context"
	"crypto/md5"
	"io"
	"log/slog"
	"sort"

	"github.com/javi11/nzbparser"
	"github.com/sourcegraph/conc/pool"

	"github.com/odz123/nzbdav/internal/database"
	nzberrors "github.com/odz123/nzbdav/internal/errors"
	"github.com/odz123/nzbdav/internal/importer/par2"
	"github.com/odz123/nzbdav/internal/usenet"
	"github.com/odz123/nzbdav/internal/yenc"
)

// probeBytes is how much decoded payload the first-segment probe keeps for
// archive detection and PAR2 16KB hashing.
const probeBytes = 16 * 1024

// SegmentClient is the slice of the multi-server client the pipeline
// needs.
type SegmentClient interface {
	OpenSegment(ctx context.Context, messageID string) (yenc.Header, io.ReadCloser, error)
	SegmentHeader(ctx context.Context, messageID string) (yenc.Header, error)
	CheckSegments(ctx context.Context, messageIDs []string, opts usenet.CheckOptions) (*usenet.CheckResult, error)
}

// ClientAdapter adapts *usenet.Client to SegmentClient.
type ClientAdapter struct {
	Client *usenet.Client
}

func (a ClientAdapter) OpenSegment(ctx context.Context, messageID string) (yenc.Header, io.ReadCloser, error) {
	stream, err := a.Client.GetSegmentStream(ctx, messageID)
	if err != nil {
		return yenc.Header{}, nil, err
	}
	return stream.Header, stream, nil
}

func (a ClientAdapter) SegmentHeader(ctx context.Context, messageID string) (yenc.Header, error) {
	return a.Client.GetSegmentHeader(ctx, messageID)
}

func (a ClientAdapter) CheckSegments(ctx context.Context, messageIDs []string, opts usenet.CheckOptions) (*usenet.CheckResult, error) {
	return a.Client.CheckAllSegments(ctx, messageIDs, opts)
}

// ParsedFile is one NZB file with its resolved identity.
type ParsedFile struct {
	File          *nzbparser.NzbFile
	Filename      string // resolved: yEnc name, overridden by PAR2 when matched
	Size          int64  // resolved total size
	FirstPartSize int64  // decoded size of the first segment
	RawBytes      []byte // first decoded bytes, for archive/PAR2 detection
	Hash16k       [16]byte
}

// SegmentRefs returns the decoded placement of the file's segments: every
// part but the last carries the probed first-part size, the last takes the
// remainder.
func (f *ParsedFile) SegmentRefs() database.SegmentRefs {
	segments := f.File.Segments
	sort.SliceStable(segments, func(a, b int) bool { return segments[a].Number < segments[b].Number })

	refs := make(database.SegmentRefs, 0, len(segments))
	var offset int64
	for idx, seg := range segments {
		size := f.FirstPartSize
		if idx == len(segments)-1 && f.Size > 0 {
			size = f.Size - offset
		}
		if size <= 0 {
			size = int64(seg.Bytes)
		}
		refs = append(refs, database.SegmentRef{MessageID: seg.ID, Offset: offset, Size: size})
		offset += size
	}
	return refs
}

// SegmentIDs returns the message-ids of the file in part order.
func (f *ParsedFile) SegmentIDs() []string {
	ids := make([]string, 0, len(f.File.Segments))
	for _, seg := range f.File.Segments {
		ids = append(ids, seg.ID)
	}
	return ids
}

// ParsedNzb is the outcome of parsing plus probing one NZB document.
type ParsedNzb struct {
	Password string
	Files    []ParsedFile
}

// TotalSegmentBytes sums the poster-declared segment sizes.
func TotalSegmentBytes(n *nzbparser.Nzb) int64 {
	var total int64
	for _, f := range n.Files {
		for _, seg := range f.Segments {
			total += int64(seg.Bytes)
		}
	}
	return total
}

// Parser resolves NZB documents against the article fleet.
type Parser struct {
	client SegmentClient
	log    *slog.Logger
}

// NewParser creates a parser over the segment client.
func NewParser(client SegmentClient) *Parser {
	return &Parser{
		client: client,
		log:    slog.Default().With("component", "nzb-parser"),
	}
}

// ParseNzb validates the XML document; an NZB with no files is a validation
// failure. Files without segments are kept here and dropped by Probe.
func ParseNzb(contents []byte) (*nzbparser.Nzb, error) {
	n, err := nzbparser.Parse(bytes.NewReader(contents))
	if err != nil {
		return nil, nzberrors.Wrap(nzberrors.KindValidation, "failed to parse NZB XML", err)
	}
	if len(n.Files) == 0 {
		return nil, nzberrors.New(nzberrors.KindValidation, "NZB contains no files")
	}
	return n, nil
}

// Probe fetches the first segment of every file, yielding the yEnc-declared
// filename and size plus the leading payload bytes. Parallelism is bounded
// by concurrency, the pipeline's connection share.
func (p *Parser) Probe(ctx context.Context, n *nzbparser.Nzb, concurrency int) (*ParsedNzb, error) {
	if concurrency < 1 {
		concurrency = 1
	}

	parsed := &ParsedNzb{}
	if n.Meta != nil {
		parsed.Password = n.Meta["password"]
	}

	files := make([]*nzbparser.NzbFile, 0, len(n.Files))
	for i := range n.Files {
		if len(n.Files[i].Segments) > 0 {
			files = append(files, &n.Files[i])
		}
	}
	if len(files) == 0 {
		return nil, nzberrors.New(nzberrors.KindValidation, "NZB contains no files with segments")
	}

	results := make([]ParsedFile, len(files))
	wp := pool.New().WithMaxGoroutines(concurrency).WithContext(ctx).WithCancelOnError()
	for i, f := range files {
		idx, file := i, f
		wp.Go(func(ctx context.Context) error {
			pf, err := p.probeFile(ctx, file)
			if err != nil {
				return err
			}
			results[idx] = *pf
			return nil
		})
	}
	if err := wp.Wait(); err != nil {
		return nil, err
	}

	parsed.Files = results
	return parsed, nil
}

func (p *Parser) probeFile(ctx context.Context, file *nzbparser.NzbFile) (*ParsedFile, error) {
	first := file.Segments[0].ID

	header, body, err := p.client.OpenSegment(ctx, first)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	raw := make([]byte, probeBytes)
	nr, err := io.ReadFull(body, raw)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	raw = raw[:nr]

	name := header.FileName
	if name == "" {
		name = file.Filename
	}

	return &ParsedFile{
		File:          file,
		Filename:      name,
		Size:          header.TotalSize,
		FirstPartSize: header.PartSize,
		RawBytes:      raw,
		Hash16k:       md5.Sum(raw),
	}, nil
}

// ApplyPar2Descriptors reads the PAR2 index file (the smallest file whose
// payload starts with the PAR2 signature) and overrides obfuscated
// filenames and sizes with the descriptor metadata. Files matched purely by
// their 16KB hash.
func (p *Parser) ApplyPar2Descriptors(ctx context.Context, parsed *ParsedNzb) error {
	var index *ParsedFile
	for i := range parsed.Files {
		f := &parsed.Files[i]
		if !par2.HasMagicBytes(f.RawBytes) {
			continue
		}
		if index == nil || len(f.File.Segments) < len(index.File.Segments) {
			index = f
		}
	}
	if index == nil {
		return nil
	}

	descriptors, err := p.readPar2Index(ctx, index)
	if err != nil {
		return err
	}
	if len(descriptors) == 0 {
		return nil
	}

	for i := range parsed.Files {
		f := &parsed.Files[i]
		if desc, ok := descriptors[f.Hash16k]; ok {
			p.log.DebugContext(ctx, "PAR2 descriptor matched",
				"posted_name", f.Filename, "real_name", desc.Name)
			f.Filename = desc.Name
			f.Size = int64(desc.Length)
		}
	}
	return nil
}

// readPar2Index streams the PAR2 index file's segments in order.
func (p *Parser) readPar2Index(ctx context.Context, index *ParsedFile) (map[[16]byte]*par2.FileDescriptor, error) {
	segments := index.File.Segments
	sort.SliceStable(segments, func(i, j int) bool { return segments[i].Number < segments[j].Number })

	readers := make([]io.Reader, 0, len(segments)+1)
	readers = append(readers, bytes.NewReader(index.RawBytes))

	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	// The probe already holds the head of the first segment; stream the
	// remainder lazily.
	if int64(len(index.RawBytes)) < index.FirstPartSize {
		readers = append(readers, &lazySegment{ctx: ctx, client: p.client, id: segments[0].ID, skip: int64(len(index.RawBytes)), closers: &closers})
	}
	for i := 1; i < len(segments); i++ {
		readers = append(readers, &lazySegment{ctx: ctx, client: p.client, id: segments[i].ID, closers: &closers})
	}

	return par2.ReadFileDescriptors(io.MultiReader(readers...))
}

// lazySegment opens its article on first read so unread tail segments of a
// PAR2 index cost nothing.
type lazySegment struct {
	ctx     context.Context
	client  SegmentClient
	id      string
	skip    int64
	closers *[]io.Closer

	r io.ReadCloser
}

func (l *lazySegment) Read(b []byte) (int, error) {
	if l.r == nil {
		_, body, err := l.client.OpenSegment(l.ctx, l.id)
		if err != nil {
			return 0, err
		}
		if l.skip > 0 {
			if _, err := io.CopyN(io.Discard, body, l.skip); err != nil {
				_ = body.Close()
				return 0, err
			}
		}
		l.r = body
		*l.closers = append(*l.closers, body)
	}
	return l.r.Read(b)
}
