// Package nzbfilesystem maps byte ranges on virtual files to ordered
// segment reads. It serves the WebDAV adapter's readRange calls without
// ever materializing a file.
package nzbfilesystem

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/odz123/nzbdav/internal/database"
	nzberrors "github.com/odz123/nzbdav/internal/errors"
)

// OpenSegment fetches one decoded segment stream by message-id. The
// multi-server usenet client satisfies this.
type OpenSegment func(ctx context.Context, messageID string) (io.ReadCloser, error)

// VirtualFileReader turns (item, offset, length) requests into segment
// reads.
type VirtualFileReader struct {
	items *database.ItemRepository
	open  OpenSegment
	log   *slog.Logger
}

// NewVirtualFileReader creates a reader over the item store and segment
// client.
func NewVirtualFileReader(items *database.ItemRepository, open OpenSegment) *VirtualFileReader {
	return &VirtualFileReader{
		items: items,
		open:  open,
		log:   slog.Default().With("component", "virtual-file-reader"),
	}
}

// segmentRead is one step of a read plan: open a segment, skip a prefix,
// take a run of bytes.
type segmentRead struct {
	messageID string
	skip      int64
	take      int64
}

// ReadRange returns a stream of length bytes of the item's logical content
// starting at offset. The stream produces bytes in offset order; closing it
// early releases the in-flight connection.
func (r *VirtualFileReader) ReadRange(ctx context.Context, item *database.VirtualItem, offset, length int64) (io.ReadCloser, error) {
	if offset < 0 || length < 0 {
		return nil, nzberrors.New(nzberrors.KindValidation, "negative read range")
	}
	if offset >= item.Size || length == 0 {
		return io.NopCloser(&emptyReader{}), nil
	}
	if offset+length > item.Size {
		length = item.Size - offset
	}

	switch item.Type {
	case database.ItemTypeFile:
		segments, err := r.items.FileMeta(ctx, item.ID)
		if err != nil {
			return nil, err
		}
		if len(segments) == 0 {
			return nil, nzberrors.New(nzberrors.KindValidation, "file has no segment metadata: "+item.ID)
		}
		plan := planFileRead(segments, offset, length)
		return newPlanReader(ctx, r.open, plan), nil

	case database.ItemTypeMultipartFile:
		meta, err := r.items.MultipartMeta(ctx, item.ID)
		if err != nil {
			return nil, err
		}
		if meta == nil || len(meta.Parts) == 0 {
			return nil, nzberrors.New(nzberrors.KindValidation, "multipart file has no part metadata: "+item.ID)
		}
		if meta.AesParams != nil {
			return newAesReader(ctx, r, meta, offset, length)
		}
		plan := planMultipartRead(meta.Parts, offset, length)
		return newPlanReader(ctx, r.open, plan), nil

	default:
		return nil, nzberrors.New(nzberrors.KindValidation,
			fmt.Sprintf("item %s is not a readable file (type %s)", item.ID, item.Type))
	}
}

// planFileRead maps a range on a plain file onto its contiguous segments.
func planFileRead(segments database.SegmentRefs, offset, length int64) []segmentRead {
	var plan []segmentRead
	remaining := length

	for _, seg := range segments {
		if remaining <= 0 {
			break
		}
		segEnd := seg.Offset + seg.Size
		if segEnd <= offset {
			continue
		}

		skip := int64(0)
		if offset > seg.Offset {
			skip = offset - seg.Offset
		}
		take := seg.Size - skip
		if take > remaining {
			take = remaining
		}

		plan = append(plan, segmentRead{messageID: seg.MessageID, skip: skip, take: take})
		offset += take
		remaining -= take
	}

	return plan
}

// planMultipartRead maps a range on a multipart file onto the segment
// streams of its parts. Part segments use volume-relative offsets;
// SegmentRange selects the slice of the volume that contributes to the
// file.
func planMultipartRead(parts database.FileParts, offset, length int64) []segmentRead {
	var plan []segmentRead
	remaining := length

	for _, part := range parts {
		if remaining <= 0 {
			break
		}
		if part.FileRange.End <= offset {
			continue
		}

		// Position within this part's segment space.
		innerStart := part.SegmentRange.Start
		if offset > part.FileRange.Start {
			innerStart += offset - part.FileRange.Start
		}
		innerLen := part.FileRange.End - max64(offset, part.FileRange.Start)
		if innerLen > remaining {
			innerLen = remaining
		}

		sub := planFileRead(database.SegmentRefs(part.Segments), innerStart, innerLen)
		plan = append(plan, sub...)

		taken := innerLen
		offset += taken
		remaining -= taken
	}

	return plan
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// planReader lazily executes a read plan, opening one segment at a time.
type planReader struct {
	ctx  context.Context
	open OpenSegment
	plan []segmentRead

	current   io.ReadCloser
	remaining int64
	closed    bool
}

func newPlanReader(ctx context.Context, open OpenSegment, plan []segmentRead) *planReader {
	return &planReader{ctx: ctx, open: open, plan: plan}
}

func (p *planReader) Read(b []byte) (int, error) {
	if p.closed {
		return 0, io.ErrClosedPipe
	}

	for {
		if p.current == nil {
			if len(p.plan) == 0 {
				return 0, io.EOF
			}
			step := p.plan[0]
			p.plan = p.plan[1:]

			stream, err := p.openWithRetry(step.messageID)
			if err != nil {
				return 0, err
			}
			if step.skip > 0 {
				if _, err := io.CopyN(io.Discard, stream, step.skip); err != nil {
					_ = stream.Close()
					return 0, nzberrors.Wrap(nzberrors.KindProtocol, "segment shorter than expected", err)
				}
			}
			p.current = stream
			p.remaining = step.take
		}

		if p.remaining == 0 {
			_ = p.current.Close()
			p.current = nil
			continue
		}

		limit := int64(len(b))
		if limit > p.remaining {
			limit = p.remaining
		}
		n, err := p.current.Read(b[:limit])
		p.remaining -= int64(n)
		if err == io.EOF {
			if p.remaining > 0 {
				_ = p.current.Close()
				p.current = nil
				return n, nzberrors.New(nzberrors.KindProtocol, "segment ended before expected byte count")
			}
			_ = p.current.Close()
			p.current = nil
			err = nil
		}
		if n > 0 || err != nil {
			return n, err
		}
	}
}

// openWithRetry retries transient fetch failures with backoff before
// giving up on the read.
func (p *planReader) openWithRetry(messageID string) (io.ReadCloser, error) {
	return retry.DoWithData(
		func() (io.ReadCloser, error) {
			return p.open(p.ctx, messageID)
		},
		retry.Attempts(3),
		retry.Delay(50*time.Millisecond),
		retry.MaxDelay(2*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool {
			return nzberrors.KindOf(err) == nzberrors.KindTransient && p.ctx.Err() == nil
		}),
		retry.Context(p.ctx),
		retry.LastErrorOnly(true),
	)
}

func (p *planReader) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	if p.current != nil {
		err := p.current.Close()
		p.current = nil
		return err
	}
	return nil
}

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }
