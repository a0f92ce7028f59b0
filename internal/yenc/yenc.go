// Package yenc implements streaming yEnc decoding for article bodies read
// off an NNTP connection. The header is parsed eagerly so callers know the
// part geometry (offset, size) before consuming any body bytes.
package yenc

import (
	"bufio"
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"strconv"
	"strings"

	nzberrors "github.com/odz123/nzbdav/internal/errors"
)

// Header carries the part geometry declared by the =ybegin/=ypart lines.
type Header struct {
	FileName   string
	PartNumber int
	PartOffset int64 // offset of this part's first byte within the whole file
	PartSize   int64 // decoded byte count of this part
	TotalSize  int64 // size of the whole file as declared by =ybegin
	CRC32      uint32
	HasCRC32   bool
}

// maxHeaderScan bounds how many non-yEnc lines are skipped before =ybegin.
// Some posters prepend blank lines or stray headers to the body.
const maxHeaderScan = 32

// Reader decodes a single yEnc part. It implements io.Reader over the
// decoded bytes and validates the =yend trailer on EOF.
type Reader struct {
	br      *bufio.Reader
	header  Header
	crc     uint32
	decoded int64
	line    []byte // undecoded remainder of the current data line
	escaped bool   // pending escape across a buffer boundary
	done    bool
	err     error
}

// NewReader parses the yEnc header from r and returns a Reader positioned at
// the first data byte. The input must already be dot-unstuffed.
func NewReader(r io.Reader) (*Reader, error) {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 32*1024)
	}

	h, err := parseHeader(br)
	if err != nil {
		return nil, err
	}

	return &Reader{br: br, header: *h}, nil
}

// Header returns the parsed part geometry.
func (d *Reader) Header() Header {
	return d.header
}

func parseHeader(br *bufio.Reader) (*Header, error) {
	var begin string
	for i := 0; i < maxHeaderScan; i++ {
		line, err := readLine(br)
		if err != nil {
			return nil, nzberrors.Wrap(nzberrors.KindProtocol, "yenc header read", err)
		}
		if strings.HasPrefix(line, "=ybegin ") {
			begin = line
			break
		}
	}
	if begin == "" {
		return nil, nzberrors.New(nzberrors.KindProtocol, "missing =ybegin line")
	}

	h := &Header{}
	fields := parseFields(strings.TrimPrefix(begin, "=ybegin "))
	h.FileName = fields["name"]
	h.TotalSize = parseInt(fields["size"])
	h.PartNumber = int(parseInt(fields["part"]))

	if h.PartNumber > 0 {
		part, err := readLine(br)
		if err != nil {
			return nil, nzberrors.Wrap(nzberrors.KindProtocol, "yenc part line read", err)
		}
		if !strings.HasPrefix(part, "=ypart ") {
			return nil, nzberrors.New(nzberrors.KindProtocol, "missing =ypart line after multi-part =ybegin")
		}
		pf := parseFields(strings.TrimPrefix(part, "=ypart "))
		partBegin := parseInt(pf["begin"])
		partEnd := parseInt(pf["end"])
		if partBegin < 1 || partEnd < partBegin {
			return nil, nzberrors.New(nzberrors.KindProtocol, "invalid =ypart range")
		}
		h.PartOffset = partBegin - 1
		h.PartSize = partEnd - partBegin + 1
	} else {
		h.PartOffset = 0
		h.PartSize = h.TotalSize
	}

	if h.PartSize <= 0 {
		return nil, nzberrors.New(nzberrors.KindProtocol, "yenc part declares no data")
	}

	return h, nil
}

// Read returns decoded body bytes. io.EOF is returned once the =yend
// trailer has been consumed and validated.
func (d *Reader) Read(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	if d.done {
		return 0, io.EOF
	}

	n := 0
	for n < len(p) {
		if len(d.line) == 0 {
			raw, err := readLineBytes(d.br)
			if err != nil {
				d.err = nzberrors.Wrap(nzberrors.KindProtocol, "yenc body read", err)
				if n > 0 {
					return n, nil
				}
				return 0, d.err
			}
			if bytes.HasPrefix(raw, []byte("=yend")) {
				if err := d.finish(string(raw)); err != nil {
					d.err = err
					return n, err
				}
				d.done = true
				if n > 0 {
					return n, nil
				}
				return 0, io.EOF
			}
			d.line = raw
		}

		m := d.decodeInto(p[n:])
		n += m
	}

	return n, nil
}

// decodeInto decodes as much of the pending line as fits into dst and
// returns the number of decoded bytes produced.
func (d *Reader) decodeInto(dst []byte) int {
	n := 0
	i := 0
	for i < len(d.line) && n < len(dst) {
		b := d.line[i]
		if d.escaped {
			dst[n] = b - 64 - 42
			d.escaped = false
			n++
			i++
			continue
		}
		if b == '=' {
			d.escaped = true
			i++
			continue
		}
		dst[n] = b - 42
		n++
		i++
	}
	d.line = d.line[i:]
	d.crc = crc32.Update(d.crc, crc32.IEEETable, dst[:n])
	d.decoded += int64(n)
	return n
}

func (d *Reader) finish(end string) error {
	fields := parseFields(strings.TrimPrefix(end, "=yend "))

	if size := parseInt(fields["size"]); size > 0 && size != d.decoded {
		return nzberrors.New(nzberrors.KindProtocol,
			fmt.Sprintf("yenc size mismatch: decoded %d, trailer declares %d", d.decoded, size))
	}

	crcField := fields["pcrc32"]
	if crcField == "" {
		crcField = fields["crc32"]
	}
	if crcField != "" {
		want, err := strconv.ParseUint(strings.TrimSpace(crcField), 16, 32)
		if err == nil {
			d.header.CRC32 = uint32(want)
			d.header.HasCRC32 = true
			if uint32(want) != d.crc {
				return nzberrors.New(nzberrors.KindProtocol,
					fmt.Sprintf("yenc crc mismatch: got %08x, want %08x", d.crc, uint32(want)))
			}
		}
	}

	return nil
}

func readLine(br *bufio.Reader) (string, error) {
	b, err := readLineBytes(br)
	return string(b), err
}

// readLineBytes returns one line without its trailing CR/LF. The returned
// slice is only valid until the next read.
func readLineBytes(br *bufio.Reader) ([]byte, error) {
	raw, err := br.ReadSlice('\n')
	if err != nil && err != bufio.ErrBufferFull {
		return nil, err
	}
	for len(raw) > 0 && (raw[len(raw)-1] == '\n' || raw[len(raw)-1] == '\r') {
		raw = raw[:len(raw)-1]
	}
	return raw, nil
}

// parseFields splits a "key=value key=value name=the rest" yEnc attribute
// list. The name attribute consumes the remainder of the line, spaces
// included.
func parseFields(s string) map[string]string {
	fields := make(map[string]string)
	for len(s) > 0 {
		s = strings.TrimLeft(s, " \t")
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			break
		}
		key := s[:eq]
		rest := s[eq+1:]
		if key == "name" {
			fields[key] = strings.TrimSpace(rest)
			break
		}
		sp := strings.IndexByte(rest, ' ')
		if sp < 0 {
			fields[key] = rest
			break
		}
		fields[key] = rest[:sp]
		s = rest[sp+1:]
	}
	return fields
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return v
}
