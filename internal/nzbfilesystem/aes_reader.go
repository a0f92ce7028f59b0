package nzbfilesystem

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"io"

	"github.com/odz123/nzbdav/internal/database"
	nzberrors "github.com/odz123/nzbdav/internal/errors"
)

// newAesReader serves a decoded range of an AES-CBC encrypted multipart
// file. Internally the read is widened to cipher block boundaries; seeking
// into the stream uses the preceding ciphertext block as IV, or the
// RAR-derived IV at position zero. Callers see a plain byte stream of
// exactly the requested range.
func newAesReader(ctx context.Context, r *VirtualFileReader, meta *database.MultipartMeta, offset, length int64) (io.ReadCloser, error) {
	block, err := aes.NewCipher(meta.AesParams.Key)
	if err != nil {
		return nil, nzberrors.Wrap(nzberrors.KindValidation, "invalid AES key", err)
	}
	bs := int64(block.BlockSize())

	alignedStart := offset - offset%bs
	discard := offset - alignedStart

	iv := make([]byte, bs)
	cipherStart := alignedStart
	if alignedStart >= bs {
		// CBC: the previous ciphertext block is the IV for this one.
		cipherStart = alignedStart - bs
	} else {
		copy(iv, meta.AesParams.IV)
	}

	// Widen to block-aligned cipher length, rounding the tail up.
	cipherLen := discard + length
	if rem := cipherLen % bs; rem != 0 {
		cipherLen += bs - rem
	}
	if cipherStart < alignedStart {
		cipherLen += bs
	}

	plan := planMultipartRead(meta.Parts, cipherStart, cipherLen)
	raw := newPlanReader(ctx, r.open, plan)

	ar := &aesReader{
		raw:     raw,
		block:   block,
		iv:      iv,
		ivFromStream: cipherStart < alignedStart,
		discard: discard,
		remaining: length,
	}
	return ar, nil
}

// aesReader decrypts an AES-CBC stream block by block, dropping the
// alignment prefix and truncating to the requested length.
type aesReader struct {
	raw   io.ReadCloser
	block cipher.Block
	mode  cipher.BlockMode
	iv    []byte

	ivFromStream bool
	discard      int64
	remaining    int64

	buf    []byte // decrypted bytes not yet delivered
	closed bool
}

func (a *aesReader) Read(b []byte) (int, error) {
	if a.closed {
		return 0, io.ErrClosedPipe
	}
	if a.remaining <= 0 {
		return 0, io.EOF
	}

	for len(a.buf) == 0 {
		if err := a.fill(); err != nil {
			return 0, err
		}
	}

	n := len(b)
	if int64(n) > a.remaining {
		n = int(a.remaining)
	}
	if n > len(a.buf) {
		n = len(a.buf)
	}
	copy(b, a.buf[:n])
	a.buf = a.buf[n:]
	a.remaining -= int64(n)
	return n, nil
}

// fill reads and decrypts the next run of cipher blocks.
func (a *aesReader) fill() error {
	bs := a.block.BlockSize()

	if a.mode == nil {
		if a.ivFromStream {
			if _, err := io.ReadFull(a.raw, a.iv); err != nil {
				return nzberrors.Wrap(nzberrors.KindProtocol, "short read on IV block", err)
			}
		}
		a.mode = cipher.NewCBCDecrypter(a.block, a.iv)
	}

	chunk := make([]byte, 64*bs)
	n, err := io.ReadFull(a.raw, chunk)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		n -= n % bs
		if n == 0 {
			return nzberrors.New(nzberrors.KindProtocol, "cipher stream ended before requested range")
		}
		err = nil
	}
	if err != nil {
		return err
	}

	chunk = chunk[:n]
	a.mode.CryptBlocks(chunk, chunk)

	if a.discard > 0 {
		drop := a.discard
		if drop > int64(len(chunk)) {
			drop = int64(len(chunk))
		}
		chunk = chunk[drop:]
		a.discard -= drop
	}
	a.buf = chunk
	return nil
}

func (a *aesReader) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	return a.raw.Close()
}
