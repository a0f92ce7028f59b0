// Package sevenzip analyzes 7z archives off Usenet and maps stored entries
// onto segment ranges of the concatenated volume stream.
package sevenzip

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/javi11/sevenzip"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	nzberrors "github.com/odz123/nzbdav/internal/errors"
	"github.com/odz123/nzbdav/internal/database"
	"github.com/odz123/nzbdav/internal/importer/parser"
	"github.com/odz123/nzbdav/internal/importer/archive"
	"github.com/odz123/nzbdav/internal/importer/filesystem"
)

const aesBlockSize = 16

var sevenZipPartNumber = regexp.MustCompile(`(?i)\.7z\.(\d+)$`)

// Processor analyzes one 7z group.
type Processor struct {
	client parser.SegmentClient
	log    *slog.Logger
}

// NewProcessor creates a 7z processor over the segment client.
func NewProcessor(client parser.SegmentClient) *Processor {
	return &Processor{
		client: client,
		log:    slog.Default().With("component", "7z-processor"),
	}
}

// Analyze opens the archive headers and returns the stored entries with
// their segment mappings.
func (p *Processor) Analyze(ctx context.Context, files []parser.ParsedFile, password string) ([]archive.Content, error) {
	if len(files) == 0 {
		return nil, nil
	}

	sorted := sortByPartNumber(files)
	ufs := filesystem.NewUsenetFileSystem(ctx, p.client, sorted)
	aferoFS := filesystem.NewAferoAdapter(ufs)

	main := sorted[0].Filename
	p.log.InfoContext(ctx, "Analyzing 7z archive", "main_file", main, "volumes", len(sorted))

	var (
		reader *sevenzip.ReadCloser
		err    error
	)
	if password != "" {
		reader, err = sevenzip.OpenReaderWithPassword(main, password, aferoFS)
	} else {
		reader, err = sevenzip.OpenReader(main, aferoFS)
	}
	if err != nil {
		return nil, nzberrors.Wrap(nzberrors.KindValidation, "failed to open 7z archive", err)
	}
	defer func() { _ = reader.Close() }()

	infos, err := reader.ListFilesWithOffsets()
	if err != nil {
		return nil, nzberrors.Wrap(nzberrors.KindValidation, "failed to list 7z entries", err)
	}

	// Entry offsets address the concatenated volume stream.
	globalSegments, totalSize := concatSegments(sorted)

	out := make([]archive.Content, 0, len(infos))
	for _, fi := range infos {
		if strings.HasSuffix(fi.Name, "/") || fi.Size == 0 {
			continue
		}
		if fi.Compressed {
			p.log.WarnContext(ctx, "Skipping compressed 7z entry", "path", fi.Name)
			continue
		}

		name := strings.ReplaceAll(fi.Name, "\\", "/")
		content := archive.Content{
			InternalPath: name,
			Filename:     filepath.Base(name),
			Size:         int64(fi.Size),
		}

		packedSize := int64(fi.Size)
		if fi.Encrypted && len(fi.AESIV) > 0 {
			if password == "" {
				return nil, nzberrors.New(nzberrors.KindValidation,
					"7z entry is encrypted and no password was provided: "+name)
			}
			key, err := deriveAESKey(password, fi)
			if err != nil {
				return nil, err
			}
			content.AesKey = key
			content.AesIV = fi.AESIV
			// Ciphertext is padded to whole AES blocks.
			if rem := packedSize % aesBlockSize; rem != 0 {
				packedSize += aesBlockSize - rem
			}
		}

		offset := int64(fi.Offset)
		if offset+packedSize > totalSize {
			return nil, nzberrors.New(nzberrors.KindValidation,
				"7z entry extends past the archive data: "+name)
		}

		content.Parts = database.FileParts{{
			Segments:     globalSegments,
			SegmentRange: database.ByteRange{Start: offset, End: offset + packedSize},
			FileRange:    database.ByteRange{Start: 0, End: packedSize},
		}}

		out = append(out, content)
	}

	if len(out) == 0 {
		return nil, nzberrors.New(nzberrors.KindValidation,
			"no streamable files found in 7z archive")
	}

	return out, nil
}

// concatSegments lays every volume's segments into one global coordinate
// space matching how 7z addresses multi-part archives.
func concatSegments(files []parser.ParsedFile) (database.SegmentRefs, int64) {
	var refs database.SegmentRefs
	var base int64
	for i := range files {
		for _, ref := range files[i].SegmentRefs() {
			refs = append(refs, database.SegmentRef{
				MessageID: ref.MessageID,
				Offset:    base + ref.Offset,
				Size:      ref.Size,
			})
		}
		base += files[i].Size
	}
	return refs, base
}

// sortByPartNumber orders .7z.001-style volumes numerically, leaving a
// plain .7z first.
func sortByPartNumber(files []parser.ParsedFile) []parser.ParsedFile {
	sorted := append([]parser.ParsedFile(nil), files...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return partNumber(sorted[i].Filename) < partNumber(sorted[j].Filename)
	})
	return sorted
}

func partNumber(name string) int {
	m := sevenZipPartNumber.FindStringSubmatch(name)
	if m == nil {
		return 0
	}
	n := 0
	for _, c := range m[1] {
		n = n*10 + int(c-'0')
	}
	return n
}

// deriveAESKey derives the AES key from the password with the 7-zip key
// derivation: SHA-256 rounds over salt + UTF-16LE password.
func deriveAESKey(password string, fi sevenzip.FileInfo) ([]byte, error) {
	b := bytes.NewBuffer(fi.AESSalt)

	utf16le := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	w := transform.NewWriter(b, utf16le.NewEncoder())
	if _, err := w.Write([]byte(password)); err != nil {
		return nil, nzberrors.Wrap(nzberrors.KindValidation, "failed to encode 7z password", err)
	}

	key := make([]byte, sha256.Size)
	if fi.KDFIterations == 0 {
		copy(key, b.Bytes())
		return key, nil
	}

	h := sha256.New()
	for i := uint64(0); i < uint64(fi.KDFIterations); i++ {
		h.Write(b.Bytes())
		_ = binary.Write(h, binary.LittleEndian, i)
	}
	copy(key, h.Sum(nil))
	return key, nil
}
