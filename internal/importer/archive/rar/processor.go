// Package rar analyzes RAR archives straight off Usenet: the central
// directory is walked through a usenet-backed filesystem and every stored
// entry is mapped onto per-volume segment byte ranges.
package rar

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/javi11/rardecode/v2"

	nzberrors "github.com/odz123/nzbdav/internal/errors"
	"github.com/odz123/nzbdav/internal/database"
	"github.com/odz123/nzbdav/internal/importer/parser"
	"github.com/odz123/nzbdav/internal/importer/archive"
	"github.com/odz123/nzbdav/internal/importer/filesystem"
)

var partNumberPattern = regexp.MustCompile(`(?i)\.part(\d+)\.rar$`)

// Processor analyzes one RAR group.
type Processor struct {
	client parser.SegmentClient
	log    *slog.Logger
}

// NewProcessor creates a RAR processor over the segment client.
func NewProcessor(client parser.SegmentClient) *Processor {
	return &Processor{
		client: client,
		log:    slog.Default().With("component", "rar-processor"),
	}
}

// Analyze walks the archive headers and returns the contained files with
// their segment mappings and, for encrypted archives, the derived AES
// parameters.
func (p *Processor) Analyze(ctx context.Context, files []parser.ParsedFile, password string) ([]archive.Content, error) {
	if len(files) == 0 {
		return nil, nil
	}

	ufs := filesystem.NewUsenetFileSystem(ctx, p.client, files)

	names := make([]string, 0, len(files))
	byName := make(map[string]*parser.ParsedFile, len(files))
	for i := range files {
		names = append(names, files[i].Filename)
		byName[files[i].Filename] = &files[i]
		byName[filepath.Base(files[i].Filename)] = &files[i]
	}

	main := firstRarPart(names)

	opts := []rardecode.Option{rardecode.FileSystem(ufs), rardecode.SkipCheck}
	if password != "" {
		opts = append(opts, rardecode.Password(password))
	}

	p.log.InfoContext(ctx, "Analyzing RAR archive", "main_file", main, "volumes", len(files))

	infos, err := rardecode.ListArchiveInfo(main, opts...)
	if err != nil {
		switch {
		case errors.Is(err, rardecode.ErrNoSig):
			return nil, nzberrors.Wrap(nzberrors.KindValidation, "not a RAR archive", err)
		case errors.Is(err, rardecode.ErrBadPassword):
			return nil, nzberrors.Wrap(nzberrors.KindValidation, "wrong RAR password", err)
		default:
			return nil, nzberrors.Wrap(nzberrors.KindValidation, "failed to read RAR archive headers", err)
		}
	}
	if len(infos) == 0 {
		return nil, nzberrors.New(nzberrors.KindValidation, "RAR archive contains no listable files")
	}

	out := make([]archive.Content, 0, len(infos))
	for _, info := range infos {
		if info.Compressed {
			return nil, nzberrors.New(nzberrors.KindValidation,
				"compressed RAR entries cannot be streamed: "+info.Name)
		}

		name := strings.ReplaceAll(info.Name, "\\", "/")
		content := archive.Content{
			InternalPath: name,
			Filename:     filepath.Base(name),
			Size:         info.TotalPackedSize,
		}

		var fileOffset int64
		for _, part := range info.Parts {
			if part.PackedSize <= 0 {
				continue
			}
			if len(part.AesKey) > 0 && content.AesKey == nil {
				content.AesKey = part.AesKey
				content.AesIV = part.AesIV
			}

			pf := byName[part.Path]
			if pf == nil {
				pf = byName[filepath.Base(part.Path)]
			}
			if pf == nil {
				return nil, nzberrors.New(nzberrors.KindValidation,
					"RAR volume not present in NZB: "+part.Path)
			}

			content.Parts = append(content.Parts, database.FilePart{
				Segments:     pf.SegmentRefs(),
				SegmentRange: database.ByteRange{Start: part.DataOffset, End: part.DataOffset + part.PackedSize},
				FileRange:    database.ByteRange{Start: fileOffset, End: fileOffset + part.PackedSize},
			})
			fileOffset += part.PackedSize
		}

		out = append(out, content)
	}

	return out, nil
}

// firstRarPart picks the volume the header walk starts from: a bare .rar
// beats .part01.rar beats .r00, ties broken lexicographically.
func firstRarPart(names []string) string {
	if len(names) == 1 {
		return names[0]
	}

	best := ""
	bestPriority := 99
	for _, name := range names {
		lower := strings.ToLower(name)
		priority := 99
		switch {
		case strings.HasSuffix(lower, ".rar") && !strings.Contains(lower, ".part"):
			priority = 1
		case partNumberPattern.MatchString(lower):
			if m := partNumberPattern.FindStringSubmatch(lower); m != nil && trimLeadingZeros(m[1]) == "1" {
				priority = 2
			}
		case strings.HasSuffix(lower, ".r00"):
			priority = 3
		}
		if priority < bestPriority || (priority == bestPriority && name < best) {
			best = name
			bestPriority = priority
		}
	}
	if best == "" {
		sorted := append([]string(nil), names...)
		sort.Strings(sorted)
		return sorted[0]
	}
	return best
}

func trimLeadingZeros(s string) string {
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" {
		return "0"
	}
	return trimmed
}
