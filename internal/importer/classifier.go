package importer

import (
	"bytes"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/odz123/nzbdav/internal/importer/parser"
)

// FileKind groups resolved files for processing.
type FileKind int

const (
	KindOther FileKind = iota
	KindRar
	KindSevenZip
	KindMultipartMkv
	KindPar2
)

var (
	// .r00 style split volumes (.partNN.rar volumes match the .rar suffix).
	rarVolumePattern = regexp.MustCompile(`(?i)\.r\d{2,3}$`)
	// numbered multipart pieces: .mkv.001, .mkv.002 ...
	mkvPartPattern = regexp.MustCompile(`(?i)\.mkv\.\d{3}$`)
	// numbered 7z pieces: .7z.001 ...
	sevenZipPartPattern = regexp.MustCompile(`(?i)\.7z\.\d{3}$`)
)

// rarMagic is the RAR4/RAR5 signature prefix "Rar!".
var rarMagic = []byte{0x52, 0x61, 0x72, 0x21}

// sevenZipMagic is the 7z signature "7z\xBC\xAF\x27\x1C".
var sevenZipMagic = []byte{0x37, 0x7A, 0xBC, 0xAF, 0x27, 0x1C}

// Classify determines how a resolved file is processed, combining filename
// heuristics with the archive markers found in the probed payload.
func Classify(f *parser.ParsedFile) FileKind {
	name := strings.ToLower(f.Filename)

	switch {
	case strings.HasSuffix(name, ".par2"):
		return KindPar2
	case mkvPartPattern.MatchString(name):
		return KindMultipartMkv
	case sevenZipPartPattern.MatchString(name), strings.HasSuffix(name, ".7z"):
		return KindSevenZip
	case strings.HasSuffix(name, ".rar"), rarVolumePattern.MatchString(name):
		return KindRar
	}

	// Obfuscated names: fall back to content sniffing.
	switch {
	case bytes.HasPrefix(f.RawBytes, rarMagic):
		return KindRar
	case bytes.HasPrefix(f.RawBytes, sevenZipMagic):
		return KindSevenZip
	}

	return KindOther
}

// GroupByKind buckets the files, dropping PAR2 volumes: their job is done
// once the descriptor pass ran.
func GroupByKind(files []parser.ParsedFile) map[FileKind][]parser.ParsedFile {
	groups := make(map[FileKind][]parser.ParsedFile)
	for _, f := range files {
		kind := Classify(&f)
		if kind == KindPar2 {
			continue
		}
		groups[kind] = append(groups[kind], f)
	}
	return groups
}

// importableVideoExtensions are the container formats library importers
// accept.
var importableVideoExtensions = map[string]bool{
	".mkv": true, ".mp4": true, ".avi": true, ".m4v": true,
	".ts": true, ".wmv": true, ".mov": true, ".webm": true,
}

// IsImportableVideo reports whether a filename looks like a playable video.
func IsImportableVideo(name string) bool {
	return importableVideoExtensions[strings.ToLower(filepath.Ext(name))]
}
