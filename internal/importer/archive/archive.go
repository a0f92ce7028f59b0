// Package archive holds the shared result type the RAR and 7z analyzers
// produce for the aggregation step.
package archive

import "github.com/odz123/nzbdav/internal/database"

// Content is one file found inside an archive, mapped onto the segment
// streams of the archive's volumes without extraction.
type Content struct {
	// InternalPath is the path inside the archive, slash-normalized.
	InternalPath string
	// Filename is the base name used for the virtual item.
	Filename string
	// Size is the decoded size exposed to readers.
	Size int64
	// AesKey and AesIV are set for encrypted entries; the packed ranges
	// then cover the padded ciphertext.
	AesKey []byte
	AesIV  []byte
	// Parts maps the file onto volume segment ranges, in order.
	Parts database.FileParts
}
