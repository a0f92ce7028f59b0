package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Well-known item ids anchoring the virtual tree.
const (
	RootID        = "00000000-0000-0000-0000-000000000000"
	ContentDirID  = "00000000-0000-0000-0000-000000000001"
	SymlinksDirID = "00000000-0000-0000-0000-000000000002"
	IdsDirID      = "00000000-0000-0000-0000-000000000003"
)

// ItemType distinguishes the kinds of virtual tree entries.
type ItemType string

const (
	ItemTypeDir           ItemType = "dir"
	ItemTypeFile          ItemType = "file"
	ItemTypeMultipartFile ItemType = "multipartFile"
	ItemTypeSymlink       ItemType = "symlink"
)

// VirtualItem is one entry in the parent-child tree. Children are looked
// up by (parent_id, name), which is unique.
type VirtualItem struct {
	ID                string
	ParentID          string
	Name              string
	Type              ItemType
	Size              int64
	SymlinkTarget     string // target item id, set on symlink entries
	CreatedAt         time.Time
	ReleaseDate       *time.Time
	LastHealthCheckAt *time.Time
}

// IsDir reports whether the item can hold children.
func (v *VirtualItem) IsDir() bool {
	return v.Type == ItemTypeDir
}

// SegmentRef locates one article's contribution to a file: Offset is the
// position of the segment's first decoded byte within the file (or archive
// volume), Size its decoded byte count.
type SegmentRef struct {
	MessageID string `json:"id"`
	Offset    int64  `json:"offset"`
	Size      int64  `json:"size"`
}

// SegmentRefs is stored as a JSON column.
type SegmentRefs []SegmentRef

// Scan implements the sql.Scanner interface.
func (s *SegmentRefs) Scan(value any) error {
	return scanJSON(value, s)
}

// Value implements the driver.Valuer interface.
func (s SegmentRefs) Value() (driver.Value, error) {
	if len(s) == 0 {
		return nil, nil
	}
	return json.Marshal(s)
}

// ByteRange is a half-open [Start, End) range.
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Length returns the number of bytes covered.
func (r ByteRange) Length() int64 { return r.End - r.Start }

// Contains reports whether offset falls inside the range.
func (r ByteRange) Contains(offset int64) bool {
	return offset >= r.Start && offset < r.End
}

// FilePart maps one slice of a multipart virtual file onto a slice of the
// concatenated segment stream of one archive volume (for 7z, of all volumes
// concatenated). The two ranges always
// have equal length.
type FilePart struct {
	Segments     SegmentRefs `json:"segments"`
	SegmentRange ByteRange   `json:"segment_range"`
	FileRange    ByteRange   `json:"file_range"`
}

// FileParts is stored as a JSON column, ordered by FileRange.
type FileParts []FilePart

// Scan implements the sql.Scanner interface.
func (p *FileParts) Scan(value any) error {
	return scanJSON(value, p)
}

// Value implements the driver.Valuer interface.
func (p FileParts) Value() (driver.Value, error) {
	if len(p) == 0 {
		return nil, nil
	}
	return json.Marshal(p)
}

// AesParams carries the cipher material recovered from an encrypted RAR
// header. Key and IV are the RAR-derived AES-CBC inputs.
type AesParams struct {
	Key []byte `json:"key"`
	IV  []byte `json:"iv"`
}

// Scan implements the sql.Scanner interface.
func (a *AesParams) Scan(value any) error {
	if value == nil {
		*a = AesParams{}
		return nil
	}
	return scanJSON(value, a)
}

// Value implements the driver.Valuer interface.
func (a AesParams) Value() (driver.Value, error) {
	if len(a.Key) == 0 {
		return nil, nil
	}
	return json.Marshal(a)
}

// MultipartMeta describes how a multipartFile item maps onto segments.
type MultipartMeta struct {
	ItemID    string
	AesParams *AesParams
	Parts     FileParts
}

// QueuePriority orders queue items; higher is served first.
type QueuePriority int

const (
	PriorityLow    QueuePriority = -1
	PriorityNormal QueuePriority = 0
	PriorityHigh   QueuePriority = 1
	PriorityForce  QueuePriority = 2
)

// QueueItem is one pending NZB job.
type QueueItem struct {
	ID                string
	FileName          string
	JobName           string
	Category          string
	NzbContents       []byte
	Priority          QueuePriority
	PauseUntil        *time.Time
	TotalSegmentBytes int64
	CreatedAt         time.Time
}

// HistoryStatus is the terminal state of a job.
type HistoryStatus string

const (
	HistoryStatusCompleted HistoryStatus = "completed"
	HistoryStatusFailed    HistoryStatus = "failed"
)

// HistoryItem records a finished job. Its id equals the queue item id it
// replaced.
type HistoryItem struct {
	ID                  string
	JobName             string
	Category            string
	Status              HistoryStatus
	TotalSegmentBytes   int64
	DownloadTimeSeconds int64
	FailMessage         string
	DownloadDirID       string
	CreatedAt           time.Time
}

func scanJSON(value, dest any) error {
	if value == nil {
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("cannot scan non-text value into JSON column")
	}
	return json.Unmarshal(raw, dest)
}
