package api

import (
	"fmt"
	"time"

	"github.com/odz123/nzbdav/internal/database"
)

// SABnzbd-compatible response structures. Field names and formats follow
// what SABnzbd clients (Sonarr, Radarr, NZB frontends) expect.

const sabVersion = "4.3.2"

// SABnzbdResponse is the generic envelope.
type SABnzbdResponse struct {
	Status  bool    `json:"status"`
	Version string  `json:"version,omitempty"`
	NzoIDs  []string `json:"nzo_ids,omitempty"`
	Error   *string `json:"error,omitempty"`
}

// SABnzbdQueueSlot is one pending job.
type SABnzbdQueueSlot struct {
	Index      int    `json:"index"`
	NzoID      string `json:"nzo_id"`
	Priority   string `json:"priority"`
	Filename   string `json:"filename"`
	Cat        string `json:"cat"`
	Percentage string `json:"percentage"`
	Status     string `json:"status"`
	Timeleft   string `json:"timeleft"`
	Size       string `json:"size"`
	Sizeleft   string `json:"sizeleft"`
	Mb         string `json:"mb"`
	Mbleft     string `json:"mbleft"`
}

// SABnzbdQueueObject is the nested queue body.
type SABnzbdQueueObject struct {
	Paused    bool               `json:"paused"`
	Slots     []SABnzbdQueueSlot `json:"slots"`
	Noofslots int                `json:"noofslots"`
	Status    string             `json:"status"`
	Mbleft    string             `json:"mbleft"`
	Mb        string             `json:"mb"`
	Kbpersec  string             `json:"kbpersec"`
	Speed     string             `json:"speed"`
	Version   string             `json:"version"`
}

// SABnzbdQueueResponse wraps the queue listing.
type SABnzbdQueueResponse struct {
	Status bool               `json:"status"`
	Queue  SABnzbdQueueObject `json:"queue"`
}

// SABnzbdHistorySlot is one finished job.
type SABnzbdHistorySlot struct {
	Index        int    `json:"index"`
	NzoID        string `json:"nzo_id"`
	Name         string `json:"name"`
	Category     string `json:"category"`
	Status       string `json:"status"`
	FailMessage  string `json:"fail_message"`
	Bytes        int64  `json:"bytes"`
	Size         string `json:"size"`
	Storage      string `json:"storage"`
	DownloadTime int64  `json:"download_time"`
	Completed    int64  `json:"completed"`
}

// SABnzbdHistoryObject is the nested history body.
type SABnzbdHistoryObject struct {
	Paused    bool                 `json:"paused"`
	Slots     []SABnzbdHistorySlot `json:"slots"`
	Noofslots int                  `json:"noofslots"`
	Version   string               `json:"version"`
}

// SABnzbdHistoryResponse wraps the history listing.
type SABnzbdHistoryResponse struct {
	Status  bool                 `json:"status"`
	History SABnzbdHistoryObject `json:"history"`
}

// formatMB renders bytes the way SABnzbd does: megabytes with two
// decimals.
func formatMB(bytes int64) string {
	return fmt.Sprintf("%.2f", float64(bytes)/1024/1024)
}

func queueSlotFromItem(index int, item *database.QueueItem, percent int, inFlight bool) SABnzbdQueueSlot {
	status := "Queued"
	if inFlight {
		status = "Downloading"
	} else if item.PauseUntil != nil && item.PauseUntil.After(time.Now()) {
		status = "Paused"
	}

	return SABnzbdQueueSlot{
		Index:      index,
		NzoID:      item.ID,
		Priority:   priorityName(item.Priority),
		Filename:   item.JobName,
		Cat:        item.Category,
		Percentage: fmt.Sprintf("%d", percent),
		Status:     status,
		Timeleft:   "0:00:00",
		Size:       formatMB(item.TotalSegmentBytes) + " MB",
		Sizeleft:   formatMB(item.TotalSegmentBytes * int64(100-min(percent, 100)) / 100) + " MB",
		Mb:         formatMB(item.TotalSegmentBytes),
		Mbleft:     formatMB(item.TotalSegmentBytes * int64(100-min(percent, 100)) / 100),
	}
}

func historySlotFromItem(index int, item *database.HistoryItem) SABnzbdHistorySlot {
	status := "Completed"
	if item.Status == database.HistoryStatusFailed {
		status = "Failed"
	}
	return SABnzbdHistorySlot{
		Index:        index,
		NzoID:        item.ID,
		Name:         item.JobName,
		Category:     item.Category,
		Status:       status,
		FailMessage:  item.FailMessage,
		Bytes:        item.TotalSegmentBytes,
		Size:         formatMB(item.TotalSegmentBytes) + " MB",
		Storage:      item.DownloadDirID,
		DownloadTime: item.DownloadTimeSeconds,
		Completed:    item.CreatedAt.Unix(),
	}
}

func priorityName(p database.QueuePriority) string {
	switch p {
	case database.PriorityLow:
		return "Low"
	case database.PriorityHigh:
		return "High"
	case database.PriorityForce:
		return "Force"
	default:
		return "Normal"
	}
}

func parsePriority(s string) database.QueuePriority {
	switch s {
	case "-1":
		return database.PriorityLow
	case "1":
		return database.PriorityHigh
	case "2":
		return database.PriorityForce
	default:
		return database.PriorityNormal
	}
}
