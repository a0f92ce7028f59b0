// Package api exposes the SABnzbd-compatible download-manager surface and
// the download-key-authenticated streaming endpoint. It is a thin adapter:
// all decisions live in the queue manager, the store and the virtual file
// reader.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/odz123/nzbdav/internal/config"
	"github.com/odz123/nzbdav/internal/database"
	nzberrors "github.com/odz123/nzbdav/internal/errors"
	"github.com/odz123/nzbdav/internal/events"
	"github.com/odz123/nzbdav/internal/importer/parser"
	"github.com/odz123/nzbdav/internal/nzbfilesystem"
	"github.com/odz123/nzbdav/internal/queue"
)

// sabHistoryLimit is the default history page size SABnzbd clients assume.
const sabHistoryLimit = 50

// Server wires the HTTP surface.
type Server struct {
	app          *fiber.App
	db           *database.DB
	queue        *queue.Manager
	reader       *nzbfilesystem.VirtualFileReader
	bus          *events.Bus
	configGetter config.ConfigGetter
	log          *slog.Logger
}

// NewServer builds the fiber app and its routes.
func NewServer(db *database.DB, qm *queue.Manager, reader *nzbfilesystem.VirtualFileReader, bus *events.Bus, configGetter config.ConfigGetter) *Server {
	s := &Server{
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			StreamRequestBody:     true,
		}),
		db:           db,
		queue:        qm,
		reader:       reader,
		bus:          bus,
		configGetter: configGetter,
		log:          slog.Default().With("component", "api"),
	}

	s.app.All("/api", s.handleSabApi)
	s.app.Get("/view/*", s.handleView)
	s.app.Get("/events", s.handleEvents)
	s.app.Get("/health", func(c *fiber.Ctx) error { return c.SendString("ok") })

	return s
}

// Listen serves until the listener fails or Shutdown is called.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// requireAPIKey checks the SABnzbd apikey parameter.
func (s *Server) requireAPIKey(c *fiber.Ctx) bool {
	cfg := s.configGetter()
	key := c.Query("apikey")
	if key == "" {
		key = c.FormValue("apikey")
	}
	return cfg.API.Key == "" || key == cfg.API.Key
}

// handleSabApi dispatches ?mode= the way SABnzbd does.
func (s *Server) handleSabApi(c *fiber.Ctx) error {
	if !s.requireAPIKey(c) {
		return c.Status(fiber.StatusUnauthorized).JSON(sabError("API Key Incorrect"))
	}

	switch c.Query("mode") {
	case "version":
		return c.JSON(fiber.Map{"version": sabVersion})
	case "addfile":
		return s.handleAddFile(c)
	case "queue":
		return s.handleQueue(c)
	case "history":
		return s.handleHistory(c)
	case "pause":
		s.queue.Pause()
		return c.JSON(SABnzbdResponse{Status: true})
	case "resume":
		s.queue.Resume()
		return c.JSON(SABnzbdResponse{Status: true})
	case "fullstatus":
		return c.JSON(fiber.Map{
			"status": fiber.Map{"version": sabVersion, "paused": s.queue.IsPaused()},
		})
	case "get_config":
		return s.handleGetConfig(c)
	default:
		return c.JSON(sabError("not implemented"))
	}
}

func sabError(msg string) SABnzbdResponse {
	return SABnzbdResponse{Status: false, Error: &msg}
}

// handleAddFile ingests an uploaded NZB: mode=addfile with a multipart
// file field, SABnzbd-style.
func (s *Server) handleAddFile(c *fiber.Ctx) error {
	fileHeader, err := c.FormFile("name")
	if err != nil {
		if fileHeader, err = c.FormFile("nzbfile"); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(sabError("no NZB file in request"))
		}
	}

	f, err := fileHeader.Open()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(sabError("unreadable NZB upload"))
	}
	defer func() { _ = f.Close() }()

	contents, err := io.ReadAll(f)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(sabError("unreadable NZB upload"))
	}

	// Validate before accepting; a malformed document fails fast.
	nzb, err := parser.ParseNzb(contents)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(sabError(err.Error()))
	}

	category := c.FormValue("cat")
	if category == "" || category == "*" {
		category = config.DefaultCategory
	}

	fileName := fileHeader.Filename
	if nzbName := c.FormValue("nzbname"); nzbName != "" {
		fileName = nzbName
		if !strings.HasSuffix(fileName, ".nzb") {
			fileName += ".nzb"
		}
	}

	item, err := s.queue.Enqueue(c.Context(), contents, fileName, category,
		parsePriority(c.FormValue("priority")), parser.TotalSegmentBytes(nzb))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(sabError(err.Error()))
	}

	return c.JSON(SABnzbdResponse{Status: true, NzoIDs: []string{item.ID}})
}

// handleQueue lists or mutates the queue (name=delete).
func (s *Server) handleQueue(c *fiber.Ctx) error {
	ctx := c.Context()

	if c.Query("name") == "delete" {
		ids := strings.Split(c.Query("value"), ",")
		if err := s.queue.RemoveItems(ctx, ids...); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(sabError(err.Error()))
		}
		return c.JSON(SABnzbdResponse{Status: true, NzoIDs: ids})
	}

	items, err := s.db.Queue.List(ctx)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(sabError(err.Error()))
	}

	inFlight, percent := s.queue.InProgress()

	slots := make([]SABnzbdQueueSlot, 0, len(items))
	var totalBytes int64
	for i, item := range items {
		p := 0
		active := false
		if inFlight != nil && inFlight.ID == item.ID {
			p = percent
			active = true
		}
		slots = append(slots, queueSlotFromItem(i, item, p, active))
		totalBytes += item.TotalSegmentBytes
	}

	status := "Idle"
	if s.queue.IsPaused() {
		status = "Paused"
	} else if inFlight != nil {
		status = "Downloading"
	}

	return c.JSON(SABnzbdQueueResponse{
		Status: true,
		Queue: SABnzbdQueueObject{
			Paused:    s.queue.IsPaused(),
			Slots:     slots,
			Noofslots: len(slots),
			Status:    status,
			Mb:        formatMB(totalBytes),
			Mbleft:    formatMB(totalBytes),
			Kbpersec:  "0.0",
			Speed:     "0 ",
			Version:   sabVersion,
		},
	})
}

// handleHistory lists or mutates history (name=delete).
func (s *Server) handleHistory(c *fiber.Ctx) error {
	ctx := c.Context()

	if c.Query("name") == "delete" {
		ids := strings.Split(c.Query("value"), ",")
		if err := s.db.History.Remove(ctx, ids...); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(sabError(err.Error()))
		}
		return c.JSON(SABnzbdResponse{Status: true})
	}

	start, _ := strconv.Atoi(c.Query("start", "0"))
	limit, _ := strconv.Atoi(c.Query("limit", "0"))
	if limit <= 0 {
		limit = sabHistoryLimit
	}
	if s.configGetter().API.IgnoreSabHistoryLimit {
		limit = 10000
	}

	items, err := s.db.History.List(ctx, start, limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(sabError(err.Error()))
	}

	slots := make([]SABnzbdHistorySlot, 0, len(items))
	for i, item := range items {
		slots = append(slots, historySlotFromItem(start+i, item))
	}

	return c.JSON(SABnzbdHistoryResponse{
		Status: true,
		History: SABnzbdHistoryObject{
			Paused:    s.queue.IsPaused(),
			Slots:     slots,
			Noofslots: len(slots),
			Version:   sabVersion,
		},
	})
}

// handleGetConfig returns the subset of config SAB clients read.
func (s *Server) handleGetConfig(c *fiber.Ctx) error {
	cfg := s.configGetter()
	categories := []fiber.Map{}
	for _, name := range []string{config.DefaultCategory, "movies", "tv"} {
		categories = append(categories, fiber.Map{"name": name, "dir": name})
	}
	return c.JSON(fiber.Map{
		"config": fiber.Map{
			"misc":       fiber.Map{"complete_dir": "/content", "history_limit": sabHistoryLimit},
			"categories": categories,
			"servers":    len(cfg.Servers),
		},
	})
}

// handleEvents streams bus messages as server-sent events. Topics are
// comma-separated short codes; state topics replay their last value first.
func (s *Server) handleEvents(c *fiber.Ctx) error {
	var topics []events.Topic
	for _, t := range strings.Split(c.Query("topics"), ",") {
		if t != "" {
			topics = append(topics, events.Topic(t))
		}
	}
	if len(topics) == 0 {
		return c.Status(fiber.StatusBadRequest).SendString("no topics requested")
	}

	sub, err := s.bus.Subscribe(c.Query("apikey"), topics...)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).SendString("invalid credential")
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer sub.Cancel()
		for msg := range sub.C {
			payload, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Topic, payload); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	})
	return nil
}

// handleView streams a virtual file. The path is signed with a download
// key; ranges map straight onto readRange.
func (s *Server) handleView(c *fiber.Ctx) error {
	cfg := s.configGetter()
	path := strings.TrimPrefix(c.Params("*"), "/")

	if !VerifyDownloadKey(path, c.Query("key"), cfg.API.Key, cfg.API.StrmKey) {
		return c.Status(fiber.StatusUnauthorized).SendString("invalid download key")
	}

	ctx := context.WithoutCancel(c.Context())

	item, err := s.resolveViewPath(ctx, path)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).SendString(err.Error())
	}
	if item == nil {
		return c.Status(fiber.StatusNotFound).SendString("not found")
	}

	offset, length, partial, err := parseRange(c.Get("Range"), item.Size)
	if err != nil {
		return c.Status(fiber.StatusRequestedRangeNotSatisfiable).SendString(err.Error())
	}

	stream, err := s.reader.ReadRange(ctx, item, offset, length)
	if err != nil {
		if nzberrors.Is(err, nzberrors.KindNotFound) {
			return c.Status(fiber.StatusBadGateway).SendString("articles no longer available")
		}
		return c.Status(fiber.StatusInternalServerError).SendString(err.Error())
	}

	c.Set("Accept-Ranges", "bytes")
	c.Set("Content-Type", "application/octet-stream")
	if partial {
		c.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, item.Size))
		c.Status(fiber.StatusPartialContent)
	}
	c.Set("Content-Length", strconv.FormatInt(length, 10))

	// fasthttp closes the stream after the response since it implements
	// io.Closer, returning the NNTP connection.
	return c.SendStream(stream, int(length))
}

// resolveViewPath resolves content paths and .ids/<id> shortcuts,
// following symlinks to their target items.
func (s *Server) resolveViewPath(ctx context.Context, path string) (*database.VirtualItem, error) {
	var item *database.VirtualItem
	var err error

	if id, ok := strings.CutPrefix(path, ".ids/"); ok {
		item, err = s.db.Items.Item(ctx, id)
	} else {
		item, err = s.db.Items.ResolvePath(ctx, path)
	}
	if err != nil || item == nil {
		return nil, err
	}

	if item.Type == database.ItemTypeSymlink && item.SymlinkTarget != "" {
		return s.db.Items.Item(ctx, item.SymlinkTarget)
	}
	return item, nil
}

// parseRange interprets a single bytes= range header against the item
// size.
func parseRange(header string, size int64) (offset, length int64, partial bool, err error) {
	if header == "" {
		return 0, size, false, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return 0, 0, false, fmt.Errorf("unsupported range %q", header)
	}

	startStr, endStr, _ := strings.Cut(spec, "-")
	if startStr == "" {
		// suffix form: last N bytes
		n, perr := strconv.ParseInt(endStr, 10, 64)
		if perr != nil || n <= 0 {
			return 0, 0, false, fmt.Errorf("invalid range %q", header)
		}
		if n > size {
			n = size
		}
		return size - n, n, true, nil
	}

	start, perr := strconv.ParseInt(startStr, 10, 64)
	if perr != nil || start < 0 || start >= size {
		return 0, 0, false, fmt.Errorf("invalid range %q", header)
	}
	end := size - 1
	if endStr != "" {
		if end, perr = strconv.ParseInt(endStr, 10, 64); perr != nil || end < start {
			return 0, 0, false, fmt.Errorf("invalid range %q", header)
		}
		if end >= size {
			end = size - 1
		}
	}
	return start, end - start + 1, true, nil
}
