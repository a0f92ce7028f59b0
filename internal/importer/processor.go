// Package importer turns a queued NZB into virtual filesystem entries:
// parse, probe, recover real names from PAR2, classify, run the archive
// processors and aggregate the results into the item store.
package importer

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/odz123/nzbdav/internal/config"
	"github.com/odz123/nzbdav/internal/database"
	nzberrors "github.com/odz123/nzbdav/internal/errors"
	"github.com/odz123/nzbdav/internal/events"
	"github.com/odz123/nzbdav/internal/importer/archive"
	"github.com/odz123/nzbdav/internal/importer/parser"
	"github.com/odz123/nzbdav/internal/importer/archive/rar"
	"github.com/odz123/nzbdav/internal/importer/archive/sevenzip"
	"github.com/odz123/nzbdav/internal/slogutil"
	"github.com/odz123/nzbdav/internal/usenet"
	"golang.org/x/sync/errgroup"
)

// ProgressFunc receives pipeline progress in percent (0-100).
type ProgressFunc func(percent int)

// Processor runs the full NZB pipeline for one queue item.
type Processor struct {
	client       parser.SegmentClient
	nzbParser    *parser.Parser
	db           *database.DB
	configGetter config.ConfigGetter
	rar          *rar.Processor
	sevenZip     *sevenzip.Processor
	bus          *events.Bus
	log          *slog.Logger
}

// SetEventBus enables health-sweep progress publication on the hp/hs
// topics.
func (p *Processor) SetEventBus(bus *events.Bus) {
	p.bus = bus
}

// NewProcessor wires the pipeline.
func NewProcessor(client parser.SegmentClient, db *database.DB, configGetter config.ConfigGetter) *Processor {
	return &Processor{
		client:       client,
		nzbParser:    parser.NewParser(client),
		db:           db,
		configGetter: configGetter,
		rar:          rar.NewProcessor(client),
		sevenZip:     sevenzip.NewProcessor(client),
		log:          slog.Default().With("component", "importer"),
	}
}

// plannedItem is one virtual entry ready for aggregation.
type plannedItem struct {
	name      string
	itemType  database.ItemType
	size      int64
	segments  database.SegmentRefs
	multipart *database.MultipartMeta
	important bool
}

// segmentIDs lists the article ids backing this entry.
func (p *plannedItem) segmentIDs() []string {
	var ids []string
	for _, s := range p.segments {
		ids = append(ids, s.MessageID)
	}
	if p.multipart != nil {
		seen := make(map[string]bool)
		for _, part := range p.multipart.Parts {
			for _, s := range part.Segments {
				if !seen[s.MessageID] {
					seen[s.MessageID] = true
					ids = append(ids, s.MessageID)
				}
			}
		}
	}
	return ids
}

// ProcessItem runs the pipeline steps for one queue item and returns the id
// of the created job directory. Transient failures bubble up for the queue
// manager to defer; everything else is definitive.
func (p *Processor) ProcessItem(ctx context.Context, item *database.QueueItem, progress ProgressFunc) (string, error) {
	if progress == nil {
		progress = func(int) {}
	}
	cfg := p.configGetter()
	ctx = slogutil.With(ctx, "queue_id", item.ID, "job", item.JobName)

	// Step 1: duplicate policy for the mount folder.
	jobName, overwriteID, err := p.resolveJobName(ctx, cfg, item)
	if err != nil {
		return "", err
	}

	nzb, err := parser.ParseNzb(item.NzbContents)
	if err != nil {
		return "", err
	}
	progress(5)

	// Steps 2-3: probe first segments within the pipeline's connection
	// share; live reads keep the remainder.
	parsed, err := p.nzbParser.Probe(ctx, nzb, cfg.Import.MaxQueueConnections)
	if err != nil {
		return "", err
	}
	progress(40)

	// Step 4: PAR2 descriptors override obfuscated identities.
	if err := p.nzbParser.ApplyPar2Descriptors(ctx, parsed); err != nil {
		p.log.WarnContext(ctx, "PAR2 descriptor pass failed, keeping yEnc names", "error", err)
	}
	progress(45)

	// Steps 5-6: classification and per-group processing.
	planned, err := p.processGroups(ctx, parsed)
	if err != nil {
		return "", err
	}
	if len(planned) == 0 {
		return "", nzberrors.New(nzberrors.KindValidation, "NZB produced no usable files")
	}
	progress(70)

	// Step 7: optional full-health sweep over important articles.
	checked := false
	if cfg.Import.EnsureArticleExistence {
		if err := p.healthSweep(ctx, cfg, planned, func(f float64) {
			progress(70 + int(f*20))
		}); err != nil {
			return "", err
		}
		checked = true
	}
	progress(90)

	// Step 8: atomic aggregation.
	dirID, err := p.aggregate(ctx, cfg, item, jobName, overwriteID, planned, checked)
	if err != nil {
		return "", err
	}
	progress(100)

	return dirID, nil
}

// resolveJobName applies the duplicate policy to the target mount folder.
// It returns the name to use and, for overwrite, the id of the directory to
// replace.
func (p *Processor) resolveJobName(ctx context.Context, cfg *config.Config, item *database.QueueItem) (string, string, error) {
	category := item.Category
	if category == "" {
		category = config.DefaultCategory
	}

	categoryDir, err := p.db.Items.Lookup(ctx, database.ContentDirID, category)
	if err != nil {
		return "", "", err
	}
	if categoryDir == nil {
		return item.JobName, "", nil
	}

	existing, err := p.db.Items.Lookup(ctx, categoryDir.ID, item.JobName)
	if err != nil {
		return "", "", err
	}
	if existing == nil {
		return item.JobName, "", nil
	}

	switch cfg.Import.DuplicateNzbBehavior {
	case config.DuplicateMarkFailed:
		return "", "", nzberrors.New(nzberrors.KindConflict,
			fmt.Sprintf("job %q already exists in category %q", item.JobName, category))
	case config.DuplicateOverwrite:
		return item.JobName, existing.ID, nil
	default: // increment
		name, err := p.db.Items.UniqueChildName(ctx, categoryDir.ID, item.JobName)
		if err != nil {
			return "", "", err
		}
		return name, "", nil
	}
}

// processGroups dispatches each classification group to its processor. The
// two archive analyzers run concurrently; either failing fails the step.
func (p *Processor) processGroups(ctx context.Context, parsed *parser.ParsedNzb) ([]plannedItem, error) {
	groups := GroupByKind(parsed.Files)

	var rarPlanned, szPlanned []plannedItem

	g, gctx := errgroup.WithContext(ctx)
	if rarFiles := groups[KindRar]; len(rarFiles) > 0 {
		g.Go(func() error {
			contents, err := p.rar.Analyze(gctx, rarFiles, parsed.Password)
			if err != nil {
				return err
			}
			rarPlanned = contentsToPlanned(contents)
			return nil
		})
	}
	if szFiles := groups[KindSevenZip]; len(szFiles) > 0 {
		g.Go(func() error {
			contents, err := p.sevenZip.Analyze(gctx, szFiles, parsed.Password)
			if err != nil {
				return err
			}
			szPlanned = contentsToPlanned(contents)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	planned := append(rarPlanned, szPlanned...)

	if mkvParts := groups[KindMultipartMkv]; len(mkvParts) > 0 {
		planned = append(planned, joinMultipartMkv(mkvParts)...)
	}

	for _, f := range groups[KindOther] {
		planned = append(planned, plannedItem{
			name:      f.Filename,
			itemType:  database.ItemTypeFile,
			size:      f.Size,
			segments:  f.SegmentRefs(),
			important: IsImportableVideo(f.Filename),
		})
	}

	return planned, nil
}

func contentsToPlanned(contents []archive.Content) []plannedItem {
	out := make([]plannedItem, 0, len(contents))
	for _, c := range contents {
		item := plannedItem{
			name:      c.Filename,
			itemType:  database.ItemTypeMultipartFile,
			size:      c.Size,
			important: true,
			multipart: &database.MultipartMeta{Parts: c.Parts},
		}
		if len(c.AesKey) > 0 {
			item.multipart.AesParams = &database.AesParams{Key: c.AesKey, IV: c.AesIV}
		}
		out = append(out, item)
	}
	return out
}

var mkvPartSuffix = regexp.MustCompile(`(?i)\.(\d{3})$`)

// joinMultipartMkv concatenates .mkv.001..N groups into one virtual file
// per base name.
func joinMultipartMkv(files []parser.ParsedFile) []plannedItem {
	byBase := make(map[string][]parser.ParsedFile)
	for _, f := range files {
		base := mkvPartSuffix.ReplaceAllString(f.Filename, "")
		byBase[base] = append(byBase[base], f)
	}

	var out []plannedItem
	for base, parts := range byBase {
		sort.SliceStable(parts, func(i, j int) bool { return parts[i].Filename < parts[j].Filename })

		meta := &database.MultipartMeta{}
		var offset int64
		for _, part := range parts {
			meta.Parts = append(meta.Parts, database.FilePart{
				Segments:     part.SegmentRefs(),
				SegmentRange: database.ByteRange{Start: 0, End: part.Size},
				FileRange:    database.ByteRange{Start: offset, End: offset + part.Size},
			})
			offset += part.Size
		}

		out = append(out, plannedItem{
			name:      base,
			itemType:  database.ItemTypeMultipartFile,
			size:      offset,
			multipart: meta,
			important: true,
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// healthSweep samples the important articles. A confirmed miss is escalated
// to Transient so the job is deferred rather than failed: a lagging server
// may still catch up.
func (p *Processor) healthSweep(ctx context.Context, cfg *config.Config, planned []plannedItem, progress func(float64)) error {
	var ids []string
	seen := make(map[string]bool)
	for i := range planned {
		if !planned[i].important {
			continue
		}
		for _, id := range planned[i].segmentIDs() {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}

	var hp *events.Debouncer
	if p.bus != nil {
		hp = events.NewDebouncer(p.bus, events.TopicHealthProgress)
		defer hp.Stop()
		p.bus.Publish(events.TopicHealthStatus, "checking")
	}

	result, err := p.client.CheckSegments(ctx, ids, usenet.CheckOptions{
		Concurrency:  cfg.Import.MaxQueueConnections,
		SamplingRate: cfg.Import.HealthCheckSamplingRate,
		MinSamples:   cfg.Import.MinHealthCheckSegments,
		Progress: func(f float64) {
			if hp != nil {
				hp.Publish(fmt.Sprintf("%.2f", f), f >= 1)
			}
			progress(f)
		},
	})
	if err != nil {
		return err
	}
	if len(result.Missing) > 0 {
		if p.bus != nil {
			p.bus.Publish(events.TopicHealthStatus, "missing")
		}
		return nzberrors.New(nzberrors.KindTransient,
			fmt.Sprintf("%d of %d checked articles missing (first: %s)",
				len(result.Missing), result.Checked, result.Missing[0]))
	}
	if p.bus != nil {
		p.bus.Publish(events.TopicHealthStatus, "ok")
	}
	return nil
}

// obfuscatedName matches release-tool gibberish: long runs of hex or
// base64-ish characters with no spaces.
var obfuscatedName = regexp.MustCompile(`^[A-Za-z0-9+_\-.]{20,}$`)

func looksObfuscated(name, jobName string) bool {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if strings.EqualFold(base, jobName) {
		return false
	}
	return !strings.Contains(base, " ") && obfuscatedName.MatchString(base) &&
		!strings.EqualFold(base, strings.ReplaceAll(jobName, " ", "."))
}

// aggregate inserts the job's virtual items in one transaction. A job
// cancellation before commit leaves no trace.
func (p *Processor) aggregate(ctx context.Context, cfg *config.Config, item *database.QueueItem, jobName, overwriteID string, planned []plannedItem, healthChecked bool) (string, error) {
	category := item.Category
	if category == "" {
		category = config.DefaultCategory
	}

	tx, err := p.db.Conn().BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	items := p.db.Items.WithTx(tx)

	if overwriteID != "" {
		if err := items.Delete(ctx, overwriteID); err != nil {
			return "", err
		}
	}

	categoryDir, err := items.EnsureDir(ctx, database.ContentDirID, category)
	if err != nil {
		return "", err
	}
	jobDir := &database.VirtualItem{ParentID: categoryDir.ID, Name: jobName, Type: database.ItemTypeDir}
	if err := items.Insert(ctx, jobDir); err != nil {
		return "", err
	}

	// Post-processing: blacklist drop, obfuscated single-file rename, name
	// dedup, importable-video enforcement.
	kept := make([]plannedItem, 0, len(planned))
	for _, pi := range planned {
		if cfg.IsBlacklistedExtension(pi.name) {
			p.log.DebugContext(ctx, "Dropping blacklisted file", "name", pi.name)
			continue
		}
		kept = append(kept, pi)
	}
	if len(kept) == 0 {
		return "", nzberrors.New(nzberrors.KindValidation, "all files were filtered out")
	}

	if len(kept) == 1 && looksObfuscated(kept[0].name, jobName) {
		ext := filepath.Ext(kept[0].name)
		p.log.InfoContext(ctx, "Renaming obfuscated file to job name", "from", kept[0].name, "to", jobName+ext)
		kept[0].name = jobName + ext
	}

	if cfg.Import.EnsureImportableVideo {
		hasVideo := false
		for _, pi := range kept {
			if IsImportableVideo(pi.name) {
				hasVideo = true
				break
			}
		}
		if !hasVideo {
			return "", nzberrors.New(nzberrors.KindValidation, "no importable video file in job")
		}
	}

	usedNames := make(map[string]int)
	var healthCheckedIDs []string
	var videoItems []*database.VirtualItem

	for _, pi := range kept {
		name := pi.name
		if n := usedNames[strings.ToLower(name)]; n > 0 {
			name = fmt.Sprintf("%s (%d)", pi.name, n+1)
		}
		usedNames[strings.ToLower(pi.name)]++

		entry := &database.VirtualItem{
			ParentID: jobDir.ID,
			Name:     name,
			Type:     pi.itemType,
			Size:     pi.size,
		}
		if err := items.Insert(ctx, entry); err != nil {
			return "", err
		}

		switch pi.itemType {
		case database.ItemTypeFile:
			if err := items.SetFileMeta(ctx, entry.ID, pi.segments); err != nil {
				return "", err
			}
		case database.ItemTypeMultipartFile:
			pi.multipart.ItemID = entry.ID
			if err := items.SetMultipartMeta(ctx, pi.multipart); err != nil {
				return "", err
			}
		}

		if healthChecked && pi.important {
			healthCheckedIDs = append(healthCheckedIDs, entry.ID)
		}
		if IsImportableVideo(name) {
			videoItems = append(videoItems, entry)
		}
	}

	if len(healthCheckedIDs) > 0 {
		if err := items.MarkHealthChecked(ctx, healthCheckedIDs); err != nil {
			return "", err
		}
	}

	// Import surface: .strm pointers (or symlinks) mirroring the videos.
	if len(videoItems) > 0 {
		if err := p.emitImportLinks(ctx, items, cfg, category, jobName, videoItems); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return jobDir.ID, nil
}

// emitImportLinks creates the symlinks/{category}/{job} entries library
// importers pick up. With the strm strategy the adapter serves these as
// .strm documents carrying the download-key URL of the target item.
func (p *Processor) emitImportLinks(ctx context.Context, items *database.ItemRepository, cfg *config.Config, category, jobName string, videos []*database.VirtualItem) error {
	categoryDir, err := items.EnsureDir(ctx, database.SymlinksDirID, category)
	if err != nil {
		return err
	}
	jobDir, err := items.EnsureDir(ctx, categoryDir.ID, jobName)
	if err != nil {
		return err
	}

	for _, video := range videos {
		name := video.Name
		if cfg.Import.ImportStrategy == config.ImportStrategyStrm {
			name = strings.TrimSuffix(video.Name, filepath.Ext(video.Name)) + ".strm"
		}
		link := &database.VirtualItem{
			ParentID:      jobDir.ID,
			Name:          name,
			Type:          database.ItemTypeSymlink,
			Size:          video.Size,
			SymlinkTarget: video.ID,
		}
		if err := items.Insert(ctx, link); err != nil {
			return err
		}
	}
	return nil
}
