package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/odz123/nzbdav/internal/api"
	"github.com/odz123/nzbdav/internal/config"
	"github.com/odz123/nzbdav/internal/database"
	"github.com/odz123/nzbdav/internal/events"
	"github.com/odz123/nzbdav/internal/importer"
	"github.com/odz123/nzbdav/internal/importer/parser"
	"github.com/odz123/nzbdav/internal/nzbfilesystem"
	"github.com/odz123/nzbdav/internal/pool"
	"github.com/odz123/nzbdav/internal/queue"
	"github.com/odz123/nzbdav/internal/slogutil"
	"github.com/odz123/nzbdav/internal/usenet"
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the nzbdav server",
		Long:  "Start the SABnzbd-compatible API and the virtual filesystem backend using the YAML configuration.",
		RunE:  runServe,
	}

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	configManager, err := config.NewManager(configFile)
	if err != nil {
		slog.Default().Error("failed to load config", "err", err)
		return err
	}
	cfg := configManager.Get()

	log := slogutil.Setup(cfg.Log)
	log.Info("Starting nzbdav", "config", configFile)

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		log.Error("failed to open database", "err", err)
		return err
	}
	defer func() { _ = db.Close() }()

	// NNTP layer: per-server pools, multi-server client.
	poolManager := pool.NewManager(nil)
	poolManager.SetServers(cfg.Servers)
	defer poolManager.Close()

	configManager.OnChange(func(_, newCfg *config.Config) {
		poolManager.SetServers(newCfg.Servers)
	})

	client := usenet.NewClient(poolManager)
	segments := parser.ClientAdapter{Client: client}

	bus := events.NewBus(func(credential string) error {
		key := configManager.Get().API.Key
		if key != "" && credential != key {
			return fmt.Errorf("invalid subscription credential")
		}
		return nil
	})
	defer bus.Close()

	// Pipeline and queue worker.
	processor := importer.NewProcessor(segments, db, configManager.Getter())
	processor.SetEventBus(bus)
	queueManager := queue.NewManager(db, queueProcessor{processor}, bus)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queueManager.Start(ctx)
	defer queueManager.Stop()

	go publishConnectionState(ctx, poolManager, bus)

	// Read path for the WebDAV adapter and the streaming endpoint.
	reader := nzbfilesystem.NewVirtualFileReader(db.Items, func(ctx context.Context, messageID string) (io.ReadCloser, error) {
		return client.GetSegmentStream(ctx, messageID)
	})

	server := api.NewServer(db, queueManager, reader, bus, configManager.Getter())
	go func() {
		<-ctx.Done()
		_ = server.Shutdown()
	}()

	addr := fmt.Sprintf(":%d", configManager.Get().API.Port)
	log.Info("Serving", "addr", addr)
	if err := server.Listen(addr); err != nil && ctx.Err() == nil {
		return err
	}

	log.Info("Shutdown complete")
	return nil
}

// publishConnectionState feeds the cxs state topic: idle when no NNTP
// connection is lent out, max when every slot is taken, live otherwise.
func publishConnectionState(ctx context.Context, pools *pool.Manager, bus *events.Bus) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	last := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		inUse, capacity := 0, 0
		for _, p := range pools.Pools() {
			inUse += p.InUse()
			capacity += p.Capacity()
		}

		state := "live"
		switch {
		case inUse == 0:
			state = "idle"
		case capacity > 0 && inUse >= capacity:
			state = "max"
		}
		if state != last {
			last = state
			bus.Publish(events.TopicConnections, state)
		}
	}
}

// queueProcessor adapts the importer's progress callback signature to the
// queue manager interface.
type queueProcessor struct {
	p *importer.Processor
}

func (q queueProcessor) ProcessItem(ctx context.Context, item *database.QueueItem, progress func(int)) (string, error) {
	return q.p.ProcessItem(ctx, item, progress)
}
