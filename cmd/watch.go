package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/deskwire/deskwire/internal/config"
	"github.com/deskwire/deskwire/internal/dependency"
	"github.com/deskwire/deskwire/internal/realtime"
)

var (
	watchRooms  []string
	watchEvents []string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect, join rooms and print routed events",
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().StringArrayVarP(&watchRooms, "room", "r", nil, "Room to join (repeatable, added to config rooms)")
	watchCmd.Flags().StringArrayVarP(&watchEvents, "event", "e", nil, "Event name to print (repeatable)")
}

// printer serializes event lines; listeners run on transport goroutines.
type printer struct {
	mu sync.Mutex
}

func (p *printer) print(event string, payload any) {
	if err, ok := payload.(error); ok {
		payload = err.Error()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(fmt.Sprintf("%q", fmt.Sprint(payload)))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Printf("%s %-16s %s\n", time.Now().Format(time.TimeOnly), event, data)
}

func runWatch(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	rooms := append(append([]string{}, cfg.Rooms...), watchRooms...)
	if len(rooms) == 0 {
		fmt.Println("Warning: no rooms configured; only connection events will be shown")
	}

	c, err := dependency.New(cfg, slog.Default(), nil)
	if err != nil {
		return err
	}
	client := c.Client()

	out := &printer{}
	for _, ev := range []string{realtime.EventConnected, realtime.EventDisconnected, realtime.EventError} {
		client.On(ev, func(p any) { out.print(ev, p) })
	}
	for _, ev := range watchEvents {
		client.On(ev, func(p any) { out.print(ev, p) })
	}
	for _, room := range rooms {
		client.Join(room)
	}

	// Graceful shutdown context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("%s Connecting to %s as tenant %s...\n", logo, c.Transport().URL(), cfg.Identity.Tenant)
	if _, err := client.Connect(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Report.Enabled {
		g.Go(func() error { return c.Reporter().Start(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return client.Dispose()
	})

	fmt.Printf("%s Watching %d room(s). Press Ctrl+C to stop.\n", logo, len(rooms))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "watch error: %v\n", err)
		return err
	}
	fmt.Println("\nShutdown complete.")
	return nil
}
