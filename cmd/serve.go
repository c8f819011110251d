package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lumenvale/shuttercore/internal/cachestore"
	"github.com/lumenvale/shuttercore/internal/config"
	"github.com/lumenvale/shuttercore/internal/coordinator"
	"github.com/lumenvale/shuttercore/internal/events"
	"github.com/lumenvale/shuttercore/internal/facedetect"
	"github.com/lumenvale/shuttercore/internal/hashing"
	"github.com/lumenvale/shuttercore/internal/pipeline"
	"github.com/lumenvale/shuttercore/internal/ports/fsops"
	"github.com/lumenvale/shuttercore/internal/ports/sysclock"
	"github.com/lumenvale/shuttercore/internal/priority"
	"github.com/lumenvale/shuttercore/internal/rawdecode"
	"github.com/lumenvale/shuttercore/internal/thumbnail"
	transporthttp "github.com/lumenvale/shuttercore/internal/transport/http"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the preprocessing core and its HTTP transport",
	Long: `Start the cache store, worker pool, and coordinator, and expose them
over HTTP for status polling, event streaming, and path submission.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("face-detector-url", "", "Override the face detection service URL")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	detectorURL := mustGetString(cmd, "face-detector-url")

	fs := fsops.OS{}
	clock := sysclock.Wall{}
	bus := events.New()
	pi := priority.New()

	cache, err := cachestore.Open(cfg.Cache.Root, fs, clock, bus, pi, cachestore.Options{BudgetBytes: cfg.Cache.BudgetBytes})
	if err != nil {
		return fmt.Errorf("opening cache store: %w", err)
	}
	defer cache.Close()

	collabs := pipeline.Collaborators{
		Hasher:       hashing.New(fs),
		RawDecoder:   rawdecode.New(),
		FaceDetector: facedetect.New(detectorURL),
		Cropper:      thumbnail.New(),
		Clock:        clock,
		Fs:           fs,
	}

	coord, err := coordinator.New(cache, bus, pi, collabs, cfg.ToCoordinatorConfig())
	if err != nil {
		return fmt.Errorf("constructing coordinator: %w", err)
	}

	server := transporthttp.NewServer(coord, cfg.HTTP)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nshutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("error during shutdown: %v\n", err)
		}
	}()

	fmt.Printf("starting shuttercore on %s\n", cfg.HTTP.ListenAddr)
	fmt.Println("press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
