package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var watchCmd = &cobra.Command{
	Use:   "watch <folder-path> [folder-path...]",
	Short: "Submit photos from one or more folders to a running shuttercore instance",
	Long: `Walk one or more folders for image and RAW files and submit them to a
running shuttercore instance's /api/v1/paths endpoint for processing.

By default, only files directly in the specified folders are submitted
(non-recursive). Use -r to search recursively in subdirectories.

Example:
  shuttercore watch /path/to/photos
  shuttercore watch -r /path/to/photos /path/to/other/photos`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolP("recursive", "r", false, "Search for photos recursively in subdirectories")
	watchCmd.Flags().String("addr", "http://localhost:8080", "Base URL of a running shuttercore instance")
	watchCmd.Flags().Int("batch-size", 50, "Number of paths submitted per request")
	watchCmd.Flags().Bool("force", false, "Bypass the coordinator's recently-terminal dedupe")
}

// isSubmittableFile reports whether name has a supported image or RAW
// extension. Mirrors the teacher's upload command's isImageFile, extended
// with the RAW extensions this core's pipeline treats specially.
func isSubmittableFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	supported := map[string]bool{
		".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
		".heic": true, ".heif": true, ".webp": true,
		".tiff": true, ".tif": true, ".bmp": true,
		".raw": true, ".cr2": true, ".nef": true, ".arw": true, ".dng": true,
	}
	return supported[ext]
}

func collectFiles(folderPaths []string, recursive bool) ([]string, error) {
	var filePaths []string
	for _, folderPath := range folderPaths {
		info, err := os.Stat(folderPath)
		if err != nil {
			return nil, fmt.Errorf("cannot access folder %s: %w", folderPath, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%s is not a directory", folderPath)
		}

		if recursive {
			err := filepath.WalkDir(folderPath, func(path string, d os.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if !d.IsDir() && isSubmittableFile(d.Name()) {
					filePaths = append(filePaths, path)
				}
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("cannot walk folder %s: %w", folderPath, err)
			}
			continue
		}

		entries, err := os.ReadDir(folderPath)
		if err != nil {
			return nil, fmt.Errorf("cannot read folder %s: %w", folderPath, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if isSubmittableFile(entry.Name()) {
				filePaths = append(filePaths, filepath.Join(folderPath, entry.Name()))
			}
		}
	}
	return filePaths, nil
}

type submitBatchRequest struct {
	Paths    []string `json:"paths"`
	Position string   `json:"position"`
	Force    bool     `json:"force"`
}

func submitBatch(client *http.Client, addr string, paths []string, force bool) error {
	body, err := json.Marshal(submitBatchRequest{Paths: paths, Position: "tail", Force: force})
	if err != nil {
		return fmt.Errorf("encoding batch: %w", err)
	}

	resp, err := client.Post(addr+"/api/v1/paths/", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("submitting batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("submit rejected (%d): %s", resp.StatusCode, respBody)
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	recursive := mustGetBool(cmd, "recursive")
	addr := mustGetString(cmd, "addr")
	batchSize := mustGetInt(cmd, "batch-size")
	force := mustGetBool(cmd, "force")

	filePaths, err := collectFiles(args, recursive)
	if err != nil {
		return err
	}
	if len(filePaths) == 0 {
		fmt.Println("no image or RAW files found in the specified folders.")
		return nil
	}
	fmt.Printf("found %d file(s) to submit from %d folder(s)\n", len(filePaths), len(args))

	client := &http.Client{Timeout: 30 * time.Second}

	bar := progressbar.NewOptions(len(filePaths),
		progressbar.OptionSetDescription("Submitting"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("files"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)

	var mu sync.Mutex
	var submitErrors []string

	g, gCtx := errgroup.WithContext(cmd.Context())
	g.SetLimit(4)

	for start := 0; start < len(filePaths); start += batchSize {
		end := min(start+batchSize, len(filePaths))
		batch := filePaths[start:end]

		g.Go(func() error {
			if gCtx.Err() != nil {
				return nil
			}
			if err := submitBatch(client, addr, batch, force); err != nil {
				mu.Lock()
				submitErrors = append(submitErrors, err.Error())
				mu.Unlock()
			}
			bar.Add(len(batch))
			return nil
		})
	}
	_ = g.Wait()
	fmt.Println()

	for _, errMsg := range submitErrors {
		fmt.Printf("batch failed: %s\n", errMsg)
	}
	if len(submitErrors) > 0 {
		return fmt.Errorf("%d of %d batches failed", len(submitErrors), (len(filePaths)+batchSize-1)/batchSize)
	}

	fmt.Printf("\nsubmitted %d file(s) to %s\n", len(filePaths), addr)
	return nil
}
