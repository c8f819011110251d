package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "shuttercore",
	Short: "A preprocessing and cache coordination core for photo pipelines",
	Long: `shuttercore hashes, decodes, face-detects, and thumbnails photos through
a bounded worker pool, caching completed work by content digest and
applying rolling-window backpressure so a slow consumer never lets
unconsumed results grow without bound.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
