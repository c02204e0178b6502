// Package main provides the index CLI for the medical assistant knowledge base.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/bull/medassist/internal/app"
	"github.com/bull/medassist/internal/config"
	"github.com/bull/medassist/internal/ingest"
)

var (
	configPath string
	onlyKind   string
)

var rootCmd = &cobra.Command{
	Use:   "medassist-index",
	Short: "Medical knowledge base indexing tool",
	Long:  "CLI tool for building and inspecting the text and image indexes used by the medical assistant",
}

var buildCmd = &cobra.Command{
	Use:   "build [dir]",
	Short: "Rebuild the indexes from a data directory",
	Long: `Rebuilds the text and image indexes from the files in dir
(default: data_dir from the configuration).

This command:
1. Extracts text from every PDF and Markdown note and splits it into chunks
2. Embeds the chunks and publishes the text index
3. Embeds every PNG and JPEG image and publishes the image index

A failed text build does not prevent the image build. The previous index
stays in place until a new one is fully written.

Environment variables:
  OPENAI_API_KEY  OpenAI API key for embeddings (required)
  CLIP_BASE_URL   Image embedding service URL
  INDEX_BACKEND   file or qdrant (default: file)
  QDRANT_HOST     Qdrant hostname when INDEX_BACKEND=qdrant`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBuild,
}

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download source documents from GitHub into the data directory",
	Long: `Mirrors the configured GitHub source (source.owner, source.repo,
source.path) into data_dir. Unchanged files are skipped and files removed
upstream are deleted locally.

Environment variables:
  GITHUB_TOKEN  GitHub token for higher rate limits (optional)`,
	RunE: runFetch,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of both indexes",
	RunE:  runStatus,
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write the effective configuration as YAML",
	RunE:  runInitConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: "+config.DefaultPath+")")
	buildCmd.Flags().StringVar(&onlyKind, "only", "", "build a single index: text or image")
	rootCmd.AddCommand(buildCmd, fetchCmd, statusCmd, initConfigCmd)
}

func main() {
	// Load .env file if present (local development), ignore if missing (production)
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("Failed to load config: %w", err)
	}
	a, err := app.Open(ctx, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("Failed to initialize: %w", err)
	}
	return a, nil
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	start := time.Now()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	dir := a.Config.DataDir
	if len(args) == 1 {
		dir = args[0]
	}

	fmt.Printf("Building indexes from %s...\n", dir)
	fmt.Println()

	pipeline := a.Pipeline()
	var (
		reports  []*ingest.BuildReport
		buildErr error
	)
	switch onlyKind {
	case "":
		reports, buildErr = pipeline.BuildAll(ctx, dir)
	case "text", "image":
		var r *ingest.BuildReport
		if onlyKind == "text" {
			r, buildErr = pipeline.BuildTextIndex(ctx, dir)
		} else {
			r, buildErr = pipeline.BuildImageIndex(ctx, dir)
		}
		if r != nil {
			reports = append(reports, r)
		}
	default:
		return fmt.Errorf("--only must be text or image, got %q", onlyKind)
	}

	for _, r := range reports {
		printReport(r)
	}

	fmt.Println()
	fmt.Printf("Total time: %s\n", time.Since(start).Round(time.Second))

	if buildErr != nil {
		return fmt.Errorf("Build failed: %w", buildErr)
	}
	return nil
}

func printReport(r *ingest.BuildReport) {
	fmt.Printf("%s index:\n", r.Kind)
	fmt.Printf("  Files: %d/%d\n", r.IndexedFiles, r.TotalFiles)
	fmt.Printf("  Items: %d\n", r.TotalItems)
	fmt.Printf("  Written: %t\n", r.Written)
	fmt.Printf("  Duration: %s\n", r.Duration.Round(time.Millisecond))

	if len(r.Failed) > 0 {
		fmt.Println("  Failed files:")
		for _, failed := range r.Failed {
			fmt.Printf("    - %s: %s\n", failed.Path, failed.Reason)
		}
	}
	if len(r.Warnings) > 0 {
		fmt.Println("  Warnings:")
		for _, w := range r.Warnings {
			fmt.Printf("    - %s\n", w)
		}
	}
	fmt.Println()
}

func runFetch(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	fetcher, err := a.Fetcher(os.Getenv("GITHUB_TOKEN"))
	if err != nil {
		return err
	}
	if fetcher == nil {
		return errors.New("no source repository configured (set source.owner and source.repo)")
	}

	src := a.Config.Source
	fmt.Printf("Fetching %s/%s into %s...\n", src.Owner, src.Repo, a.Config.DataDir)
	report, err := fetcher.Sync(ctx, a.Config.DataDir)
	if err != nil {
		return fmt.Errorf("Fetch failed: %w", err)
	}

	fmt.Println()
	fmt.Println("Fetch complete!")
	fmt.Printf("  Files: %d\n", report.Listed)
	fmt.Printf("  Downloaded: %d\n", report.Downloaded)
	fmt.Printf("  Unchanged: %d\n", report.Unchanged)
	fmt.Printf("  Removed: %d\n", report.Removed)
	fmt.Printf("  Commit: %s\n", report.CommitSHA)
	fmt.Printf("  Duration: %s\n", report.Duration.Round(time.Second))
	return nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	for _, st := range a.Index.Status(cmd.Context()) {
		fmt.Printf("%s index (%s):\n", st.Kind, st.Location)
		switch {
		case st.Error != "":
			fmt.Printf("  Error: %s\n", st.Error)
		case !st.Exists:
			fmt.Println("  Not built")
		default:
			fmt.Printf("  Rows: %d\n", st.Rows)
			if st.Dimension > 0 {
				fmt.Printf("  Dimension: %d\n", st.Dimension)
			}
			if st.Metric != "" {
				fmt.Printf("  Metric: %s\n", st.Metric)
			}
			if !st.BuiltAt.IsZero() {
				fmt.Printf("  Built: %s\n", st.BuiltAt.Format(time.RFC3339))
			}
		}
	}
	return nil
}

func runInitConfig(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	path := configPath
	if path == "" {
		path = config.DefaultPath
	}
	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("Failed to write config: %w", err)
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}
