package main

import (
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"helpdesk-backend/internal/intent"
	"helpdesk-backend/internal/knowledge"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Embed the policy documents into the search index",
	Long: `Chunks every policy document under POLICY_DIR matching POLICY_GLOB at its
headings, embeds the chunks and writes the index to INDEX_PATH, replacing
any previous index.`,
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().String("dir", "", "policy directory (overrides POLICY_DIR)")
	indexCmd.Flags().String("out", "", "index file (overrides INDEX_PATH)")
	rootCmd.AddCommand(indexCmd)
}

func runIndex(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(os.Stderr)
	if err != nil {
		return err
	}
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		cfg.PolicyDir = dir
	}
	if out, _ := cmd.Flags().GetString("out"); out != "" {
		cfg.IndexPath = out
	}

	files, err := knowledge.Discover(os.DirFS(cfg.PolicyDir), cfg.PolicyGlob)
	if err != nil {
		return fmt.Errorf("scanning %s: %w", cfg.PolicyDir, err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no policy documents in %s matching %v", cfg.PolicyDir, cfg.PolicyGlob)
	}

	client := intent.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
	index, err := knowledge.NewIndex(knowledge.NewOpenAIEmbedder(client, cfg.EmbeddingModel), logger)
	if err != nil {
		return err
	}

	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetDescription("Indexing policies"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	chunks, err := index.Build(cmd.Context(), cfg.PolicyDir, cfg.PolicyGlob, func(file string) {
		bar.Describe(file)
		_ = bar.Add(1)
	})
	_ = bar.Finish()
	if err != nil {
		return err
	}
	if err := index.Persist(cfg.IndexPath); err != nil {
		return fmt.Errorf("writing index: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d chunks from %d files into %s\n", chunks, len(files), cfg.IndexPath)
	return nil
}
