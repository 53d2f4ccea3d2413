package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/RomainBuono/Emergency-manager/internal/config"
	"github.com/RomainBuono/Emergency-manager/internal/embedding"
	"github.com/RomainBuono/Emergency-manager/internal/kb"
	"github.com/RomainBuono/Emergency-manager/internal/rag"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Build the protocol vector index from the knowledge base",
	Long: `Embeds every protocol's index document through the configured embedding
endpoint and writes the serialized index next to the knowledge base.
Run after any change to protocols.json.`,
	RunE: runIndex,
}

func init() {
	rootCmd.AddCommand(indexCmd)
}

func runIndex(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "index")
	defer span.End()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	protocols, err := kb.LoadProtocols(cfg.ProtocolsPath())
	if err != nil {
		return err
	}

	embedder := embedding.NewOllamaProvider(cfg.EmbeddingBaseURL, cfg.EmbeddingModel, cfg.EmbeddingDim)

	index, err := rag.BuildIndex(ctx, embedder, protocols)
	if err != nil {
		return err
	}
	if err := index.Save(cfg.IndexPath); err != nil {
		return err
	}

	log.Info().
		Int("protocols", index.Len()).
		Int("dim", index.Dim()).
		Str("path", cfg.IndexPath).
		Msg("index built")
	return nil
}
