package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/coworker/internal/config"
	"github.com/harun/coworker/internal/daemon"
	"github.com/harun/coworker/pkg/embedding"
	"github.com/harun/coworker/pkg/knowledge"
)

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Manage the knowledge base",
}

var knowledgeSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Index the knowledge paths and push them to the configured backend",
	Long: `Scan the configured knowledge paths into the local index. When the
retrieval backend is qdrant, every indexed chunk is then upserted into the
qdrant collection.`,
	RunE: runKnowledgeSync,
}

func init() {
	knowledgeCmd.AddCommand(knowledgeSyncCmd)
	rootCmd.AddCommand(knowledgeCmd)
}

func runKnowledgeSync(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := contextOrBackground(cmd)
	log := zerolog.Nop()

	cached, err := daemon.NewEmbedder(ctx, cfg.Embeddings)
	if err != nil {
		return err
	}
	var embedder embedding.Embedder
	if cached != nil {
		embedder = cached
	}

	index, err := daemon.NewIndex(cfg, embedder, log)
	if err != nil {
		return err
	}
	defer index.Close()

	report, err := index.Sync(ctx)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}
	cmd.Printf("Indexed %d, skipped %d, pruned %d, failed %d (%d chunks)\n",
		report.Indexed, report.Skipped, report.Pruned, report.Failed, report.Chunks)

	if cfg.Retrieval.Backend != "qdrant" {
		return nil
	}
	return pushToQdrant(ctx, cmd, cfg, index, embedder, log)
}

func pushToQdrant(ctx context.Context, cmd *cobra.Command, cfg *config.Config, index *knowledge.Index, embedder embedding.Embedder, log zerolog.Logger) error {
	q, err := daemon.NewQdrant(cfg, embedder, log)
	if err != nil {
		return err
	}
	defer q.Close()

	docs, err := index.Documents(ctx)
	if err != nil {
		return err
	}
	if err := q.Upsert(ctx, docs); err != nil {
		return fmt.Errorf("qdrant upsert failed: %w", err)
	}
	cmd.Printf("Upserted %d chunks into qdrant collection %s\n", len(docs), cfg.Retrieval.Qdrant.Collection)
	return nil
}
