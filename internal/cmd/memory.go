package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dativo-io/engram/internal/config"
	"github.com/dativo-io/engram/internal/memory"
)

var (
	memAgent      string
	memLimit      int
	memImportance float64
	memTier       string
	memTags       []string
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Store, retrieve and inspect agent memories",
}

var memoryStoreCmd = &cobra.Command{
	Use:   "store [content]",
	Short: "Store a new memory record",
	Args:  cobra.ExactArgs(1),
	RunE:  memoryStore,
}

var memoryGetCmd = &cobra.Command{
	Use:   "get [memory-id]",
	Short: "Show one memory record",
	Args:  cobra.ExactArgs(1),
	RunE:  memoryGet,
}

var memoryRetrieveCmd = &cobra.Command{
	Use:   "retrieve [query]",
	Short: "Retrieve memories (recent, important, short_term, long_term, tier:<name>, or free text)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  memoryRetrieve,
}

var memorySearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Semantic search over embedded memories",
	Args:  cobra.ExactArgs(1),
	RunE:  memorySearch,
}

var memoryStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory statistics for an agent",
	RunE:  memoryStats,
}

func init() {
	memoryCmd.PersistentFlags().StringVar(&memAgent, "agent", "default", "agent identifier")
	memoryCmd.PersistentFlags().IntVar(&memLimit, "limit", 10, "maximum results")
	memoryStoreCmd.Flags().Float64Var(&memImportance, "importance", 0.5, "importance in [0,1]")
	memoryStoreCmd.Flags().StringVar(&memTier, "tier", string(memory.TierWorking), "memory tier")
	memoryStoreCmd.Flags().StringSliceVar(&memTags, "tags", nil, "tags")

	memoryCmd.AddCommand(memoryStoreCmd, memoryGetCmd, memoryRetrieveCmd, memorySearchCmd, memoryStatsCmd)
	rootCmd.AddCommand(memoryCmd)
}

// withEngine loads config, builds the engine and runs fn with it.
func withEngine(cmd *cobra.Command, fn func(*memory.Engine) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	engine, err := buildEngine(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer engine.Close()
	return fn(engine)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func memoryStore(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "memory.store")
	defer span.End()

	return withEngine(cmd, func(engine *memory.Engine) error {
		rec := &memory.Record{
			AgentID:    memAgent,
			Content:    args[0],
			Importance: memImportance,
			Tier:       memory.Tier(memTier),
			Tags:       memTags,
		}
		if err := engine.Store(ctx, rec); err != nil {
			return err
		}
		fmt.Printf("Stored %s\n", rec.ID)
		return nil
	})
}

func memoryGet(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "memory.get")
	defer span.End()

	return withEngine(cmd, func(engine *memory.Engine) error {
		rec, err := engine.Get(ctx, memAgent, args[0])
		if err != nil {
			return err
		}
		return printJSON(rec)
	})
}

func memoryRetrieve(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "memory.retrieve")
	defer span.End()

	query := ""
	if len(args) > 0 {
		query = args[0]
	}
	return withEngine(cmd, func(engine *memory.Engine) error {
		recs, err := engine.Retrieve(ctx, memAgent, query, memLimit)
		if err != nil {
			return err
		}
		return printJSON(recs)
	})
}

func memorySearch(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "memory.search")
	defer span.End()

	return withEngine(cmd, func(engine *memory.Engine) error {
		recs, err := engine.SearchQuery(ctx, memAgent, args[0], memLimit)
		if err != nil {
			return err
		}
		return printJSON(recs)
	})
}

func memoryStats(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "memory.stats")
	defer span.End()

	return withEngine(cmd, func(engine *memory.Engine) error {
		stats, err := engine.Stats(ctx, memAgent)
		if err != nil {
			return err
		}
		return printJSON(stats)
	})
}
