package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lazypower/karmagraph/internal/encoder"
	"github.com/lazypower/karmagraph/internal/engine"
	"github.com/lazypower/karmagraph/internal/ingest"
	"github.com/lazypower/karmagraph/internal/store"
)

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, len(args))
	for i, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid node id %q", a)
		}
		ids[i] = id
	}
	return ids, nil
}

// --- stats command ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show graph statistics",
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	s, err := openSession(false, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	st, err := s.db.Stats(ctx)
	if err != nil {
		return err
	}
	entropy, err := s.eng.Calibrator.CalculateCognitiveEntropy(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "nodes:             %d\n", st.Nodes)
	fmt.Fprintf(out, "edges:             %d\n", st.Edges)
	fmt.Fprintf(out, "avg weight:        %.3f\n", st.AvgWeight)
	fmt.Fprintf(out, "avg karma:         %.3f\n", st.AvgKarma)
	fmt.Fprintf(out, "access events:     %d\n", st.AccessEvents)
	fmt.Fprintf(out, "cognitive entropy: %.3f\n", entropy)
	fmt.Fprintf(out, "schema version:    %d\n", st.SchemaVersion)
	printCounts(out, "node types", st.NodeTypes)
	printCounts(out, "relations", st.RelationCounts)
	return nil
}

func printCounts(out io.Writer, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(out, "\n## %s\n", title)
	for _, k := range keys {
		fmt.Fprintf(out, "  %-20s %d\n", k, counts[k])
	}
}

// --- calibrate command ---

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Run one decay, prune and consolidate pass",
	Long: "Run the temporal calibration directly against the database file. Buffered karma lives in\n" +
		"the server process; use `karmagraph maintain` to flush and calibrate a running server.",
	RunE: runCalibrate,
}

func runCalibrate(cmd *cobra.Command, args []string) error {
	s, err := openSession(false, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	r, err := s.eng.Calibrate(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "calibrated %d nodes: %d updated, %d pruned, %d consolidated, %d at risk\n",
		r.Nodes, r.Updated, r.Pruned, r.Consolidated, r.AtRisk)
	fmt.Fprintf(out, "avg weight %.3f, entropy %.3f -> %.3f\n", r.AvgWeight, r.EntropyBefore, r.EntropyAfter)
	return nil
}

// --- analogy command ---

var analogyOpts encoder.AnalogyOptions

var analogyCmd = &cobra.Command{
	Use:   "analogy <node-id>",
	Short: "Find structurally analogous nodes",
	Args:  cobra.ExactArgs(1),
	RunE:  runAnalogy,
}

func runAnalogy(cmd *cobra.Command, args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	s, err := openSession(false, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	hops := analogyOpts.Hops
	if hops == 0 {
		hops = s.eng.Encoder.DefaultHops()
	}
	// A fresh process starts with an empty signature cache.
	if _, err := s.eng.Encoder.EncodeAll(ctx, hops); err != nil {
		return err
	}
	results, err := s.eng.Encoder.FindAnalogous(ctx, ids[0], analogyOpts)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No analogies found.")
		return nil
	}
	return printNodes(ctx, cmd, s.db, len(results), func(i int) (int64, string) {
		r := results[i]
		detail := fmt.Sprintf("%.3f", r.Similarity)
		if len(r.SharedTags) > 0 {
			detail += " [" + strings.Join(r.SharedTags, ", ") + "]"
		}
		return r.NodeID, detail
	})
}

// printNodes prints one numbered line per result with the node's type and
// label looked up in one batch.
func printNodes(ctx context.Context, cmd *cobra.Command, db *store.DB, n int, row func(int) (int64, string)) error {
	ids := make([]int64, n)
	for i := range ids {
		ids[i], _ = row(i)
	}
	nodes, err := db.GetNodes(ctx, ids)
	if err != nil {
		return err
	}
	byID := make(map[int64]store.Node, len(nodes))
	for _, nd := range nodes {
		byID[nd.ID] = nd
	}
	out := cmd.OutOrStdout()
	for i := 0; i < n; i++ {
		id, detail := row(i)
		nd := byID[id]
		fmt.Fprintf(out, "%d. [%s] %d %s %q\n", i+1, detail, id, nd.Type, nd.Label)
	}
	return nil
}

// --- ppr command ---

var pprOpts store.PPROptions

var pprCmd = &cobra.Command{
	Use:   "ppr <seed-id>...",
	Short: "Rank nodes by personalized PageRank from seed nodes",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPPR,
}

func runPPR(cmd *cobra.Command, args []string) error {
	seeds, err := parseIDs(args)
	if err != nil {
		return err
	}
	s, err := openSession(false, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	ranked, err := s.db.PersonalizedPageRank(ctx, seeds, pprOpts)
	if err != nil {
		return err
	}
	return printNodes(ctx, cmd, s.db, len(ranked), func(i int) (int64, string) {
		return ranked[i].NodeID, fmt.Sprintf("%.4f", ranked[i].Score)
	})
}

// --- forecast command ---

var forecastDays int

var forecastCmd = &cobra.Command{
	Use:   "forecast <node-id>",
	Short: "Project a node's weight over the coming days",
	Args:  cobra.ExactArgs(1),
	RunE:  runForecast,
}

func runForecast(cmd *cobra.Command, args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	s, err := openSession(false, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	curve, err := s.eng.Calibrator.PredictForgetting(ctx, ids[0], forecastDays)
	if err != nil {
		return err
	}
	review, err := s.eng.Calibrator.GetOptimalReviewTime(ctx, ids[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for d, w := range curve {
		fmt.Fprintf(out, "day %3d  %.4f\n", d+1, w)
	}
	fmt.Fprintf(out, "review in %.1f days\n", review)
	return nil
}

// --- ask command ---

var askCmd = &cobra.Command{
	Use:   "ask <node-id> <question>",
	Short: "Ask the generation service a question about a node's neighbourhood",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runAsk,
}

func runAsk(cmd *cobra.Command, args []string) error {
	ids, err := parseIDs(args[:1])
	if err != nil {
		return err
	}
	s, err := openSession(true, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	if s.eng.LLM == nil {
		return engine.ErrNoLLM
	}
	if _, err := s.eng.Warm(ctx); err != nil {
		return err
	}
	resp, err := s.eng.Generate(ctx, ids[0], strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), resp.Content)
	return nil
}

// --- import command ---

var importCmd = &cobra.Command{
	Use:   "import <file.jsonl>",
	Short: "Bulk-load nodes and edges from a JSONL file",
	Long: "Each line is a node ({\"kind\":\"node\",\"ref\":...,\"type\":...}) or an edge\n" +
		"({\"kind\":\"edge\",\"source\":...,\"target\":...,\"relation\":...}). Edge endpoints name node refs\n" +
		"from the same file or ids of existing nodes.",
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func runImport(cmd *cobra.Command, args []string) error {
	batch, err := ingest.ParseFile(args[0])
	if err != nil {
		return err
	}
	s, err := openSession(false, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := ingest.Load(cmd.Context(), s.db, batch)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d nodes and %d edges\n", res.Nodes, res.Edges)
	if len(res.Skipped) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "skipped lines: %v\n", res.Skipped)
	}
	return nil
}

func init() {
	analogyCmd.Flags().IntVarP(&analogyOpts.TopK, "limit", "n", 10, "Maximum number of results")
	analogyCmd.Flags().IntVar(&analogyOpts.Hops, "hops", 0, "Neighbourhood radius (default from config)")
	analogyCmd.Flags().Float64Var(&analogyOpts.MinSimilarity, "min-similarity", 0, "Minimum similarity in [0,1]")

	pprCmd.Flags().Float64Var(&pprOpts.Alpha, "alpha", 0.15, "Restart probability")
	pprCmd.Flags().IntVar(&pprOpts.Iterations, "iterations", 20, "Power iterations")
	pprCmd.Flags().IntVarP(&pprOpts.TopK, "limit", "n", 10, "Maximum number of results")

	forecastCmd.Flags().IntVar(&forecastDays, "days", 14, "Days to project")
}
