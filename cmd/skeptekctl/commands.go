package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/snplmntn/skeptek-sub000/internal/backend"
	"github.com/snplmntn/skeptek-sub000/internal/models"
	"github.com/snplmntn/skeptek-sub000/internal/orchestrator"
	"github.com/snplmntn/skeptek-sub000/internal/ratecontrol"
	"github.com/snplmntn/skeptek-sub000/internal/verifier"
)

var (
	analyzeMode   string
	analyzeFollow bool
	analyzeJSON   bool
	scansLimit    int
	verifyBackend string
)

// analyzeCmd runs one analysis on the server
var analyzeCmd = &cobra.Command{
	Use:   "analyze [query]",
	Short: "Analyze a product, a product URL or a comparison",
	Long: `Runs an analysis and prints the verdict.

Examples:
  skeptekctl analyze "Pixel 9"
  skeptekctl analyze --follow "Pixel 9 vs iPhone 15"
  skeptekctl analyze --mode verification https://store.google.com/product/pixel_9`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAnalyze,
}

// scansCmd lists the public feed
var scansCmd = &cobra.Command{
	Use:   "scans",
	Short: "List the most recent public scans",
	Args:  cobra.NoArgs,
	RunE:  runScans,
}

// verifyCmd checks links locally with the same strategies analyses use
var verifyCmd = &cobra.Command{
	Use:   "verify [url...]",
	Short: "Check whether evidence links resolve to live pages",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runVerify,
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeMode, "mode", "standard", "standard or verification")
	analyzeCmd.Flags().BoolVarP(&analyzeFollow, "follow", "f", false, "stream progress while the analysis runs")
	analyzeCmd.Flags().BoolVar(&analyzeJSON, "json", false, "print the raw outcome as JSON")
	scansCmd.Flags().IntVar(&scansLimit, "limit", 20, "number of scans (1-100)")
	verifyCmd.Flags().StringVar(&verifyBackend, "backend", "", "scraper backend URL used as the first verification strategy")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	if _, err := orchestrator.ParseMode(analyzeMode); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	client := newAPIClient(serverURL, logger)
	query := strings.Join(args, " ")
	var (
		out *result
		err error
	)
	if analyzeFollow {
		errOut := cmd.ErrOrStderr()
		out, err = client.Follow(ctx, query, analyzeMode, func(msg string) {
			fmt.Fprintf(errOut, "… %s\n", msg)
		})
	} else {
		out, err = client.Analyze(ctx, query, analyzeMode)
	}
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if analyzeJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	return printOutcome(w, out.Outcome)
}

func printOutcome(w io.Writer, out orchestrator.Outcome) error {
	switch {
	case out.Error != nil:
		fmt.Fprintf(w, "%s\n%s\n", out.Error.Title, out.Error.Message)
		return fmt.Errorf("analysis failed (%s)", out.Error.Kind)
	case out.Report != nil:
		printReport(w, out.Report)
	case out.Comparison != nil:
		printComparison(w, out.Comparison)
	}
	return nil
}

func printReport(w io.Writer, r *models.Report) {
	fmt.Fprintf(w, "%s  %.0f/100  %s\n", r.ProductName, r.Score, r.Recommendation)
	if r.IsLowConfidence {
		fmt.Fprintf(w, "(low confidence: %.0f%%)\n", r.Confidence)
	}
	if r.Verdict != "" {
		fmt.Fprintf(w, "\n%s\n", r.Verdict)
	}
	for _, p := range r.Pros {
		fmt.Fprintf(w, "  + %s\n", p)
	}
	for _, c := range r.Cons {
		fmt.Fprintf(w, "  - %s\n", c)
	}
	if pa := r.PriceAnalysis; pa != nil && pa.CurrentPrice > 0 {
		fair := "above fair value"
		if pa.IsFair {
			fair = "fair"
		}
		fmt.Fprintf(w, "\nPrice $%.2f (fair range $%.0f-$%.0f): %s\n", pa.CurrentPrice, pa.FairValueMin, pa.FairValueMax, fair)
	}
}

func printComparison(w io.Writer, c *models.Comparison) {
	if c.Title != "" {
		fmt.Fprintln(w, c.Title)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tPRODUCT\tPRICE\tSCORE\tRECOMMENDATION")
	for _, p := range c.Products {
		mark := ""
		if p.IsWinner {
			mark = "★"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f\t%s\n", mark, p.Name, p.Price, p.Score, p.Recommendation)
	}
	_ = tw.Flush()
	if c.WinReason != "" {
		fmt.Fprintf(w, "\n%s\n", c.WinReason)
	}
}

func runScans(cmd *cobra.Command, _ []string) error {
	if scansLimit < 1 || scansLimit > 100 {
		return fmt.Errorf("--limit must be between 1 and 100")
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	scans, err := newAPIClient(serverURL, logger).Scans(ctx, scansLimit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tPRODUCT\tSCORE\tSTATUS")
	for _, s := range scans {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.CreatedAt.Format("2006-01-02 15:04"), s.ProductName, s.TrustScore, s.Status)
	}
	return tw.Flush()
}

type link string

func (l link) LinkURL() string { return string(l) }

func runVerify(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	opts := verifier.Options{Limiter: ratecontrol.NewHostLimiter(ratecontrol.Limit{RPS: 4, Burst: 4})}
	if bc := backend.New(backend.Options{BaseURL: verifyBackend}, logger); bc != nil {
		opts.Backend = bc
	}
	v := verifier.New(opts, logger)

	links := make([]link, len(args))
	for i, a := range args {
		links[i] = link(a)
	}
	live := make(map[link]bool)
	for _, l := range verifier.FilterValidLinks(ctx, v, links) {
		live[l] = true
	}

	w := cmd.OutOrStdout()
	dead := 0
	for _, l := range links {
		if live[l] {
			fmt.Fprintf(w, "live  %s\n", l)
			continue
		}
		dead++
		fmt.Fprintf(w, "dead  %s\n", l)
	}
	if dead > 0 {
		return fmt.Errorf("%d of %d links are dead", dead, len(links))
	}
	return nil
}
