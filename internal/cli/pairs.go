package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/lherron/revmerge/internal/cli/appctx"
	"github.com/lherron/revmerge/internal/domain"
	"github.com/lherron/revmerge/internal/parse"
	"github.com/lherron/revmerge/internal/render"
	"github.com/lherron/revmerge/internal/resolve"
)

var pairsCmd = &cobra.Command{
	Use:   "pairs",
	Short: "List the duplicate pairs an export resolves to",
	Long: `Pairs resolves an export offline and prints the pairs a run would process.
No API token is needed and nothing is changed.

Groups that cannot be paired are listed with the reason. Pairs already in the
ledger are left out unless --all is given.`,
	Example: `  revmerge pairs --input contacts.csv
  revmerge pairs --input contacts.csv -o json`,
	Args: cobra.NoArgs,
	RunE: appctx.WithApp(appctx.Options{NeedsLedger: true}, runPairs),
}

var (
	pairsInput       string
	pairsInputFormat string
	pairsEmail       string
	pairsAll         bool
)

func init() {
	rootCmd.AddCommand(pairsCmd)

	pairsCmd.Flags().StringVarP(&pairsInput, "input", "i", "", "Contact export to resolve")
	pairsCmd.Flags().StringVar(&pairsInputFormat, "format", "", "Input format: csv, json, yaml (default: detect)")
	pairsCmd.Flags().StringVar(&pairsEmail, "email", "", "Only resolve the group sharing this email")
	pairsCmd.Flags().BoolVar(&pairsAll, "all", false, "Include pairs already recorded in the ledger")
	_ = pairsCmd.MarkFlagRequired("input")
}

// pairsOutput is the structured form of the pairs listing
type pairsOutput struct {
	Pairs            []domain.DuplicatePair `json:"pairs" yaml:"pairs"`
	AlreadyProcessed []domain.DuplicatePair `json:"already_processed,omitempty" yaml:"already_processed,omitempty"`
	Skipped          []resolve.Skipped      `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Rejected         []parse.RowError       `json:"rejected,omitempty" yaml:"rejected,omitempty"`
}

func runPairs(app *appctx.App, cmd *cobra.Command, args []string) error {
	loaded, err := parse.LoadFile(pairsInput, pairsInputFormat)
	if err != nil {
		return exitError(ExitUsage, fmt.Errorf("failed to load %s: %w", pairsInput, err))
	}

	policy := resolve.PolicyFromConfig(app.Config)
	policy.Email = domain.NormalizeEmail(pairsEmail)

	var checker resolve.Checker = app.Ledger
	if pairsAll {
		checker = nil
	}
	resolution := resolve.New(policy, checker, app.Logger()).Resolve(loaded.Records)

	out := pairsOutput{
		Pairs:            resolution.Pairs,
		AlreadyProcessed: resolution.AlreadyProcessed,
		Skipped:          resolution.Skipped,
		Rejected:         loaded.Rejected,
	}
	if out.Pairs == nil {
		out.Pairs = []domain.DuplicatePair{}
	}

	headers := []string{"EMAIL", "AUTHORITATIVE", "AUTH_REF", "RETIRING", "RETIRING_REF", "TICKETS"}
	rows := make([][]string, 0, len(out.Pairs))
	items := make([]interface{}, 0, len(out.Pairs))
	for _, p := range out.Pairs {
		rows = append(rows, []string{
			p.Email(),
			p.Authoritative.ID,
			p.Authoritative.IdentityRef,
			p.Retiring.ID,
			p.Retiring.IdentityRef,
			strconv.Itoa(p.CombinedTicketCount()),
		})
		items = append(items, p)
	}

	r := app.Renderer
	switch r.Format() {
	case render.FormatJSON, render.FormatYAML:
		return r.Render(out, headers, rows)
	case render.FormatNDJSON:
		return r.RenderNDJSON(items)
	case render.FormatTSV:
		return r.RenderTSV(headers, rows)
	}

	if err := r.RenderTable(headers, rows); err != nil {
		return err
	}
	w := r.Writer()
	st := r.Styles
	fmt.Fprintf(w, "\n%d pair(s), %d already processed, %d skipped group(s), %d rejected row(s)\n",
		len(out.Pairs), len(out.AlreadyProcessed), len(out.Skipped), len(out.Rejected))
	for _, s := range out.Skipped {
		fmt.Fprintf(w, "  %s %s: %s\n", st.Warning("skipped"), s.Email, s.Reason)
	}
	for i := range out.Rejected {
		fmt.Fprintf(w, "  %s %s\n", st.Failure("rejected"), out.Rejected[i].Error())
	}
	return nil
}
