package cmd

import (
	"os"

	"github.com/m417z/winbindex-go/selfcheck"

	"github.com/spf13/cobra"
)

var checkFlags = struct {
	jsonOutput bool
}{}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the pipeline's self-check suite",
	Long: `check exercises the invariants a correct run must hold regardless of a
given day's scrape: catalog idempotence and KB uniqueness, source-merge
order independence, a symbol-server round trip, a null-differential fixed
point, and the archive-merge dedup rule. Exits non-zero if any check
fails.`,
	Run: runCheckCmd,
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().BoolVar(&checkFlags.jsonOutput, "json", false, "print results as JSON instead of the text summary")
}

func runCheckCmd(cmd *cobra.Command, args []string) {
	results, err := selfcheck.Check(conf)
	if err != nil {
		fail(err)
	}

	if checkFlags.jsonOutput {
		if err := results.PrintJSON(os.Stdout); err != nil {
			fail(err)
		}
	} else if err := results.Print(os.Stdout); err != nil {
		fail(err)
	}

	if results.Failed > 0 {
		os.Exit(1)
	}
}
