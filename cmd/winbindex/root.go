package cmd

import (
	"fmt"
	"os"

	"github.com/m417z/winbindex-go/internal/config"
	"github.com/m417z/winbindex-go/internal/log"

	"github.com/spf13/cobra"
)

const version = "0.0.0"

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "winbindex",
	Short: "Windows binary index pipeline",
	Long: `winbindex builds and maintains the Windows binary index: it resolves the
catalog of published updates, unpacks their component manifests, extracts
per-file metadata from delta descriptors and PE payloads, fills in missing
metadata from the symbol server, and merges everything into a grouped,
gzip-compressed index.`,
	Run: func(cmd *cobra.Command, args []string) {
		if rootCmdFlags.version {
			fmt.Printf("winbindex %s\n", version)
			os.Exit(0)
		}
		cmd.Print(cmd.UsageString())
	},
}

var rootCmdFlags = struct {
	version    bool
	configPath string
	verbose    bool
}{}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.Flags().BoolVar(&rootCmdFlags.version,
		"version", false, "Print version information and exit")
	rootCmd.PersistentFlags().StringVarP(&rootCmdFlags.configPath,
		"config", "c", "", "optional path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&rootCmdFlags.verbose,
		"verbose", false, "enable debug logging")
}

var conf *config.Config

func initConfig() {
	var err error
	conf, err = config.ReadConfig(rootCmdFlags.configPath)
	if err != nil {
		fail(err)
	}
	log.SetVerbose(rootCmdFlags.verbose)
}

// fail prints err and exits non-zero. Only cmd/ entry points call
// os.Exit; every package below here returns errors.
func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen
// once to rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
