package main

import (
	"fmt"
	"runtime"

	"github.com/MegaGrindStone/go-mcp-server/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version information, set via ldflags at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile string
	v       = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "mcpd",
	Short: "Model Context Protocol server",
	Long: `mcpd serves the demonstration tool, prompt and resource catalogue over the Model
Context Protocol, either on a streamable HTTP endpoint or on stdin/stdout.

Sessions, events and tasks are kept in memory, in SQLite or in PostgreSQL.

Configuration is read from mcpd.yaml in $HOME/.mcpd or the working directory, from
environment variables with the MCPD_ prefix (e.g. MCPD_STORE_DRIVER=sqlite) and from flags,
in increasing order of precedence.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "mcpd version %s\n", Version)
		fmt.Fprintf(out, "Git commit: %s\n", GitCommit)
		fmt.Fprintf(out, "Build date: %s\n", BuildTime)
		fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
		fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	d := config.Default()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: $HOME/.mcpd/mcpd.yaml)")
	flags.String("transport", d.Transport, "transport (http, stdio)")
	flags.String("addr", d.HTTP.Addr, "HTTP listen address")
	flags.String("path", d.HTTP.Path, "HTTP endpoint path")
	flags.String("response-mode", d.HTTP.ResponseMode, "POST reply mode (json, sse)")
	flags.String("store", d.Store.Driver, "store driver (memory, sqlite, postgres)")
	flags.String("dsn", d.Store.DSN, "store data source name")
	flags.String("log-level", d.Log.Level, "log level (debug, info, warn, error)")
	flags.String("log-format", d.Log.Format, "log format (text, json)")

	bindings := map[string]string{
		"transport":          "transport",
		"http.addr":          "addr",
		"http.path":          "path",
		"http.response_mode": "response-mode",
		"store.driver":       "store",
		"store.dsn":          "dsn",
		"log.level":          "log-level",
		"log.format":         "log-format",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("failed to bind %s flag: %v", flag, err))
		}
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
}

func loadConfig() (config.Config, error) {
	return config.Load(v, cfgFile)
}
