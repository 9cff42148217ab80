package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/luahttp/internal/config"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cmd := newRootCmd(viper.New())
	cmd.SetArgs(args)
	return cmd.Execute()
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "luahttp [flags] <script.lua>",
		Short: "Serve HTTP requests with a Lua script",
		Long: `luahttp loads a Lua script and calls its do_request(req) function for
every HTTP request. The function returns a table with body, status and
optional headers.

Examples:
  luahttp app.lua                          # listen on 0.0.0.0:8080
  luahttp --addr 127.0.0.1:3000 app.lua    # custom address
  luahttp --workers 4 --timeout 2s app.lua # four shards, 2s per call
  LUAHTTP_OBSERVABILITY_LOG_LEVEL=debug luahttp app.lua`,
		Version:       version,
		Args:          cobra.ExactArgs(1),
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Past argument validation, failures are runtime errors, not usage errors.
			cmd.SilenceUsage = true
			return runServe(cmd, v, args[0])
		},
	}
	cmd.SetVersionTemplate(fmt.Sprintf("luahttp %s (commit %s, built %s)\n", version, commit, buildDate))
	config.BindServeFlags(cmd, v)
	return cmd
}
