package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/matheus3301/mktinbox/internal/daemon"
	"github.com/matheus3301/mktinbox/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	configFlag := flag.String("config", "", "config file (default ~/.mktinbox/config.toml)")
	debugFlag := flag.Bool("debug", false, "log at debug level")
	flag.Parse()

	name, err := profile.Resolve(*profileFlag, *configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			Profile:    name,
			ConfigPath: *configFlag,
			Debug:      *debugFlag,
		}),
	)

	app.Run()
}
