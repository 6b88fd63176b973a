package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/ovalles/dmsync/internal/config"
	"github.com/ovalles/dmsync/internal/daemon"
	"github.com/ovalles/dmsync/internal/profile"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load config %s: %v\n", profile.ConfigPath(), err)
		os.Exit(1)
	}
	if cfg.APIBaseURL == "" || cfg.RealtimeURL == "" || cfg.UserID == "" {
		fmt.Fprintln(os.Stderr, "error: config must set api_base_url, realtime_url and user_id")
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{ProfileName: profileName, Config: cfg}),
	)

	app.Run()
}
