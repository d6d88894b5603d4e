package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/pcarvalho/chatsync/internal/config"
	"github.com/pcarvalho/chatsync/internal/daemon"
	"github.com/pcarvalho/chatsync/internal/session"
)

func main() {
	identityFlag := flag.String("identity", "", "identity name (overrides config default)")
	flag.Parse()

	identity := session.Resolve(*identityFlag)
	if err := session.ValidateName(identity); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	params := daemon.Params{Identity: identity}
	if cfg, err := config.Load(session.ConfigPath()); err == nil {
		params.PollInterval = cfg.PollInterval()
	}

	app := fx.New(
		daemon.Module(params),
	)

	app.Run()
}
