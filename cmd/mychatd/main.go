package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"mychat/internal/app"
	"mychat/internal/session"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	flag.Parse()

	profile := session.Resolve(*profileFlag)
	if err := session.ValidateName(profile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fxApp := fx.New(
		app.Module(app.Params{Profile: profile}),
	)

	fxApp.Run()
}
