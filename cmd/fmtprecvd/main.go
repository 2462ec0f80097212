package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "fmtprecvd",
		Usage: "FMTP v3 multicast product receiver",
		Commands: []*cli.Command{
			startCommand,
			setLinkSpeedCommand,
			stopCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
