package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/platinummonkey/tollbooth/pkg/cli"
	urfave "github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	err := cli.NewApp(version, os.Stdout).Run(os.Args)
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	var exitErr urfave.ExitCoder
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.ExitCode())
	}
	os.Exit(1)
}
