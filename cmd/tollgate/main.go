package main

import (
	"errors"
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"
	tollgate "github.com/tollgate-labs/tollgate"
)

type cliOptions struct {
	ConfigFile string `short:"c" long:"configfile" description:"Path to the configuration file"`
}

func main() {
	opts := &cliOptions{}
	parser := flags.NewParser(opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	tollgate.Main(opts.ConfigFile)
}
