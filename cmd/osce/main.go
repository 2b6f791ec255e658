// Command osce runs the OSCE virtual-patient interview server and grades transcripts.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"osce/pkg/logx"
)

// Version information, set via ldflags.
var (
	version = "dev"
	commit  = "none"
)

const usage = `usage: osce [-config file] <command> [args]

commands:
  serve                 start the web server (default)
  grade <file.json>     grade a transcript file and print the report
  secrets set <NAME>    store a secret in the encrypted secrets file
  version               print version information
`

func main() {
	configPath := flag.String("config", os.Getenv("OSCE_CONFIG"), "Path to YAML config file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if *debug {
		logx.SetDebug(true)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	exitCode := run(ctx, *configPath, flag.Args())
	stop()
	os.Exit(exitCode)
}

// run dispatches the subcommand and returns the exit code.
func run(ctx context.Context, configPath string, args []string) int {
	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	var err error
	switch command {
	case "serve":
		err = runServe(ctx, configPath)
	case "grade":
		if len(args) != 1 {
			fmt.Fprint(os.Stderr, usage)
			return 2
		}
		err = runGrade(ctx, configPath, args[0], os.Stdout)
	case "secrets":
		if len(args) != 2 || args[0] != "set" {
			fmt.Fprint(os.Stderr, usage)
			return 2
		}
		err = runSecretsSet(configPath, args[1])
	case "version":
		fmt.Printf("osce %s (%s)\n", version, commit)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usage)
		return 2
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "osce %s failed: %v\n", command, err)
		return 1
	}
	return 0
}
