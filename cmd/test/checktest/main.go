package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
)

// checktest behaves like a monitoring plugin with controllable output, exit
// code, run time and signal handling.
type flagOptions struct {
	Output      string `long:"output" default:"OK - checktest" description:"plugin output written to stdout"`
	Stderr      string `long:"stderr" description:"text written to stderr"`
	ExitCode    int    `long:"exit-code" description:"exit code to return"`
	Sleep       int    `long:"sleep" description:"seconds to sleep before exiting"`
	IgnoreTerm  bool   `long:"ignore-term" description:"ignore SIGTERM and SIGINT"`
	Environment string `long:"env" description:"print the value of this environment variable"`
	OutputBytes int    `long:"output-bytes" description:"write this many bytes of filler output"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	_, err := parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("UNKNOWN - Command line flags parsing failed: %v\n", err)
		os.Exit(3)
	}

	if opts.IgnoreTerm {
		signal.Ignore(syscall.SIGTERM, syscall.SIGINT)
	}

	if opts.Sleep > 0 {
		time.Sleep(time.Duration(opts.Sleep) * time.Second)
	}

	switch {
	case opts.Environment != "":
		fmt.Println(os.Getenv(opts.Environment))
	case opts.OutputBytes > 0:
		fmt.Print(strings.Repeat("x", opts.OutputBytes))
	default:
		fmt.Println(opts.Output)
	}
	if opts.Stderr != "" {
		fmt.Fprintln(os.Stderr, opts.Stderr)
	}

	os.Exit(opts.ExitCode)
}
