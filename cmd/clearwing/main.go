// Clearwing CLI - translates a closed set of JVM class files to C++
// translation units targeting the Clearwing runtime.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/SwitchGDX/clearwing-vm/config"
	"github.com/SwitchGDX/clearwing-vm/fault"
	"github.com/SwitchGDX/clearwing-vm/pipeline"
)

func main() {
	inRoot := flag.String("in", "", "Input root: a directory of class files or a jar archive")
	outRoot := flag.String("out", "", "Output directory for generated sources")
	entry := flag.String("entry", "", "Entry class in internal form (e.g. 'com/example/Main'); repeatable via commas")
	configDir := flag.String("config", "", "Directory containing clearwing.toml (default: search upward from cwd)")
	abi := flag.String("abi", "", "Runtime ABI version: sjlj or native")
	keepUnreachable := flag.Bool("keep-unreachable", false, "Disable dead-code elision")
	assertions := flag.Bool("assert", false, "Enable runtime assertions in emitted code")
	symbolDB := flag.Bool("symdb", false, "Write the SQLite symbol index")
	verbose := flag.Bool("v", false, "Verbose output")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: clearwing [options]\n\n")
		fmt.Fprintf(os.Stderr, "Translates JVM class files into C++ sources for the Clearwing runtime.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  clearwing -in build/classes -out gen -entry com/example/Main\n")
		fmt.Fprintf(os.Stderr, "  clearwing -in app.jar -out gen -entry com/example/Main -abi native\n")
		fmt.Fprintf(os.Stderr, "  clearwing -config . -symdb      # settings from clearwing.toml\n")
	}
	flag.Parse()

	verbosity := 0
	if *verbose {
		verbosity = 1
	}
	commonlog.Configure(verbosity, nil)

	cfg, err := loadConfig(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Flags override the config file.
	if *inRoot != "" {
		cfg.Input.Roots = []string{*inRoot}
	}
	if *outRoot != "" {
		cfg.Output.Dir = *outRoot
	}
	if *entry != "" {
		cfg.Input.Entry = splitList(*entry)
	}
	if *abi != "" {
		cfg.Runtime.ABI = *abi
	}
	if *keepUnreachable {
		cfg.Output.KeepUnreachable = true
	}
	if *assertions {
		cfg.Output.Assertions = true
	}
	if *symbolDB {
		cfg.Output.SymbolDB = true
	}

	if len(cfg.Input.Roots) == 0 {
		fmt.Fprintln(os.Stderr, "Error: no input root (use -in or clearwing.toml)")
		flag.Usage()
		os.Exit(1)
	}
	if len(cfg.Input.Entry) == 0 && !cfg.Output.KeepUnreachable {
		fmt.Fprintln(os.Stderr, "Error: no entry class (use -entry, or -keep-unreachable to translate everything)")
		os.Exit(1)
	}
	if cfg.Runtime.ABI != "sjlj" && cfg.Runtime.ABI != "native" {
		fmt.Fprintf(os.Stderr, "Error: unknown runtime ABI %q (want sjlj or native)\n", cfg.Runtime.ABI)
		os.Exit(1)
	}

	if err := pipeline.Run(cfg); err != nil {
		reportAll(err)
		os.Exit(fault.KindOf(err).ExitCode())
	}
}

// loadConfig finds the project config or falls back to flag-only defaults.
func loadConfig(dir string) (*config.Config, error) {
	if dir != "" {
		return config.Load(dir)
	}
	cfg, err := config.FindAndLoad(".")
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

// reportAll prints every collected failure, one per line, so a broken input
// set is fixable in one pass.
func reportAll(err error) {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		for _, e := range joined.Unwrap() {
			fmt.Fprintf(os.Stderr, "Error: %v\n", e)
		}
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
