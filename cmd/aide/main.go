// Aide is a single-user personal assistant with a long conversational
// memory.
//
// Older parts of the conversation are archived as summarized chunks on
// disk and read back on demand through tools. Configuration is loaded
// from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	aide serve               Run the assistant with its Telegram channel
//	aide init [dir]          Create a working directory with defaults
//	aide ask <message>       Run a single turn and print the reply
//	aide recover             Reconcile chunks left pending by a crash
//	aide chunks [id]         List archived chunks, or print one in full
//	aide version             Print version and build information
//	aide -o json version     Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nugget/aide/internal/buildinfo"
	"github.com/nugget/aide/internal/config"
)

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand so that run
// can be called concurrently from tests without flag package globals.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command == "" {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			cmdArgs = append(cmdArgs, args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: aide ask <message>")
		}
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, strings.Join(cmdArgs, " "))
	case "recover":
		return runRecover(ctx, stdout, stderr, configPath, outputFmt)
	case "chunks":
		id := ""
		if len(cmdArgs) > 0 {
			id = cmdArgs[0]
		}
		return runChunks(ctx, stdout, stderr, configPath, outputFmt, id)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Aide - personal assistant with a long memory")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: aide [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve          Run the assistant and its channels")
	fmt.Fprintln(w, "  init [dir]     Create a working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask <message>  Run a single turn and print the reply")
	fmt.Fprintln(w, "  recover        Reconcile chunks left pending by a crash")
	fmt.Fprintln(w, "  chunks [id]    List archived chunks, or print one in full")
	fmt.Fprintln(w, "  version        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintf(w, "  %s\n", strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// loadConfig locates and parses the configuration file. An explicit
// path must exist.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
