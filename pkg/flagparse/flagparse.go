package flagparse

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-tbviewer/pkg/buildinfo"
)

// cliFlags holds pointers to all possible command-line flags.
// Fields are pointers so we can distinguish between "not registered for this command" (nil)
// and "registered but not set by user" (non-nil pointer to zero value).
type cliFlags struct {
	// Global
	LogLevel *string
	Quiet    *bool
	Metrics  *bool
	Config   *string

	// Shared: View / Sync / Init
	URIs         *string
	CacheDir     *string
	SyncInterval *float64
	SyncWorkers  *int
	RetryCount   *int
	RetryWait    *float64
	Marker       *string
	Progress     *bool
	Force        *bool

	RateLimit   *float64
	S3Endpoint  *string
	S3Region    *string
	OCIInsecure *bool

	// View / Init
	ViewerCommand *string
}

func registerGlobalFlags(fs *flag.FlagSet, f *cliFlags) {
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	f.Quiet = fs.Bool("quiet", false, "Suppress informational output; warnings and errors are still shown.")
	f.Metrics = fs.Bool("metrics", false, "Log a summary of listed, synced and failed files after every pass.")
	f.Config = fs.String("config", "", "Path of the configuration file (.json, .yaml or .yml). Defaults to ./"+defaultConfigFile+".")
}

func registerSyncFlags(fs *flag.FlagSet, f *cliFlags) {
	f.URIs = fs.String("uris", "", "Comma-separated list of remote directories to mirror, e.g. 's3://bucket/runs,/data/exp'. (Required)")
	f.CacheDir = fs.String("cache-dir", "", "Local directory to mirror into. Empty uses a temporary directory removed on exit.")
	f.SyncInterval = fs.Float64("sync-interval", 30, "Seconds between sync passes. 0 syncs once.")
	f.SyncWorkers = fs.Int("sync-workers", 0, "Number of concurrent file transfers per source (0 = automatic).")
	f.RetryCount = fs.Int("retry-count", 0, "Number of retries for a failed file transfer.")
	f.RetryWait = fs.Float64("retry-wait", 0, "Seconds to wait between retries.")
	f.Marker = fs.String("marker", "tfevents", "Substring identifying event-log files.")
	f.Progress = fs.Bool("progress", false, "Log progress while a pass is running.")
	f.Force = fs.Bool("force", false, "Bypass confirmation prompts.")

	f.RateLimit = fs.Float64("rate-limit", 0, "Maximum requests per second against remote backends (0 = unlimited).")
	f.S3Endpoint = fs.String("s3-endpoint", "", "Custom S3 endpoint URL (e.g. a MinIO server).")
	f.S3Region = fs.String("s3-region", "", "S3 region. Defaults to the AWS configuration chain.")
	f.OCIInsecure = fs.Bool("oci-insecure", false, "Allow plain HTTP OCI registries.")
}

func registerViewerFlags(fs *flag.FlagSet, f *cliFlags) {
	f.ViewerCommand = fs.String("viewer-command", "tensorboard", "Viewer executable started with --logdir <cache dir>.")
}

// defaultConfigFile mirrors config.DefaultFileName; flagparse must not import config.
const defaultConfigFile = "pgl-tbviewer.yaml"

// Parse parses the provided arguments (usually os.Args[1:]) and returns the command and flag map.
//
// For view, flags this program does not know and everything after "--" are
// collected under "viewer-args" and handed to the viewer unchanged. Bare
// arguments are remote URIs and are appended to "uris".
func Parse(args []string) (Command, map[string]interface{}, error) {
	// Handle top-level help
	// If no arguments provided, print help and exit.
	if len(args) == 0 {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	cmdStr := strings.ToLower(args[0])

	if cmdStr == "help" || cmdStr == "-h" || cmdStr == "-help" || cmdStr == "--help" {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	f := &cliFlags{}

	// A leading flag means the default command.
	command := View
	rest := args
	if !strings.HasPrefix(cmdStr, "-") {
		var err error
		command, err = ParseCommand(cmdStr)
		if err != nil {
			return None, nil, err
		}
		rest = args[1:]
	}

	switch command {
	case View:
		fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
		registerGlobalFlags(fs, f)
		registerSyncFlags(fs, f)
		registerViewerFlags(fs, f)

		fs.Usage = func() {
			printSubcommandUsage(command, "Mirror event logs into the cache directory and run the viewer on it.", fs)
		}

		known, positional, forwarded := splitKnownArgs(fs, rest)
		if err := fs.Parse(known); err != nil {
			return command, nil, err
		}
		flagMap := flagsToMap(fs, f)
		addPositionalURIs(flagMap, positional)
		if len(forwarded) > 0 {
			flagMap["viewer-args"] = forwarded
		}
		return command, flagMap, nil

	case Sync, Init:
		fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
		registerGlobalFlags(fs, f)
		registerSyncFlags(fs, f)
		desc := "Mirror event logs into the cache directory without starting a viewer."
		if command == Init {
			registerViewerFlags(fs, f)
			desc = "Write a configuration file from defaults merged with the given flags."
		}

		fs.Usage = func() {
			printSubcommandUsage(command, desc, fs)
		}

		known, positional, forwarded := splitKnownArgs(fs, rest)
		if err := fs.Parse(known); err != nil {
			return command, nil, err
		}
		if len(forwarded) > 0 {
			return command, nil, fmt.Errorf("unknown arguments for %s: %s", command, strings.Join(forwarded, " "))
		}
		flagMap := flagsToMap(fs, f)
		addPositionalURIs(flagMap, positional)
		return command, flagMap, nil

	case Version:
		return command, nil, nil

	default:
		return None, nil, fmt.Errorf("unknown command: %s", args[0])
	}
}

// splitKnownArgs partitions args into flags registered on fs (with their
// values), bare positional arguments, and everything else. An unknown flag
// written as "-name value" takes the following bare argument with it.
func splitKnownArgs(fs *flag.FlagSet, args []string) (known, positional, unknown []string) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			unknown = append(unknown, args[i+1:]...)
			break
		}
		if len(arg) < 2 || arg[0] != '-' {
			positional = append(positional, arg)
			continue
		}

		name, _, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		takesNext := !hasValue && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-")

		if name == "h" || name == "help" {
			known = append(known, arg)
			continue
		}

		fl := fs.Lookup(name)
		if fl == nil {
			unknown = append(unknown, arg)
			if takesNext {
				unknown = append(unknown, args[i+1])
				i++
			}
			continue
		}

		known = append(known, arg)
		if !isBoolFlag(fl) && !hasValue && i+1 < len(args) {
			known = append(known, args[i+1])
			i++
		}
	}
	return known, positional, unknown
}

func isBoolFlag(fl *flag.Flag) bool {
	bf, ok := fl.Value.(interface{ IsBoolFlag() bool })
	return ok && bf.IsBoolFlag()
}

func addPositionalURIs(flagMap map[string]interface{}, positional []string) {
	if len(positional) == 0 {
		return
	}
	var uris []string
	if existing, ok := flagMap["uris"].([]string); ok {
		uris = existing
	}
	flagMap["uris"] = append(uris, positional...)
}

func flagsToMap(fs *flag.FlagSet, f *cliFlags) map[string]interface{} {
	// Create a map of the flags that were explicitly set by the user, along with their values.
	// This map is used to selectively override the base configuration.
	usedFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]any)

	addIfUsed(flagMap, usedFlags, "log-level", f.LogLevel)
	addIfUsed(flagMap, usedFlags, "quiet", f.Quiet)
	addIfUsed(flagMap, usedFlags, "metrics", f.Metrics)
	addIfUsed(flagMap, usedFlags, "config", f.Config)

	addIfUsed(flagMap, usedFlags, "cache-dir", f.CacheDir)
	addIfUsed(flagMap, usedFlags, "sync-interval", f.SyncInterval)
	addIfUsed(flagMap, usedFlags, "sync-workers", f.SyncWorkers)
	addIfUsed(flagMap, usedFlags, "retry-count", f.RetryCount)
	addIfUsed(flagMap, usedFlags, "retry-wait", f.RetryWait)
	addIfUsed(flagMap, usedFlags, "marker", f.Marker)
	addIfUsed(flagMap, usedFlags, "progress", f.Progress)
	addIfUsed(flagMap, usedFlags, "force", f.Force)

	addIfUsed(flagMap, usedFlags, "rate-limit", f.RateLimit)
	addIfUsed(flagMap, usedFlags, "s3-endpoint", f.S3Endpoint)
	addIfUsed(flagMap, usedFlags, "s3-region", f.S3Region)
	addIfUsed(flagMap, usedFlags, "oci-insecure", f.OCIInsecure)

	addIfUsed(flagMap, usedFlags, "viewer-command", f.ViewerCommand)

	// Handle flags that require parsing/validation.
	addParsedIfUsed(flagMap, usedFlags, "uris", f.URIs, ParseURIList)

	return flagMap
}

// addIfUsed adds the value of ptr to flagMap if ptr is not nil and the flag was set.
func addIfUsed[T any](flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *T) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = *ptr
	}
}

// addParsedIfUsed adds the parsed value of ptr to flagMap if ptr is not nil and the flag was set.
func addParsedIfUsed(flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *string, parser func(string) []string) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = parser(*ptr)
	}
}

// printTopLevelUsage prints the main help message.
func printTopLevelUsage(fs *flag.FlagSet) {

	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Mirror remote event logs locally and browse them with a viewer.\n\n")
	fmt.Fprintf(fs.Output(), "Usage: %s <command> [flags] [uri...] [-- viewer args]\n\n", execName)
	fmt.Fprintf(fs.Output(), "Commands:\n")
	fmt.Fprintf(fs.Output(), "  view        Mirror and run the viewer (default when the first argument is a flag)\n")
	fmt.Fprintf(fs.Output(), "  sync        Mirror only\n")
	fmt.Fprintf(fs.Output(), "  init        Write a configuration file\n")
	fmt.Fprintf(fs.Output(), "  version     Print the application version\n")
	fmt.Fprintf(fs.Output(), "\nRun '%s <command> -help' for more information on a command.\n", execName)
}

// printSubcommandUsage prints the help message for a specific subcommand.
func printSubcommandUsage(command Command, desc string, fs *flag.FlagSet) {

	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Mirror remote event logs locally and browse them with a viewer.\n\n")
	fmt.Fprintf(fs.Output(), "Usage of the %s command: %s %s [flags] [uri...]\n\n", command, execName, command)
	fmt.Fprintf(fs.Output(), "%s\n\n", desc)
	if command == View {
		fmt.Fprintf(fs.Output(), "Unknown flags and anything after '--' are passed to the viewer.\n")
		fmt.Fprintf(fs.Output(), "Write viewer flags as -name=value or after '--' when a URI follows them.\n\n")
	}
	fmt.Fprintf(fs.Output(), "Flags:\n")
	fs.PrintDefaults()
}

// ParseURIList parses a comma-separated list of remote URIs or local paths.
// Single or double quotes group items containing commas or spaces and are
// removed. Backslashes are literal for Windows path compatibility.
func ParseURIList(s string) []string {
	var list []string
	var current strings.Builder
	var quoteChar rune

	appendItem := func() {
		trimmed := strings.TrimSpace(current.String())
		if trimmed != "" {
			list = append(list, trimmed)
		}
		current.Reset()
	}

	for _, r := range s {
		switch {
		case r == '\'' || r == '"':
			if quoteChar == 0 {
				quoteChar = r
			} else if quoteChar == r {
				quoteChar = 0
			} else { // A different quote character inside an existing quoted section.
				current.WriteRune(r)
			}
		case r == ',' && quoteChar == 0:
			appendItem()
		default:
			current.WriteRune(r)
		}
	}
	appendItem()
	return list
}
