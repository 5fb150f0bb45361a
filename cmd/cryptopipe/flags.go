package main

import (
	"fmt"
	"strconv"

	"github.com/johnayoung/go-crypto-pipeline/internal/models"
)

// usageError marks a malformed command line.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// GlobalFlags precede the command name.
type GlobalFlags struct {
	ConfigPath string
	Help       bool
	Version    bool
}

// ExtractFlags represents flags for the extract command
type ExtractFlags struct {
	From   string
	To     string
	Tokens []models.Token
	Help   bool
}

// UpdateFlags represents flags for the update command
type UpdateFlags struct {
	Token models.Token
	From  string
	To    string
	Help  bool
}

// QueryFlags represents flags for the query command
type QueryFlags struct {
	Coin   string
	Start  string
	End    string
	Limit  int
	Format string
	Help   bool
}

// LogFlags represents flags for the log command
type LogFlags struct {
	Limit int
	Help  bool
}

// DeleteFlags represents flags for the delete command
type DeleteFlags struct {
	Coin string
	Help bool
}

// GapsFlags represents flags for the gaps command
type GapsFlags struct {
	Token    models.Token
	Start    string
	End      string
	Days     int
	Backfill bool
	Help     bool
}

// MigrateFlags represents flags for the migrate command. To < 0 means the
// latest schema version.
type MigrateFlags struct {
	To     int
	Status bool
	Help   bool
}

// ScheduleFlags represents flags for the schedule command
type ScheduleFlags struct {
	Cron   string
	Days   int
	Tokens []models.Token
	Help   bool
}

// value returns the argument following args[*i] and advances i.
func value(args []string, i *int) (string, error) {
	if *i+1 >= len(args) {
		return "", usagef("%s requires a value", args[*i])
	}
	*i++
	return args[*i], nil
}

func intValue(args []string, i *int) (int, error) {
	name := args[*i]
	raw, err := value(args, i)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, usagef("invalid %s value %q", name, raw)
	}
	return n, nil
}

func tokensValue(args []string, i *int) ([]models.Token, error) {
	raw, err := value(args, i)
	if err != nil {
		return nil, err
	}
	tokens, err := models.ParseTokens(raw)
	if err != nil {
		return nil, usagef("invalid --tokens: %v", err)
	}
	return tokens, nil
}

// parseGlobalFlags consumes leading global flags and returns the command and
// its arguments.
func parseGlobalFlags(args []string) (*GlobalFlags, string, []string, error) {
	flags := &GlobalFlags{ConfigPath: defaultConfigPath}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			path, err := value(args, &i)
			if err != nil {
				return nil, "", nil, err
			}
			flags.ConfigPath = path
		case "--help", "-h", "help":
			flags.Help = true
			return flags, "", args[i+1:], nil
		case "--version", "-v":
			flags.Version = true
			return flags, "", nil, nil
		default:
			if len(args[i]) > 0 && args[i][0] == '-' {
				return nil, "", nil, usagef("unknown global flag: %s", args[i])
			}
			return flags, args[i], args[i+1:], nil
		}
	}

	return flags, "", nil, nil
}

func parseExtractFlags(args []string) (*ExtractFlags, error) {
	flags := &ExtractFlags{}

	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--from", "-f":
			flags.From, err = value(args, &i)
		case "--to", "-t":
			flags.To, err = value(args, &i)
		case "--tokens":
			flags.Tokens, err = tokensValue(args, &i)
		case "--help", "-h":
			flags.Help = true
		default:
			err = usagef("unknown flag: %s", args[i])
		}
		if err != nil {
			return nil, err
		}
	}

	if (flags.From == "") != (flags.To == "") {
		return nil, usagef("--from and --to must be given together")
	}
	return flags, nil
}

func parseUpdateFlags(args []string) (*UpdateFlags, error) {
	flags := &UpdateFlags{}
	var tokenSet bool

	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--token":
			var raw string
			if raw, err = value(args, &i); err == nil {
				if flags.Token, err = models.ParseToken(raw); err != nil {
					err = usagef("invalid --token: %v", err)
				}
				tokenSet = true
			}
		case "--from", "-f":
			flags.From, err = value(args, &i)
		case "--to", "-t":
			flags.To, err = value(args, &i)
		case "--help", "-h":
			flags.Help = true
		default:
			err = usagef("unknown flag: %s", args[i])
		}
		if err != nil {
			return nil, err
		}
	}

	if flags.Help {
		return flags, nil
	}
	if !tokenSet {
		return nil, usagef("--token is required")
	}
	if (flags.From == "") != (flags.To == "") {
		return nil, usagef("--from and --to must be given together")
	}
	return flags, nil
}

func parseQueryFlags(args []string) (*QueryFlags, error) {
	flags := &QueryFlags{
		Limit:  100,
		Format: "table",
	}

	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--coin", "-c":
			flags.Coin, err = value(args, &i)
		case "--start", "-s":
			flags.Start, err = value(args, &i)
		case "--end", "-e":
			flags.End, err = value(args, &i)
		case "--limit", "-l":
			flags.Limit, err = intValue(args, &i)
		case "--format":
			flags.Format, err = value(args, &i)
			if err == nil && flags.Format != "table" && flags.Format != "json" && flags.Format != "csv" {
				err = usagef("invalid format %q, must be: table, json, or csv", flags.Format)
			}
		case "--help", "-h":
			flags.Help = true
		default:
			err = usagef("unknown flag: %s", args[i])
		}
		if err != nil {
			return nil, err
		}
	}

	if !flags.Help && flags.Coin == "" {
		return nil, usagef("--coin is required")
	}
	return flags, nil
}

func parseLogFlags(args []string) (*LogFlags, error) {
	flags := &LogFlags{Limit: 20}

	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--limit", "-l":
			flags.Limit, err = intValue(args, &i)
		case "--help", "-h":
			flags.Help = true
		default:
			err = usagef("unknown flag: %s", args[i])
		}
		if err != nil {
			return nil, err
		}
	}
	return flags, nil
}

func parseDeleteFlags(args []string) (*DeleteFlags, error) {
	flags := &DeleteFlags{}

	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--coin", "-c":
			flags.Coin, err = value(args, &i)
		case "--help", "-h":
			flags.Help = true
		default:
			err = usagef("unknown flag: %s", args[i])
		}
		if err != nil {
			return nil, err
		}
	}

	if !flags.Help && flags.Coin == "" {
		return nil, usagef("--coin is required")
	}
	return flags, nil
}

func parseGapsFlags(args []string) (*GapsFlags, error) {
	flags := &GapsFlags{Days: 30}
	var tokenSet bool

	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--token":
			var raw string
			if raw, err = value(args, &i); err == nil {
				if flags.Token, err = models.ParseToken(raw); err != nil {
					err = usagef("invalid --token: %v", err)
				}
				tokenSet = true
			}
		case "--start", "-s":
			flags.Start, err = value(args, &i)
		case "--end", "-e":
			flags.End, err = value(args, &i)
		case "--days", "-d":
			flags.Days, err = intValue(args, &i)
			if err == nil && flags.Days < 1 {
				err = usagef("--days must be at least 1")
			}
		case "--backfill", "-b":
			flags.Backfill = true
		case "--help", "-h":
			flags.Help = true
		default:
			err = usagef("unknown flag: %s", args[i])
		}
		if err != nil {
			return nil, err
		}
	}

	if !flags.Help && !tokenSet {
		return nil, usagef("--token is required")
	}
	return flags, nil
}

func parseScheduleFlags(args []string) (*ScheduleFlags, error) {
	flags := &ScheduleFlags{}

	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--cron":
			flags.Cron, err = value(args, &i)
		case "--days", "-d":
			flags.Days, err = intValue(args, &i)
			if err == nil && flags.Days < 1 {
				err = usagef("--days must be at least 1")
			}
		case "--tokens":
			flags.Tokens, err = tokensValue(args, &i)
		case "--help", "-h":
			flags.Help = true
		default:
			err = usagef("unknown flag: %s", args[i])
		}
		if err != nil {
			return nil, err
		}
	}
	return flags, nil
}

func parseMigrateFlags(args []string) (*MigrateFlags, error) {
	flags := &MigrateFlags{To: -1}

	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--to":
			flags.To, err = intValue(args, &i)
			if err == nil && flags.To < 0 {
				err = usagef("--to must not be negative")
			}
		case "--status":
			flags.Status = true
		case "--help", "-h":
			flags.Help = true
		default:
			err = usagef("unknown flag: %s", args[i])
		}
		if err != nil {
			return nil, err
		}
	}

	if flags.Status && flags.To >= 0 {
		return nil, usagef("--status and --to are mutually exclusive")
	}
	return flags, nil
}

// parseNoFlags accepts only --help, for commands without options.
func parseNoFlags(args []string) (help bool, err error) {
	for _, arg := range args {
		switch arg {
		case "--help", "-h":
			help = true
		default:
			return false, usagef("unknown flag: %s", arg)
		}
	}
	return help, nil
}
