package main

import (
	"fmt"
	"io"
)

// printUsage prints the main usage information
func printUsage(w io.Writer) {
	fmt.Fprintf(w, `%s - CoinGecko market data extractor v%s

USAGE:
    %s [--config <path>] <command> [options]

COMMANDS:
    extract     Extract market history for all configured tokens
    update      Extract one token and fail on any error
    ping        Check that the API is reachable and the key is accepted
    query       Show stored market data for a coin
    coins       List stored coins with their date ranges
    stats       Summarize the extraction log by status and by coin
    log         Show recent extraction log entries
    delete      Remove all stored market data for a coin
    vacuum      Reclaim space in the database
    migrate     Show or change the database schema version
    gaps        Find days without stored data and optionally backfill them
    schedule    Run extractions on a cron schedule

GLOBAL OPTIONS:
    --config, -c   Configuration file (default: %s, optional)
    --help, -h     Show help information
    --version, -v  Show version information

CONFIGURATION:
    Settings come from the config file, a .env file and environment
    variables prefixed with CRYPTOPIPE_ (e.g. CRYPTOPIPE_STORAGE_DATABASE_PATH).
    The API key is read from api.key, COINGECKO_API_KEY or coinGeckoToken.

For detailed help on any command, use: %s <command> --help
`, AppName, Version, AppName, defaultConfigPath, AppName)
}

// printCommandHelp prints detailed help for a specific command
func printCommandHelp(w io.Writer, command string) {
	switch command {
	case "extract":
		fmt.Fprintf(w, `%s extract - Extract market history for all configured tokens

USAGE:
    %s extract [--from <date> --to <date>] [--tokens <list>]

OPTIONS:
    --from, -f <date>   Window start (YYYY-MM-DD, ISO-8601 or epoch seconds)
    --to, -t <date>     Window end
    --tokens <list>     Comma separated symbol:id pairs, e.g. aave:aave,cronos:crypto-com-chain

NOTES:
    - Without --from/--to the configured extraction window is used
    - A window may span at most 365 days and cannot start before 2009-01-01
    - Failed tokens are logged and the run continues
`, AppName, AppName)
	case "update":
		fmt.Fprintf(w, `%s update - Extract a single token

USAGE:
    %s update --token <symbol:id> [--from <date> --to <date>]
`, AppName, AppName)
	case "query":
		fmt.Fprintf(w, `%s query - Show stored market data

USAGE:
    %s query --coin <id> [--start <date>] [--end <date>] [--limit <n>] [--format table|json|csv]

OPTIONS:
    --coin, -c <id>     Coin ID (required)
    --start, -s <date>  First date, inclusive
    --end, -e <date>    Last date, inclusive
    --limit, -l <n>     Maximum rows (default: 100, 0 for all)
    --format <fmt>      Output format (default: table)
`, AppName, AppName)
	case "log":
		fmt.Fprintf(w, `%s log - Show recent extraction log entries

USAGE:
    %s log [--limit <n>]
`, AppName, AppName)
	case "delete":
		fmt.Fprintf(w, `%s delete - Remove stored market data for a coin

USAGE:
    %s delete --coin <id>

NOTES:
    - Extraction log entries are kept
`, AppName, AppName)
	case "schedule":
		fmt.Fprintf(w, `%s schedule - Run extractions on a cron schedule

USAGE:
    %s schedule [--cron <spec>] [--days <n>] [--tokens <list>]

OPTIONS:
    --cron <spec>       Cron expression or descriptor (default: schedule.cron)
    --days, -d <n>      Lookback window ending at each run (default: schedule.lookback_days)
    --tokens <list>     Comma separated symbol:id pairs

EXAMPLES:
    %s schedule --cron "0 1 * * *" --days 3
`, AppName, AppName, AppName)
	case "gaps":
		fmt.Fprintf(w, `%s gaps - Find days without stored data

USAGE:
    %s gaps --token <symbol:id> [--start <date>] [--end <date>] [--days <n>] [--backfill]

OPTIONS:
    --token <symbol:id>  Token to inspect (required)
    --start, -s <date>   First day to check (default: --days before --end)
    --end, -e <date>     Day after the last one checked (default: today)
    --days, -d <n>       Lookback when --start is not given (default: 30)
    --backfill, -b       Re-extract every gap found
`, AppName, AppName)
	case "migrate":
		fmt.Fprintf(w, `%s migrate - Show or change the database schema version

USAGE:
    %s migrate [--status | --to <version>]

OPTIONS:
    --status        Print the schema version and applied migrations only
    --to <version>  Migrate up, or roll back down, to this version (default: latest)

NOTES:
    - Requires storage.type duckdb
    - Rolling back below version 2 drops the extraction log
    - Every other command migrates to the latest version on start
`, AppName, AppName)
	case "ping", "coins", "stats", "vacuum":
		fmt.Fprintf(w, "%s %s takes no options.\n", AppName, command)
	default:
		fmt.Fprintf(w, "Unknown command: %s\n\n", command)
		printUsage(w)
	}
}
