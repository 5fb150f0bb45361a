package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-crypto-pipeline/internal/models"
	"github.com/johnayoung/go-crypto-pipeline/internal/storage"
)

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func nullDecimal(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.String()
}

func writeMarketCSV(w io.Writer, points []models.MarketPoint) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"coin_id", "coin_symbol", "timestamp", "date", "price", "market_cap", "total_volume"}); err != nil {
		return err
	}
	for _, p := range points {
		row := []string{
			p.CoinID,
			p.Symbol,
			strconv.FormatInt(p.Timestamp, 10),
			p.Date,
			p.Price.String(),
			nullDecimal(p.MarketCap),
			nullDecimal(p.TotalVolume),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeMarketTable(w io.Writer, points []models.MarketPoint) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tTIMESTAMP\tSYMBOL\tPRICE\tMARKET CAP\tVOLUME")
	for _, p := range points {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.Date,
			p.Time().Format("15:04:05"),
			p.Symbol,
			p.Price.StringFixed(6),
			orDash(nullDecimal(p.MarketCap)),
			orDash(nullDecimal(p.TotalVolume)))
	}
	return tw.Flush()
}

func writeCoinsTable(w io.Writer, coins []models.CoinSummary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "COIN\tSYMBOL\tFIRST\tLAST\tRECORDS")
	for _, c := range coins {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n",
			c.CoinID,
			c.Symbol,
			c.FirstDate.Format(models.DateLayout),
			c.LastDate.Format(models.DateLayout),
			c.TotalRecords)
	}
	return tw.Flush()
}

func writeStatsTable(w io.Writer, stats []models.ExtractionStats) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tCOUNT\tAVG SECONDS\tRECORDS")
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%d\t%.2f\t%d\n", s.Status, s.Count, s.AvgTimeSeconds, s.TotalRecords)
	}
	return tw.Flush()
}

func writeCoinStatsTable(w io.Writer, stats []models.CoinExtractionStats) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "COIN\tRUNS\tOK\tFAILED\tRECORDS\tAVG SECONDS\tLAST")
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%.2f\t%s\n",
			s.CoinID,
			s.TotalExtractions,
			s.Successful,
			s.Failed,
			s.TotalRecords,
			s.AvgTimeSeconds,
			s.LastExtraction.UTC().Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

func writeMigrationStatus(w io.Writer, status *storage.MigrationStatus) error {
	fmt.Fprintf(w, "Schema version %d of %d (%d pending)\n", status.CurrentVersion, status.LatestVersion, status.PendingMigrations)
	if len(status.AppliedMigrations) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tDESCRIPTION\tAPPLIED")
	for _, m := range status.AppliedMigrations {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", m.Version, m.Description, m.AppliedAt.UTC().Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

func writeLogTable(w io.Writer, entries []models.ExtractionOutcome) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tCOIN\tFROM\tTO\tSTATUS\tRECORDS\tSECONDS\tERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%.2f\t%s\n",
			e.ID,
			e.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			e.CoinID,
			e.FromDate.Format(models.DateLayout),
			e.ToDate.Format(models.DateLayout),
			e.Status,
			e.RecordsInserted,
			e.ElapsedSeconds,
			truncate(e.Message(), 60))
	}
	return tw.Flush()
}

// writeSummary prints the end-of-run report.
func writeSummary(w io.Writer, s *models.RunSummary) {
	fmt.Fprintf(w, "Run %s (%s)\n", s.RunID, s.Window.String())
	fmt.Fprintf(w, "  tokens attempted: %d\n", s.Attempted)
	fmt.Fprintf(w, "  successful:       %d\n", s.Successful)
	fmt.Fprintf(w, "  no data:          %d\n", s.NoData)
	fmt.Fprintf(w, "  failed:           %d\n", s.Failed)
	fmt.Fprintf(w, "  records:          %d (%.1f per token)\n", s.TotalRecords, s.AverageRecords())
	fmt.Fprintf(w, "  success rate:     %.1f%%\n", s.SuccessRate()*100)
	fmt.Fprintf(w, "  elapsed:          %s\n", s.Elapsed.Round(time.Millisecond))

	for _, o := range s.Outcomes {
		if o.Status == models.StatusError {
			fmt.Fprintf(w, "  ! %s: %s\n", o.CoinID, o.Message())
		}
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
