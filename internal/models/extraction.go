package models

import (
	"strings"
	"time"
)

// NoDataMessage is recorded for tokens whose window held no rows.
const NoDataMessage = "No data returned from API"

// ExtractionStatus is the terminal state of one token in a run.
type ExtractionStatus string

const (
	StatusSuccess ExtractionStatus = "SUCCESS"
	StatusError   ExtractionStatus = "ERROR"
	StatusNoData  ExtractionStatus = "NO_DATA"
)

// ExtractionOutcome is the append-only log record written for every token
// processed, whatever the result.
type ExtractionOutcome struct {
	ID              int64            `json:"id,omitempty" db:"id"`
	RunID           string           `json:"run_id" db:"run_id"`
	CoinID          string           `json:"coin_id" db:"coin_id"`
	FromDate        time.Time        `json:"from_date" db:"from_date"`
	ToDate          time.Time        `json:"to_date" db:"to_date"`
	RecordsInserted int              `json:"records_inserted" db:"records_inserted"`
	ElapsedSeconds  float64          `json:"execution_time_seconds" db:"execution_time_seconds"`
	Status          ExtractionStatus `json:"status" db:"status"`
	ErrorMessage    *string          `json:"error_message,omitempty" db:"error_message"`
	Timestamp       time.Time        `json:"timestamp" db:"timestamp"`
}

// NewOutcome builds an outcome for token over window. A non-nil err sets the
// status to ERROR and records its message. NO_DATA outcomes carry
// NoDataMessage.
func NewOutcome(runID string, token Token, window Window, records int, elapsed time.Duration, status ExtractionStatus, err error) ExtractionOutcome {
	outcome := ExtractionOutcome{
		RunID:           runID,
		CoinID:          token.ID,
		FromDate:        window.From,
		ToDate:          window.To,
		RecordsInserted: records,
		ElapsedSeconds:  elapsed.Seconds(),
		Status:          status,
		Timestamp:       time.Now().UTC(),
	}
	switch {
	case err != nil:
		msg := SanitizeMessage(err.Error())
		outcome.Status = StatusError
		outcome.ErrorMessage = &msg
	case status == StatusNoData:
		msg := NoDataMessage
		outcome.ErrorMessage = &msg
	}
	return outcome
}

// SanitizeMessage makes s safe for a text column: invalid UTF-8 becomes
// U+FFFD and NUL bytes are dropped.
func SanitizeMessage(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	return strings.ReplaceAll(s, "\x00", "")
}

// Message returns the error message or "".
func (o ExtractionOutcome) Message() string {
	if o.ErrorMessage == nil {
		return ""
	}
	return *o.ErrorMessage
}

// RunSummary aggregates the outcomes of one bulk run. It is computed from the
// outcomes themselves, never re-read from storage.
type RunSummary struct {
	RunID        string              `json:"run_id"`
	Window       Window              `json:"window"`
	Attempted    int                 `json:"tokens_attempted"`
	Successful   int                 `json:"successful"`
	NoData       int                 `json:"no_data"`
	Failed       int                 `json:"failed"`
	TotalRecords int                 `json:"total_records"`
	Elapsed      time.Duration       `json:"elapsed"`
	Outcomes     []ExtractionOutcome `json:"outcomes"`
}

// NewRunSummary folds outcomes into counters.
func NewRunSummary(runID string, window Window, outcomes []ExtractionOutcome, elapsed time.Duration) *RunSummary {
	summary := &RunSummary{
		RunID:    runID,
		Window:   window,
		Elapsed:  elapsed,
		Outcomes: outcomes,
	}
	for _, o := range outcomes {
		summary.Attempted++
		switch o.Status {
		case StatusSuccess:
			summary.Successful++
			summary.TotalRecords += o.RecordsInserted
		case StatusNoData:
			summary.NoData++
		default:
			summary.Failed++
		}
	}
	return summary
}

// SuccessRate is the share of attempted tokens that ended in SUCCESS.
func (s *RunSummary) SuccessRate() float64 {
	if s.Attempted == 0 {
		return 0
	}
	return float64(s.Successful) / float64(s.Attempted)
}

// AverageRecords is the mean number of rows per successful token.
func (s *RunSummary) AverageRecords() float64 {
	if s.Successful == 0 {
		return 0
	}
	return float64(s.TotalRecords) / float64(s.Successful)
}

// ExtractionStats aggregates the extraction log per status.
type ExtractionStats struct {
	Status         ExtractionStatus `json:"status" db:"status"`
	Count          int64            `json:"count" db:"count"`
	AvgTimeSeconds float64          `json:"avg_time_seconds" db:"avg_time_seconds"`
	TotalRecords   int64            `json:"total_records" db:"total_records"`
}

// CoinExtractionStats aggregates the extraction log per coin. Failed counts
// ERROR entries only; NO_DATA is neither a success nor a failure.
type CoinExtractionStats struct {
	CoinID           string    `json:"coin_id" db:"coin_id"`
	TotalExtractions int64     `json:"total_extractions" db:"total_extractions"`
	TotalRecords     int64     `json:"total_records" db:"total_records"`
	AvgTimeSeconds   float64   `json:"avg_execution_time" db:"avg_time_seconds"`
	Successful       int64     `json:"successful" db:"successful"`
	Failed           int64     `json:"failed" db:"failed"`
	LastExtraction   time.Time `json:"last_extraction" db:"last_extraction"`
}
