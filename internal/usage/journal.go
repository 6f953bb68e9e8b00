package usage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/neoclaw-ai/llmbot/internal/store"
)

// Record is one persisted usage entry.
type Record struct {
	Timestamp    time.Time `json:"timestamp"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	TotalTokens  int       `json:"total_tokens"`
}

// Totals holds aggregated token and call counts for calendar periods.
type Totals struct {
	TodayTokens int
	TodayCalls  int
	MonthTokens int
	MonthCalls  int
}

// Journal appends usage records to a JSONL file and aggregates them.
type Journal struct {
	path string
}

// NewJournal returns a journal for the given JSONL path.
func NewJournal(path string) *Journal {
	return &Journal{path: path}
}

// Append writes one usage record.
func (j *Journal) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if j.path == "" {
		return errors.New("usage journal path is required")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal usage record: %w", err)
	}
	if err := store.AppendFile(j.path, append(encoded, '\n')); err != nil {
		return fmt.Errorf("append usage record: %w", err)
	}
	return nil
}

// Totals returns today's and this month's totals relative to now, in local time.
func (j *Journal) Totals(ctx context.Context, now time.Time) (Totals, error) {
	var totals Totals

	if err := ctx.Err(); err != nil {
		return Totals{}, err
	}
	if j.path == "" {
		return Totals{}, errors.New("usage journal path is required")
	}
	if now.IsZero() {
		now = time.Now()
	}

	f, err := os.Open(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return totals, nil
	}
	if err != nil {
		return Totals{}, fmt.Errorf("open usage journal: %w", err)
	}
	defer f.Close()

	nowLocal := now.In(time.Local)
	todayYear, todayMonth, todayDay := nowLocal.Date()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return Totals{}, err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		y, m, d := rec.Timestamp.In(time.Local).Date()
		if y == todayYear && m == todayMonth {
			totals.MonthTokens += rec.TotalTokens
			totals.MonthCalls++
			if d == todayDay {
				totals.TodayTokens += rec.TotalTokens
				totals.TodayCalls++
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Totals{}, fmt.Errorf("scan usage journal: %w", err)
	}
	return totals, nil
}
