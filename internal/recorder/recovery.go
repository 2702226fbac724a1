package recorder

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/itrailmpool/miningcore/internal/events"
	"github.com/itrailmpool/miningcore/pkg/log"
)

// recoveryHeader is written once when the recovery file is created.
var recoveryHeader = []string{
	"# Share statistics diverted during a database outage.",
	"# One JSON-encoded share statistic per line; blank lines and '#' comments are skipped.",
	"# Replay with: sharerecover -file <this file>",
}

// replayBatchSize is the recovery replay buffer size.
const replayBatchSize = 100

// progressInterval paces replay progress reporting.
const progressInterval = 10 * time.Second

// RecoveryWriter appends share statistic batches to the recovery file.
// The file is UTF-8 without a byte order mark.
type RecoveryWriter struct {
	path string
	mu   sync.Mutex
}

// NewRecoveryWriter creates a writer for path. The file is created on first
// append.
func NewRecoveryWriter(path string) *RecoveryWriter {
	return &RecoveryWriter{path: path}
}

// Append writes one record per line, prefixing a newly created file with
// the replay header.
func (w *RecoveryWriter) Append(records []*events.ShareStatistic) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open recovery file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat recovery file: %w", err)
	}

	bw := bufio.NewWriter(f)
	if info.Size() == 0 {
		for _, line := range recoveryHeader {
			if _, err := bw.WriteString(line + "\n"); err != nil {
				return fmt.Errorf("failed to write recovery header: %w", err)
			}
		}
	}

	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal share statistic: %w", err)
		}
		if _, err := bw.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("failed to write share statistic: %w", err)
		}
	}
	return bw.Flush()
}

// RecoveryReport summarizes a replay run.
type RecoveryReport struct {
	Recovered int64
	Failed    int64
}

// RecoverShares replays a recovery file into the persist core, bypassing
// the fault policy: recovery is manual and persistence errors must surface.
// Blank lines and '#' comments are skipped; unparseable lines are counted
// as failures and reported.
func RecoverShares(ctx context.Context, persister Persister, path string, logger *log.Logger) (*RecoveryReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recovery file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	report := &RecoveryReport{}
	buf := make([]*events.ShareStatistic, 0, replayBatchSize)
	lastProgress := time.Now()

	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		if err := persister.PersistShareStatistics(ctx, buf); err != nil {
			return err
		}
		report.Recovered += int64(len(buf))
		buf = buf[:0]
		return nil
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var stat events.ShareStatistic
		if err := json.Unmarshal([]byte(line), &stat); err != nil {
			report.Failed++
			logger.WithError(err).Warn("skipping unparseable recovery line")
			continue
		}
		buf = append(buf, &stat)

		if len(buf) >= replayBatchSize {
			if err := flush(); err != nil {
				return report, err
			}
		}

		if time.Since(lastProgress) >= progressInterval {
			logger.Info("recovery in progress", "recovered", report.Recovered, "failed", report.Failed)
			lastProgress = time.Now()
		}
	}
	if err := scanner.Err(); err != nil {
		return report, fmt.Errorf("failed to read recovery file: %w", err)
	}

	if err := flush(); err != nil {
		return report, err
	}

	logger.Info("recovery complete", "recovered", report.Recovered, "failed", report.Failed)
	return report, nil
}
