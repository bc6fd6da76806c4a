package eventstore

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/labctl/fieldplane/internal/envelope"
)

// ReadResult is the outcome of scanning one or more day files.
type ReadResult struct {
	Events               []*envelope.Envelope
	MalformedLinesSkipped int
}

// Days lists the UTC day partitions present under root, most recent first.
func Days(root string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(root, "events"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	days := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			days = append(days, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(days)))
	return days, nil
}

// ReadDay tails up to maxLines lines of the given day's ingest.ndjson,
// reading from the end. Partial/malformed JSON lines are counted and
// skipped, never treated as fatal, per spec §4.1/§4.7.
func ReadDay(root, day string, maxLines int) (*ReadResult, error) {
	path := filepath.Join(root, "events", day, "ingest.ndjson")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ReadResult{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, err
	}

	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}

	res := &ReadResult{}
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		env, perr := envelope.Parse([]byte(line))
		if perr != nil || env.Type == "" || env.Src == "" || env.TsMs == 0 {
			res.MalformedLinesSkipped++
			continue
		}
		res.Events = append(res.Events, env)
	}
	return res, nil
}

// DaysInWindow returns the UTC day strings spanning [since, now], newest first,
// capped at maxDays (the 24h-window cap from §4.7 means callers usually pass 2).
func DaysInWindow(since time.Time, maxDays int) []string {
	now := time.Now().UTC()
	var days []string
	d := now
	for len(days) < maxDays && !d.Before(since.UTC().Truncate(24*time.Hour)) {
		days = append(days, d.Format("2006-01-02"))
		d = d.AddDate(0, 0, -1)
		if d.Before(since.UTC().Add(-24 * time.Hour)) {
			break
		}
	}
	if len(days) == 0 {
		days = []string{now.Format("2006-01-02")}
	}
	return days
}
