package backtest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"signaltrader/internal/domain"
)

// LogEntry is one line of a historical signal log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	RawText   string    `json:"raw_text"`
	ChannelID string    `json:"channel_id"`
	MessageID int64     `json:"message_id,omitempty"`
}

const maxLine = 1 << 20

// LoadLog reads JSON lines and returns the signals ordered by timestamp.
// Entries with equal timestamps keep their file order.
func LoadLog(r io.Reader) ([]domain.RawSignal, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	var out []domain.RawSignal
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal([]byte(text), &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if e.Timestamp.IsZero() {
			return nil, fmt.Errorf("line %d: missing timestamp", line)
		}
		out = append(out, domain.RawSignal{
			Timestamp: e.Timestamp.UTC(),
			Text:      e.RawText,
			ChannelID: e.ChannelID,
			MessageID: e.MessageID,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read signal log: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func LoadLogFile(path string) ([]domain.RawSignal, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadLog(f)
}
