// Package stats derives per-instance timing and throughput metrics.
//
// Token counts default to a whitespace word count of the emitted text. When
// the backend reports its own evaluation count, that figure is used instead,
// so counts may differ between backends that report usage and those that do not.
package stats

import (
	"strings"
	"sync"
	"time"

	"github.com/sammy995/Local-LLM-Arena/internal/domain"
)

// Compute builds Metrics from raw timestamps. A zero firstToken means no
// first token was observed, in which case latency equals the total duration.
func Compute(start, firstToken, end time.Time, tokens int) domain.Metrics {
	duration := end.Sub(start).Seconds()
	if duration < 0 {
		duration = 0
	}

	firstTokenLatency := duration
	if !firstToken.IsZero() {
		firstTokenLatency = firstToken.Sub(start).Seconds()
		if firstTokenLatency < 0 {
			firstTokenLatency = 0
		}
	}

	if tokens < 0 {
		tokens = 0
	}

	var tps float64
	if duration > 0 {
		tps = float64(tokens) / duration
	}

	return domain.Metrics{
		Tokens:            tokens,
		DurationSeconds:   duration,
		FirstTokenSeconds: firstTokenLatency,
		TokensPerSecond:   tps,
	}
}

func CountWords(text string) int {
	return len(strings.Fields(text))
}

// Collector accumulates one instance's output. It is finalized exactly once;
// later calls to Finish return the first result.
type Collector struct {
	mu         sync.Mutex
	now        func() time.Time
	start      time.Time
	firstToken time.Time
	text       strings.Builder
	reported   int
	done       bool
	result     domain.Metrics
}

func NewCollector() *Collector {
	return newCollectorWithClock(time.Now)
}

func newCollectorWithClock(now func() time.Time) *Collector {
	return &Collector{now: now, start: now()}
}

// Observe records an emitted text fragment.
func (c *Collector) Observe(fragment string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done {
		return
	}
	if c.firstToken.IsZero() && fragment != "" {
		c.firstToken = c.now()
	}
	c.text.WriteString(fragment)
}

// Append records text that arrived in one piece, without a distinct first token.
func (c *Collector) Append(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.done {
		c.text.WriteString(text)
	}
}

// ReportTokens records a backend-supplied token count, which overrides the word count.
func (c *Collector) ReportTokens(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.done && n > 0 {
		c.reported = n
	}
}

func (c *Collector) Finish() domain.Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done {
		return c.result
	}

	tokens := c.reported
	if tokens == 0 {
		tokens = CountWords(c.text.String())
	}

	c.result = Compute(c.start, c.firstToken, c.now(), tokens)
	c.done = true
	return c.result
}
