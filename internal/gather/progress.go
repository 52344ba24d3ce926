package gather

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"marketfill/internal/domain"
)

// DefaultEmptyRetry is how long an identifier the vendor had nothing for is
// left out of later requests.
const DefaultEmptyRetry = 7 * 24 * time.Hour

// Tracker manages the progress files of one dataset.
//
// .last-completed holds the window end of the last finished run. .tried-empty
// holds one "IDENTIFIER<TAB>YYYY-MM-DD" line per identifier a finished job
// returned no rows for, dated with that job's window end. Such identifiers
// are skipped until the window end moves RetryAfter past that date.
type Tracker struct {
	RetryAfter time.Duration

	mu         sync.Mutex
	dir        string
	triedEmpty map[domain.Identifier]time.Time
}

// NewTracker loads the progress files under dir. Nothing is written until a
// Mark method is called. retryAfter <= 0 selects DefaultEmptyRetry.
func NewTracker(dir string, retryAfter time.Duration) (*Tracker, error) {
	if retryAfter <= 0 {
		retryAfter = DefaultEmptyRetry
	}
	pt := &Tracker{
		RetryAfter: retryAfter,
		dir:        dir,
		triedEmpty: make(map[domain.Identifier]time.Time),
	}

	data, err := os.ReadFile(filepath.Join(dir, ".tried-empty"))
	if errors.Is(err, fs.ErrNotExist) {
		return pt, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading .tried-empty: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		raw, date, _ := strings.Cut(line, "\t")
		id := domain.NewIdentifier(raw)
		if id.IsZero() {
			continue
		}
		// Undated or unparseable entries load as already expired.
		d, _ := domain.ParseDay(strings.TrimSpace(date))
		pt.triedEmpty[id] = d
	}
	return pt, nil
}

// IsTriedEmpty reports whether id returned no data in a job whose window end
// is less than RetryAfter before end.
func (p *Tracker) IsTriedEmpty(id domain.Identifier, end time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.triedEmpty[id]
	return ok && p.fresh(rec, end)
}

// Skipper returns IsTriedEmpty bound to end, for use with Without.
func (p *Tracker) Skipper(end time.Time) func(domain.Identifier) bool {
	return func(id domain.Identifier) bool { return p.IsTriedEmpty(id, end) }
}

func (p *Tracker) fresh(rec, end time.Time) bool {
	return !rec.IsZero() && domain.Day(end).Before(rec.Add(p.RetryAfter))
}

// MarkEmpty records ids as tried-empty for window end, drops entries that
// have expired by end and rewrites .tried-empty.
func (p *Tracker) MarkEmpty(ids []domain.Identifier, end time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	end = domain.Day(end)
	for id, rec := range p.triedEmpty {
		if !p.fresh(rec, end) {
			delete(p.triedEmpty, id)
		}
	}
	for _, id := range ids {
		p.triedEmpty[id] = end
	}

	lines := make([]string, 0, len(p.triedEmpty))
	for id, rec := range p.triedEmpty {
		lines = append(lines, id.String()+"\t"+rec.Format(domain.DateFormat))
	}
	sort.Strings(lines)
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return p.write(".tried-empty", b.String())
}

// MarkCompleted writes date to .last-completed.
func (p *Tracker) MarkCompleted(date string) error {
	return p.write(".last-completed", date)
}

// IsCompleted reports whether .last-completed holds date.
func (p *Tracker) IsCompleted(date string) bool {
	return p.LastCompleted() == date
}

// LastCompleted returns the date in .last-completed, or "".
func (p *Tracker) LastCompleted() string {
	data, err := os.ReadFile(filepath.Join(p.dir, ".last-completed"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (p *Tracker) write(name, content string) error {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("creating progress dir: %w", err)
	}
	path := filepath.Join(p.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming %s: %w", name, err)
	}
	return nil
}
