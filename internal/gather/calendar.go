package gather

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"marketfill/internal/domain"
)

// CalendarClient is the part of the Alpaca trading client used here.
type CalendarClient interface {
	GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error)
}

// NewCalendarClient returns an Alpaca client, or nil when no credentials are
// configured.
func NewCalendarClient(apiKey, apiSecret, baseURL string) CalendarClient {
	if apiKey == "" || apiSecret == "" {
		return nil
	}
	return alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})
}

// LatestFinishedTradingDay returns the most recent trading day whose session
// has ended, counting today only after 20:05 ET so end-of-day data has
// settled.
func LatestFinishedTradingDay(client CalendarClient, now time.Time) (time.Time, error) {
	et, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.Time{}, fmt.Errorf("loading ET timezone: %w", err)
	}

	now = now.In(et)
	calendar, err := client.GetCalendar(alpaca.GetCalendarRequest{
		Start: now.AddDate(0, 0, -7),
		End:   now,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("GetCalendar: %w", err)
	}
	if len(calendar) == 0 {
		return time.Time{}, fmt.Errorf("no trading days returned from calendar")
	}

	today := now.Format(domain.DateFormat)
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), 20, 5, 0, 0, et)

	for i := len(calendar) - 1; i >= 0; i-- {
		day := calendar[i]
		if day.Date == today {
			if now.After(cutoff) {
				return domain.ParseDay(day.Date)
			}
			continue
		}
		d, err := domain.ParseDay(day.Date)
		if err != nil {
			continue
		}
		if d.Before(now) {
			return d, nil
		}
	}
	return time.Time{}, fmt.Errorf("could not determine latest finished trading day")
}

// WindowEnd returns the last day a run should cover: the latest finished
// trading day when a calendar is available, else yesterday.
func WindowEnd(client CalendarClient, now time.Time) time.Time {
	yesterday := domain.Day(now).AddDate(0, 0, -1)
	if client == nil {
		return yesterday
	}
	d, err := LatestFinishedTradingDay(client, now)
	if err != nil {
		slog.Warn("trading calendar unavailable, using yesterday", "err", err)
		return yesterday
	}
	return d
}
