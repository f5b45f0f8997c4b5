package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"
)

// DefaultSchedule refreshes the proxy every six hours.
const DefaultSchedule = "0 */6 * * *"

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextCronDuration parses a 5-field cron expression and returns the duration
// until the next fire time after now. Returns 0 on parse error.
func nextCronDuration(expr string, now time.Time) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	d := sched.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Refresher holds the current proxy URL and renews it on a cron schedule.
// A failed refresh keeps the previous URL.
type Refresher struct {
	fetcher  Fetcher
	schedule string
	logger   *log.Logger
	current  atomic.Pointer[url.URL]
}

// RefresherOpts holds parameters for creating a Refresher.
type RefresherOpts struct {
	Fetcher  Fetcher
	Schedule string // 5-field cron; defaults to DefaultSchedule
	Logger   *log.Logger
}

// NewRefresher creates a Refresher.
func NewRefresher(opts RefresherOpts) (*Refresher, error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("proxy: fetcher is required")
	}
	schedule := opts.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("proxy: schedule %q: %w", schedule, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Refresher{fetcher: opts.Fetcher, schedule: schedule, logger: logger}, nil
}

// Refresh fetches a proxy now and makes it current.
func (r *Refresher) Refresh(ctx context.Context) error {
	raw, err := r.fetcher.Fetch(ctx)
	if err != nil {
		return err
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("proxy: parse %q: %w", raw, err)
	}
	r.current.Store(u)
	r.logger.Info("proxy refreshed", "host", u.Host)
	return nil
}

// Current returns the active proxy URL, or nil when none has been fetched.
func (r *Refresher) Current() *url.URL {
	return r.current.Load()
}

// Proxy implements http.Transport.Proxy. Requests go direct until a proxy
// has been fetched.
func (r *Refresher) Proxy(*http.Request) (*url.URL, error) {
	return r.current.Load(), nil
}

// HTTPClient returns a client whose transport routes through the current proxy.
func (r *Refresher) HTTPClient() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.Proxy = r.Proxy
	return &http.Client{Transport: tr}
}

// Run fetches a proxy immediately and then on every schedule tick until ctx
// is cancelled.
func (r *Refresher) Run(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn("proxy fetch failed; using direct connection", "err", err)
	}

	timer := time.NewTimer(r.next())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Warn("proxy refresh failed; keeping previous", "err", err)
			}
			timer.Reset(r.next())
		}
	}
}

func (r *Refresher) next() time.Duration {
	d := nextCronDuration(r.schedule, time.Now())
	if d <= 0 {
		d = time.Minute
	}
	return d
}
