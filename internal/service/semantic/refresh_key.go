package semantic

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"duck-semantic/internal/dialect"
	"duck-semantic/internal/domain"
)

const (
	defaultCubeRefreshEvery   = "10 seconds"
	defaultPreAggRefreshEvery = "1 hour"
	maxRenewalThreshold       = 300
)

var (
	everyIntervalPattern = regexp.MustCompile(`^(\d+) (second|minute|hour|day|week)s?$`)
	uniformCronPattern   = regexp.MustCompile(`^(\*|\d+)? ?(\*|\d+) (\*|\d+) \* \* (\*|\d+)$`)
	spacesPattern        = regexp.MustCompile(` +`)
	selectPrefixPattern  = regexp.MustCompile(`(?is)^(select|with)\s`)

	cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	// cronEpoch is Monday 2018-01-01 00:00 UTC; cron offsets are measured from it.
	cronEpoch = time.Date(2018, time.January, 1, 0, 0, 0, 0, time.UTC)
)

var unitSeconds = map[string]int64{
	"second": 1,
	"minute": 60,
	"hour":   3600,
	"day":    86400,
	"week":   604800,
}

// RefreshKeyQuery is a probe whose result changes when cached data goes stale.
type RefreshKeyQuery struct {
	SQL    string        `json:"sql"`
	Params []interface{} `json:"params"`
	// RenewalThreshold is how many seconds a probed value stays trustworthy.
	RenewalThreshold int64 `json:"renewalThreshold"`
}

// cronBucket is a cron schedule reduced to a uniform bucket.
type cronBucket struct {
	dayOffset int64
	interval  int64
}

func parseCronBucket(every string) (cronBucket, error) {
	sched, err := cronParser.Parse(every)
	if err != nil {
		return cronBucket{}, domain.ErrUser("Invalid cron string '%s' in refresh_key (%v)", every, err)
	}
	first := sched.Next(cronEpoch.Add(-time.Second))
	next := sched.Next(first)
	after := sched.Next(next)
	if first.IsZero() || next.IsZero() || after.IsZero() {
		return cronBucket{}, domain.ErrUser("Invalid cron string '%s' in refresh_key (no upcoming activation)", every)
	}
	normalized := strings.TrimSpace(spacesPattern.ReplaceAllString(every, " "))
	if !uniformCronPattern.MatchString(normalized) {
		return cronBucket{}, domain.ErrUser("Your cron string ('%s') is correct, but we support only equal time intervals.", every)
	}
	return cronBucket{
		dayOffset: int64(first.Sub(cronEpoch) / time.Second),
		interval:  int64(after.Sub(next) / time.Second),
	}, nil
}

// everySeconds returns the bucket width of an "N unit" spec.
func everySeconds(every string) (int64, bool) {
	m := everyIntervalPattern.FindStringSubmatch(every)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n * unitSeconds[m[2]], true
}

// EveryRefreshKeySQL renders the bucket number of the current time for an
// every spec. "N unit" specs bucket epoch seconds directly. Cron specs must
// fire at a fixed period; they are shifted by the timezone's UTC offset at
// now and by the first activation after Monday 2018-01-01.
func EveryRefreshKeySQL(d dialect.Dialect, every, timezone string, now time.Time) (string, error) {
	if every == "" {
		every = defaultPreAggRefreshEvery
	}
	if secs, ok := everySeconds(every); ok {
		return fmt.Sprintf("FLOOR((%s) / %d)", d.EpochNow(), secs), nil
	}
	bucket, err := parseCronBucket(every)
	if err != nil {
		return "", err
	}
	utcOffset, err := utcOffsetSeconds(timezone, now)
	if err != nil {
		return "", err
	}
	// dayOffset is subtracted so the bucket number changes at each activation rather than at Monday midnight.
	return fmt.Sprintf("FLOOR((%d + %s - %d) / %d)", utcOffset, d.EpochNow(), bucket.dayOffset, bucket.interval), nil
}

func utcOffsetSeconds(timezone string, now time.Time) (int, error) {
	if timezone == "" {
		return 0, nil
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return 0, domain.ErrUser("unknown timezone %q", timezone)
	}
	_, offset := now.In(loc).Zone()
	return offset, nil
}

// renewalThreshold is a tenth of the refresh period, clamped to [1, 300] seconds.
func renewalThreshold(every string) int64 {
	period := int64(0)
	if secs, ok := everySeconds(every); ok {
		period = secs
	} else if bucket, err := parseCronBucket(every); err == nil {
		period = bucket.interval
	}
	t := (period + 5) / 10
	if t < 1 {
		t = 1
	}
	if t > maxRenewalThreshold {
		t = maxRenewalThreshold
	}
	return t
}

// refreshKeySelect turns an expression into a probe; full statements are
// kept as written.
func refreshKeySelect(sql string) string {
	sql = strings.TrimSpace(sql)
	if selectPrefixPattern.MatchString(sql) {
		return sql
	}
	return "SELECT " + sql + " as refresh_key"
}

// refreshKeyQuery builds the probe for rk, falling back to defaultEvery.
// timezone is used for cron specs when rk has none.
func refreshKeyQuery(d dialect.Dialect, rk *domain.RefreshKey, defaultEvery, timezone string, now time.Time) (RefreshKeyQuery, error) {
	if rk != nil && strings.TrimSpace(rk.SQL) != "" {
		return RefreshKeyQuery{SQL: refreshKeySelect(rk.SQL), Params: []interface{}{}, RenewalThreshold: 10}, nil
	}
	every := defaultEvery
	if rk != nil && rk.Every != "" {
		every = rk.Every
		if rk.Timezone != "" {
			timezone = rk.Timezone
		}
	}
	sql, err := EveryRefreshKeySQL(d, every, timezone, now)
	if err != nil {
		return RefreshKeyQuery{}, err
	}
	return RefreshKeyQuery{SQL: refreshKeySelect(sql), Params: []interface{}{}, RenewalThreshold: renewalThreshold(every)}, nil
}
