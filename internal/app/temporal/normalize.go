// Package temporal clamps and rounds task durations and datetimes to bounded,
// minute-granularity values before validation and persistence.
//
// Normalization is lenient: an unparseable duration becomes DefaultDuration
// and an unparseable datetime is passed through untouched so the validator can
// reject it. Every function here is idempotent.
package temporal

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/schedge/backend/internal/app/model"
)

const (
	MinDurationMinutes     = 5
	MaxDurationMinutes     = 3 * 24 * 60
	DefaultDurationMinutes = 60

	MinDuration = MinDurationMinutes * time.Minute
	MaxDuration = MaxDurationMinutes * time.Minute

	// DatetimeLayout is the normalized datetime form; UTC renders as +00:00.
	DatetimeLayout = "2006-01-02T15:04:05-07:00"
)

// Calendar approximations, not calendar-accurate.
const (
	minutesPerYear  = 365 * 24 * 60
	minutesPerMonth = 30 * 24 * 60
	minutesPerDay   = 24 * 60
)

var durationPattern = regexp.MustCompile(`^P(?:(\d{1,10})Y)?(?:(\d{1,10})M)?(?:(\d{1,10})D)?(?:T(?:(\d{1,10})H)?(?:(\d{1,10})M)?(?:(\d{1,10})S)?)?$`)

// ParseDurationMinutes converts P[nY][nM][nD]T[nH][nM][nS] to whole minutes.
// Seconds are truncated. The result is not clamped.
func ParseDurationMinutes(text string) (int64, bool) {
	m := durationPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	weights := [...]int64{minutesPerYear, minutesPerMonth, minutesPerDay, 60, 1}
	var minutes int64
	for i, weight := range weights {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil {
			return 0, false
		}
		minutes += n * weight
	}
	if m[6] != "" {
		secs, err := strconv.ParseInt(m[6], 10, 64)
		if err != nil {
			return 0, false
		}
		minutes += secs / 60
	}
	return minutes, true
}

// ParseDatetime accepts RFC 3339 datetimes, including a trailing Z.
func ParseDatetime(text string) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339Nano, text)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func FormatDuration(minutes int64) string {
	return fmt.Sprintf("PT%dM", minutes)
}

func FormatDatetime(t time.Time) string {
	return t.Format(DatetimeLayout)
}

func clampMinutes(minutes int64) int64 {
	if minutes < MinDurationMinutes {
		return MinDurationMinutes
	}
	if minutes > MaxDurationMinutes {
		return MaxDurationMinutes
	}
	return minutes
}

// RoundToMinute rounds to the nearest minute; 30 seconds and above round up.
func RoundToMinute(t time.Time) time.Time {
	if t.Second() >= 30 {
		t = t.Add(time.Minute)
	}
	return t.Truncate(time.Minute)
}

type Normalizer struct {
	Log zerolog.Logger
}

func NewNormalizer(log zerolog.Logger) *Normalizer {
	return &Normalizer{Log: log}
}

// Duration returns the clamped PT<minutes>M form of text, or PT60M when text
// cannot be parsed.
func (n *Normalizer) Duration(text string) string {
	minutes, ok := ParseDurationMinutes(text)
	if !ok {
		n.Log.Warn().Str("duration", text).Msg("invalid duration format, using default")
		return FormatDuration(DefaultDurationMinutes)
	}
	return FormatDuration(clampMinutes(minutes))
}

// Datetime rounds text to the minute. Unparseable input is returned unchanged.
func (n *Normalizer) Datetime(text string) string {
	t, ok := ParseDatetime(text)
	if !ok {
		n.Log.Warn().Str("datetime", text).Msg("failed to normalize datetime")
		return text
	}
	return FormatDatetime(RoundToMinute(t))
}

// Task normalizes every temporal field of task according to its variant and
// returns a new value. Absent fields stay absent; a field that was present
// on the wire is normalized even when empty.
func (n *Normalizer) Task(task model.Task) model.Task {
	out := task.Clone()
	switch out.Type {
	case model.TypeFixed:
		if out.Fixed != nil {
			n.fixed(out, out.Fixed)
		}
	case model.TypeContinuous:
		if c := out.Continuous; c != nil {
			c.Kickoff, c.Deadline, c.Duration = n.window(out, c.Kickoff, c.Deadline, c.Duration)
		}
	case model.TypeProject:
		if p := out.Project; p != nil {
			p.Kickoff, p.Deadline, p.Duration = n.window(out, p.Kickoff, p.Deadline, p.Duration)
			if tm := p.Timings; tm != nil {
				tm.Work = n.optionalDuration(out, model.FieldWork, tm.Work)
				tm.SmallBreak = n.optionalDuration(out, model.FieldSmallBreak, tm.SmallBreak)
				tm.BigBreak = n.optionalDuration(out, model.FieldBigBreak, tm.BigBreak)
			}
		}
	}
	return out
}

// fixed bounds end-start to [MinDuration, MaxDuration] by moving end only.
func (n *Normalizer) fixed(task model.Task, f *model.FixedSpec) {
	f.Start = n.optionalDatetime(task, model.FieldStart, f.Start)
	f.End = n.optionalDatetime(task, model.FieldEnd, f.End)

	start, okStart := ParseDatetime(f.Start)
	end, okEnd := ParseDatetime(f.End)
	if !okStart || !okEnd {
		return
	}
	switch span := end.Sub(start); {
	case span < MinDuration:
		f.End = FormatDatetime(start.Add(MinDuration))
	case span > MaxDuration:
		f.End = FormatDatetime(start.Add(MaxDuration))
	}
}

// window enforces the minimum kickoff..deadline span by moving deadline only.
func (n *Normalizer) window(task model.Task, kickoff, deadline, duration string) (string, string, string) {
	kickoff = n.optionalDatetime(task, model.FieldKickoff, kickoff)
	deadline = n.optionalDatetime(task, model.FieldDeadline, deadline)
	duration = n.optionalDuration(task, model.FieldDuration, duration)

	k, okK := ParseDatetime(kickoff)
	d, okD := ParseDatetime(deadline)
	if okK && okD && d.Sub(k) < MinDuration {
		deadline = FormatDatetime(k.Add(MinDuration))
	}
	return kickoff, deadline, duration
}

func (n *Normalizer) optionalDatetime(task model.Task, f model.Field, text string) string {
	if text == "" && !task.Has(f) {
		return text
	}
	return n.Datetime(text)
}

func (n *Normalizer) optionalDuration(task model.Task, f model.Field, text string) string {
	if text == "" && !task.Has(f) {
		return text
	}
	return n.Duration(text)
}
