// Package schedule computes run times for recurring tasks. Fixed
// frequencies advance by an exact interval from the last run so repeated
// runs never accumulate drift; custom schedules use standard five-field
// cron expressions and are rejected at creation time when malformed.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/meschain/sync-core/internal/model"
)

// ErrInvalidSchedule is returned for an unknown frequency or a malformed
// cron expression.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Validate checks a frequency/cron pair without computing anything.
func Validate(freq model.Frequency, cronExpr string) error {
	switch freq {
	case model.FrequencyHourly, model.FrequencyDaily, model.FrequencyWeekly, model.FrequencyMonthly:
		return nil
	case model.FrequencyCustom:
		if cronExpr == "" {
			return fmt.Errorf("%w: custom frequency requires a cron expression", ErrInvalidSchedule)
		}
		if _, err := cron.ParseStandard(cronExpr); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown frequency %q", ErrInvalidSchedule, freq)
	}
}

// NextRun computes the run following from for the given schedule.
func NextRun(freq model.Frequency, cronExpr string, from time.Time) (time.Time, error) {
	switch freq {
	case model.FrequencyHourly:
		return from.Add(time.Hour), nil
	case model.FrequencyDaily:
		return from.Add(24 * time.Hour), nil
	case model.FrequencyWeekly:
		return from.Add(7 * 24 * time.Hour), nil
	case model.FrequencyMonthly:
		return from.AddDate(0, 1, 0), nil
	case model.FrequencyCustom:
		spec, err := cron.ParseStandard(cronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		return spec.Next(from), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown frequency %q", ErrInvalidSchedule, freq)
	}
}
