package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/shaiso/etlflow/internal/domain"
	"github.com/shaiso/etlflow/internal/scheduler"
)

// scheduleView — расписание с вычисленным временем следующего запуска.
type scheduleView struct {
	domain.Schedule
	Error string `json:"error,omitempty"`
}

// NewSchedulesCmd создаёт команду вывода расписаний каталога.
func NewSchedulesCmd(catalogFn func() (*domain.Catalog, error), outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "schedules",
		Short: "List schedules and their next due time",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			catalog, err := catalogFn()
			if err != nil {
				return err
			}

			views := scheduleViews(catalog.Schedules, time.Now())

			headers := []string{"ID", "JOB", "CRON", "TIMEZONE", "ENABLED", "NEXT_DUE"}
			rows := make([][]string, len(views))
			for i, v := range views {
				enabled := "yes"
				if v.Disabled {
					enabled = "no"
				}
				next := "-"
				switch {
				case v.Error != "":
					next = "error: " + v.Error
				case v.NextDueAt != nil:
					next = v.NextDueAt.Format(time.RFC3339)
				}
				tz := v.Timezone
				if tz == "" {
					tz = "UTC"
				}
				rows[i] = []string{v.ID, v.JobID, v.CronExpr, tz, enabled, next}
			}

			out.Print(headers, rows, views)
			return nil
		},
	}
}

func scheduleViews(schedules []domain.Schedule, now time.Time) []scheduleView {
	views := make([]scheduleView, len(schedules))
	for i, sched := range schedules {
		views[i] = scheduleView{Schedule: sched}
		if sched.Disabled {
			continue
		}
		next, err := scheduler.CalculateNextDue(&sched, now)
		if err != nil {
			views[i].Error = err.Error()
			continue
		}
		views[i].NextDueAt = &next
	}
	return views
}
