package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shaiso/etlflow/internal/domain"
	"github.com/shaiso/etlflow/internal/engine"
	"github.com/shaiso/etlflow/internal/scheduler"
)

// NewValidateCmd создаёт команду проверки каталога.
func NewValidateCmd(catalogFn func() (*domain.Catalog, error), outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the job catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			catalog, err := loadValidCatalog(catalogFn)
			if err != nil {
				return err
			}

			steps := 0
			for _, job := range catalog.Jobs {
				steps += len(job.Steps)
			}
			out.Success(fmt.Sprintf("Catalog is valid: %d jobs, %d steps, %d resources, %d schedules",
				len(catalog.Jobs), steps, len(catalog.Resources), len(catalog.Schedules)))
			return nil
		},
	}
}

// NewCyclesCmd создаёт команду поиска циклов зависимостей.
func NewCyclesCmd(catalogFn func() (*domain.Catalog, error), outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cycles",
		Short: "Find dependency cycles between jobs and between steps",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			catalog, err := catalogFn()
			if err != nil {
				return err
			}

			found := catalogCycles(catalog)
			if len(found) == 0 {
				out.Success("No dependency cycles found")
				return nil
			}

			rows := make([][]string, len(found))
			for i, c := range found {
				rows[i] = []string{c.Scope, c.JobID, strings.Join(c.Nodes, " -> ")}
			}
			out.Print([]string{"SCOPE", "JOB", "CYCLE"}, rows, found)
			return fmt.Errorf("%w: %d", ErrCyclesFound, len(found))
		},
	}
}

// NewJobsCmd создаёт команду вывода jobs каталога.
func NewJobsCmd(catalogFn func() (*domain.Catalog, error), outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List jobs in the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			catalog, err := catalogFn()
			if err != nil {
				return err
			}

			headers := []string{"ID", "NAME", "MODE", "STEPS", "PARAMETERS", "MAX_PARALLEL"}
			rows := make([][]string, len(catalog.Jobs))
			for i, job := range catalog.Jobs {
				rows[i] = []string{
					job.ID,
					job.Name,
					string(job.Mode()),
					strconv.Itoa(len(job.Steps)),
					strconv.Itoa(len(job.Parameters)),
					strconv.Itoa(job.MaxParallelSteps),
				}
			}
			out.Print(headers, rows, catalog.Jobs)
			return nil
		},
	}
}

// cycle — найденный цикл для вывода.
type cycle struct {
	Scope string   `json:"scope"`
	JobID string   `json:"job_id,omitempty"`
	Nodes []string `json:"nodes"`
}

func catalogCycles(catalog *domain.Catalog) []cycle {
	var result []cycle
	for _, nodes := range engine.FindCycles(engine.JobGraph(catalog.Jobs)) {
		result = append(result, cycle{Scope: "job", Nodes: nodes})
	}
	for _, job := range catalog.Jobs {
		for _, nodes := range engine.FindCycles(engine.StepGraph(job.Steps)) {
			result = append(result, cycle{Scope: "step", JobID: job.ID, Nodes: nodes})
		}
	}
	return result
}

// loadValidCatalog загружает каталог и проверяет его вместе с cron-выражениями расписаний.
func loadValidCatalog(catalogFn func() (*domain.Catalog, error)) (*domain.Catalog, error) {
	catalog, err := catalogFn()
	if err != nil {
		return nil, err
	}
	if err := engine.ValidateCatalog(catalog); err != nil {
		return nil, err
	}
	for _, sched := range catalog.Schedules {
		if err := scheduler.ValidateCronExpr(sched.CronExpr); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", sched.ID, err)
		}
	}
	return catalog, nil
}
