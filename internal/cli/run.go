package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaiso/etlflow/internal/domain"
)

// NewRunCmd создаёт команду локального запуска job.
//
// Run выполняется в памяти процесса; Ctrl+C останавливает его.
// Команда возвращает ошибку, если run завершился FAILED или STOPPED.
func NewRunCmd(catalogFn func() (*domain.Catalog, error), outputFn func() *Output, loggerFn func() *slog.Logger) *cobra.Command {
	var params []string
	var createdBy string
	var maxParallel int
	var timeUnit time.Duration
	var history bool

	cmd := &cobra.Command{
		Use:   "run JOB_ID",
		Short: "Run a job locally and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			values, err := parseParams(params)
			if err != nil {
				return err
			}

			catalog, err := loadValidCatalog(catalogFn)
			if err != nil {
				return err
			}

			local := NewLocal(catalog, LocalConfig{
				MaxParallel: maxParallel,
				TimeUnit:    timeUnit,
				Logger:      loggerFn(),
			})
			defer local.Close()

			exec, err := local.Run(cmd.Context(), args[0], createdBy, values)
			if exec == nil {
				return err
			}

			out.Execution(exec)
			if history && !out.jsonMode {
				printHistory(out, local, exec)
			}

			if err != nil {
				return err
			}
			switch exec.Status {
			case domain.ExecutionStatusFailed, domain.ExecutionStatusStopped:
				return fmt.Errorf("%w: %s", ErrRunFailed, exec.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&params, "param", nil, "Job parameter override (KEY=VALUE, repeatable)")
	cmd.Flags().StringVar(&createdBy, "created-by", "cli", "Who started the run")
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "Maximum steps running at once (0 = unlimited)")
	cmd.Flags().DurationVar(&timeUnit, "minute", time.Minute, "Length of one minute for retry, timeout and overtime settings")
	cmd.Flags().BoolVar(&history, "history", false, "Print status transitions of every attempt")

	return cmd
}

func printHistory(out *Output, local *Local, exec *domain.Execution) {
	transitions := local.Transitions(exec.ID)
	rows := make([][]string, len(transitions))
	for i, t := range transitions {
		rows[i] = []string{t.StepID, strconv.Itoa(t.Attempt), string(t.Status)}
	}
	fmt.Fprintln(out.w)
	out.Table([]string{"STEP", "ATTEMPT", "STATUS"}, rows)
}

// parseParams разбирает KEY=VALUE. Значение читается как JSON
// (числа, bool, списки), иначе остаётся строкой.
func parseParams(raw []string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	params := make(map[string]any, len(raw))
	for _, kv := range raw {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidParam, kv)
		}

		var value any
		if err := json.Unmarshal([]byte(parts[1]), &value); err != nil {
			value = parts[1]
		}
		params[parts[0]] = value
	}
	return params, nil
}
