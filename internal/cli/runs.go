package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRunsCmd создаёт группу команд для runs развёрнутого engine.
func NewRunsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Manage runs on the engine",
	}

	cmd.AddCommand(
		newRunsSubmitCmd(clientFn, outputFn),
		newRunsShowCmd(clientFn, outputFn),
		newRunsCancelCmd(clientFn, outputFn),
	)

	return cmd
}

func newRunsSubmitCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var params []string
	var createdBy string

	cmd := &cobra.Command{
		Use:   "submit JOB_ID",
		Short: "Ask the engine to start a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseParams(params)
			if err != nil {
				return err
			}

			if err := clientFn().SubmitRun(cmd.Context(), args[0], createdBy, values); err != nil {
				return err
			}

			outputFn().Success(fmt.Sprintf("Run of job %s requested", args[0]))
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&params, "param", nil, "Job parameter override (KEY=VALUE, repeatable)")
	cmd.Flags().StringVar(&createdBy, "created-by", "cli", "Who started the run")

	return cmd
}

func newRunsShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show run details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := parseRunID(args[0])
			if err != nil {
				return err
			}

			exec, err := clientFn().GetRun(cmd.Context(), runID)
			if err != nil {
				return err
			}

			outputFn().Execution(exec)
			return nil
		},
	}
}

func newRunsCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var user string
	var steps []string

	cmd := &cobra.Command{
		Use:   "cancel RUN_ID",
		Short: "Stop a run or some of its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := parseRunID(args[0])
			if err != nil {
				return err
			}

			if err := clientFn().CancelRun(cmd.Context(), runID, user, steps); err != nil {
				return err
			}

			if len(steps) > 0 {
				outputFn().Success(fmt.Sprintf("Stop of %d steps of run %s requested", len(steps), runID))
			} else {
				outputFn().Success(fmt.Sprintf("Stop of run %s requested", runID))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "Who stops the run")
	cmd.Flags().StringSliceVar(&steps, "step", nil, "Stop only these steps")

	return cmd
}
