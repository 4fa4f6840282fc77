// etlflow — инструмент командной строки для каталога jobs и runs.
//
// Использование:
//
//	etlflow [--catalog PATH] [--json] <command> [flags]
//
// Команды:
//
//	validate   Проверка каталога
//	cycles     Поиск циклов зависимостей
//	jobs       Список jobs
//	schedules  Расписания и время следующего запуска
//	run        Локальный запуск job
//	runs       Runs развёрнутого engine (submit, show, cancel)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/etlflow/internal/cli"
	"github.com/shaiso/etlflow/internal/domain"
	"github.com/shaiso/etlflow/internal/engine"
	"github.com/shaiso/etlflow/internal/telemetry"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var catalogPath string
	var jsonOutput bool
	var dbURL string
	var amqpURL string
	var verbose bool

	defaultCatalog := os.Getenv("JOBS_PATH")
	if defaultCatalog == "" {
		defaultCatalog = "jobs"
	}

	rootCmd := &cobra.Command{
		Use:           "etlflow",
		Short:         "etlflow CLI — ETL job orchestration",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&catalogPath, "catalog", defaultCatalog, "Catalog file or directory")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", os.Getenv("DB_URL"), "Engine database URL")
	rootCmd.PersistentFlags().StringVar(&amqpURL, "amqp-url", os.Getenv("RABBITMQ_URL"), "Engine RabbitMQ URL")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log engine activity to stderr")

	loggerFn := func() *slog.Logger {
		level := slog.LevelWarn
		if verbose {
			level = telemetry.LogLevel()
		}
		return telemetry.NewLogger(os.Stderr, "text", level)
	}
	catalogFn := func() (*domain.Catalog, error) { return engine.LoadCatalog(catalogPath) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }
	clientFn := func() *cli.Client { return cli.NewClient(dbURL, amqpURL, loggerFn()) }

	rootCmd.AddCommand(
		cli.NewValidateCmd(catalogFn, outputFn),
		cli.NewCyclesCmd(catalogFn, outputFn),
		cli.NewJobsCmd(catalogFn, outputFn),
		cli.NewSchedulesCmd(catalogFn, outputFn),
		cli.NewRunCmd(catalogFn, outputFn, loggerFn),
		cli.NewRunsCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
