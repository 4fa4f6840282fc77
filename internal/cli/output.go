package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shaiso/etlflow/internal/domain"
)

// Output управляет форматированием вывода CLI.
type Output struct {
	jsonMode bool
	w        io.Writer // stdout для данных
	errW     io.Writer // stderr для сообщений
}

// NewOutput создаёт Output. Если jsonMode=true, данные выводятся в JSON.
func NewOutput(jsonMode bool) *Output {
	return NewOutputTo(os.Stdout, os.Stderr, jsonMode)
}

// NewOutputTo создаёт Output с заданными потоками.
func NewOutputTo(w, errW io.Writer, jsonMode bool) *Output {
	return &Output{
		jsonMode: jsonMode,
		w:        w,
		errW:     errW,
	}
}

// Print выводит данные: таблицу или JSON в зависимости от режима.
func (o *Output) Print(headers []string, rows [][]string, jsonData any) {
	if o.jsonMode {
		o.JSON(jsonData)
		return
	}
	o.Table(headers, rows)
}

// Table выводит данные в виде таблицы через tabwriter.
func (o *Output) Table(headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, strings.Join(headers, "\t"))

	dashes := make([]string, len(headers))
	for i, h := range headers {
		dashes[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(tw, strings.Join(dashes, "\t"))

	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}

	tw.Flush()
}

// JSON выводит данные в формате JSON с отступами.
func (o *Output) JSON(v any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// Execution выводит run: сводку и таблицу шагов.
func (o *Output) Execution(exec *domain.Execution) {
	if o.jsonMode {
		o.JSON(exec)
		return
	}

	fmt.Fprintf(o.w, "Run:      %s\n", exec.ID)
	fmt.Fprintf(o.w, "Job:      %s\n", exec.JobID)
	fmt.Fprintf(o.w, "Status:   %s\n", exec.Status)
	fmt.Fprintf(o.w, "Created:  %s by %s\n", exec.CreatedAt.Format(time.RFC3339), exec.CreatedBy)
	if d := exec.Duration(); d > 0 {
		fmt.Fprintf(o.w, "Duration: %s\n", d.Round(time.Millisecond))
	}
	if exec.Error != "" {
		fmt.Fprintf(o.w, "Error:    %s\n", exec.Error)
	}
	if exec.StoppedBy != "" {
		fmt.Fprintf(o.w, "Stopped:  by %s\n", exec.StoppedBy)
	}
	for name, msg := range exec.ParameterErrors {
		fmt.Fprintf(o.w, "Param %s: %s\n", name, msg)
	}
	fmt.Fprintln(o.w)

	o.Table(stepHeaders, stepRows(exec))
}

var stepHeaders = []string{"STEP", "PHASE", "STATUS", "ATTEMPTS", "DURATION", "ERROR"}

func stepRows(exec *domain.Execution) [][]string {
	steps := exec.Steps()
	rows := make([][]string, 0, len(steps))
	for _, se := range steps {
		attempt := se.CurrentAttempt()
		duration := "-"
		if d := attempt.Duration(); d > 0 {
			duration = d.Round(time.Millisecond).String()
		}
		rows = append(rows, []string{
			se.Step.ID,
			strconv.Itoa(se.Step.Phase),
			string(attempt.Status),
			strconv.Itoa(len(se.Attempts)),
			duration,
			truncate(attempt.ErrorMessage, 60),
		})
	}
	return rows
}

// Success выводит сообщение об успехе в stderr.
func (o *Output) Success(msg string) {
	fmt.Fprintln(o.errW, msg)
}

// Error выводит сообщение об ошибке в stderr.
func (o *Output) Error(msg string) {
	fmt.Fprintln(o.errW, "Error: "+msg)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
