package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shaiso/etlflow/internal/domain"
)

// Format — формат файла каталога.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFromPath определяет формат по расширению файла.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// ParseCatalog парсит каталог из YAML или JSON. Валидацию не выполняет.
func ParseCatalog(data []byte, format Format) (*domain.Catalog, error) {
	var catalog domain.Catalog

	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &catalog); err != nil {
			return nil, fmt.Errorf("parse yaml catalog: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, &catalog); err != nil {
			return nil, fmt.Errorf("parse json catalog: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	return &catalog, nil
}

// LoadCatalog читает каталог из файла или из всех *.yaml/*.yml/*.json файлов директории.
// Каталоги из нескольких файлов объединяются (в порядке имён файлов).
func LoadCatalog(path string) (*domain.Catalog, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat catalog: %w", err)
	}

	files := []string{path}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("read catalog dir: %w", err)
		}
		files = files[:0]
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if _, err := FormatFromPath(e.Name()); err == nil {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
		sort.Strings(files)
	}

	merged := &domain.Catalog{}
	for _, file := range files {
		format, err := FormatFromPath(file)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read catalog file: %w", err)
		}
		catalog, err := ParseCatalog(data, format)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		merged.Jobs = append(merged.Jobs, catalog.Jobs...)
		merged.Resources = append(merged.Resources, catalog.Resources...)
		merged.DataObjects = append(merged.DataObjects, catalog.DataObjects...)
		merged.Schedules = append(merged.Schedules, catalog.Schedules...)
	}

	return merged, nil
}

// ValidateCatalog выполняет полную валидацию каталога.
//
// Проверяет:
// - Уникальность ID jobs
// - Каждый job (см. ValidateJob)
// - Ссылки шагов типа job на существующие jobs
// - Расписания
//
// Циклы не проверяются: это делает Job Executor при старте run.
func ValidateCatalog(catalog *domain.Catalog) error {
	resources := catalog.ResourceMap()
	objects := catalog.DataObjectMap()

	jobIDs := make(map[string]bool, len(catalog.Jobs))
	for i := range catalog.Jobs {
		job := &catalog.Jobs[i]
		if job.ID == "" {
			return NewValidationError("", "", "id", "job has empty ID", ErrEmptyJobID)
		}
		if jobIDs[job.ID] {
			return NewValidationError(job.ID, "", "id",
				fmt.Sprintf("duplicate job ID: %s", job.ID), ErrDuplicateJobID)
		}
		jobIDs[job.ID] = true
	}

	for i := range catalog.Jobs {
		job := &catalog.Jobs[i]
		if err := ValidateJob(job, resources, objects); err != nil {
			return err
		}
		for j := range job.Steps {
			step := &job.Steps[j]
			if step.Kind == domain.StepKindJob && step.Job != nil && !jobIDs[step.Job.JobID] {
				return NewValidationError(job.ID, step.ID, "job.job_id",
					fmt.Sprintf("references unknown job: %s", step.Job.JobID), ErrUnknownJob)
			}
		}
	}

	for _, sched := range catalog.Schedules {
		if !jobIDs[sched.JobID] {
			return NewValidationError(sched.JobID, "", "schedules",
				fmt.Sprintf("schedule %s references unknown job", sched.ID), ErrInvalidSchedule)
		}
		if sched.CronExpr == "" {
			return NewValidationError(sched.JobID, "", "schedules",
				fmt.Sprintf("schedule %s has no cron expression", sched.ID), ErrInvalidSchedule)
		}
	}

	return nil
}

// ValidateJob валидирует один job.
// resources и objects могут быть nil — тогда ссылки на них не проверяются.
func ValidateJob(job *domain.Job, resources map[string]domain.Resource, objects map[string]domain.DataObject) error {
	if len(job.Steps) == 0 {
		return NewValidationError(job.ID, "", "steps", "job has no steps", ErrEmptySteps)
	}

	stepIDs := make(map[string]bool, len(job.Steps))
	for i := range job.Steps {
		if err := ValidateStep(job.ID, &job.Steps[i], stepIDs, resources, objects); err != nil {
			return err
		}
	}

	for i := range job.Steps {
		step := &job.Steps[i]
		for _, dep := range step.Dependencies {
			if !stepIDs[dep.StepID] {
				return NewValidationError(job.ID, step.ID, "dependencies",
					fmt.Sprintf("depends on unknown step: %s", dep.StepID), ErrMissingDependency)
			}
		}
	}

	if job.Mode() == domain.ExecutionModeHybrid {
		return CheckPhaseOrder(job.ID, job.Steps)
	}
	return nil
}

// CheckPhaseOrder проверяет, что ни один включённый шаг не зависит от шага
// более поздней фазы. В режиме hybrid такая пара ждёт друг друга вечно:
// трекер фаз держит верхний шаг, трекер зависимостей держит нижний.
func CheckPhaseOrder(jobID string, steps []domain.Step) error {
	phases := make(map[string]int, len(steps))
	for _, step := range steps {
		if !step.Disabled {
			phases[step.ID] = step.Phase
		}
	}

	for _, step := range steps {
		if step.Disabled {
			continue
		}
		for _, dep := range step.Dependencies {
			phase, ok := phases[dep.StepID]
			if ok && phase > step.Phase {
				return NewValidationError(jobID, step.ID, "dependencies",
					fmt.Sprintf("depends on step %s in later phase %d (own phase %d)", dep.StepID, phase, step.Phase),
					ErrPhaseInversion)
			}
		}
	}
	return nil
}

// ValidateStep валидирует один шаг.
// stepIDs — уже встреченные ID шагов (для проверки уникальности).
func ValidateStep(jobID string, step *domain.Step, stepIDs map[string]bool,
	resources map[string]domain.Resource, objects map[string]domain.DataObject) error {
	if step.ID == "" {
		return NewValidationError(jobID, "", "id", "step has empty ID", ErrEmptyStepID)
	}

	if stepIDs[step.ID] {
		return NewValidationError(jobID, step.ID, "id",
			fmt.Sprintf("duplicate step ID: %s", step.ID), ErrDuplicateStepID)
	}
	stepIDs[step.ID] = true

	if !step.Kind.Valid() {
		return NewValidationError(jobID, step.ID, "kind",
			fmt.Sprintf("unknown step kind: %q", step.Kind), ErrUnknownStepKind)
	}

	if _, err := step.Payload(); err != nil {
		return NewValidationError(jobID, step.ID, string(step.Kind), err.Error(), ErrMissingPayload)
	}

	for _, dep := range step.Dependencies {
		if dep.StepID == step.ID {
			return NewValidationError(jobID, step.ID, "dependencies",
				"step depends on itself", ErrSelfDependency)
		}
	}

	if resources != nil && step.ResourceID != "" {
		if _, ok := resources[step.ResourceID]; !ok {
			return NewValidationError(jobID, step.ID, "resource_id",
				fmt.Sprintf("unknown resource: %s", step.ResourceID), ErrUnknownResource)
		}
	}

	if objects != nil {
		for _, ref := range step.DataObjects {
			if _, ok := objects[ref.ObjectID]; !ok {
				return NewValidationError(jobID, step.ID, "data_objects",
					fmt.Sprintf("unknown data object: %s", ref.ObjectID), ErrUnknownDataObject)
			}
		}
	}

	return nil
}
