package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"text/template/parse"
	"time"
)

// Bindings — значения, доступные в выражениях.
//
// Используется в Go templates:
//   - {{ .Job.param_name }}    — параметры job
//   - {{ .Params.param_name }} — параметры шага
//   - {{ .Run.ID }}            — атрибуты run
type Bindings struct {
	// Job — вычисленные параметры job.
	Job map[string]any

	// Params — вычисленные параметры шага.
	Params map[string]any

	// Run — атрибуты текущего run.
	Run RunInfo
}

// RunInfo — атрибуты run, доступные в выражениях.
type RunInfo struct {
	ID        string
	JobID     string
	JobName   string
	CreatedBy string
	StartedAt time.Time
}

// NewBindings создаёт Bindings с непустыми map.
func NewBindings(job, params map[string]any, run RunInfo) Bindings {
	if job == nil {
		job = make(map[string]any)
	}
	if params == nil {
		params = make(map[string]any)
	}
	return Bindings{Job: job, Params: params, Run: run}
}

// Expression — выражение параметра или условия выполнения.
type Expression string

// Evaluate вычисляет выражение (см. Evaluate).
func (e Expression) Evaluate(b Bindings) (any, error) {
	return Evaluate(string(e), b)
}

// expressionFuncs — дополнительные функции для выражений.
var expressionFuncs = template.FuncMap{
	// json — сериализует значение в JSON строку
	"json": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return string(b)
	},

	// default — возвращает значение по умолчанию, если первый аргумент пустой
	"default": func(def, val any) any {
		if val == nil {
			return def
		}
		if s, ok := val.(string); ok && s == "" {
			return def
		}
		return val
	},

	"coalesce": func(values ...any) any {
		for _, v := range values {
			if v != nil {
				if s, ok := v.(string); ok && s == "" {
					continue
				}
				return v
			}
		}
		return nil
	},

	"fromJSON": func(s string) any {
		var result any
		if err := json.Unmarshal([]byte(s), &result); err != nil {
			return nil
		}
		return result
	},

	"join": func(sep string, items []string) string {
		return strings.Join(items, sep)
	},

	"split": func(sep, s string) []string {
		return strings.Split(s, sep)
	},

	"contains":  strings.Contains,
	"hasPrefix": strings.HasPrefix,
	"hasSuffix": strings.HasSuffix,
	"lower":     strings.ToLower,
	"upper":     strings.ToUpper,
	"trim":      strings.TrimSpace,
	"replace":   strings.ReplaceAll,

	// now — текущее время в UTC; date — форматирование времени
	"now": func() time.Time { return time.Now().UTC() },
	"date": func(layout string, t time.Time) string {
		return t.Format(layout)
	},
	"addDays": func(days int, t time.Time) time.Time {
		return t.AddDate(0, 0, days)
	},
}

func parseExpression(expr string) (*template.Template, error) {
	t, err := template.New("").Funcs(expressionFuncs).Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExpressionParse, err)
	}
	return t, nil
}

// Render рендерит строку с Go template выражениями.
// Строки без "{{" возвращаются как есть.
func Render(expr string, b Bindings) (string, error) {
	if !strings.Contains(expr, "{{") {
		return expr, nil
	}

	t, err := parseExpression(expr)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, b); err != nil {
		return "", fmt.Errorf("%w: %v", ErrExpressionEvaluate, err)
	}

	return buf.String(), nil
}

// Evaluate вычисляет выражение параметра.
//
// Результат рендеринга приводится к JSON-значению, если это возможно
// ("42" → float64, "true" → bool, `{"a":1}` → map); иначе возвращается строка.
func Evaluate(expr string, b Bindings) (any, error) {
	rendered, err := Render(expr, b)
	if err != nil {
		return nil, err
	}
	if rendered == expr {
		return rendered, nil
	}

	trimmed := strings.TrimSpace(rendered)
	var value any
	if trimmed != "" && json.Unmarshal([]byte(trimmed), &value) == nil {
		return value, nil
	}
	return rendered, nil
}

// EvaluateCondition вычисляет булево условие.
//
// Условие записывается либо без скобок ("eq .Params.mode \"full\""),
// либо полным шаблоном, который рендерится в "true"/"false".
// Пустое условие всегда истинно.
func EvaluateCondition(condition string, b Bindings) (bool, error) {
	if strings.TrimSpace(condition) == "" {
		return true, nil
	}

	tmpl := condition
	if !strings.Contains(condition, "{{") {
		tmpl = fmt.Sprintf(`{{if %s}}true{{else}}false{{end}}`, condition)
	}

	result, err := Render(tmpl, b)
	if err != nil {
		return false, err
	}

	switch strings.TrimSpace(result) {
	case "true":
		return true, nil
	case "false", "":
		return false, nil
	default:
		return false, fmt.Errorf("%w: condition %q rendered to %q, want true or false",
			ErrExpressionEvaluate, condition, result)
	}
}

// References возвращает имена параметров job (.Job.x) и шага (.Params.x),
// на которые ссылается выражение. Порядок детерминирован.
func References(expr string) (jobParams, stepParams []string, err error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil, nil
	}
	if !strings.Contains(expr, "{{") {
		expr = "{{" + expr + "}}"
	}

	t, err := parseExpression(expr)
	if err != nil {
		return nil, nil, err
	}

	jobSet := make(map[string]bool)
	stepSet := make(map[string]bool)
	walkFields(t.Tree.Root, func(ident []string) {
		if len(ident) < 2 {
			return
		}
		switch ident[0] {
		case "Job":
			jobSet[ident[1]] = true
		case "Params":
			stepSet[ident[1]] = true
		}
	})

	return sortedKeys(jobSet), sortedKeys(stepSet), nil
}

// walkFields обходит дерево шаблона и вызывает fn для каждого поля вида .A.B.
func walkFields(node parse.Node, fn func([]string)) {
	switch n := node.(type) {
	case nil:
		return
	case *parse.ListNode:
		if n == nil {
			return
		}
		for _, child := range n.Nodes {
			walkFields(child, fn)
		}
	case *parse.ActionNode:
		walkFields(n.Pipe, fn)
	case *parse.PipeNode:
		if n == nil {
			return
		}
		for _, cmd := range n.Cmds {
			walkFields(cmd, fn)
		}
	case *parse.CommandNode:
		for _, arg := range n.Args {
			walkFields(arg, fn)
		}
	case *parse.FieldNode:
		fn(n.Ident)
	case *parse.ChainNode:
		walkFields(n.Node, fn)
	case *parse.IfNode:
		walkBranch(&n.BranchNode, fn)
	case *parse.RangeNode:
		walkBranch(&n.BranchNode, fn)
	case *parse.WithNode:
		walkBranch(&n.BranchNode, fn)
	case *parse.TemplateNode:
		walkFields(n.Pipe, fn)
	}
}

func walkBranch(n *parse.BranchNode, fn func([]string)) {
	walkFields(n.Pipe, fn)
	walkFields(n.List, fn)
	if n.ElseList != nil {
		walkFields(n.ElseList, fn)
	}
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
