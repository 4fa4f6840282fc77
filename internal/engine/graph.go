package engine

import (
	"encoding/json"
	"sort"

	"github.com/shaiso/etlflow/internal/domain"
)

// Graph — ориентированный граф зависимостей: узел → узлы, от которых он зависит.
type Graph map[string][]string

// AddNode добавляет узел без рёбер (если его ещё нет).
func (g Graph) AddNode(id string) {
	if _, ok := g[id]; !ok {
		g[id] = nil
	}
}

// AddEdge добавляет ребро from → to ("from зависит от to").
// Повторные рёбра игнорируются.
func (g Graph) AddEdge(from, to string) {
	g.AddNode(to)
	for _, existing := range g[from] {
		if existing == to {
			return
		}
	}
	g[from] = append(g[from], to)
}

// Nodes возвращает все узлы графа в отсортированном порядке.
func (g Graph) Nodes() []string {
	nodes := make([]string, 0, len(g))
	for id := range g {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)
	return nodes
}

// StepGraph строит граф зависимостей между шагами одного job.
// Зависимости на шаги, которых нет в job, игнорируются (их ловит Validate).
func StepGraph(steps []domain.Step) Graph {
	g := make(Graph, len(steps))
	ids := make(map[string]bool, len(steps))
	for i := range steps {
		ids[steps[i].ID] = true
		g.AddNode(steps[i].ID)
	}
	for i := range steps {
		for _, dep := range steps[i].Dependencies {
			if ids[dep.StepID] {
				g.AddEdge(steps[i].ID, dep.StepID)
			}
		}
	}
	return g
}

// JobGraph строит граф между jobs: job → jobs, которые он запускает через шаги типа job.
func JobGraph(jobs []domain.Job) Graph {
	g := make(Graph, len(jobs))
	for i := range jobs {
		job := &jobs[i]
		g.AddNode(job.ID)
		for j := range job.Steps {
			step := &job.Steps[j]
			if step.Disabled || step.Kind != domain.StepKindJob || step.Job == nil {
				continue
			}
			g.AddEdge(job.ID, step.Job.JobID)
		}
	}
	return g
}

// FindCycles находит все циклы графа (алгоритм Тарьяна).
//
// Каждая сильно связная компонента размера > 1 (или узел с петлёй)
// возвращается как один цикл: последовательность узлов вдоль рёбер,
// начиная с минимального ID. Пустой результат — граф ацикличен.
func FindCycles(g Graph) [][]string {
	t := &tarjan{
		graph:   g,
		index:   make(map[string]int),
		lowlink: make(map[string]int),
		onStack: make(map[string]bool),
	}

	for _, node := range g.Nodes() {
		if _, visited := t.index[node]; !visited {
			t.strongConnect(node)
		}
	}

	cycles := make([][]string, 0, len(t.components))
	for _, comp := range t.components {
		if len(comp) == 1 && !hasSelfLoop(g, comp[0]) {
			continue
		}
		cycles = append(cycles, orderCycle(g, comp))
	}

	sort.Slice(cycles, func(i, j int) bool { return cycles[i][0] < cycles[j][0] })
	return cycles
}

// CyclesTouching возвращает циклы, содержащие узел.
func CyclesTouching(cycles [][]string, node string) [][]string {
	var result [][]string
	for _, cycle := range cycles {
		for _, id := range cycle {
			if id == node {
				result = append(result, cycle)
				break
			}
		}
	}
	return result
}

// SerializeCycles возвращает JSON-представление циклов для сообщений об ошибке.
func SerializeCycles(cycles [][]string) string {
	b, err := json.Marshal(cycles)
	if err != nil {
		return "[]"
	}
	return string(b)
}

type tarjan struct {
	graph      Graph
	counter    int
	index      map[string]int
	lowlink    map[string]int
	stack      []string
	onStack    map[string]bool
	components [][]string
}

func (t *tarjan) strongConnect(v string) {
	t.index[v] = t.counter
	t.lowlink[v] = t.counter
	t.counter++
	t.stack = append(t.stack, v)
	t.onStack[v] = true

	deps := append([]string(nil), t.graph[v]...)
	sort.Strings(deps)

	for _, w := range deps {
		if _, visited := t.index[w]; !visited {
			t.strongConnect(w)
			t.lowlink[v] = min(t.lowlink[v], t.lowlink[w])
		} else if t.onStack[w] {
			t.lowlink[v] = min(t.lowlink[v], t.index[w])
		}
	}

	if t.lowlink[v] != t.index[v] {
		return
	}

	var comp []string
	for {
		w := t.stack[len(t.stack)-1]
		t.stack = t.stack[:len(t.stack)-1]
		t.onStack[w] = false
		comp = append(comp, w)
		if w == v {
			break
		}
	}
	t.components = append(t.components, comp)
}

func hasSelfLoop(g Graph, node string) bool {
	for _, dep := range g[node] {
		if dep == node {
			return true
		}
	}
	return false
}

// orderCycle упорядочивает узлы компоненты обходом в глубину по её же рёбрам.
func orderCycle(g Graph, comp []string) []string {
	members := make(map[string]bool, len(comp))
	for _, id := range comp {
		members[id] = true
	}
	sorted := append([]string(nil), comp...)
	sort.Strings(sorted)

	order := make([]string, 0, len(comp))
	visited := make(map[string]bool, len(comp))

	var visit func(string)
	visit = func(v string) {
		visited[v] = true
		order = append(order, v)
		deps := append([]string(nil), g[v]...)
		sort.Strings(deps)
		for _, w := range deps {
			if members[w] && !visited[w] {
				visit(w)
			}
		}
	}

	for _, id := range sorted {
		if !visited[id] {
			visit(id)
		}
	}
	return order
}
