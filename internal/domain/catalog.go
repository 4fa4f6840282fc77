package domain

// ResourceKind — тип общего внешнего ресурса.
type ResourceKind string

const (
	ResourceSQLConnection  ResourceKind = "sql_connection"
	ResourceFunctionApp    ResourceKind = "function_app"
	ResourcePipelineClient ResourceKind = "pipeline_client"
)

// Resource — внешний ресурс, который делят шаги (SQL-подключение, function app, pipeline client).
type Resource struct {
	ID   string       `json:"id" yaml:"id"`
	Kind ResourceKind `json:"kind" yaml:"kind"`

	// MaxConcurrent — сколько шагов одного типа могут одновременно использовать ресурс.
	// 0 или меньше — без ограничений.
	MaxConcurrent int `json:"max_concurrent,omitempty" yaml:"max_concurrent,omitempty"`

	// ConnectionString — DSN для sql_connection.
	ConnectionString string `json:"connection_string,omitempty" yaml:"connection_string,omitempty"`

	// URL — базовый адрес function app или pipeline client.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// Key — ключ доступа (передаётся в заголовке).
	Key string `json:"key,omitempty" yaml:"key,omitempty"`
}

// DataObject — именованный артефакт, который шаги читают или пишут.
type DataObject struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// MaxConcurrentWrites — сколько шагов могут одновременно писать в объект (0 — без лимита).
	MaxConcurrentWrites int `json:"max_concurrent_writes,omitempty" yaml:"max_concurrent_writes,omitempty"`
}

// Catalog — всё, что описывает authoring-слой: jobs, ресурсы, объекты данных, расписания.
type Catalog struct {
	Jobs        []Job        `json:"jobs" yaml:"jobs"`
	Resources   []Resource   `json:"resources,omitempty" yaml:"resources,omitempty"`
	DataObjects []DataObject `json:"data_objects,omitempty" yaml:"data_objects,omitempty"`
	Schedules   []Schedule   `json:"schedules,omitempty" yaml:"schedules,omitempty"`
}

// FindJob ищет job по ID.
func (c *Catalog) FindJob(jobID string) (*Job, bool) {
	for i := range c.Jobs {
		if c.Jobs[i].ID == jobID {
			return &c.Jobs[i], true
		}
	}
	return nil, false
}

// ResourceMap возвращает ресурсы по ID.
func (c *Catalog) ResourceMap() map[string]Resource {
	m := make(map[string]Resource, len(c.Resources))
	for _, r := range c.Resources {
		m[r.ID] = r
	}
	return m
}

// DataObjectMap возвращает объекты данных по ID.
func (c *Catalog) DataObjectMap() map[string]DataObject {
	m := make(map[string]DataObject, len(c.DataObjects))
	for _, o := range c.DataObjects {
		m[o.ID] = o
	}
	return m
}
