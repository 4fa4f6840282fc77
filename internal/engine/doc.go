// Package engine содержит всё, что нужно понять о job до его запуска.
//
// Включает:
//   - parser.go     — загрузка каталога (YAML/JSON) и валидация jobs
//   - graph.go      — графы зависимостей шагов и jobs, поиск всех циклов
//   - expression.go — вычисление выражений параметров и условий ({{ .Job.x }})
//
// Пакет не выполняет шаги и не знает о run: это задача orchestrator.
package engine
