// Package metrics holds the namespaces shared by every Prometheus metric exported by database-guard.
package metrics

import "github.com/docker/go-metrics"

const (
	// NamespacePrefix is the namespace of database-guard Prometheus metrics.
	NamespacePrefix = "database_guard"
)

// MigrationsNamespace is the go-metrics namespace for migration runner metrics.
var MigrationsNamespace = metrics.NewNamespace(NamespacePrefix, "migrations", nil)
