// Package mysql persists extension activation history. It provides a
// JSON-lines file repository for single-node deployments and a MySQL
// repository with embedded schema migrations.
package mysql
