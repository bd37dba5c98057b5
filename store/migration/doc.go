// Package migration versions the store schema with embedded SQL
// migrations for SQLite, PostgreSQL, and MySQL, driven by
// golang-migrate. It mirrors the schema AutoMigrate produces, for
// operators who version their DDL instead.
package migration
