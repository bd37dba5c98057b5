package migration

import (
	"fmt"
	"strings"
)

// NewMigratorForDSN builds a migrator from the same DSN convention the
// store uses, translating it to the driver-native URL each migration
// driver expects.
func NewMigratorForDSN(dsn string) (*DefaultMigrator, error) {
	dbType, url, err := splitDSN(dsn)
	if err != nil {
		return nil, err
	}

	return NewMigrator(&Config{
		DatabaseType: dbType,
		DatabaseURL:  url,
		TableName:    "schema_migrations",
	})
}

func splitDSN(dsn string) (DatabaseType, string, error) {
	switch {
	case dsn == "" || dsn == ":memory:":
		return "", "", fmt.Errorf("cannot migrate an in-memory database")
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		return DatabaseTypePostgres, dsn, nil
	case strings.HasPrefix(dsn, "mysql://"):
		// The MySQL driver wants the bare DSN, and the migration files
		// hold several statements each.
		url := strings.TrimPrefix(dsn, "mysql://")
		if !strings.Contains(url, "multiStatements=") {
			if strings.Contains(url, "?") {
				url += "&multiStatements=true"
			} else {
				url += "?multiStatements=true"
			}
		}
		return DatabaseTypeMySQL, url, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return DatabaseTypeSQLite, "file:" + strings.TrimPrefix(dsn, "sqlite://"), nil
	case strings.HasPrefix(dsn, "file:"):
		return DatabaseTypeSQLite, dsn, nil
	default:
		return DatabaseTypeSQLite, "file:" + dsn, nil
	}
}
