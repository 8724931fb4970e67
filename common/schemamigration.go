package common

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"emperror.dev/errors"
)

var (
	createTableRegex         = regexp.MustCompile(`(?i)create table if not exists ([0-9a-z_]*) *\(`)
	alterTableAddColumnRegex = regexp.MustCompile(`(?i)alter table ([0-9a-z_]*) add column if not exists ([0-9a-z_]*)`)
	addIndexRegex            = regexp.MustCompile(`(?i)create (unique )?index if not exists ([0-9a-z_]*) on ([0-9a-z_]*)`)
)

type DBSchema struct {
	Name    string
	Schemas []string
}

var schemasToInit = make([]*DBSchema, 0)

// RegisterDBSchemas queues schemas to be initialized in Init
func RegisterDBSchemas(name string, schemas ...string) {
	schemasToInit = append(schemasToInit, &DBSchema{Name: name, Schemas: schemas})
}

func initQueuedSchemas() {
	if confNoSchemaInit.GetBool() {
		return
	}

	for _, v := range schemasToInit {
		err := InitSchemas(v.Name, v.Schemas...)
		if err != nil {
			logger.WithError(err).Fatal("failed initializing postgres db schema for ", v.Name)
		}
	}
}

func initSchema(schema string, name string) error {
	skip, err := checkSkipSchemaInit(schema)
	if err != nil {
		logger.WithError(err).Error("Failed checking if we should skip schema: ", name)
	}

	if skip {
		return nil
	}

	logger.Info("Schema initialization: ", name, ": not skipped")
	_, err = PQ.Exec(schema)
	return errors.WithMessage(err, name)
}

func checkSkipSchemaInit(schema string) (exists bool, err error) {
	trimmed := strings.TrimSpace(schema)

	if matches := createTableRegex.FindAllStringSubmatch(trimmed, -1); len(matches) > 0 {
		return TableExists(matches[0][1])
	}

	if matches := addIndexRegex.FindAllStringSubmatch(trimmed, -1); len(matches) > 0 {
		return checkIndexExists(matches[0][3], matches[0][2])
	}

	if matches := alterTableAddColumnRegex.FindAllStringSubmatch(trimmed, -1); len(matches) > 0 {
		return checkColumnExists(matches[0][1], matches[0][2])
	}

	return false, nil
}

func TableExists(table string) (b bool, err error) {
	const query = `
SELECT EXISTS
(
	SELECT 1
	FROM information_schema.tables
	WHERE table_schema = 'public'
	AND table_name = $1
);`

	err = PQ.QueryRow(query, table).Scan(&b)
	return b, err
}

func checkIndexExists(table, index string) (b bool, err error) {
	const query = `
SELECT EXISTS
(
	SELECT 1
FROM
    pg_class t,
    pg_class i,
    pg_index ix
WHERE
    t.oid = ix.indrelid
    AND i.oid = ix.indexrelid
    AND t.relkind = 'r'
    AND t.relname = $1
    AND i.relname = $2
);`

	err = PQ.QueryRow(query, table, index).Scan(&b)
	return b, err
}

func checkColumnExists(table, column string) (b bool, err error) {
	const query = `
SELECT EXISTS
(
SELECT 1
FROM information_schema.columns
WHERE table_name=$1 and column_name=$2
);`

	err = PQ.QueryRow(query, table, column).Scan(&b)
	return b, err
}

// InitSchemas runs the provided schemas in order, statements that can be detected as already applied are skipped.
// Other statements (functions, triggers) have to be idempotent themselves.
func InitSchemas(name string, schemas ...string) error {
	if RedisPool != nil {
		if err := BlockingLockRedisKey("gamesched_schema_init", time.Minute*10, 60*60); err != nil {
			return err
		}

		defer UnlockRedisKey("gamesched_schema_init")
	}

	for i, v := range schemas {
		actualName := fmt.Sprintf("%s[%d]", name, i)
		if err := initSchema(v, actualName); err != nil {
			return err
		}
	}

	return nil
}
