package testutils

import (
	"fmt"
	"os"
	"strings"

	"github.com/jmoiron/sqlx"

	// postgres driver
	_ "github.com/lib/pq"
)

// PQConnString builds the connection string for the test database from GAMESCHED_TEST_PQ_*
func PQConnString() string {
	host := os.Getenv("GAMESCHED_TEST_PQ_HOST")
	if host == "" {
		host = "localhost"
	}
	user := os.Getenv("GAMESCHED_TEST_PQ_USER")
	if user == "" {
		user = "gamesched_test"
	}

	dbPassword := os.Getenv("GAMESCHED_TEST_PQ_PASSWORD")
	sslMode := os.Getenv("GAMESCHED_TEST_PQ_SSLMODE")
	if sslMode == "" {
		sslMode = "disable"
	}

	dbName := os.Getenv("GAMESCHED_TEST_PQ_DB")
	if dbName == "" {
		dbName = "gamesched_test"
	}

	if !strings.Contains(dbName, "test") {
		panic("Test database name has to contain 'test', this is a safety measure to protect against running tests on production systems.")
	}

	return fmt.Sprintf("host=%s user=%s dbname=%s sslmode=%s password='%s'", host, user, dbName, sslMode, dbPassword)
}

// ConnectPQ connects to a postgres database for testing purposes
func ConnectPQ() (*sqlx.DB, error) {
	conn, err := sqlx.Open("postgres", PQConnString())
	if err != nil {
		return nil, err
	}

	if err = conn.Ping(); err != nil {
		conn.Close()
		return nil, err
	}

	return conn, nil
}

// InitTables will drop the provided tables and initialize the new ones
func InitTables(db *sqlx.DB, dropTables []string, initQueries []string) error {
	for _, v := range dropTables {
		_, err := db.Exec("DROP TABLE IF EXISTS " + v + " CASCADE")
		if err != nil {
			return err
		}
	}

	for _, v := range initQueries {
		_, err := db.Exec(v)
		if err != nil {
			return err
		}
	}

	return nil
}

// InitPQ is a helper that calls both ConnectPQ and InitTables
func InitPQ(dropTables []string, initQueries []string) (*sqlx.DB, error) {
	db, err := ConnectPQ()
	if err != nil {
		return nil, err
	}

	err = InitTables(db, dropTables, initQueries)
	return db, err
}

// ClearTables deletes all rows from a table, and panics if an error occurs
// usefull for defers for test cleanup
func ClearTables(db *sqlx.DB, tables ...string) {
	for _, v := range tables {
		_, err := db.Exec("DELETE FROM " + v + ";")
		if err != nil {
			panic(err)
		}
	}
}

// AMQPURL returns the broker used for integration tests, empty if they should be skipped
func AMQPURL() string {
	return os.Getenv("GAMESCHED_TEST_AMQP_URL")
}
