package common

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"emperror.dev/errors"
	"github.com/botlabs-gg/gamesched/common/config"
	"github.com/jmoiron/sqlx"
	"github.com/mediocregopher/radix/v3"
	"github.com/sirupsen/logrus"

	// postgres driver
	_ "github.com/lib/pq"
)

const VERSION = "1.4.0"

var (
	// PQ is the plain database handle, SQLX wraps the same pool
	PQ   *sql.DB
	SQLX *sqlx.DB

	// RedisPool is nil when no redis address is configured
	RedisPool *radix.Pool

	Testing = os.Getenv("GAMESCHED_TESTING") != ""

	NodeID string

	logger = GetFixedPrefixLogger("common")

	confPQHost      = config.RegisterOption("gamesched.pq_host", "Postgres host", "localhost")
	confPQUsername  = config.RegisterOption("gamesched.pq_username", "Postgres user", "gamesched")
	confPQPassword  = config.RegisterOption("gamesched.pq_password", "Postgres password", "")
	confPQDB        = config.RegisterOption("gamesched.pq_db", "Postgres database", "gamesched")
	confPQSSLMode   = config.RegisterOption("gamesched.pq_sslmode", "Postgres sslmode", "disable")
	confMaxSQLConns = config.RegisterOption("gamesched.pq_max_conns", "Max connections to postgres", 5)

	confRedis         = config.RegisterOption("gamesched.redis", "Redis address, leave empty to run without redis", "localhost:6379")
	confMaxRedisConns = config.RegisterOption("gamesched.redis_pool_size", "Max connections to redis", 5)
	confNoSchemaInit  = config.RegisterOption("gamesched.no_schema_init", "Disable schema initialization", false)
)

// CoreInit loads the config and connects to postgres and redis
func CoreInit() error {
	config.AddSource(&config.EnvSource{})
	config.Load()

	err := connectDB()
	if err != nil {
		return errors.WithMessage(err, "postgres")
	}

	if confRedis.GetString() != "" {
		err = connectRedis(confRedis.GetString(), confMaxRedisConns.GetInt())
		if err != nil {
			return errors.WithMessage(err, "redis")
		}

		// allow runtime overrides through redis
		config.AddSource(&config.RedisConfigStore{Pool: RedisPool})
		config.Load()
	} else {
		logger.Warn("No redis address configured, running without redis")
	}

	return nil
}

// Init runs the queued schema initializations, has to be called after CoreInit
func Init() error {
	initQueuedSchemas()
	return nil
}

// PQConnString returns the lib/pq connection string for the configured database,
// also used by listeners that need their own connection
func PQConnString() string {
	return fmt.Sprintf("host=%s user=%s dbname=%s sslmode=%s password='%s'",
		confPQHost.GetString(), confPQUsername.GetString(), confPQDB.GetString(), confPQSSLMode.GetString(), confPQPassword.GetString())
}

func connectDB() error {
	db, err := sqlx.Open("postgres", PQConnString())
	if err != nil {
		return errors.WithStackIf(err)
	}

	db.SetMaxOpenConns(confMaxSQLConns.GetInt())
	db.SetMaxIdleConns(confMaxSQLConns.GetInt())
	db.SetConnMaxLifetime(time.Hour)

	err = db.Ping()
	if err != nil {
		return errors.WithStackIf(err)
	}

	SetDB(db)
	logger.Info("Connected to postgres")
	return nil
}

// SetDB sets both database handles, used by tests that bring their own connection
func SetDB(db *sqlx.DB) {
	SQLX = db
	PQ = db.DB
}

func connectRedis(addr string, size int) (err error) {
	RedisPool, err = radix.NewPool("tcp", addr, size, radix.PoolOnEmptyWait())
	if err != nil {
		return errors.WithStackIf(err)
	}

	logger.Info("Connected to redis on ", addr)
	return nil
}

func AddLogHook(hook logrus.Hook) {
	logrus.AddHook(hook)
}

func SetLogFormatter(formatter logrus.Formatter) {
	logrus.SetFormatter(formatter)
}

func GetFixedPrefixLogger(prefix string) *logrus.Entry {
	return logrus.WithField("p", prefix)
}

func GetPluginLogger(plugin Plugin) *logrus.Entry {
	return logrus.WithField("p", plugin.PluginInfo().SysName)
}

// InitTestRedis connects RedisPool to the redis instance used by tests, GAMESCHED_TEST_REDIS or localhost:6379
func InitTestRedis() error {
	addr := os.Getenv("GAMESCHED_TEST_REDIS")
	if addr == "" {
		addr = "localhost:6379"
	}

	err := connectRedis(addr, 2)
	if err != nil {
		return err
	}

	return RedisPool.Do(radix.Cmd(nil, "PING"))
}
