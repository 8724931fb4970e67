package run

import (
	"context"
	"flag"
	"io"
	stdlog "log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/botlabs-gg/gamesched/common"
	"github.com/botlabs-gg/gamesched/common/backgroundworkers"
	"github.com/botlabs-gg/gamesched/common/config"
	"github.com/botlabs-gg/gamesched/common/prom"
	"github.com/botlabs-gg/gamesched/common/sentryhook"
	"github.com/botlabs-gg/gamesched/games"
	"github.com/botlabs-gg/gamesched/schedule"
	"github.com/getsentry/sentry-go"
	"github.com/natefinch/lumberjack"
	log "github.com/sirupsen/logrus"
)

var confSentryDSN = config.RegisterOption("gamesched.sentry_dsn", "Sentry credentials for sentry logging hook", "")

// Options are the flags shared by every command that starts the process
type Options struct {
	LogFile      string
	LogTimestamp bool
	SysLog       bool
	LogAppName   string
	NodeID       string
	Dry          bool
}

func (o *Options) register(fs *flag.FlagSet) {
	fs.StringVar(&o.LogFile, "logfile", "", "Also write logs to this file, rotated at 100MB")
	fs.BoolVar(&o.LogTimestamp, "ts", false, "Set to include timestamps in log")
	fs.BoolVar(&o.SysLog, "syslog", false, "Set to log to syslog (only linux)")
	fs.StringVar(&o.LogAppName, "logappname", "gamesched", "When using syslog, the application name will be set to this")
	fs.StringVar(&o.NodeID, "nodeid", "", "The id of this node, added to logs and sentry events")
	fs.BoolVar(&o.Dry, "dry", false, "Do a dryrun, initialize everything but don't actually start anything")
}

func setupLogging(o *Options) {
	common.AddLogHook(common.ContextHook{})
	stdlog.SetOutput(&common.STDLogProxy{})
	stdlog.SetFlags(0)

	common.SetLogFormatter(&log.TextFormatter{
		DisableTimestamp: !o.LogTimestamp && !common.Testing,
		ForceColors:      common.Testing,
		SortingFunc:      logrusSortingFunc,
	})

	if o.LogFile != "" {
		log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   o.LogFile,
			MaxSize:    100,
			MaxBackups: 5,
			Compress:   true,
		}))
	}

	if o.SysLog {
		AddSyslogHooks(o)
	}
}

// Init sets up logging, loads the config, connects to postgres and redis and initializes the schemas
func Init(o *Options) error {
	setupLogging(o)
	common.NodeID = o.NodeID

	log.Info("Starting gamesched version " + common.VERSION)

	err := common.CoreInit()
	if err != nil {
		return err
	}

	if confSentryDSN.GetString() != "" {
		addSentryHook(o)
	}

	// the schedule tables reference the games table
	games.RegisterPlugin()
	schedule.RegisterSchemas()

	return common.Init()
}

// runWorkers runs the registered background workers until SIGINT or SIGTERM,
// then waits for them to finish what they were doing
func runWorkers(o *Options, closers ...io.Closer) int {
	if o.Dry {
		log.Info("This is a dry run, exiting")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := prom.Run(ctx); err != nil {
		log.WithError(err).Error("Failed starting prom server")
	}

	var wg sync.WaitGroup
	if backgroundworkers.RunWorkers(ctx, &wg) == 0 {
		log.Error("Nothing to run")
		return 1
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		common.ServiceTracker.RunBackgroundWorker(ctx)
	}()

	<-ctx.Done()
	log.Info("SHUTTING DOWN... ")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Minute):
		log.Error("Timed out waiting for workers to stop")
	}

	for _, c := range closers {
		if err := c.Close(); err != nil {
			log.WithError(err).Warn("Failed closing")
		}
	}

	sentry.Flush(time.Second * 2)
	log.Info("Bye..")
	return 0
}

func addSentryHook(o *Options) {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:     confSentryDSN.GetString(),
		Release: common.VERSION,
	})

	if err == nil {
		sentry.ConfigureScope(func(s *sentry.Scope) {
			if o.NodeID != "" {
				s.SetTag("node_id", o.NodeID)
			}
		})

		common.AddLogHook(&sentryhook.Hook{})
		log.Info("Added Sentry Hook")
	} else {
		log.WithError(err).Error("Failed adding sentry hook")
	}
}

var logSortPriority = []string{
	"time",
	"level",
	"p",
	"msg",
	"stck",
}

func logrusSortingFunc(fields []string) {
	sort.Slice(fields, func(i, j int) bool {
		iPriority := findStringIndex(logSortPriority, fields[i])
		jPriority := findStringIndex(logSortPriority, fields[j])

		if iPriority != -1 && jPriority == -1 {
			return true
		} else if jPriority != -1 && iPriority == -1 {
			return false
		} else if iPriority == -1 && jPriority == -1 {
			return strings.Compare(fields[i], fields[j]) < 0
		}

		// both has priority
		return iPriority < jPriority
	})
}

func findStringIndex(slice []string, s string) int {
	for i, v := range slice {
		if v == s {
			return i
		}
	}

	return -1
}
