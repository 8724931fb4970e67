package schedule

import (
	"context"
	"sync/atomic"
	"time"

	"emperror.dev/errors"
	"github.com/botlabs-gg/gamesched/common"
	"github.com/botlabs-gg/gamesched/common/config"
	"github.com/botlabs-gg/gamesched/events"
	"github.com/cenkalti/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var logger = common.GetFixedPrefixLogger("schedule")

var (
	confWakeTimeout       = config.RegisterOption("gamesched.wake_timeout_seconds", "Max time the daemon sleeps without a notification", 900)
	confDLQInterval       = config.RegisterOption("gamesched.dlq_interval_seconds", "How often the dead letter queue is reprocessed", 300)
	confMaxReminderDeaths = config.RegisterOption("gamesched.reminder_max_dlq_retries", "Reminders that died more than this many times are dropped instead of republished, 0 for no limit", 5)
	confRepublishRate     = config.RegisterOption("gamesched.dlq_republish_rate", "Max dead letters republished per second", 50)
)

var (
	metricsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gamesched_schedule_published_total",
		Help: "Schedule entries published",
	}, []string{"kind"})

	metricsPublishFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gamesched_schedule_publish_failed_total",
		Help: "Schedule entries that failed to build or publish",
	}, []string{"kind"})

	metricsRepublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gamesched_schedule_dead_letters_republished_total",
		Help: "Dead letters republished to the primary queue",
	}, []string{"kind"})

	metricsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gamesched_schedule_dead_letters_dropped_total",
		Help: "Dead letters dropped after too many retries",
	}, []string{"kind"})

	metricsDeadLetterDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gamesched_schedule_dead_letter_depth",
		Help: "Last observed depth of the dead letter queue",
	}, []string{"kind"})
)

type State int32

const (
	StateIdle State = iota
	StateWoken
	StateProcessing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateWoken:
		return "WOKEN"
	case StateProcessing:
		return "PROCESSING"
	case StateStopped:
		return "STOPPED"
	}

	return "UNKNOWN"
}

// Publisher publishes built events to the kind's primary queue
type Publisher interface {
	Publish(ctx context.Context, evt *events.Event, ttl time.Duration) error
}

// DeadLetterQueue gives access to the kind's dead letter queue
type DeadLetterQueue interface {
	DeadLetterDepth(ctx context.Context) (int, error)
	GetDeadLetter(ctx context.Context) (amqp.Delivery, bool, error)
	Republish(ctx context.Context, d amqp.Delivery) error
}

// Daemon turns due schedule entries of one kind into published events.
//
// Between passes it sleeps until notified of a change, until the next entry is due or until the wake timeout,
// whichever comes first. Entries are only marked as executed after the broker confirmed the publish.
type Daemon struct {
	store       *Store
	publisher   Publisher
	deadLetters DeadLetterQueue
	waker       Waker

	WakeTimeout        time.Duration
	DeadLetterInterval time.Duration
	// reminders that died more than this many times are dropped by the reprocessor, 0 for no limit
	MaxReminderDeaths int64
	BatchSize         int
	RepublishLimiter  *rate.Limiter

	now   func() time.Time
	state int32
}

// NewDaemon creates a daemon with the configured timings, deadLetters and waker may be nil
func NewDaemon(store *Store, publisher Publisher, deadLetters DeadLetterQueue, waker Waker) *Daemon {
	return &Daemon{
		store:       store,
		publisher:   publisher,
		deadLetters: deadLetters,
		waker:       waker,

		WakeTimeout:        confWakeTimeout.GetSeconds(),
		DeadLetterInterval: confDLQInterval.GetSeconds(),
		MaxReminderDeaths:  int64(confMaxReminderDeaths.GetInt()),
		BatchSize:          500,
		RepublishLimiter:   rate.NewLimiter(rate.Limit(confRepublishRate.GetInt()), 1),

		now: time.Now,
	}
}

func (d *Daemon) PluginInfo() *common.PluginInfo {
	return &common.PluginInfo{
		Name:     "Schedule daemon (" + d.store.kind.Name + ")",
		SysName:  "schedule_daemon_" + d.store.kind.Name,
		Category: common.PluginCategoryDelivery,
	}
}

func (d *Daemon) State() State {
	return State(atomic.LoadInt32(&d.state))
}

func (d *Daemon) setState(s State) {
	atomic.StoreInt32(&d.state, int32(s))
}

func (d *Daemon) logger() *logrus.Entry {
	return logger.WithField("kind", d.store.kind.Name)
}

func (d *Daemon) RunBackgroundWorker(ctx context.Context) {
	if err := d.Run(ctx); err != nil {
		d.logger().WithError(err).Error("schedule daemon stopped")
	}
}

// Run processes due entries until ctx is cancelled, the entry being published when that happens is finished first
func (d *Daemon) Run(ctx context.Context) error {
	l := d.logger()
	l.Info("starting schedule daemon")
	defer d.setState(StateStopped)
	if d.waker != nil {
		defer d.waker.Close()
	}

	if d.WakeTimeout <= 0 {
		return errors.NewPlain("wake timeout has to be positive")
	}

	n, err := d.store.CountOverdue(ctx, d.now().Add(-d.WakeTimeout))
	if err != nil {
		l.WithError(err).Error("failed counting overdue entries")
	} else if n > 0 {
		l.Warnf("%d entries are overdue by more than the wake timeout, processing them now", n)
	}

	d.reprocessDeadLetters(ctx)

	var dlqC <-chan time.Time
	if d.deadLetters != nil && d.DeadLetterInterval > 0 {
		dlqTicker := time.NewTicker(d.DeadLetterInterval)
		defer dlqTicker.Stop()
		dlqC = dlqTicker.C
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0

	for {
		d.setState(StateWoken)
		passStart := d.now()
		_, more, err := d.processDue(ctx, passStart)
		if ctx.Err() != nil {
			l.Info("schedule daemon stopped")
			return nil
		}

		// only store and broker errors back off, entries that can't be built were skipped and don't block the rest
		var wait time.Duration
		failing := err != nil
		if failing {
			wait = bo.NextBackOff()
			l.WithError(err).Errorf("failed processing due entries, retrying in %s", wait)
		} else {
			bo.Reset()
			if !more {
				wait = d.nextWait(ctx, passStart)
			}
		}

		d.setState(StateIdle)

		// notifications are ignored while backing off, the next pass picks up whatever changed
		var wakeC <-chan struct{}
		if !failing && d.waker != nil {
			wakeC = d.waker.C()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.Info("schedule daemon stopped")
			return nil
		case <-wakeC:
		case <-timer.C:
		case <-dlqC:
			d.reprocessDeadLetters(ctx)
		}
		timer.Stop()
	}
}

// nextWait returns how long to sleep when nothing wakes the daemon up.
// Entries due at passStart are not waited for, the ones still pending failed permanently and wait for the next wake.
func (d *Daemon) nextWait(ctx context.Context, passStart time.Time) time.Duration {
	wait := d.WakeTimeout

	next, ok, err := d.store.NextTriggerTime(ctx, passStart)
	if err != nil {
		d.logger().WithError(err).Error("failed retrieving next trigger time")
		return wait
	}

	if ok {
		until := next.Sub(d.now())
		if until < 0 {
			until = 0
		}

		if until < wait {
			wait = until
		}
	}

	return wait
}

// ProcessDue runs one pass over the due entries, publishing each and marking it as executed.
// Entries that can't be built are logged and skipped, only store and broker errors are returned.
func (d *Daemon) ProcessDue(ctx context.Context) (int, error) {
	n, _, err := d.processDue(ctx, d.now())
	return n, err
}

// processDue returns more if the pass stopped at the batch size
func (d *Daemon) processDue(ctx context.Context, now time.Time) (processed int, more bool, err error) {
	processed, failed, err := d.store.ProcessDue(ctx, now, d.BatchSize, d.publishEntry)
	if processed > 0 {
		d.logger().Debugf("published %d entries", processed)
	}

	for _, v := range failed {
		d.logger().WithError(v).Error("skipping schedule entry that can't be published")
	}

	more = d.BatchSize > 0 && processed+len(failed) >= d.BatchSize
	return processed, more, err
}

func (d *Daemon) publishEntry(ctx context.Context, entry *Entry) error {
	d.setState(StateProcessing)
	defer d.setState(StateWoken)

	kind := d.store.kind

	evt, ttl, err := kind.Build(entry, d.now())
	if err != nil {
		metricsPublishFailed.With(prometheus.Labels{"kind": kind.Name}).Inc()
		return Permanent(errors.WithMessage(err, "build"))
	}

	err = d.publisher.Publish(ctx, evt, ttl)
	if err != nil {
		metricsPublishFailed.With(prometheus.Labels{"kind": kind.Name}).Inc()
		return errors.WithMessage(err, "publish")
	}

	metricsPublished.With(prometheus.Labels{"kind": kind.Name}).Inc()
	d.logger().WithFields(logrus.Fields{
		"subject": entry.SubjectID,
		"target":  entry.Target,
		"event":   evt.ID,
	}).Debug("published schedule entry")

	return nil
}
