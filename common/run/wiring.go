package run

import (
	"emperror.dev/errors"
	"github.com/botlabs-gg/gamesched/broker"
	"github.com/botlabs-gg/gamesched/common"
	"github.com/botlabs-gg/gamesched/common/dedupe"
	"github.com/botlabs-gg/gamesched/events"
	"github.com/botlabs-gg/gamesched/games"
	"github.com/botlabs-gg/gamesched/schedule"
)

var ErrUnknownKind = errors.NewPlain("unknown schedule kind, expected reminders, transitions or promotions")

// Kinds are the schedule kinds a process can run daemons and consumers for
var Kinds = map[string]*schedule.Kind{
	schedule.RemindersKind.Name:   schedule.RemindersKind,
	schedule.TransitionsKind.Name: schedule.TransitionsKind,
	schedule.PromotionsKind.Name:  schedule.PromotionsKind,
}

func lookupKind(name string) (*schedule.Kind, error) {
	kind, ok := Kinds[name]
	if !ok {
		return nil, errors.WithMessage(ErrUnknownKind, name)
	}

	return kind, nil
}

// topology for the kind's queues, only the reminders queue has a queue level TTL
func topology(kind *schedule.Kind) broker.Topology {
	if kind == schedule.RemindersKind {
		return broker.KindTopology(kind.Name, broker.ReminderQueueTTL())
	}

	return broker.KindTopology(kind.Name, 0)
}

// wiring builds the components of the process from the initialized common connections
type wiring struct {
	conn      *broker.Conn
	stores    map[*schedule.Kind]*schedule.Store
	scheduler *games.Scheduler
}

func newWiring() *wiring {
	w := &wiring{
		conn:   broker.Dial(broker.ConfAMQPURL.GetString()),
		stores: make(map[*schedule.Kind]*schedule.Store),
	}

	for _, kind := range Kinds {
		w.stores[kind] = schedule.NewStore(common.SQLX, kind)
	}

	w.scheduler = games.NewScheduler(w.stores[schedule.RemindersKind], w.stores[schedule.TransitionsKind], w.stores[schedule.PromotionsKind])
	return w
}

func (w *wiring) Close() error {
	return w.conn.Close()
}

func (w *wiring) repository() *games.PGRepository {
	return games.NewPGRepository(common.SQLX, w.scheduler)
}

// service queues promotions through the repository, the promotions daemon publishes them
func (w *wiring) service() *games.Service {
	return games.NewService(w.repository(), games.LogNotifier{})
}

func (w *wiring) registerDaemon(kind *schedule.Kind) error {
	waker, err := schedule.NewPQWaker(common.PQConnString(), kind)
	if err != nil {
		return errors.WithMessage(err, "notify listener")
	}

	publisher := broker.NewPublisher(w.conn, topology(kind))
	daemon := schedule.NewDaemon(w.stores[kind], publisher, publisher, waker)
	common.RegisterPlugin(daemon)
	common.ServiceTracker.RegisterService(common.ServiceTypeDaemon, kind.Name, func() string {
		return daemon.State().String()
	})
	return nil
}

func (w *wiring) registerConsumer(kind *schedule.Kind) {
	registry := events.NewRegistry()
	games.NewHandlers(w.repository(), games.LogNotifier{}, dedupe.New()).Register(registry)

	common.RegisterPlugin(broker.NewConsumer(w.conn, topology(kind), registry))
	common.ServiceTracker.RegisterService(common.ServiceTypeConsumer, kind.Name, nil)
}

func (w *wiring) registerCleaner() {
	stores := make([]*schedule.Store, 0, len(w.stores))
	for _, v := range w.stores {
		stores = append(stores, v)
	}

	common.RegisterPlugin(schedule.NewCleaner(stores...))
	common.ServiceTracker.RegisterService(common.ServiceTypeCleaner, "executed", nil)
}
