package schedule

import (
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/lib/pq"
)

// Waker signals the daemon that entries were inserted or rescheduled
type Waker interface {
	C() <-chan struct{}
	Close() error
}

// PQWaker listens on the kind's notify channel, notifications are coalesced so the daemon wakes at most once per pass
type PQWaker struct {
	listener *pq.Listener
	c        chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func NewPQWaker(connStr string, kind *Kind) (*PQWaker, error) {
	l := logger.WithField("kind", kind.Name)

	listener := pq.NewListener(connStr, time.Second*10, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			l.WithError(err).Warn("notify listener lost its connection")
		case pq.ListenerEventReconnected:
			l.Info("notify listener reconnected")
		}
	})

	if err := listener.Listen(kind.NotifyChannel()); err != nil {
		listener.Close()
		return nil, errors.WithMessage(err, "listen")
	}

	w := &PQWaker{
		listener: listener,
		c:        make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}

	go w.run()
	return w, nil
}

func (w *PQWaker) run() {
	pingTicker := time.NewTicker(time.Second * 90)
	defer pingTicker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case _, ok := <-w.listener.Notify:
			if !ok {
				return
			}

			// a nil notification is sent after a reconnect, notifications may have been lost so wake up anyways
			w.wake()
		case <-pingTicker.C:
			go w.listener.Ping()
		}
	}
}

func (w *PQWaker) wake() {
	select {
	case w.c <- struct{}{}:
	default:
	}
}

func (w *PQWaker) C() <-chan struct{} {
	return w.c
}

// Close stops listening, calling it more than once is a no-op
func (w *PQWaker) Close() (err error) {
	w.stopOnce.Do(func() {
		close(w.stop)
		err = w.listener.Close()
	})
	return err
}

// ChanWaker is a waker driven by hand
type ChanWaker chan struct{}

func NewChanWaker() ChanWaker {
	return make(ChanWaker, 1)
}

func (c ChanWaker) Wake() {
	select {
	case c <- struct{}{}:
	default:
	}
}

func (c ChanWaker) C() <-chan struct{} {
	return c
}

func (c ChanWaker) Close() error {
	return nil
}
