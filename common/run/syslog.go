//go:build !linux

package run

import (
	"github.com/sirupsen/logrus"
)

func AddSyslogHooks(o *Options) {
	logrus.Warn("Not on linux, cannot add syslog hooks")
}
