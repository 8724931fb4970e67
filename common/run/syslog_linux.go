package run

import (
	"log/syslog"

	"github.com/botlabs-gg/gamesched/common"
	"github.com/sirupsen/logrus"
	lsyslog "github.com/sirupsen/logrus/hooks/syslog"
)

func AddSyslogHooks(o *Options) {
	logrus.Info("Adding syslog hook")

	appName := o.LogAppName
	if o.NodeID != "" {
		appName += "-" + o.NodeID
	}

	hook, err := lsyslog.NewSyslogHook("", "", syslog.LOG_INFO|syslog.LOG_DAEMON, appName)
	if err == nil {
		common.AddLogHook(hook)
	} else {
		logrus.WithError(err).Error("failed initializing syslog hook")
	}
}
