package utils

import (
	"os"

	"github.com/sirupsen/logrus"
)

// 全局 logger，级别由编译期开关决定
var Logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if DebugCounters {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.WarnLevel)
	}
	return l
}
