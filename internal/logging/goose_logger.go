package logging

import "github.com/pressly/goose/v3"

type GooseLogger struct {
}

var _ goose.Logger = (*GooseLogger)(nil)

func (g GooseLogger) Fatalf(format string, v ...interface{}) {
	Fatalf(format, v...)
}

func (g GooseLogger) Printf(format string, v ...interface{}) {
	Debugf(format, v...)
}
