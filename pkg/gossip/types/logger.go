package types

// Logger used by all components. The user can provide its own
// implementation, otherwise the default logger from the definition
// package is used.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})

	Warn(v ...interface{})
	Warnf(format string, v ...interface{})

	Error(v ...interface{})
	Errorf(format string, v ...interface{})

	Debug(v ...interface{})
	Debugf(format string, v ...interface{})

	// Enable or disable the debug level, returning the new state.
	ToggleDebug(value bool) bool
}
