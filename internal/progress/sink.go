package progress

// nopSink swallows events; used when streaming is disabled.
type nopSink struct{}

func (nopSink) Write(Event) error { return nil }
func (nopSink) Close() error      { return nil }

// NopSink returns a sink that discards every event.
func NopSink() Sink { return nopSink{} }

// keepOpenSink forwards writes but ignores Close.
type keepOpenSink struct {
	Sink
}

func (keepOpenSink) Close() error { return nil }

// KeepOpen wraps a sink shared across audit sessions so that a session's
// emitter Close does not close the sink itself.
func KeepOpen(s Sink) Sink { return keepOpenSink{s} }
