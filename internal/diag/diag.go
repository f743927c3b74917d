// Package diag provides the diagnostic sink threaded through the codec
// pipeline in place of a global logger (see the DiagnosticSink design
// note for why a package-level logger was rejected).
package diag

import (
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Sink receives severity-tagged diagnostics from the encode/decode
// pipeline. Error and Warn correspond to the "error" and "warning"
// severities in the error handling design; Info covers everything else.
type Sink interface {
	Error(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	// WithJob returns a Sink that stamps every subsequent entry with the
	// given job correlation ID, so concurrent encode/decode runs can be
	// told apart in shared output.
	WithJob(jobID uuid.UUID) Sink
}

// zerologSink is the default Sink, backed by a zerolog.Logger.
type zerologSink struct {
	log zerolog.Logger
}

// NewSink returns a Sink that writes pretty console output to w.
// Passing nil uses os.Stderr.
func NewSink(w io.Writer) Sink {
	if w == nil {
		w = os.Stderr
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}).
		With().Timestamp().Logger()
	return &zerologSink{log: log}
}

// Noop returns a Sink that discards every entry, for callers that do not
// care about diagnostics (e.g. library consumers driving their own
// logging through another path).
func Noop() Sink {
	return &zerologSink{log: zerolog.Nop()}
}

func (s *zerologSink) event(ev *zerolog.Event, msg string, fields map[string]any) {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

func (s *zerologSink) Error(msg string, fields map[string]any) {
	s.event(s.log.Error(), msg, fields)
}

func (s *zerologSink) Warn(msg string, fields map[string]any) {
	s.event(s.log.Warn(), msg, fields)
}

func (s *zerologSink) Info(msg string, fields map[string]any) {
	s.event(s.log.Info(), msg, fields)
}

func (s *zerologSink) WithJob(jobID uuid.UUID) Sink {
	return &zerologSink{log: s.log.With().Str("job", jobID.String()).Logger()}
}
