package metrics

import "log/slog"

// LoggerObserver writes every event to the debug log.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) RecordEvent(ev MetricsEvent) {
	attrs := make([]any, 0, 2*(len(ev.Tags)+len(ev.Fields)))
	for k, v := range ev.Tags {
		attrs = append(attrs, k, v)
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, k, v)
	}
	o.log.Debug("metric_"+ev.Name, attrs...)
}
