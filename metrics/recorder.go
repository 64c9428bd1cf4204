package metrics

import "github.com/prometheus/client_golang/prometheus"

// SessionRecorder counts signing session outcomes. It implements the
// coordinator's Recorder interface.
type SessionRecorder struct {
	started  *prometheus.CounterVec
	finished *prometheus.CounterVec
	failures *prometheus.CounterVec
}

func NewSessionRecorder(reg prometheus.Registerer) *SessionRecorder {
	r := &SessionRecorder{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recovery_sessions_started_total",
			Help: "Signing sessions started, by intent.",
		}, []string{"intent"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recovery_sessions_finished_total",
			Help: "Signing sessions finished, by intent and terminal status.",
		}, []string{"intent", "status"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recovery_verification_failures_total",
			Help: "Signing requests rejected during verification, by intent.",
		}, []string{"intent"}),
	}
	reg.MustRegister(r.started, r.finished, r.failures)
	return r
}

func (r *SessionRecorder) SessionStarted(intent string) {
	r.started.WithLabelValues(intent).Inc()
}

func (r *SessionRecorder) SessionFinished(intent, status string) {
	r.finished.WithLabelValues(intent, status).Inc()
}

func (r *SessionRecorder) VerificationFailed(intent string) {
	r.failures.WithLabelValues(intent).Inc()
}
