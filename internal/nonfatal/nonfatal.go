// Package nonfatal runs secondary steps whose failure must not fail the
// operation that triggered them: index upkeep, code cleanup, broadcasts.
package nonfatal

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/anchal00/nextup/internal/logger"
)

type Runner struct {
	logger   logger.Logger
	failures *prometheus.CounterVec
}

// New builds a Runner. A nil Registerer keeps the counter unregistered.
func New(log logger.Logger, reg prometheus.Registerer) *Runner {
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nextup",
		Name:      "nonfatal_failures_total",
		Help:      "Failures of best-effort steps, by operation.",
	}, []string{"op"})
	if reg != nil {
		reg.MustRegister(failures)
	}
	return &Runner{logger: log, failures: failures}
}

// Run executes fn and reports whether it succeeded. A failure is logged and
// counted under op, never returned.
func (r *Runner) Run(op string, fn func() error) bool {
	err := fn()
	if err == nil {
		return true
	}
	r.failures.WithLabelValues(op).Inc()
	r.logger.With("op", op).Error(fmt.Sprintf("Non-fatal step %s failed", op), err)
	return false
}
