// Package generation names cache generations and evicts the obsolete ones.
package generation

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/any-hub/swproxy/internal/cache"
	"github.com/any-hub/swproxy/internal/logging"
	"github.com/any-hub/swproxy/internal/metrics"
)

// Names holds the two generations a worker version owns.
type Names struct {
	Static  string
	Runtime string
}

func NewNames(app, version string) Names {
	return Names{
		Static:  fmt.Sprintf("%s-v%s", app, version),
		Runtime: app + "-runtime",
	}
}

// Keep reports whether name survives an activation pass.
func (n Names) Keep(name string) bool {
	return name == n.Static || name == n.Runtime
}

// Report summarizes one purge or flush.
type Report struct {
	Deleted []string
	Failed  []string
	Kept    []string
}

type Manager struct {
	store   cache.Store
	names   Names
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewManager(store cache.Store, names Names, logger *logrus.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{store: store, names: names, logger: logger, metrics: m}
}

func (m *Manager) Names() Names {
	return m.names
}

// Activate deletes every generation outside {Static, Runtime}. A failed
// deletion is logged and does not stop the others; the returned error
// aggregates every failure and is informational only.
func (m *Manager) Activate(ctx context.Context) (Report, error) {
	return m.purge(ctx, "activate", m.names.Keep)
}

// Flush deletes every generation, including the current ones.
func (m *Manager) Flush(ctx context.Context) (Report, error) {
	return m.purge(ctx, "flush", func(string) bool { return false })
}

func (m *Manager) purge(ctx context.Context, reason string, keep func(string) bool) (Report, error) {
	var report Report
	names, err := m.store.ListGenerations(ctx)
	if err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{"action": reason}).Warn("list generations failed")
		return report, fmt.Errorf("list generations: %w", err)
	}

	var errs error
	for _, name := range names {
		if keep(name) {
			report.Kept = append(report.Kept, name)
			continue
		}
		_, delErr := m.store.DeleteGeneration(ctx, name)
		m.metrics.GenerationDeleted(reason, delErr)
		fields := logging.GenerationFields(reason, name)
		if delErr != nil {
			report.Failed = append(report.Failed, name)
			errs = multierr.Append(errs, fmt.Errorf("delete %s: %w", name, delErr))
			m.logger.WithError(delErr).WithFields(fields).Warn("generation delete failed")
			continue
		}
		report.Deleted = append(report.Deleted, name)
		m.logger.WithFields(fields).Info("generation deleted")
	}
	return report, errs
}
