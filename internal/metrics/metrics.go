// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package metrics holds the platform's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ImportsTotal counts finished imports by terminal status.
	ImportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "litp_imports_total",
		Help: "Finished imports by terminal status.",
	}, []string{"status"})

	// ImportRecordsTotal counts record mutations applied by ingestion.
	ImportRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "litp_import_records_total",
		Help: "Dataset record mutations applied by ingestion.",
	}, []string{"action"})

	// CleanseRunsTotal counts finished analysis operations by terminal
	// status.
	CleanseRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "litp_cleanse_runs_total",
		Help: "Finished cleanse analysis operations by terminal status.",
	}, []string{"status"})
)

// IssueStats is the slice of state the issue collector scrapes.
type IssueStats interface {
	CountIssues() (active, inactive int, err error)
}

var issuesDesc = prometheus.NewDesc(
	"litp_cleanse_issues",
	"Current data-quality issues by state.",
	[]string{"state"}, nil,
)

// IssueCollector exports the live issue counts on scrape rather than
// tracking them incrementally, so the gauge can never drift from the
// database.
type IssueCollector struct {
	stats IssueStats
}

// NewIssueCollector returns a collector over the given stats source. The
// caller registers it with the default registry.
func NewIssueCollector(stats IssueStats) *IssueCollector {
	return &IssueCollector{stats: stats}
}

// Describe implements prometheus.Collector.
func (c *IssueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- issuesDesc
}

// Collect implements prometheus.Collector.
func (c *IssueCollector) Collect(ch chan<- prometheus.Metric) {
	active, inactive, err := c.stats.CountIssues()
	if err != nil {
		ch <- prometheus.NewInvalidMetric(issuesDesc, err)
		return
	}
	ch <- prometheus.MustNewConstMetric(issuesDesc, prometheus.GaugeValue, float64(active), "active")
	ch <- prometheus.MustNewConstMetric(issuesDesc, prometheus.GaugeValue, float64(inactive), "inactive")
}
