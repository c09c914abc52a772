// Package metrics exposes the relay's operational counters and the durable
// record of which token paid for which transaction.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Submission outcomes as counted by SubmissionsTotal.
const (
	OutcomeSuccess  = "success"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
	OutcomeTimeout  = "timeout"
)

var (
	// SubmissionsTotal counts relayed submissions by terminal outcome.
	SubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "launchtube",
		Name:      "submissions_total",
		Help:      "Relayed transaction submissions by terminal outcome.",
	}, []string{"outcome"})

	// FeesChargedTotal sums the stroops the network charged for relayed
	// submissions, whether or not they applied.
	FeesChargedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "launchtube",
		Name:      "fees_charged_stroops_total",
		Help:      "Total stroops the network charged for relayed submissions.",
	})

	// CreditsSpentTotal sums the stroops debited from tokens.
	CreditsSpentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "launchtube",
		Name:      "credits_spent_stroops_total",
		Help:      "Total stroops debited from tokens.",
	})

	// SequenceAccountsPooled and SequenceAccountsLeased track the pool.
	SequenceAccountsPooled = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "launchtube",
		Name:      "sequence_accounts_pooled",
		Help:      "Sequence accounts available for lease.",
	})
	SequenceAccountsLeased = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "launchtube",
		Name:      "sequence_accounts_leased",
		Help:      "Sequence accounts currently leased.",
	})
)
