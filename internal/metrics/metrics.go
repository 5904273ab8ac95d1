// Package metrics exposes prometheus counters for the financial operations.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ContributionsAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chama_savings_contributions_total",
		Help: "Savings contributions appended to member ledgers.",
	})

	SavingsCorrections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chama_savings_corrections_total",
		Help: "Cached savings totals corrected by a read-time recompute.",
	})

	PaymentsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chama_collection_payments_total",
		Help: "Collection payments recorded.",
	})

	CollectionsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chama_collections_completed_total",
		Help: "Monthly collections that reached completion.",
	})

	LoansDisbursed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chama_loans_disbursed_total",
		Help: "Loans disbursed, by trigger source.",
	}, []string{"source"}) // auto, collection, sequence, standalone

	LoansReversed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chama_loans_reversed_total",
		Help: "Loan disbursements reversed before any repayment.",
	})

	RepaymentsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chama_loan_repayments_total",
		Help: "Loan installments recorded.",
	})

	LoansCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chama_loans_completed_total",
		Help: "Loans fully repaid.",
	})

	LoansDefaulted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chama_loans_defaulted_total",
		Help: "Loans marked defaulted by an administrator.",
	})
)

// Handler serves the prometheus scrape endpoint.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
