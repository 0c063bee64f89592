package metrics

import "github.com/prometheus/client_golang/prometheus"

type collectors struct {
	registeredAccounts *prometheus.GaugeVec
	loginAttempts      *prometheus.CounterVec
	tokensIssued       prometheus.Counter
	verificationMails  *prometheus.CounterVec
	sweepRemovals      *prometheus.CounterVec
}

func newCollectors(namespace string) *collectors {
	return &collectors{
		registeredAccounts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "accounts",
				Help:      "Number of accounts held by the registry",
			},
			[]string{"state"},
		),
		loginAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "login_attempts_total",
				Help:      "Total number of login attempts",
			},
			[]string{"result"},
		),
		tokensIssued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_issued_total",
				Help:      "Total number of tokens issued",
			},
		),
		verificationMails: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verification_mails_total",
				Help:      "Total number of verification mails",
			},
			[]string{"kind", "result"},
		),
		sweepRemovals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_removals_total",
				Help:      "Total number of records removed by maintenance sweeps",
			},
			[]string{"kind"},
		),
	}
}

func (c *collectors) all() []prometheus.Collector {
	return []prometheus.Collector{
		c.registeredAccounts,
		c.loginAttempts,
		c.tokensIssued,
		c.verificationMails,
		c.sweepRemovals,
	}
}
