package core

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Login outcomes besides the auth.LoginError codes.
const (
	LoginOutcomeSuccess = "success"
	LoginOutcomeError   = "error"
)

// Mail job results.
const (
	MailResultSent    = "sent"
	MailResultRetried = "retried"
	MailResultFailed  = "failed"
)

// LoginAttempts counts credential checks by outcome.
var LoginAttempts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "struktal_auth_login_attempts_total",
		Help: "Total number of login attempts by outcome",
	},
	[]string{"outcome"},
)

// GateDenials counts requests rejected by the access gate.
var GateDenials = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "struktal_auth_gate_denials_total",
		Help: "Total number of requests denied by the access gate",
	},
	[]string{"required_level"},
)

// OTPIssued counts one-time passwords issued.
var OTPIssued = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "struktal_auth_otp_issued_total",
		Help: "Total number of one-time passwords issued",
	},
	[]string{"reason"},
)

// MailJobs counts verification mail jobs handled by workers.
var MailJobs = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "struktal_mail_jobs_total",
		Help: "Total number of verification mail jobs by result",
	},
	[]string{"result"},
)

// RegisterMetrics registers the package metrics with reg.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(LoginAttempts)
	reg.MustRegister(GateDenials)
	reg.MustRegister(OTPIssued)
	reg.MustRegister(MailJobs)
}

// NewMetricsRegistry returns a registry holding the package metrics plus
// the Go runtime and process collectors.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	RegisterMetrics(reg)
	return reg
}

// MetricsHandler serves reg in the Prometheus exposition format.
func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func recordLogin(outcome string) { LoginAttempts.WithLabelValues(outcome).Inc() }
func recordGateDenial(required string) { GateDenials.WithLabelValues(required).Inc() }
func recordOTPIssued(reason string) { OTPIssued.WithLabelValues(reason).Inc() }
func recordMailJob(result string) { MailJobs.WithLabelValues(result).Inc() }
