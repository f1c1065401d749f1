// Package metrics defines the Prometheus instruments for the widget client and
// the reference backend. Every method is safe on a nil receiver so components
// can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Poll outcomes.
const (
	PollAccepted  = "accepted"
	PollDiscarded = "discarded"
	PollStale     = "stale"
	PollFailed    = "failed"
)

// Submit outcomes.
const (
	SubmitSent     = "sent"
	SubmitFailed   = "failed"
	SubmitRejected = "rejected"
)

// Client holds widget-side instruments.
type Client struct {
	Polls           *prometheus.CounterVec
	Submits         *prometheus.CounterVec
	StreamFrames    *prometheus.CounterVec
	Unread          prometheus.Gauge
	RequestDuration *prometheus.HistogramVec
}

func NewClient(reg prometheus.Registerer) *Client {
	f := promauto.With(reg)
	return &Client{
		Polls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "helpdesk_widget_polls_total",
			Help: "Poll responses by reconciliation outcome",
		}, []string{"outcome"}),
		Submits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "helpdesk_widget_submits_total",
			Help: "Message submissions by outcome",
		}, []string{"outcome"}),
		StreamFrames: f.NewCounterVec(prometheus.CounterOpts{
			Name: "helpdesk_widget_stream_frames_total",
			Help: "Assistant stream frames by status",
		}, []string{"status"}),
		Unread: f.NewGauge(prometheus.GaugeOpts{
			Name: "helpdesk_widget_unread",
			Help: "Current unread counter of the widget",
		}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "helpdesk_client_request_duration_seconds",
			Help:    "Support API request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

func (m *Client) Poll(outcome string) {
	if m == nil {
		return
	}
	m.Polls.WithLabelValues(outcome).Inc()
}

func (m *Client) Submit(outcome string) {
	if m == nil {
		return
	}
	m.Submits.WithLabelValues(outcome).Inc()
}

func (m *Client) Frame(dropped bool) {
	if m == nil {
		return
	}
	status := "ok"
	if dropped {
		status = "dropped"
	}
	m.StreamFrames.WithLabelValues(status).Inc()
}

func (m *Client) SetUnread(n int) {
	if m == nil {
		return
	}
	m.Unread.Set(float64(n))
}

func (m *Client) ObserveRequest(op string, start time.Time) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Server holds backend-side instruments.
type Server struct {
	Requests         *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	TicketsCreated   prometheus.Counter
	MessagesAppended *prometheus.CounterVec
	RateLimited      prometheus.Counter
	PushClients      prometheus.Gauge
}

func NewServer(reg prometheus.Registerer) *Server {
	f := promauto.With(reg)
	return &Server{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "helpdesk_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "helpdesk_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		TicketsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "helpdesk_tickets_created_total",
			Help: "Tickets created",
		}),
		MessagesAppended: f.NewCounterVec(prometheus.CounterOpts{
			Name: "helpdesk_messages_appended_total",
			Help: "Messages appended by sender",
		}, []string{"sender"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "helpdesk_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
		PushClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "helpdesk_push_clients",
			Help: "Connected WebSocket push clients",
		}),
	}
}

func (m *Server) TicketCreated() {
	if m == nil {
		return
	}
	m.TicketsCreated.Inc()
}

func (m *Server) MessageAppended(sender string) {
	if m == nil {
		return
	}
	m.MessagesAppended.WithLabelValues(sender).Inc()
}

func (m *Server) Limited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

func (m *Server) PushConnected(delta int) {
	if m == nil {
		return
	}
	m.PushClients.Add(float64(delta))
}

func (m *Server) ObserveRequest(route string, code int, start time.Time) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(route, http.StatusText(code)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
}

// Handler serves the given gatherer in Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
