package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricUpgrades = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ccbox_relay_ws_upgrades_total",
		Help: "WebSocket upgrades accepted, by peer kind.",
	}, []string{"kind"})

	metricAuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ccbox_relay_auth_failures_total",
		Help: "Fatal auth failures, by closed error code.",
	}, []string{"code"})

	metricAuthOK = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ccbox_relay_auth_ok_total",
		Help: "Successful authentications, by peer kind.",
	}, []string{"kind"})

	metricFramesForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ccbox_relay_frames_forwarded_total",
		Help: "Mux frames forwarded, by direction (to_ccbox, to_client).",
	}, []string{"direction"})

	metricRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ccbox_relay_rate_limited_total",
		Help: "Requests denied by the rate limiter, by route.",
	}, []string{"route"})

	metricOfflineResponses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ccbox_relay_offline_responses_total",
		Help: "Synthetic rpc/response messages sent while the ccbox was offline.",
	})
)
