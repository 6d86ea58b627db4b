//go:build !noprometheus
// +build !noprometheus

package instrument

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tokensDrawn = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "replyctl_tokens_drawn_total",
			Help: "Number of reply tokens drawn from the token store",
		},
	)
	tokensReturned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "replyctl_tokens_returned_total",
			Help: "Number of unused reply tokens returned to the token store",
		},
	)
	tokensReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "replyctl_tokens_received_total",
			Help: "Number of reply tokens received from correspondents",
		},
	)
	tokensDowngraded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "replyctl_tokens_downgraded_total",
			Help: "Number of fresh reply tokens downgraded on key rotation",
		},
	)
	tokenRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replyctl_token_requests_total",
			Help: "Number of requests for additional reply tokens",
		},
		[]string{"outcome"},
	)
	fragmentsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replyctl_fragments_sent_total",
			Help: "Number of reply fragments handed to the dispatcher",
		},
		[]string{"path"},
	)
	fragmentsBuffered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "replyctl_fragments_buffered_total",
			Help: "Number of reply fragments buffered for lack of tokens",
		},
	)
	retransmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replyctl_retransmissions_total",
			Help: "Number of delivery timeouts handled",
		},
		[]string{"outcome"},
	)
	correspondentsRemoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replyctl_correspondents_removed_total",
			Help: "Number of correspondents whose state was removed",
		},
		[]string{"reason"},
	)
	unavailableCorrespondents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "replyctl_unavailable_correspondent_replies_total",
			Help: "Number of replies to correspondents we hold no tokens for",
		},
	)
	trackedCorrespondents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "replyctl_tracked_correspondents",
			Help: "Number of correspondents with pending state",
		},
	)
	rotationID = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "replyctl_key_rotation_id",
			Help: "Last key rotation the controller refreshed tokens for",
		},
	)
	ackRegistrySize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "replyctl_ack_registry_size",
			Help: "Number of deliveries awaiting acknowledgement",
		},
	)
	framesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replyctl_egress_frames_total",
			Help: "Number of frames written to the egress transport",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(tokensDrawn)
	prometheus.MustRegister(tokensReturned)
	prometheus.MustRegister(tokensReceived)
	prometheus.MustRegister(tokensDowngraded)
	prometheus.MustRegister(tokenRequests)
	prometheus.MustRegister(fragmentsSent)
	prometheus.MustRegister(fragmentsBuffered)
	prometheus.MustRegister(retransmissions)
	prometheus.MustRegister(correspondentsRemoved)
	prometheus.MustRegister(unavailableCorrespondents)
	prometheus.MustRegister(trackedCorrespondents)
	prometheus.MustRegister(rotationID)
	prometheus.MustRegister(ackRegistrySize)
	prometheus.MustRegister(framesWritten)
}

// StartPrometheusListener exposes the registered metrics via HTTP on address.
func StartPrometheusListener(address string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go http.ListenAndServe(address, mux)
}

// TokensDrawn counts tokens drawn from the token store.
func TokensDrawn(n int) {
	tokensDrawn.Add(float64(n))
}

// TokensReturned counts unused tokens returned to the token store.
func TokensReturned(n int) {
	tokensReturned.Add(float64(n))
}

// TokensReceived counts tokens received from correspondents.
func TokensReceived(n int) {
	tokensReceived.Add(float64(n))
}

// TokensDowngraded counts tokens downgraded on key rotation.
func TokensDowngraded(n int) {
	tokensDowngraded.Add(float64(n))
}

// TokenRequest counts requests for more tokens by outcome.
func TokenRequest(ok bool) {
	tokenRequests.With(prometheus.Labels{"outcome": outcome(ok)}).Inc()
}

// FragmentsSent counts fragments handed to the dispatcher on path.
func FragmentsSent(path string, n int) {
	fragmentsSent.With(prometheus.Labels{"path": path}).Add(float64(n))
}

// FragmentsBuffered counts fragments buffered for lack of tokens.
func FragmentsBuffered(n int) {
	fragmentsBuffered.Add(float64(n))
}

// Retransmission counts handled delivery timeouts by outcome.
func Retransmission(outcome string) {
	retransmissions.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// CorrespondentRemoved counts removed correspondents by reason.
func CorrespondentRemoved(reason string) {
	correspondentsRemoved.With(prometheus.Labels{"reason": reason}).Inc()
}

// UnavailableCorrespondent counts replies to correspondents without tokens.
func UnavailableCorrespondent() {
	unavailableCorrespondents.Inc()
}

// TrackedCorrespondents sets the number of tracked correspondents.
func TrackedCorrespondents(n int) {
	trackedCorrespondents.Set(float64(n))
}

// RotationID sets the last refreshed key rotation.
func RotationID(id uint32) {
	rotationID.Set(float64(id))
}

// AckRegistrySize sets the number of deliveries awaiting acknowledgement.
func AckRegistrySize(n int) {
	ackRegistrySize.Set(float64(n))
}

// FrameWritten counts frames written to the egress transport.
func FrameWritten(kind uint8) {
	framesWritten.With(prometheus.Labels{"kind": strconv.Itoa(int(kind))}).Inc()
}

func outcome(ok bool) string {
	if ok {
		return "sent"
	}
	return "failed"
}
