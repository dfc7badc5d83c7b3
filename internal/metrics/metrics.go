package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petervdpas/offchat/internal/util"
)

var log = logging.Logger("offchat/metrics")

var (
	// Link metrics
	FramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offchat_link_frames_sent_total",
			Help: "Frames written to peer links",
		},
		[]string{"type"}, // chat, discovery, ack
	)

	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offchat_link_frames_received_total",
			Help: "Complete frames read from peer links",
		},
		[]string{"type"},
	)

	FramesMalformed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offchat_link_frames_malformed_total",
			Help: "Frames dropped because they could not be decoded",
		},
	)

	AckLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "offchat_link_ack_latency_seconds",
			Help:    "Time from chat frame write to ack",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	LinkedPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offchat_link_peers",
			Help: "Currently linked peers",
		},
	)

	// Outbox metrics
	DrainResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offchat_outbox_drained_total",
			Help: "Queued messages processed by drain cycles",
		},
		[]string{"result"}, // sent, failed
	)

	InboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offchat_outbox_inbound_total",
			Help: "Inbound chat frames by outcome",
		},
		[]string{"result"}, // stored, duplicate, error
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offchat_outbox_queue_depth",
			Help: "Pending and failed outbound messages after the last drain",
		},
	)

	// Mode
	OfflineMode = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offchat_mode_offline",
			Help: "1 while the offline session is active",
		},
	)
)

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), util.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
