package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the relay and the hub.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Session metrics
	SessionsJoined prometheus.Counter
	JoinFailures   prometheus.Counter
	ActiveSessions prometheus.Gauge
	SessionEnds    *prometheus.CounterVec

	// Capture metrics
	AudioChunksSent    prometheus.Counter
	AudioChunksDropped prometheus.Counter
	CaptureRestarts    prometheus.Counter

	// Transcription socket metrics
	TranscriptionEvents prometheus.Counter
	SocketDisconnects   prometheus.Counter

	// Translation metrics
	TranslationRequests prometheus.Counter
	TranslationFailures prometheus.Counter
	TranslationDuration prometheus.Histogram
	TranslationBacklog  prometheus.Gauge

	// Relay metrics
	Published       prometheus.Counter
	PublishFailures prometheus.Counter
	RemoteReceived  prometheus.Counter
	RemoteDiscarded prometheus.Counter

	// Transcript metrics
	TranscriptEntries *prometheus.CounterVec

	// Hub metrics
	HubMeetings     prometheus.Gauge
	HubAttendees    prometheus.Gauge
	HubMessages     prometheus.Counter
	HubHTTPRequests *prometheus.CounterVec
}

// New creates all metrics and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsJoined: f.NewCounter(prometheus.CounterOpts{
			Name: "livetranslate_sessions_joined_total",
			Help: "Total number of sessions successfully joined",
		}),
		JoinFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "livetranslate_join_failures_total",
			Help: "Total number of joins aborted during acquisition",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "livetranslate_active_sessions",
			Help: "1 while this participant is in a session",
		}),
		SessionEnds: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livetranslate_session_ends_total",
			Help: "Sessions left, by reason",
		}, []string{"reason"}),

		AudioChunksSent: f.NewCounter(prometheus.CounterOpts{
			Name: "livetranslate_audio_chunks_sent_total",
			Help: "PCM chunks written to the transcription socket",
		}),
		AudioChunksDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "livetranslate_audio_chunks_dropped_total",
			Help: "PCM chunks dropped because the socket was not open",
		}),
		CaptureRestarts: f.NewCounter(prometheus.CounterOpts{
			Name: "livetranslate_capture_restarts_total",
			Help: "Capture pipeline stop/start cycles",
		}),

		TranscriptionEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "livetranslate_transcription_events_total",
			Help: "Transcription events received from the socket",
		}),
		SocketDisconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "livetranslate_socket_disconnects_total",
			Help: "Transcription socket closures not requested locally",
		}),

		TranslationRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "livetranslate_translation_requests_total",
			Help: "Translation calls made",
		}),
		TranslationFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "livetranslate_translation_failures_total",
			Help: "Translation calls that returned the failure result",
		}),
		TranslationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "livetranslate_translation_duration_seconds",
			Help:    "Duration of translation calls",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		TranslationBacklog: f.NewGauge(prometheus.GaugeOpts{
			Name: "livetranslate_translation_backlog",
			Help: "Transcription events waiting for a translation worker",
		}),

		Published: f.NewCounter(prometheus.CounterOpts{
			Name: "livetranslate_relay_published_total",
			Help: "Results delivered to the realtime channel",
		}),
		PublishFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "livetranslate_relay_publish_failures_total",
			Help: "Results that could not be delivered before the deadline",
		}),
		RemoteReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "livetranslate_relay_remote_received_total",
			Help: "Valid results received from other participants",
		}),
		RemoteDiscarded: f.NewCounter(prometheus.CounterOpts{
			Name: "livetranslate_relay_remote_discarded_total",
			Help: "Inbound relay messages discarded as malformed",
		}),

		TranscriptEntries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livetranslate_transcript_entries_total",
			Help: "Entries appended to the transcript log",
		}, []string{"origin"}),

		HubMeetings: f.NewGauge(prometheus.GaugeOpts{
			Name: "livetranslate_hub_meetings",
			Help: "Meetings currently open on the hub",
		}),
		HubAttendees: f.NewGauge(prometheus.GaugeOpts{
			Name: "livetranslate_hub_attendees_connected",
			Help: "Realtime sockets currently connected to the hub",
		}),
		HubMessages: f.NewCounter(prometheus.CounterOpts{
			Name: "livetranslate_hub_messages_total",
			Help: "Realtime messages fanned out by the hub",
		}),
		HubHTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livetranslate_hub_http_requests_total",
			Help: "Hub HTTP requests",
		}, []string{"method", "path", "status_code"}),
	}
}

// Origin labels for TranscriptEntries.
const (
	OriginLocal  = "local"
	OriginRemote = "remote"
)

// ObserveTranslation records one finished translation call.
func (m *Metrics) ObserveTranslation(d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.TranslationRequests.Inc()
	m.TranslationDuration.Observe(d.Seconds())
	if failed {
		m.TranslationFailures.Inc()
	}
}

// ObservePublish records a publish outcome.
func (m *Metrics) ObservePublish(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.PublishFailures.Inc()
		return
	}
	m.Published.Inc()
}

// ObserveRemote records an inbound relay message.
func (m *Metrics) ObserveRemote(valid bool) {
	if m == nil {
		return
	}
	if valid {
		m.RemoteReceived.Inc()
		return
	}
	m.RemoteDiscarded.Inc()
}

// ObserveEntry records a transcript append.
func (m *Metrics) ObserveEntry(local bool) {
	if m == nil {
		return
	}
	origin := OriginRemote
	if local {
		origin = OriginLocal
	}
	m.TranscriptEntries.WithLabelValues(origin).Inc()
}

// ObserveChunk records one chunk offered to the transcription socket.
func (m *Metrics) ObserveChunk(sent bool) {
	if m == nil {
		return
	}
	if sent {
		m.AudioChunksSent.Inc()
		return
	}
	m.AudioChunksDropped.Inc()
}
