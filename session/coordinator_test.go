package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mrsingh-rishi/livetranslate/audio"
	"github.com/mrsingh-rishi/livetranslate/audio/audiotest"
	"github.com/mrsingh-rishi/livetranslate/membership"
	"github.com/mrsingh-rishi/livetranslate/metrics"
	"github.com/mrsingh-rishi/livetranslate/model"
	"github.com/mrsingh-rishi/livetranslate/relay"
	"github.com/mrsingh-rishi/livetranslate/relay/relaytest"
	"github.com/mrsingh-rishi/livetranslate/stt"
)

var (
	hostSession = model.Session{
		ID:          "standup",
		Credentials: model.Credentials{MeetingID: "m-1", AttendeeID: "me", JoinToken: "tok"},
		CreatedByMe: true,
	}
	guestSession = model.Session{
		ID:          "standup",
		Credentials: model.Credentials{MeetingID: "m-1", AttendeeID: "me", JoinToken: "tok"},
	}

	mic1 = model.AudioDevice{ID: "mic-1", Label: "Built-in"}
	mic2 = model.AudioDevice{ID: "mic-2", Label: "Headset"}
	mic3 = model.AudioDevice{ID: "mic-3"}
)

// transcriber is a fake transcription service.
type transcriber struct {
	srv *httptest.Server

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	chunks int
}

func newTranscriber(t *testing.T) *transcriber {
	t.Helper()
	tr := &transcriber{conns: make(map[*websocket.Conn]struct{})}
	upgrader := websocket.Upgrader{}
	tr.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		tr.mu.Lock()
		tr.conns[conn] = struct{}{}
		tr.mu.Unlock()
		defer func() {
			tr.mu.Lock()
			delete(tr.conns, conn)
			tr.mu.Unlock()
			conn.Close()
		}()

		for {
			kind, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				tr.mu.Lock()
				tr.chunks++
				tr.mu.Unlock()
			}
		}
	}))
	t.Cleanup(tr.srv.Close)
	return tr
}

func (tr *transcriber) url() string {
	return "ws" + strings.TrimPrefix(tr.srv.URL, "http")
}

func (tr *transcriber) connections() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.conns)
}

func (tr *transcriber) received() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.chunks
}

// say sends a transcription segment on every open connection.
func (tr *transcriber) say(t *testing.T, text string) {
	t.Helper()
	data, _ := json.Marshal(map[string]any{"transcription": text, "language": "en"})
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for conn := range tr.conns {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			t.Errorf("write transcription: %v", err)
		}
	}
}

// drop cuts every connection without a close handshake.
func (tr *transcriber) drop() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for conn := range tr.conns {
		conn.Close()
	}
}

type harness struct {
	c          *Coordinator
	members    *MockMembership
	translator *MockTranslator
	driver     *audiotest.Driver
	bus        *relaytest.Bus
	stt        *transcriber
	metrics    *metrics.Metrics
	logs       *observer.ObservedLogs

	mu        sync.Mutex
	translate func(ctx context.Context, text string) model.TranslationResult
}

func echoTranslation(_ context.Context, text string) model.TranslationResult {
	return model.TranslationResult{
		OriginalLanguage:   model.LanguageEnglish,
		OriginalText:       text,
		TranslatedLanguage: model.LanguageWelsh,
		TranslatedText:     "cy:" + text,
	}
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)

	core, logs := observer.New(zapcore.DebugLevel)
	h := &harness{
		members:    NewMockMembership(ctrl),
		translator: NewMockTranslator(ctrl),
		driver:     audiotest.NewDriver(audio.DefaultSampleRate, mic1, mic2),
		bus:        relaytest.NewBus(),
		stt:        newTranscriber(t),
		metrics:    metrics.New(prometheus.NewRegistry()),
		logs:       logs,
		translate:  echoTranslation,
	}
	h.translator.EXPECT().Translate(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, text string) model.TranslationResult {
			h.mu.Lock()
			fn := h.translate
			h.mu.Unlock()
			return fn(ctx, text)
		}).AnyTimes()

	cfg := Config{
		Socket:          stt.Options{URL: h.stt.url(), DialTimeout: time.Second, WriteTimeout: time.Second},
		DevicePoll:      10 * time.Millisecond,
		PublishDeadline: time.Second,
		MaxInFlight:     4,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	c, err := New(cfg, Deps{
		Membership: h.members,
		Translator: h.translator,
		Connector: ConnectorFunc(func(ctx context.Context, creds model.Credentials) (Channel, error) {
			return h.bus.Join(creds.AttendeeID), nil
		}),
		Driver:  h.driver,
		Logger:  zap.New(core).Sugar(),
		Metrics: h.metrics,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.c = c
	t.Cleanup(func() { c.Close() })
	return h
}

func (h *harness) setTranslate(fn func(ctx context.Context, text string) model.TranslationResult) {
	h.mu.Lock()
	h.translate = fn
	h.mu.Unlock()
}

func (h *harness) join(t *testing.T, sess model.Session) {
	t.Helper()
	h.members.EXPECT().CreateOrJoin(gomock.Any(), sess.ID).Return(sess, nil)
	if err := h.c.Join(context.Background(), sess.ID); err != nil {
		t.Fatalf("Join: %v", err)
	}
	eventually(t, "transcription socket attached", func() bool { return h.stt.connections() == 1 })
}

// assertReleased checks that no device, socket or subscription is held.
func (h *harness) assertReleased(t *testing.T) {
	t.Helper()
	if n := h.driver.OpenInputs(); n != 0 {
		t.Errorf("%d input devices still open", n)
	}
	if n := h.bus.Connected(); n != 0 {
		t.Errorf("%d realtime channels still connected", n)
	}
	if n := h.bus.Subscriptions(); n != 0 {
		t.Errorf("%d relay subscriptions still active", n)
	}
	eventually(t, "transcription socket released", func() bool { return h.stt.connections() == 0 })
}

func (h *harness) local() []model.TranscriptEntry {
	var out []model.TranscriptEntry
	for _, e := range h.c.Transcript() {
		if e.IsLocal {
			out = append(out, e)
		}
	}
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting: %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func remotePayload(t *testing.T, original, translated string) []byte {
	t.Helper()
	data, err := json.Marshal(model.TranslationResult{
		OriginalLanguage:   model.LanguageWelsh,
		OriginalText:       original,
		TranslatedLanguage: model.LanguageEnglish,
		TranslatedText:     translated,
	})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestJoinLeaveJoinReleasesEverything(t *testing.T) {
	h := newHarness(t)

	for round := 0; round < 2; round++ {
		h.join(t, hostSession)

		s := h.c.Status()
		if s.State != Active || !s.Streaming || s.Muted {
			t.Fatalf("round %d: status after join %+v", round, s)
		}
		if s.MeetingID != "m-1" || s.SelectedDevice != "mic-1" || !s.CreatedByMe {
			t.Fatalf("round %d: session fields %+v", round, s)
		}
		if h.driver.OpenInputs() != 1 || h.bus.Connected() != 1 || h.bus.Subscriptions() != 1 {
			t.Fatalf("round %d: resources not acquired", round)
		}

		before := h.stt.received()
		h.driver.Emit(make([]float32, audio.DefaultFrameSize))
		eventually(t, "audio chunk reaches the socket", func() bool { return h.stt.received() > before })

		if err := h.c.Leave(context.Background()); err != nil {
			t.Fatalf("round %d: Leave: %v", round, err)
		}
		if s := h.c.Status(); s.State != Idle || s.MeetingID != "" {
			t.Fatalf("round %d: status after leave %+v", round, s)
		}
		h.assertReleased(t)
	}

	if got := testutil.ToFloat64(h.metrics.SessionsJoined); got != 2 {
		t.Errorf("SessionsJoined = %v, want 2", got)
	}
	if got := testutil.ToFloat64(h.metrics.ActiveSessions); got != 0 {
		t.Errorf("ActiveSessions = %v, want 0", got)
	}
}

func TestLeaveTwice(t *testing.T) {
	h := newHarness(t)

	if err := h.c.Leave(context.Background()); err != nil {
		t.Fatalf("Leave while idle: %v", err)
	}

	h.join(t, hostSession)
	for i := 0; i < 2; i++ {
		if err := h.c.Leave(context.Background()); err != nil {
			t.Fatalf("Leave #%d: %v", i+1, err)
		}
	}
	h.assertReleased(t)

	if got := testutil.ToFloat64(h.metrics.SessionEnds.WithLabelValues("left")); got != 1 {
		t.Errorf("left sessions = %v, want 1", got)
	}
	if n := h.logs.FilterMessage("session left").Len(); n != 1 {
		t.Errorf("teardown logged %d times, want 1", n)
	}
}

func TestJoinWhileActive(t *testing.T) {
	h := newHarness(t)
	h.join(t, hostSession)

	err := h.c.Join(context.Background(), "other")
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("error = %v, want ErrInvalidState", err)
	}
	if s := h.c.Status(); s.State != Active || s.SessionID != "standup" {
		t.Fatalf("second join disturbed the session: %+v", s)
	}
}

func TestJoinFailureReleasesPartialResources(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(h *harness)
		mutate func(*Config)
		cause  error
	}{
		{
			name: "membership unavailable",
			setup: func(h *harness) {
				h.members.EXPECT().CreateOrJoin(gomock.Any(), gomock.Any()).
					Return(model.Session{}, membership.ErrUnavailable)
			},
			cause: membership.ErrUnavailable,
		},
		{
			name: "no input devices",
			setup: func(h *harness) {
				h.members.EXPECT().CreateOrJoin(gomock.Any(), gomock.Any()).Return(hostSession, nil)
				h.driver.SetDevices()
			},
			cause: audio.ErrDeviceUnavailable,
		},
		{
			name: "transcription service unreachable",
			setup: func(h *harness) {
				h.members.EXPECT().CreateOrJoin(gomock.Any(), gomock.Any()).Return(hostSession, nil)
			},
			mutate: func(cfg *Config) { cfg.Socket.URL = "ws://127.0.0.1:1" },
		},
		{
			name: "device cannot be opened",
			setup: func(h *harness) {
				h.members.EXPECT().CreateOrJoin(gomock.Any(), gomock.Any()).Return(hostSession, nil)
				h.driver.FailOpen(errors.New("permission denied"))
			},
			cause: audio.ErrDeviceUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var h *harness
			if tt.mutate != nil {
				h = newHarness(t, tt.mutate)
			} else {
				h = newHarness(t)
			}
			tt.setup(h)

			err := h.c.Join(context.Background(), "standup")
			if !errors.Is(err, ErrAcquisition) {
				t.Fatalf("error = %v, want ErrAcquisition", err)
			}
			if tt.cause != nil && !errors.Is(err, tt.cause) {
				t.Errorf("error = %v, want cause %v", err, tt.cause)
			}
			if s := h.c.Status(); s.State != Idle || s.Streaming {
				t.Fatalf("status after failed join %+v", s)
			}
			h.assertReleased(t)
			if got := testutil.ToFloat64(h.metrics.JoinFailures); got != 1 {
				t.Errorf("JoinFailures = %v, want 1", got)
			}
		})
	}
}

func TestJoinFailsWhenChannelUnavailable(t *testing.T) {
	h := newHarness(t)
	h.c.connector = ConnectorFunc(func(context.Context, model.Credentials) (Channel, error) {
		return nil, errors.New("realtime hub refused")
	})
	h.members.EXPECT().CreateOrJoin(gomock.Any(), gomock.Any()).Return(hostSession, nil)

	if err := h.c.Join(context.Background(), "standup"); !errors.Is(err, ErrAcquisition) {
		t.Fatalf("error = %v, want ErrAcquisition", err)
	}
	h.assertReleased(t)
	if h.driver.Opened() != 1 {
		t.Errorf("capture opened %d times, want 1", h.driver.Opened())
	}
}

func TestLocalTranscriptionProducesOneEntryAndPublishes(t *testing.T) {
	h := newHarness(t)
	h.setTranslate(func(_ context.Context, text string) model.TranslationResult {
		return model.TranslationResult{
			OriginalLanguage:   model.LanguageEnglish,
			OriginalText:       text,
			TranslatedLanguage: model.LanguageWelsh,
			TranslatedText:     "helo",
		}
	})

	published := make(chan relay.Message, 4)
	peer := h.bus.Join("peer")
	peer.Subscribe(relay.DefaultTopic, func(m relay.Message) { published <- m })

	h.join(t, hostSession)
	h.stt.say(t, "hello")

	eventually(t, "local entry", func() bool { return len(h.c.Transcript()) == 1 })
	entry := h.c.Transcript()[0]
	if !entry.IsLocal || entry.Result.OriginalText != "hello" || entry.Result.TranslatedText != "helo" {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if entry.ID == "" {
		t.Error("entry has no id")
	}

	select {
	case m := <-published:
		got, err := relay.Decode(m.Data)
		if err != nil {
			t.Fatalf("published payload: %v", err)
		}
		if got != entry.Result || m.SenderID != "me" {
			t.Fatalf("published %+v from %q", got, m.SenderID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("result was not published")
	}

	if n := len(h.c.Transcript()); n != 1 {
		t.Fatalf("transcript has %d entries, want 1", n)
	}
}

func TestRemoteResults(t *testing.T) {
	h := newHarness(t)
	h.join(t, hostSession)

	h.bus.Inject(relay.DefaultTopic, "peer", remotePayload(t, "bore da", "good morning"))
	eventually(t, "remote entry", func() bool { return len(h.c.Transcript()) == 1 })

	entry := h.c.Transcript()[0]
	if entry.IsLocal || entry.Result.TranslatedText != "good morning" {
		t.Fatalf("unexpected entry %+v", entry)
	}

	for _, payload := range []string{
		`{"originalLanguage":"cy","originalText":"bore da","translatedLanguage":"en"}`,
		`not json`,
		`{"originalLanguage":"cy","originalText":"","translatedText":"x"}`,
	} {
		h.bus.Inject(relay.DefaultTopic, "peer", []byte(payload))
	}
	eventually(t, "malformed payloads counted", func() bool {
		return testutil.ToFloat64(h.metrics.RemoteDiscarded) == 3
	})

	// A valid message after the bad ones proves they were processed and dropped.
	h.bus.Inject(relay.DefaultTopic, "peer", remotePayload(t, "diolch", "thanks"))
	eventually(t, "second remote entry", func() bool { return len(h.c.Transcript()) == 2 })
	if got := h.c.Transcript()[1].Result.OriginalText; got != "diolch" {
		t.Fatalf("second entry = %q", got)
	}
}

func TestFailedTranslationIsNotPublished(t *testing.T) {
	h := newHarness(t)
	h.setTranslate(func(_ context.Context, text string) model.TranslationResult {
		return model.FailedTranslation(text)
	})
	h.join(t, hostSession)

	h.stt.say(t, "mumble")
	eventually(t, "failed entry", func() bool { return len(h.local()) == 1 })

	if !h.local()[0].Result.Failed() {
		t.Fatalf("entry %+v is not the failure sentinel", h.local()[0])
	}
	if sent := h.bus.Sent(); len(sent) != 0 {
		t.Fatalf("failed translation published: %s", sent[0])
	}
}

func TestMuteStopsLocalButNotRemote(t *testing.T) {
	h := newHarness(t)
	h.join(t, hostSession)

	muted, err := h.c.ToggleMute(context.Background())
	if err != nil || !muted {
		t.Fatalf("ToggleMute = %v, %v", muted, err)
	}
	if h.driver.OpenInputs() != 0 {
		t.Fatal("capture still holds the device while muted")
	}
	if s := h.c.Status(); s.Mode() != "muted" || h.stt.connections() != 1 {
		t.Fatalf("mute disturbed the socket: %+v", s)
	}

	h.stt.say(t, "secret")
	eventually(t, "transcription observed", func() bool {
		return testutil.ToFloat64(h.metrics.TranscriptionEvents) == 1
	})

	h.bus.Inject(relay.DefaultTopic, "peer", remotePayload(t, "helo", "hello"))
	eventually(t, "remote entry while muted", func() bool { return len(h.c.Transcript()) == 1 })
	if len(h.local()) != 0 {
		t.Fatal("local entry produced while muted")
	}
	if len(h.bus.Sent()) != 0 {
		t.Fatal("published while muted")
	}

	muted, err = h.c.ToggleMute(context.Background())
	if err != nil || muted {
		t.Fatalf("unmute = %v, %v", muted, err)
	}
	if h.driver.OpenInputs() != 1 || h.driver.Opened() != 2 {
		t.Fatalf("capture not resumed: open=%d opened=%d", h.driver.OpenInputs(), h.driver.Opened())
	}

	h.stt.say(t, "hello again")
	eventually(t, "local entry after unmute", func() bool { return len(h.local()) == 1 })
	eventually(t, "publish after unmute", func() bool { return len(h.bus.Sent()) == 1 })
}

func TestLocalResultsCommitInDispatchOrder(t *testing.T) {
	h := newHarness(t)

	started := make(chan string, 4)
	release := make(chan struct{})
	h.setTranslate(func(ctx context.Context, text string) model.TranslationResult {
		started <- text
		if text == "first" {
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
		return echoTranslation(ctx, text)
	})
	h.join(t, hostSession)

	h.stt.say(t, "first")
	h.stt.say(t, "second")
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("translations not dispatched concurrently")
		}
	}

	time.Sleep(50 * time.Millisecond)
	if n := len(h.c.Transcript()); n != 0 {
		t.Fatalf("%d entries committed ahead of an earlier utterance", n)
	}

	close(release)
	eventually(t, "both entries", func() bool { return len(h.c.Transcript()) == 2 })
	entries := h.c.Transcript()
	if entries[0].Result.OriginalText != "first" || entries[1].Result.OriginalText != "second" {
		t.Fatalf("order = %q, %q", entries[0].Result.OriginalText, entries[1].Result.OriginalText)
	}
	if entries[0].Seq >= entries[1].Seq {
		t.Fatalf("sequence numbers not increasing: %d, %d", entries[0].Seq, entries[1].Seq)
	}
}

func TestDeviceHotPlugRestartsCaptureOnce(t *testing.T) {
	h := newHarness(t)
	h.join(t, hostSession)
	h.bus.Inject(relay.DefaultTopic, "peer", remotePayload(t, "helo", "hello"))
	eventually(t, "remote entry", func() bool { return len(h.c.Transcript()) == 1 })

	h.driver.SetDevices(mic1, mic2, mic3)
	eventually(t, "capture restart", func() bool {
		return testutil.ToFloat64(h.metrics.CaptureRestarts) == 1
	})
	time.Sleep(50 * time.Millisecond)

	if got := testutil.ToFloat64(h.metrics.CaptureRestarts); got != 1 {
		t.Fatalf("CaptureRestarts = %v, want exactly 1", got)
	}
	if h.driver.Opened() != 2 || h.driver.OpenInputs() != 1 {
		t.Fatalf("opened=%d open=%d, want one stop+start cycle", h.driver.Opened(), h.driver.OpenInputs())
	}
	s := h.c.Status()
	if s.SelectedDevice != "mic-1" || !s.Streaming || len(s.Devices) != 3 {
		t.Fatalf("status after hot-plug %+v", s)
	}
	if len(h.c.Transcript()) != 1 || h.stt.connections() != 1 {
		t.Fatal("hot-plug touched the transcript or the socket")
	}

	// Unplugging the selected device falls back to the first remaining one.
	h.driver.SetDevices(mic2, mic3)
	eventually(t, "fallback restart", func() bool {
		return testutil.ToFloat64(h.metrics.CaptureRestarts) == 2
	})
	if s := h.c.Status(); s.SelectedDevice != "mic-2" {
		t.Fatalf("selected = %q, want mic-2", s.SelectedDevice)
	}
	if h.driver.OpenInputs() != 1 {
		t.Fatal("capture not running on the fallback device")
	}
}

func TestSelectDevice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.c.SelectDevice(ctx, "nope"); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("unknown device error = %v", err)
	}
	if err := h.c.SelectDevice(ctx, "mic-2"); err != nil {
		t.Fatalf("SelectDevice while idle: %v", err)
	}
	devices, selected := h.c.Devices()
	if selected != "mic-2" || len(devices) != 2 {
		t.Fatalf("Devices = %v, %q", devices, selected)
	}

	h.join(t, hostSession)
	if s := h.c.Status(); s.SelectedDevice != "mic-2" {
		t.Fatalf("join changed the selection to %q", s.SelectedDevice)
	}

	if err := h.c.SelectDevice(ctx, "mic-1"); err != nil {
		t.Fatalf("SelectDevice while active: %v", err)
	}
	if got := testutil.ToFloat64(h.metrics.CaptureRestarts); got != 1 {
		t.Fatalf("CaptureRestarts = %v, want 1", got)
	}
	if h.driver.OpenInputs() != 1 || h.driver.Opened() != 2 {
		t.Fatal("capture did not move to the new device")
	}
}

func TestRefreshDevices(t *testing.T) {
	h := newHarness(t)

	h.driver.SetDevices(mic3)
	devices, err := h.c.RefreshDevices(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 || devices[0].ID != "mic-3" {
		t.Fatalf("RefreshDevices = %v", devices)
	}
	if _, selected := h.c.Devices(); selected != "mic-3" {
		t.Fatalf("selected = %q, want first device", selected)
	}
}

func TestClearTranscript(t *testing.T) {
	h := newHarness(t)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	h.setTranslate(func(ctx context.Context, text string) model.TranslationResult {
		started <- struct{}{}
		<-release
		return echoTranslation(ctx, text)
	})
	h.join(t, hostSession)

	h.bus.Inject(relay.DefaultTopic, "peer", remotePayload(t, "helo", "hello"))
	eventually(t, "remote entry", func() bool { return len(h.c.Transcript()) == 1 })

	h.stt.say(t, "pending")
	<-started

	h.c.ClearTranscript()
	h.c.ClearTranscript()
	if n := len(h.c.Transcript()); n != 0 {
		t.Fatalf("%d entries after clear", n)
	}
	if s := h.c.Status(); s.State != Active || s.Entries != 0 {
		t.Fatalf("status after clear %+v", s)
	}

	close(release)
	eventually(t, "in-flight result appended after clear", func() bool { return len(h.c.Transcript()) == 1 })
}

func TestEndRequiresCreator(t *testing.T) {
	h := newHarness(t)
	h.join(t, guestSession)

	if err := h.c.End(context.Background()); !errors.Is(err, ErrNotCreator) {
		t.Fatalf("error = %v, want ErrNotCreator", err)
	}
	if s := h.c.Status(); s.State != Active {
		t.Fatalf("non-creator End changed state to %s", s.State)
	}
}

func TestEndDestroysMeeting(t *testing.T) {
	for _, destroyErr := range []error{nil, membership.ErrUnavailable} {
		name := "destroyed"
		if destroyErr != nil {
			name = "destroy fails"
		}
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.join(t, hostSession)
			h.members.EXPECT().Destroy(gomock.Any(), "m-1").Return(destroyErr)

			if err := h.c.End(context.Background()); err != nil {
				t.Fatalf("End: %v", err)
			}
			s := h.c.Status()
			if s.State != Idle || !s.Ended {
				t.Fatalf("status after End %+v", s)
			}
			h.assertReleased(t)

			logged := h.logs.FilterMessage("destroy meeting failed").Len()
			if (destroyErr != nil) != (logged == 1) {
				t.Errorf("destroy failure logged %d times", logged)
			}
		})
	}
}

func TestRemoteEndLeavesSession(t *testing.T) {
	h := newHarness(t)
	h.join(t, guestSession)

	h.bus.End()
	eventually(t, "session ended", func() bool {
		s := h.c.Status()
		return s.State == Idle && s.Ended
	})
	h.assertReleased(t)
	if got := testutil.ToFloat64(h.metrics.SessionEnds.WithLabelValues("ended")); got != 1 {
		t.Errorf("ended sessions = %v, want 1", got)
	}
}

func TestSocketDropPausesStreaming(t *testing.T) {
	h := newHarness(t)
	h.join(t, hostSession)

	h.stt.drop()
	eventually(t, "streaming paused", func() bool { return !h.c.Status().Streaming })

	s := h.c.Status()
	if s.State != Active || s.StreamErr == "" || s.Mode() != "paused" {
		t.Fatalf("status after drop %+v", s)
	}
	if h.driver.OpenInputs() != 0 {
		t.Fatal("capture kept running without a socket")
	}

	h.bus.Inject(relay.DefaultTopic, "peer", remotePayload(t, "helo", "hello"))
	eventually(t, "remote entry while paused", func() bool { return len(h.c.Transcript()) == 1 })

	if err := h.c.RestartStreaming(context.Background()); err != nil {
		t.Fatalf("RestartStreaming: %v", err)
	}
	eventually(t, "socket reopened", func() bool { return h.stt.connections() == 1 })
	if s := h.c.Status(); !s.Streaming || s.StreamErr != "" {
		t.Fatalf("status after restart %+v", s)
	}
	if h.driver.OpenInputs() != 1 {
		t.Fatal("capture not restarted")
	}

	h.stt.say(t, "back")
	eventually(t, "local entry after restart", func() bool { return len(h.local()) == 1 })
}

func TestLeaveDropsInFlightTranslation(t *testing.T) {
	h := newHarness(t)

	started := make(chan struct{}, 1)
	h.setTranslate(func(ctx context.Context, text string) model.TranslationResult {
		started <- struct{}{}
		<-ctx.Done()
		return model.FailedTranslation(text)
	})
	h.join(t, hostSession)

	h.stt.say(t, "late")
	<-started

	done := make(chan error, 1)
	go func() { done <- h.c.Leave(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Leave blocked on an in-flight translation")
	}

	time.Sleep(50 * time.Millisecond)
	if n := len(h.c.Transcript()); n != 0 {
		t.Fatalf("stale result appended after leave: %d entries", n)
	}
}

func TestOperationsRequireActiveSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.c.ToggleMute(ctx); !errors.Is(err, ErrInvalidState) {
		t.Errorf("ToggleMute error = %v", err)
	}
	if err := h.c.RestartStreaming(ctx); !errors.Is(err, ErrInvalidState) {
		t.Errorf("RestartStreaming error = %v", err)
	}
	if err := h.c.End(ctx); !errors.Is(err, ErrInvalidState) {
		t.Errorf("End error = %v", err)
	}
	h.c.ClearTranscript()
}

func TestWatchReceivesAppends(t *testing.T) {
	h := newHarness(t)
	entries, cancel := h.c.Watch(4)
	defer cancel()

	h.join(t, hostSession)
	h.bus.Inject(relay.DefaultTopic, "peer", remotePayload(t, "helo", "hello"))

	select {
	case e := <-entries:
		if e.IsLocal || e.Result.TranslatedText != "hello" {
			t.Fatalf("watched entry %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no entry delivered to watcher")
	}
}

func TestCloseLeavesSession(t *testing.T) {
	h := newHarness(t)
	h.join(t, hostSession)

	if err := h.c.Close(); err != nil {
		t.Fatal(err)
	}
	h.assertReleased(t)
	if s := h.c.Status(); s.State != Idle {
		t.Fatalf("state after Close = %s", s.State)
	}
	if err := h.c.Join(context.Background(), "again"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Join after Close error = %v, want ErrClosed", err)
	}
}

func TestNewValidatesDeps(t *testing.T) {
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Fatal("New accepted missing dependencies")
	}
}
