package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nugget/spabridge/internal/broker"
	"github.com/nugget/spabridge/internal/events"
	"github.com/nugget/spabridge/internal/watchdog"
	"github.com/nugget/spabridge/internal/worker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		Name:           "test",
		ReceiveTimeout: 10 * time.Millisecond,
		Watchdog: watchdog.Config{
			PollInterval:   10 * time.Millisecond,
			StaleThreshold: 60 * time.Millisecond,
		},
		StopGrace: 20 * time.Millisecond,
	}
}

func collect(ch chan string) worker.Listener {
	return worker.ListenerFunc(func(_ context.Context, _ string, payload []byte) error {
		ch <- string(payload)
		return nil
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func expect(t *testing.T, ch chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Errorf("payload = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

// startSupervisor runs s in the background and stops it at test end.
func startSupervisor(t *testing.T, s *Supervisor) (cancel context.CancelFunc, done chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done = make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel, done
}

func TestNew_RejectsInvalidWatchdogConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Watchdog.StaleThreshold = cfg.Watchdog.PollInterval

	if _, err := New(cfg, broker.NewMemory(), nil, discardLogger(), nil); err == nil {
		t.Fatal("New accepted StaleThreshold == PollInterval")
	}
	if _, err := New(testConfig(), nil, nil, discardLogger(), nil); err == nil {
		t.Fatal("New accepted nil dialer")
	}
}

func TestSupervisor_DeliversAndPublishes(t *testing.T) {
	mem := broker.NewMemory()
	s, err := New(testConfig(), mem, nil, discardLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	got := make(chan string, 8)
	if err := s.Subscribe(context.Background(), "spa/abc/command", collect(got)); err != nil {
		t.Fatal(err)
	}

	startSupervisor(t, s)
	waitFor(t, "subscription", func() bool { return mem.Subscribers("spa/abc/command") == 1 })

	if err := s.Publish(context.Background(), "spa/abc/command", []byte("jets on")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	expect(t, got, "jets on")

	st := s.Status()
	if !st.Live || st.Generation != 1 {
		t.Errorf("Status = %+v, want live generation 1", st)
	}
}

func TestSupervisor_QuietBrokerIsNotRecreated(t *testing.T) {
	mem := broker.NewMemory()
	s, err := New(testConfig(), mem, nil, discardLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	got := make(chan string, 8)
	s.Subscribe(context.Background(), "spa/abc/status", collect(got))

	startSupervisor(t, s)
	waitFor(t, "subscription", func() bool { return mem.Subscribers("spa/abc/status") == 1 })

	// The broker forgets us; the worker's own re-subscription heals it
	// long before the watchdog would step in.
	mem.DropSubscriptions()
	time.Sleep(200 * time.Millisecond)

	if gen := s.Status().Generation; gen != 1 {
		t.Errorf("Generation = %d, want 1", gen)
	}
	mem.Publish("spa/abc/status", []byte("ok"))
	expect(t, got, "ok")
}

func TestSupervisor_RecreatesAfterTransportFailure(t *testing.T) {
	mem := broker.NewMemory()
	bus := events.New()
	sub := bus.Subscribe(256)
	defer bus.Unsubscribe(sub)

	s, err := New(testConfig(), mem, nil, discardLogger(), bus)
	if err != nil {
		t.Fatal(err)
	}
	got := make(chan string, 8)
	s.Subscribe(context.Background(), "spa/abc/telemetry", collect(got))

	startSupervisor(t, s)
	waitFor(t, "subscription", func() bool { return mem.Subscribers("spa/abc/telemetry") == 1 })

	mem.Sever(errors.New("connection reset"))

	// Until the watchdog acts, the dead generation is not reported live.
	waitFor(t, "worker down", func() bool { return !s.Status().Live })
	waitFor(t, "recreation", func() bool { return s.Status().Generation == 2 })
	waitFor(t, "re-subscription", func() bool { return mem.Subscribers("spa/abc/telemetry") == 1 })

	mem.Publish("spa/abc/telemetry", []byte(`{"temp":101}`))
	expect(t, got, `{"temp":101}`)

	if n := mem.Live(); n != 1 {
		t.Errorf("live connections = %d, want 1", n)
	}

	kinds := map[string]int{}
	for len(sub) > 0 {
		kinds[(<-sub).Kind]++
	}
	if kinds[events.KindWorkerExit] < 1 {
		t.Error("no worker_exit event")
	}
	if kinds[events.KindRecreated] != 1 {
		t.Errorf("recreated events = %d, want 1", kinds[events.KindRecreated])
	}
}

func TestSupervisor_RecoversFromFailedFirstDial(t *testing.T) {
	mem := broker.NewMemory()
	mem.FailDials(1, errors.New("connection refused"))

	s, err := New(testConfig(), mem, nil, discardLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	got := make(chan string, 8)
	s.Subscribe(context.Background(), "spa/abc/alert", collect(got))

	startSupervisor(t, s)
	waitFor(t, "live worker", func() bool { return s.Status().Live })
	waitFor(t, "subscription", func() bool { return mem.Subscribers("spa/abc/alert") == 1 })

	mem.Publish("spa/abc/alert", []byte("overheat"))
	expect(t, got, "overheat")

	if d := mem.Dials(); d != 2 {
		t.Errorf("Dials = %d, want 2", d)
	}
}

func TestSupervisor_HungListenerIsReplaced(t *testing.T) {
	mem := broker.NewMemory()
	s, err := New(testConfig(), mem, nil, discardLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	entered := make(chan struct{}, 1)

	got := make(chan string, 8)
	s.Subscribe(context.Background(), "spa/abc/status", collect(got))
	s.Subscribe(context.Background(), "spa/abc/ota", worker.ListenerFunc(func(context.Context, string, []byte) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil
	}))

	startSupervisor(t, s)
	waitFor(t, "subscription", func() bool { return mem.Subscribers("spa/abc/ota") == 1 })

	mem.Publish("spa/abc/ota", []byte("chunk"))
	<-entered

	waitFor(t, "recreation", func() bool { return s.Status().Generation >= 2 })
	waitFor(t, "re-subscription", func() bool { return mem.Subscribers("spa/abc/status") == 1 })

	mem.Publish("spa/abc/status", []byte("alive"))
	expect(t, got, "alive")
}

func TestSupervisor_CancelReleasesConnection(t *testing.T) {
	mem := broker.NewMemory()
	s, err := New(testConfig(), mem, nil, discardLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	s.Subscribe(context.Background(), "spa/abc/status", collect(make(chan string, 1)))

	cancel, done := startSupervisor(t, s)
	waitFor(t, "live worker", func() bool { return s.Status().Live })

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if n := mem.Live(); n != 0 {
		t.Errorf("live connections = %d, want 0", n)
	}
	st := s.Status()
	if st.Live {
		t.Error("Status().Live = true after shutdown")
	}
	if st.State != watchdog.StateStopped {
		t.Errorf("watchdog state = %q, want %q", st.State, watchdog.StateStopped)
	}
}

func TestSupervisor_PublishWithoutWorker(t *testing.T) {
	s, err := New(testConfig(), broker.NewMemory(), nil, discardLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	err = s.Publish(context.Background(), "spa/abc/command", []byte("x"))
	if !errors.Is(err, ErrNoWorker) {
		t.Errorf("Publish = %v, want ErrNoWorker", err)
	}
}

func TestSupervisor_SubscribeForwardsToLiveWorker(t *testing.T) {
	mem := broker.NewMemory()
	s, err := New(testConfig(), mem, nil, discardLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}

	startSupervisor(t, s)
	waitFor(t, "live worker", func() bool { return s.Status().Live })

	got := make(chan string, 1)
	if err := s.Subscribe(context.Background(), "spa/xyz/alert", collect(got)); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if n := mem.Subscribers("spa/xyz/alert"); n != 1 {
		t.Errorf("Subscribers = %d, want 1", n)
	}
	if s.Registry().Len() != 1 {
		t.Errorf("Registry().Len() = %d, want 1", s.Registry().Len())
	}
}

func TestSupervisor_AbandonedGenerationCannotCheckIn(t *testing.T) {
	mem := broker.NewMemory()
	bus := events.New()
	sub := bus.Subscribe(256)
	defer bus.Unsubscribe(sub)

	cfg := testConfig()
	cfg.ReceiveTimeout = 10 * time.Second
	s, err := New(cfg, mem, nil, discardLogger(), bus)
	if err != nil {
		t.Fatal(err)
	}

	release := make(chan struct{})
	var once sync.Once
	t.Cleanup(func() { once.Do(func() { close(release) }) })
	entered := make(chan struct{}, 1)

	s.Subscribe(context.Background(), "spa/abc/ota", worker.ListenerFunc(func(context.Context, string, []byte) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil
	}))

	startSupervisor(t, s)
	waitFor(t, "subscription", func() bool { return mem.Subscribers("spa/abc/ota") == 1 })

	mem.Publish("spa/abc/ota", []byte("chunk"))
	<-entered

	waitFor(t, "recreation", func() bool { return s.Status().Generation >= 2 })
	before := s.clock.Read()

	once.Do(func() { close(release) })

	deadline := time.After(3 * time.Second)
	for exited := false; !exited; {
		select {
		case ev := <-sub:
			if ev.Kind == events.KindWorkerExit && ev.Data["generation"] == int64(1) {
				exited = true
			}
		case <-deadline:
			t.Fatal("generation 1 never exited")
		}
	}

	if after := s.clock.Read(); !after.Equal(before) {
		t.Errorf("checkin clock moved from %v to %v after generation 1 was discarded", before, after)
	}
}
