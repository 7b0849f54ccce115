package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestDecode_YAMLAndJSONAgree(t *testing.T) {
	js := `{"logging":{"level":"debug"},"clock":{"enabled":true,"quantum":"20ms"},"render":{"every":"100ms"},"host":{"version":"1.19"}}`
	ym := "logging:\n  level: debug\nclock:\n  enabled: true\n  quantum: 20ms\nrender:\n  every: 100ms\nhost:\n  version: \"1.19\"\n"

	a, err := Decode("c.json", []byte(js))
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	b, err := Decode("c.yaml", []byte(ym))
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if hashConfig(a) != hashConfig(b) {
		t.Fatalf("expected identical configs, got %+v vs %+v", a, b)
	}
}

func TestDecode_RejectsUnknownAndTrailing(t *testing.T) {
	if _, err := Decode("c.json", []byte(`{"nope":1}`)); err == nil {
		t.Fatalf("expected unknown field error")
	}
	if _, err := Decode("c.yaml", []byte("clock:\n  bogus: 1\n")); err == nil {
		t.Fatalf("expected unknown field error for yaml")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestResolve_Defaults(t *testing.T) {
	cfg := &Config{Clock: ClockConfig{Enabled: true}}
	r, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if r.Quantum != DefaultQuantum || r.RenderEvery != DefaultRenderEvery {
		t.Fatalf("unexpected durations: %+v", r)
	}
	if !r.VerticalAxis {
		t.Fatalf("vertical axis should default to true")
	}
	if r.HostVersion != DefaultHostVersion {
		t.Fatalf("host version = %q", r.HostVersion)
	}
	if !r.EngineEnabled {
		t.Fatalf("engine should follow clock.enabled when omitted")
	}
}

func TestResolve_EngineExplicitlyDisabled(t *testing.T) {
	off := false
	cfg := &Config{
		Clock:      ClockConfig{Enabled: true},
		TaskEngine: &TaskEngineConfig{Enabled: &off, Workers: 2, DefaultTimeout: "3s"},
	}
	r, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if r.EngineEnabled {
		t.Fatalf("expected engine disabled")
	}
	ec := r.EngineConfig()
	if ec.Workers != 2 || ec.DefaultTimeout != 3*time.Second {
		t.Fatalf("engine config = %+v", ec)
	}
}

func TestResolve_CollectsErrors(t *testing.T) {
	cfg := &Config{
		Clock:      ClockConfig{Quantum: "fast"},
		Render:     RenderConfig{Every: "-1s"},
		TaskEngine: &TaskEngineConfig{Workers: -1, MaxQueueDelay: "soon"},
	}
	_, err := cfg.Resolve()
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"clock.quantum", "render.every", "task_engine.max_queue_delay", "workers"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestResolve_RenderFasterThanQuantum(t *testing.T) {
	cfg := &Config{Clock: ClockConfig{Quantum: "100ms"}, Render: RenderConfig{Every: "50ms"}}
	if _, err := cfg.Resolve(); err == nil {
		t.Fatalf("expected render.every < quantum to be rejected")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	on := true
	oldCfg := &Config{Clock: ClockConfig{Enabled: true, Quantum: "50ms"}}
	newCfg := &Config{
		Logging:    LoggingConfig{Level: "debug"},
		Clock:      ClockConfig{Enabled: true, Quantum: "20ms"},
		TaskEngine: &TaskEngineConfig{Enabled: &on, Workers: 8},
		Host:       HostConfig{Version: "1.8"},
	}
	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"logging", "clock", "task_engine", "host"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}
	if strings.Join(restart, ",") != "clock.quantum,host.version" {
		t.Fatalf("restart = %v", restart)
	}

	changed, _, _ = SummarizeConfigChange(newCfg, newCfg)
	if len(changed) != 0 {
		t.Fatalf("identical configs reported changes: %v", changed)
	}
}

func TestSummarizeConfigChange_VerticalAxisDefault(t *testing.T) {
	on := true
	a := &Config{}
	b := &Config{Render: RenderConfig{VerticalAxis: &on}}
	if changed, _, _ := SummarizeConfigChange(a, b); len(changed) != 0 {
		t.Fatalf("explicit true equals default: %v", changed)
	}
}

func TestManager_LoadAndReload(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "simkit.json", `{"clock":{"enabled":true}}`)

	m := NewConfigManager(p)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get should return committed config")
	}

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	published, err := m.Reload(context.Background())
	if err != nil || published {
		t.Fatalf("unchanged reload: published=%v err=%v", published, err)
	}

	writeFile(t, dir, "simkit.json", `{"clock":{"enabled":true,"quantum":"10ms"}}`)
	published, err = m.Reload(context.Background())
	if err != nil || !published {
		t.Fatalf("changed reload: published=%v err=%v", published, err)
	}
	select {
	case got := <-ch:
		if got.Clock.Quantum != "10ms" {
			t.Fatalf("published quantum = %q", got.Clock.Quantum)
		}
	default:
		t.Fatalf("expected a published config")
	}
}

func TestManager_ValidatorRejects(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "simkit.yaml", "clock:\n  enabled: true\n")
	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	before := m.Get()

	errNo := errors.New("no")
	m.SetValidator(func(context.Context, *Config) error { return errNo })
	writeFile(t, dir, "simkit.yaml", "clock:\n  enabled: false\n")

	published, err := m.Reload(context.Background())
	if !errors.Is(err, errNo) || published {
		t.Fatalf("expected validator rejection, got published=%v err=%v", published, err)
	}
	if m.Get() != before {
		t.Fatalf("rejected config must not be committed")
	}
}

func TestManager_LoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "simkit.json", `{"clock":{"quantum":"nope"}}`)
	if _, err := NewConfigManager(p).Load(); err == nil {
		t.Fatalf("expected resolve error")
	}
}

func TestManager_PublishLatestWins(t *testing.T) {
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{Host: HostConfig{Version: "1.8"}}
	m.publish(a)
	m.publish(b)
	if got := <-ch; got != b {
		t.Fatalf("expected newest config")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
}

func TestManager_WatchPicksUpChange(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "simkit.json", `{"clock":{"enabled":true}}`)
	m := NewConfigManager(p)
	m.debounce = 10 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case got := <-ch:
			if got.Host.Version != "1.8" {
				t.Fatalf("unexpected config: %+v", got)
			}
			return
		case <-tick.C:
			// Rewrite until the watcher is attached and sees an event.
			writeFile(t, dir, "simkit.json", `{"clock":{"enabled":true},"host":{"version":"1.8"}}`)
		case <-deadline:
			t.Fatalf("watch did not publish")
		}
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	var b backoff
	prev := time.Duration(0)
	for range 10 {
		d := b.next()
		if d < watchBackoffBase || d > watchBackoffMax+watchBackoffMax/2 {
			t.Fatalf("wait %v out of range", d)
		}
		if b.cur < prev {
			t.Fatalf("backoff shrank: %v < %v", b.cur, prev)
		}
		prev = b.cur
	}
	if b.cur != watchBackoffMax {
		t.Fatalf("cur = %v, want cap %v", b.cur, watchBackoffMax)
	}
	b.reset()
	if d := b.next(); d > watchBackoffBase+watchBackoffBase/2 {
		t.Fatalf("after reset wait = %v", d)
	}
}

func TestDebouncerCoalesces(t *testing.T) {
	var n atomic.Int32
	d := &debouncer{d: 20 * time.Millisecond, fn: func() { n.Add(1) }}
	for range 5 {
		d.trigger()
	}
	time.Sleep(100 * time.Millisecond)
	if got := n.Load(); got != 1 {
		t.Fatalf("fired %d times, want 1", got)
	}
	d.trigger()
	d.stop()
	time.Sleep(50 * time.Millisecond)
	if got := n.Load(); got != 1 {
		t.Fatalf("stopped debouncer fired: %d", got)
	}
}
