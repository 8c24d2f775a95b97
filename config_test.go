package dbus

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/corebus/dbus/dispatch"
	"github.com/corebus/dbus/sasl"
)

func TestParseConfig(t *testing.T) {
	const in = `
address: unix:path=/run/test.sock
bus: false
call_timeout: 3s
dispatch:
  workers:
    method_call: 8
    signal: 2
  queue_depth: 16
mechanisms: [external, anonymous]
log_level: debug
watcher_queue: 5
disable_fds: true
`
	cfg, err := ParseConfig([]byte(in))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Address != "unix:path=/run/test.sock" {
		t.Errorf("address = %q", cfg.Address)
	}
	if cfg.IsBus() {
		t.Error("IsBus() = true, want false")
	}

	opts, err := cfg.Options()
	if err != nil {
		t.Fatalf("Options: %v", err)
	}
	o := newOptions(opts)
	if o.callTimeout != 3*time.Second {
		t.Errorf("call timeout = %v, want 3s", o.callTimeout)
	}
	wantWorkers := map[dispatch.Name]int{dispatch.MethodCall: 8, dispatch.Signal: 2}
	if diff := cmp.Diff(o.dispatch.Workers, wantWorkers); diff != "" {
		t.Errorf("dispatch workers wrong (-got+want):\n%s", diff)
	}
	if o.dispatch.QueueDepth != 16 {
		t.Errorf("queue depth = %d, want 16", o.dispatch.QueueDepth)
	}
	if o.dispatch.Retry == nil {
		t.Error("dispatch config lost its retry handler")
	}
	var names []string
	for _, m := range o.dial.Mechanisms {
		names = append(names, m.Name())
	}
	if diff := cmp.Diff(names, []string{sasl.MechExternal, sasl.MechAnonymous}); diff != "" {
		t.Errorf("mechanisms wrong (-got+want):\n%s", diff)
	}
	if o.watcherQueue != 5 {
		t.Errorf("watcher queue = %d, want 5", o.watcherQueue)
	}
	if !o.dial.DisableFDs || !o.listen.DisableFDs {
		t.Error("fd passing not disabled")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`address: tcp:host=localhost,port=1234`))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if !cfg.IsBus() {
		t.Error("IsBus() = false, want true by default")
	}
	opts, err := cfg.Options()
	if err != nil {
		t.Fatalf("Options: %v", err)
	}
	o := newOptions(opts)
	if o.callTimeout != DefaultCallTimeout {
		t.Errorf("call timeout = %v, want default %v", o.callTimeout, DefaultCallTimeout)
	}
	if o.watcherQueue != DefaultWatcherQueue {
		t.Errorf("watcher queue = %d, want default %d", o.watcherQueue, DefaultWatcherQueue)
	}
	if len(o.dial.Mechanisms) != 0 {
		t.Errorf("got %d mechanisms, want address defaults", len(o.dial.Mechanisms))
	}
}

func TestConfigKeyring(t *testing.T) {
	dir := t.TempDir()
	cfg, err := ParseConfig([]byte("mechanisms: [cookie_sha1]\nkeyring:\n  dir: " + dir + "\n  context: test_ctx\n"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	opts, err := cfg.Options()
	if err != nil {
		t.Fatalf("Options: %v", err)
	}
	o := newOptions(opts)
	if len(o.dial.Mechanisms) != 1 {
		t.Fatalf("got %d mechanisms, want 1", len(o.dial.Mechanisms))
	}
	m, ok := o.dial.Mechanisms[0].(sasl.CookieSHA1)
	if !ok {
		t.Fatalf("mechanism is %T, want sasl.CookieSHA1", o.dial.Mechanisms[0])
	}
	if m.Keyring == nil || m.Keyring.Dir != dir || m.Keyring.Context != "test_ctx" {
		t.Errorf("keyring = %+v, want dir %s context test_ctx", m.Keyring, dir)
	}
}

func TestConfigErrors(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`call_timeout: soon`, "call_timeout"},
		{`call_timeout: -1s`, "call_timeout"},
		{"dispatch:\n  workers:\n    bogus: 1", "unknown executor"},
		{"dispatch:\n  queue_depth: -1", "queue_depth"},
		{`mechanisms: [kerberos]`, "unknown SASL mechanism"},
		{`log_level: loud`, "log_level"},
		{`watcher_queue: -3`, "watcher_queue"},
		{`address: [not, a, string]`, "cannot unmarshal"},
	}
	for _, tc := range tests {
		_, err := ParseConfig([]byte(tc.in))
		if err == nil {
			t.Errorf("ParseConfig(%q) succeeded, want error", tc.in)
			continue
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("ParseConfig(%q) error %q does not mention %q", tc.in, err, tc.want)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dbus.yaml")
	if err := os.WriteFile(path, []byte("address: unix:path=/x\nwatcher_queue: 7\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.WatcherQueue != 7 {
		t.Errorf("watcher_queue = %d, want 7", cfg.WatcherQueue)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadConfig of a missing file succeeded")
	}
}
