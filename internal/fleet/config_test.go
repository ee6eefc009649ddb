package fleet

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestParseProvider(t *testing.T) {
	t.Parallel()

	type testcase struct {
		have    string
		want    Provider
		wantErr bool
	}
	tcs := map[string]testcase{
		"valid": {
			have: "gcp:my-project:us-central1:us-central1-b",
			want: Provider{
				Name:    "gcp",
				Project: "my-project",
				Region:  "us-central1",
				Zone:    "us-central1-b",
			},
		},
		"too few parts": {have: "gcp:my-project:us-central1", wantErr: true},
		"other cloud":   {have: "aws:a:b:c", wantErr: true},
		"empty zone":    {have: "gcp:p:r:", wantErr: true},
	}
	for name, tc := range tcs {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseProvider(tc.have)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			check(t, err)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatal(diff)
			}
			if got.String() != tc.have {
				t.Fatalf("expected %s, got %s", tc.have, got)
			}
		})
	}
}

func TestUnmarshalConfig(t *testing.T) {
	t.Parallel()

	conf, err := UnmarshalConfig([]byte(`{
		"provider": "gcp:p:us-west1:us-west1-b",
		"bucket": "artifacts",
		"readiness": {"timeout": "90s"},
		"bootstrap": {"port": 8080}
	}`))
	check(t, err)

	if time.Duration(conf.Readiness.Timeout) != 90*time.Second {
		t.Fatalf("unexpected timeout: %v", conf.Readiness.Timeout)
	}
	if time.Duration(conf.Readiness.Interval) != 5*time.Second {
		t.Fatalf("unexpected interval: %v", conf.Readiness.Interval)
	}
	if conf.Machine.Type != "e2-micro" || conf.Machine.Image != DefaultImage {
		t.Fatalf("unexpected machine: %+v", conf.Machine)
	}
	if conf.Firewall.Name != "allow-5000" || conf.Firewall.Tag != "allow-5000" {
		t.Fatalf("unexpected firewall: %+v", conf.Firewall)
	}
	if conf.Bootstrap.Port != 8080 || conf.Bootstrap.ServiceName == "" {
		t.Fatalf("bootstrap defaults not applied: %+v", conf.Bootstrap)
	}

	// A delegated driver reads the config back from metadata.
	byt, err := json.Marshal(conf)
	check(t, err)
	again, err := UnmarshalConfig(byt)
	check(t, err)
	if diff := cmp.Diff(conf, again); diff != "" {
		t.Fatal(diff)
	}
}

func TestUnmarshalConfigErrors(t *testing.T) {
	t.Parallel()

	tcs := map[string]string{
		"missing provider": `{"bucket": "b"}`,
		"bad provider":     `{"provider": "gcp:p"}`,
		"bad duration":     `{"provider": "gcp:p:r:z", "readiness": {"timeout": "soon"}}`,
		"not json":         `provider`,
		"port too high":    `{"provider": "gcp:p:r:z", "bootstrap": {"port": 70000}}`,
		"negative port":    `{"provider": "gcp:p:r:z", "bootstrap": {"port": -1}}`,
	}
	for name, byt := range tcs {
		byt := byt
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, err := UnmarshalConfig([]byte(byt)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLauncherScript(t *testing.T) {
	t.Parallel()

	script, err := LauncherScript(LauncherOpts{
		Bucket: "artifacts",
		Object: ObjectCLI,
		Args:   []string{"-config", "metadata", "provision", "my vm"},
		Once:   true,
	})
	check(t, err)

	if !strings.HasPrefix(script, "#!/bin/bash\n") {
		t.Fatalf("missing shebang:\n%s", script)
	}
	for _, want := range []string{
		"tee -a /var/log/bootfleet-startup.log",
		"if [ -f /opt/bootfleet/bootfleet.launched ]; then",
		"until gcloud storage cp gs://artifacts/bin/bootfleet /opt/bootfleet/bootfleet; do",
		"touch /opt/bootfleet/bootfleet.launched",
		"exec /opt/bootfleet/bootfleet -config metadata provision 'my vm'\n",
	} {
		if !strings.Contains(script, want) {
			t.Fatalf("script missing %q:\n%s", want, script)
		}
	}

	script, err = LauncherScript(LauncherOpts{
		Bucket: "artifacts",
		Object: ObjectBootstrap,
	})
	check(t, err)
	if strings.Contains(script, ".launched") {
		t.Fatalf("unexpected guard:\n%s", script)
	}
	if !strings.Contains(script, "exec /opt/bootfleet/bootstrap\n") {
		t.Fatalf("unexpected exec:\n%s", script)
	}

	if _, err := LauncherScript(LauncherOpts{Object: ObjectCLI}); err == nil {
		t.Fatal("expected error for missing bucket")
	}
}

func TestLauncherScriptQuoting(t *testing.T) {
	t.Parallel()

	script, err := LauncherScript(LauncherOpts{
		Bucket: "artifacts",
		Object: ObjectCLI,
		Dir:    "/opt/boot fleet",
		Args: []string{"provision", "vm-2", "", "my vm", "$(reboot)",
			"FLASK_APP=flaskr"},
	})
	check(t, err)

	for _, want := range []string{
		"mkdir -p '/opt/boot fleet'\n",
		"gcloud storage cp gs://artifacts/bin/bootfleet '/opt/boot fleet/bootfleet'",
		`exec '/opt/boot fleet/bootfleet' provision vm-2 '' 'my vm' \$\(reboot\) FLASK_APP=flaskr` + "\n",
	} {
		if !strings.Contains(script, want) {
			t.Fatalf("script missing %q:\n%s", want, script)
		}
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log, err := NewLogger(LogConfig{}, &buf)
	check(t, err)
	log.Info("hello")
	log.Debug("hidden")

	var rec map[string]any
	check(t, json.Unmarshal(buf.Bytes(), &rec))
	if _, ok := rec["time"]; ok {
		t.Fatalf("unexpected time: %s", buf.String())
	}
	if rec["msg"] != "hello" {
		t.Fatalf("unexpected record: %s", buf.String())
	}

	if _, err := NewLogger(LogConfig{Level: "trace"}, &buf); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if _, err := NewLogger(LogConfig{Format: "xml"}, &buf); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
