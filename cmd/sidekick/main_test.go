package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func fakeDaemon(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.RequestURI())
		switch r.URL.Path {
		case "/api/status":
			_, _ = w.Write([]byte(`{"state":"running","running":true,"pid":42,"ports":{"cdp":9000,"proxy":9100,"backend":9200,"extension":9300}}`))
		case "/api/history":
			_, _ = w.Write([]byte(`[{"type":"launched","pid":42}]`))
		case "/api/restart", "/api/update":
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"ok":true}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestHelp(t *testing.T) {
	out, err := execute(t, "--help")
	if err != nil {
		t.Fatalf("help should succeed: %v", err)
	}
	for _, sub := range []string{"run", "status", "restart", "update", "history", "version"} {
		if !strings.Contains(out, sub) {
			t.Fatalf("help lacks %q: %s", sub, out)
		}
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != version {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestStatus(t *testing.T) {
	srv, calls := fakeDaemon(t)
	out, err := execute(t, "status", "--api-url", srv.URL+"/api")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, `"pid": 42`) || !strings.Contains(out, `"backend": 9200`) {
		t.Fatalf("unexpected output: %s", out)
	}
	if len(*calls) != 1 || (*calls)[0] != "GET /api/status" {
		t.Fatalf("unexpected calls: %v", *calls)
	}
}

func TestRestartAll(t *testing.T) {
	srv, calls := fakeDaemon(t)
	out, err := execute(t, "restart", "--all", "--api-url", srv.URL+"/api")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !strings.Contains(out, "restart requested") {
		t.Fatalf("unexpected output: %s", out)
	}
	if (*calls)[0] != "POST /api/restart?revalidate=all" {
		t.Fatalf("unexpected calls: %v", *calls)
	}
}

func TestUpdateAndHistory(t *testing.T) {
	srv, calls := fakeDaemon(t)
	if _, err := execute(t, "update", "--api-url", srv.URL+"/api"); err != nil {
		t.Fatalf("update: %v", err)
	}
	out, err := execute(t, "history", "--limit", "3", "--api-url", srv.URL+"/api")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, `"launched"`) {
		t.Fatalf("unexpected output: %s", out)
	}
	want := []string{"POST /api/update", "GET /api/history?limit=3"}
	if len(*calls) != 2 || (*calls)[0] != want[0] || (*calls)[1] != want[1] {
		t.Fatalf("calls=%v want %v", *calls, want)
	}
}

func TestStatusDaemonDown(t *testing.T) {
	if _, err := execute(t, "status", "--api-url", "http://127.0.0.1:1/api"); err == nil {
		t.Fatal("expected error when daemon is unreachable")
	}
}

func TestRunBadConfig(t *testing.T) {
	_, err := execute(t, "run", filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil || !strings.Contains(err.Error(), "error loading config") {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestAPIURLFromConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sidekick.toml")
	data := "[sidecar]\nexecution_dir = \"" + dir + "\"\nbinary = \"/bin/true\"\n[server]\nlisten = \":9555\"\nbase_path = \"/admin\"\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := apiURLFromConfig(path)
	if err != nil {
		t.Fatalf("apiURLFromConfig: %v", err)
	}
	if got != "http://127.0.0.1:9555/admin" {
		t.Fatalf("got %q", got)
	}

	def, err := apiURLFromConfig("")
	if err != nil || def != "http://127.0.0.1:9099/api" {
		t.Fatalf("default url %q err %v", def, err)
	}
}

func TestDialAddr(t *testing.T) {
	cases := map[string]string{
		":9099":          "127.0.0.1:9099",
		"0.0.0.0:9099":   "127.0.0.1:9099",
		"10.0.0.5:80":    "10.0.0.5:80",
		"[::]:9099":      "127.0.0.1:9099",
		"not-an-address": "not-an-address",
	}
	for in, want := range cases {
		if got := dialAddr(in); got != want {
			t.Fatalf("dialAddr(%q)=%q want %q", in, got, want)
		}
	}
}

func TestRunFlagsOverrides(t *testing.T) {
	f := RunFlags{CDPPort: 9001, BackendPort: 9201}
	o := f.overrides()
	if o.CDP != 9001 || o.Backend != 9201 || o.Proxy != 0 || o.Extension != 0 {
		t.Fatalf("unexpected overrides %+v", o)
	}
}
