package bootstrap_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	apihttp "github.com/artpar/pkghost/adapters/http"
	"github.com/artpar/pkghost/adapters/idgen"
	"github.com/artpar/pkghost/adapters/loader"
	loadertest "github.com/artpar/pkghost/adapters/loader/testing"
	"github.com/artpar/pkghost/bootstrap"
	"github.com/artpar/pkghost/config"
	"github.com/artpar/pkghost/core/descriptor"
	"github.com/artpar/pkghost/domain/journal"
	"github.com/artpar/pkghost/modules"
)

func envConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv error: %v", err)
	}
	return cfg
}

func newApp(t *testing.T, opts bootstrap.Options) *bootstrap.App {
	t.Helper()
	opts.LogOutput = io.Discard
	if opts.IDs == nil {
		opts.IDs = idgen.NewSequential("session-")
	}
	a, err := bootstrap.New(opts)
	if err != nil {
		t.Fatalf("bootstrap.New error: %v", err)
	}
	t.Cleanup(func() { a.Shutdown() })
	return a
}

func TestNew_Defaults(t *testing.T) {
	a := newApp(t, bootstrap.Options{Config: envConfig(t)})

	if a.Loader == nil {
		t.Fatal("Loader should not be nil")
	}
	if a.Metrics != nil || a.DB != nil || a.HTTPServer != nil {
		t.Error("metrics, journal and server should be off by default")
	}
	if a.Current() != nil {
		t.Error("no session should be up before Up")
	}

	plan, err := a.Plan()
	if err != nil {
		t.Fatalf("Plan error: %v", err)
	}
	if plan.Len() != 5 {
		t.Errorf("default plan = %v, want five packages", plan.Names())
	}
}

func TestUpDown(t *testing.T) {
	a := newApp(t, bootstrap.Options{Config: envConfig(t)})
	ctx := context.Background()

	s, err := a.Up(ctx)
	if err != nil {
		t.Fatalf("Up error: %v", err)
	}
	if a.Current() != s {
		t.Error("Current should return the session from Up")
	}
	if got := strings.Join(s.Active(), ","); got != "physical,sep,esp,neit,kms" {
		t.Errorf("Active = %s", got)
	}

	if _, err := a.Up(ctx); !errors.Is(err, bootstrap.ErrAlreadyUp) {
		t.Errorf("second Up error = %v, want ErrAlreadyUp", err)
	}

	report, err := a.Down(ctx)
	if err != nil {
		t.Fatalf("Down error: %v", err)
	}
	if got := strings.Join(report.Order(), ","); got != "kms,neit,esp,sep,physical" {
		t.Errorf("teardown order = %s, want reverse activation order", got)
	}
	if refs := a.Loader.Refs(); refs != 0 {
		t.Errorf("Refs after Down = %d, want 0", refs)
	}
	if a.Current() != nil {
		t.Error("Current should be nil after Down")
	}

	// Down without a session is a no-op.
	if report, err := a.Down(ctx); err != nil || len(report.Statuses) != 0 {
		t.Errorf("Down without session = %+v, %v", report, err)
	}

	// The host can bring the composition up again.
	if _, err := a.Up(ctx); err != nil {
		t.Fatalf("second cycle Up error: %v", err)
	}
}

func TestUp_RequiredFailure(t *testing.T) {
	static := modules.NewStatic()
	static.FailLoad("sep", errors.New("not installed"))

	a := newApp(t, bootstrap.Options{Config: envConfig(t), Loader: static})

	if _, err := a.Up(context.Background()); err == nil {
		t.Fatal("Up without sep should fail")
	}
	if a.Current() != nil {
		t.Error("no session should survive a failed bring-up")
	}
	if refs := static.Refs(); refs != 0 {
		t.Errorf("Refs after failed Up = %d, want 0", refs)
	}
}

func TestJournalAndMetrics(t *testing.T) {
	cfg := envConfig(t)
	cfg.Journal.Enabled = true
	cfg.Journal.DSN = filepath.Join(t.TempDir(), "journal.db")
	cfg.Metrics.Enabled = true

	reg := prometheus.NewRegistry()
	a := newApp(t, bootstrap.Options{Config: cfg, Registerer: reg, Gatherer: reg})
	ctx := context.Background()

	s, err := a.Up(ctx)
	if err != nil {
		t.Fatalf("Up error: %v", err)
	}
	if got := testutil.ToFloat64(a.Metrics.ModulesActive); got != 5 {
		t.Errorf("modules_active = %v, want 5", got)
	}
	if _, err := a.Down(ctx); err != nil {
		t.Fatalf("Down error: %v", err)
	}
	if got := testutil.ToFloat64(a.Metrics.NativeRefs); got != 0 {
		t.Errorf("native_refs = %v, want 0", got)
	}

	sessions, err := a.Journal.Sessions(ctx, 10)
	if err != nil {
		t.Fatalf("Sessions error: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != s.ID() || sessions[0].Outcome != journal.OutcomeTornDown {
		t.Errorf("sessions = %+v, want one torn down session", sessions)
	}

	entries, err := a.Journal.Entries(ctx, s.ID())
	if err != nil {
		t.Fatal(err)
	}
	if sum := journal.Summarize(s.ID(), entries); !sum.Symmetric() || len(sum.Activated) != 5 {
		t.Errorf("summary = %+v, want five packages torn down in reverse", sum)
	}
}

func TestHTTPServer(t *testing.T) {
	cfg := envConfig(t)
	cfg.Server.Enabled = true

	a := newApp(t, bootstrap.Options{Config: cfg})
	if a.HTTPServer == nil {
		t.Fatal("HTTPServer should not be nil")
	}
	if a.HTTPServer.Addr != "127.0.0.1:8086" {
		t.Errorf("Addr = %s, want 127.0.0.1:8086", a.HTTPServer.Addr)
	}

	s, err := a.Up(context.Background())
	if err != nil {
		t.Fatalf("Up error: %v", err)
	}

	rec := httptest.NewRecorder()
	a.HTTPServer.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/session", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /v1/session = %d, want 200", rec.Code)
	}
	var resp apihttp.SessionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != s.ID() || len(resp.Active) != 5 {
		t.Errorf("session = %+v", resp)
	}
}

func TestCompositionReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pkghost.yaml")
	write := func(content string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	write(`
composition:
  modules:
    - name: physical
      required: true
      params:
        drives: 2
    - name: sep
      required: true
`)

	a := newApp(t, bootstrap.Options{ConfigPath: path})
	ctx := context.Background()

	s, err := a.Up(ctx)
	if err != nil {
		t.Fatalf("Up error: %v", err)
	}
	if got := strings.Join(s.Active(), ","); got != "physical,sep" {
		t.Fatalf("Active = %s, want physical,sep", got)
	}

	write(`
composition:
  modules:
    - name: physical
      required: true
    - name: sep
      required: true
    - name: neit
`)
	if err := a.Config.Reload(); err != nil {
		t.Fatalf("Reload error: %v", err)
	}

	// The live session keeps its plan.
	if got := strings.Join(a.Current().Active(), ","); got != "physical,sep" {
		t.Errorf("Active after reload = %s, want physical,sep", got)
	}

	if _, err := a.Down(ctx); err != nil {
		t.Fatal(err)
	}
	s, err = a.Up(ctx)
	if err != nil {
		t.Fatalf("Up after reload error: %v", err)
	}
	if got := strings.Join(s.Active(), ","); got != "physical,sep,neit" {
		t.Errorf("Active at next bring-up = %s, want physical,sep,neit", got)
	}
}

func TestProbe(t *testing.T) {
	a := newApp(t, bootstrap.Options{Config: envConfig(t)})

	results, err := a.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe error: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("Probe returned %d results, want 5", len(results))
	}
	for _, r := range results {
		if !r.OK() {
			t.Errorf("%s: %+v", r.Module, r)
		}
	}
	if refs := a.Loader.Refs(); refs != 0 {
		t.Errorf("Refs after Probe = %d, want 0", refs)
	}
}

func TestRun(t *testing.T) {
	a := newApp(t, bootstrap.Options{Config: envConfig(t)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for a.Current() == nil {
		if time.Now().After(deadline) {
			t.Fatal("Run did not bring up a session")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if refs := a.Loader.Refs(); refs != 0 {
		t.Errorf("Refs after Run = %d, want 0", refs)
	}
}

func TestShutdown_TeardownHasNoDeadline(t *testing.T) {
	static := loader.NewStatic()
	log := &loadertest.Log{}
	pkgs := make(map[string]*loadertest.Package)
	for _, d := range descriptor.Builtin() {
		p := loadertest.FromDescriptor(d, log)
		pkgs[d.Name] = p
		static.Register(d.Name, p.Exports)
	}

	a := newApp(t, bootstrap.Options{Config: envConfig(t), Loader: static})
	if _, err := a.Up(context.Background()); err != nil {
		t.Fatalf("Up error: %v", err)
	}
	if err := a.Shutdown(); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}

	for name, p := range pkgs {
		if !p.Destroyed() {
			t.Errorf("%s was not destroyed", name)
		}
		if p.DestroyDeadline() {
			t.Errorf("%s Destroy ran with a deadline", name)
		}
	}
}
