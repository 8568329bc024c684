package daemon_test

import (
	"context"
	"testing"
	"time"

	"vidatlas/internal/client"
	"vidatlas/internal/daemon"
	"vidatlas/internal/job"
	"vidatlas/internal/logging"
	"vidatlas/internal/pipeline"
	"vidatlas/internal/preflight"
	"vidatlas/internal/testsupport"
)

func quickWorker() *testsupport.ScriptWorker {
	return &testsupport.ScriptWorker{PhaseList: []pipeline.Phase{
		{Name: "fetch", Run: func(ctx context.Context, st *pipeline.State) error {
			st.Result.Title = "Daemon Smoke"
			return nil
		}},
	}}
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithWeights(map[string]int{"fetch": 100}))
	d, err := daemon.New(cfg, logging.NewNop(), quickWorker(), "test")
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(d.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !d.Running() {
		t.Fatal("expected daemon to report running")
	}
	if d.Addr() == "" {
		t.Fatal("expected a bound listener address")
	}

	if probe := preflight.ProbeDaemon(cfg); !probe.Running {
		t.Error("expected live PID file after Start")
	}

	// Second start must fail while running.
	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	d.Stop()
	if d.Running() {
		t.Fatal("expected daemon to be stopped")
	}
	if probe := preflight.ProbeDaemon(cfg); probe.Running {
		t.Error("expected PID file removed after Stop")
	}
}

func TestDaemonSingleInstanceLock(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithWeights(map[string]int{"fetch": 100}))

	first, err := daemon.New(cfg, logging.NewNop(), quickWorker(), "test")
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(first.Stop)

	ctx := context.Background()
	if err := first.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}

	second, err := daemon.New(cfg, logging.NewNop(), quickWorker(), "test")
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := second.Start(ctx); err == nil {
		second.Stop()
		t.Fatal("expected second instance to fail on the lock")
	}
}

func TestDaemonServesAnalysisEndToEnd(t *testing.T) {
	// Zero rate disables the poll limiter; the wait loop below polls hard.
	cfg := testsupport.NewConfig(t,
		testsupport.WithWeights(map[string]int{"fetch": 100}),
		testsupport.WithRateLimit(0, 0))
	d, err := daemon.New(cfg, logging.NewNop(), quickWorker(), "test")
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(d.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	c := client.New("http://"+d.Addr(), "")
	adm, err := c.Submit(ctx, "vid-e2e", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	testsupport.WaitFor(t, 5*time.Second, func() bool {
		view, err := c.Job(ctx, adm.JobID)
		if err != nil {
			return false
		}
		return view.Status == string(job.StatusDone)
	}, "job never reached done over the api")

	result, err := c.Result(ctx, adm.JobID)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if result.Status != string(job.StatusDone) {
		t.Errorf("result status = %s, want done", result.Status)
	}

	st, err := c.EngineStatus(ctx)
	if err != nil {
		t.Fatalf("EngineStatus: %v", err)
	}
	if !st.Running || st.Version != "test" {
		t.Errorf("engine status = %+v, want running version test", st)
	}
}
