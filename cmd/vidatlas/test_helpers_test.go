package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"vidatlas/internal/client"
	"vidatlas/internal/config"
	"vidatlas/internal/daemon"
	"vidatlas/internal/job"
	"vidatlas/internal/logging"
	"vidatlas/internal/pipeline"
	"vidatlas/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	daemon     *daemon.Daemon
	api        *client.Client
	serverURL  string
	configPath string
}

// setupCLITestEnv starts an in-process daemon backed by the given worker
// and writes a matching config file for the CLI to load. A nil worker gets
// a single fast phase producing a fixed title.
func setupCLITestEnv(t *testing.T, worker pipeline.Worker, opts ...testsupport.ConfigOption) *cliTestEnv {
	t.Helper()

	// Zero rate disables the poll limiter; tests poll job status hard.
	base := []testsupport.ConfigOption{
		testsupport.WithWeights(map[string]int{"fetch": 100}),
		testsupport.WithRateLimit(0, 0),
	}
	cfg := testsupport.NewConfig(t, append(base, opts...)...)
	configPath := writeTestConfig(t, cfg)

	if worker == nil {
		worker = quickWorker("CLI Fixture")
	}

	d, err := daemon.New(cfg, logging.NewNop(), worker, "test")
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		cancel()
		t.Fatalf("daemon.Start: %v", err)
	}
	t.Cleanup(func() {
		d.Stop()
		cancel()
	})

	serverURL := "http://" + d.Addr()
	return &cliTestEnv{
		cfg:        cfg,
		daemon:     d,
		api:        client.New(serverURL, ""),
		serverURL:  serverURL,
		configPath: configPath,
	}
}

// setupConfigOnlyEnv writes a config file without starting a daemon, for
// commands that must handle the daemon-down case.
func setupConfigOnlyEnv(t *testing.T) *cliTestEnv {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	return &cliTestEnv{
		cfg:        cfg,
		serverURL:  "http://127.0.0.1:0",
		configPath: writeTestConfig(t, cfg),
	}
}

func writeTestConfig(t *testing.T, cfg *config.Config) string {
	t.Helper()
	raw, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal test config: %v", err)
	}
	path := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write test config: %v", err)
	}
	return path
}

func runCLI(t *testing.T, env *cliTestEnv, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	flags := []string{"--server", env.serverURL, "--config", env.configPath}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func quickWorker(title string) *testsupport.ScriptWorker {
	return &testsupport.ScriptWorker{PhaseList: []pipeline.Phase{
		{Name: "fetch", Run: func(ctx context.Context, st *pipeline.State) error {
			st.Result.Title = title
			st.Result.Places = []pipeline.Place{{Name: "Porto", Lat: 41.15, Lon: -8.61}}
			return nil
		}},
	}}
}

// submittedJobID extracts the job id from submit's confirmation line
// ("Job <id> accepted ..." or "Job <id> served from cache ...").
func submittedJobID(t *testing.T, out string) string {
	t.Helper()
	fields := strings.Fields(out)
	if len(fields) < 2 || fields[0] != "Job" {
		t.Fatalf("unexpected submit output: %q", out)
	}
	return fields[1]
}

func waitSettled(t *testing.T, env *cliTestEnv, jobID string) {
	t.Helper()
	testsupport.WaitFor(t, 5*time.Second, func() bool {
		view, err := env.api.Job(context.Background(), jobID)
		if err != nil {
			return false
		}
		status, ok := job.ParseStatus(view.Status)
		return ok && status.IsSettled()
	}, "job never settled")
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
