package cli_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/snehjoshi/opsync/internal/cli"
	"github.com/snehjoshi/opsync/internal/config"
	"github.com/snehjoshi/opsync/internal/engine"
	"github.com/snehjoshi/opsync/internal/network"
	"github.com/snehjoshi/opsync/internal/remote"
	"github.com/snehjoshi/opsync/internal/store/memory"
	transphttp "github.com/snehjoshi/opsync/internal/transport/http"
	"github.com/snehjoshi/opsync/internal/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type daemon struct {
	url string

	mu     sync.Mutex
	reject bool
}

func (d *daemon) setReject(v bool) {
	d.mu.Lock()
	d.reject = v
	d.mu.Unlock()
}

func startDaemon(t *testing.T) *daemon {
	t.Helper()
	cfg := config.Default()
	cfg.Device.DataDir = t.TempDir()
	cfg.Store.Backend = config.BackendMemory

	d := &daemon{}
	e, err := engine.Open(cfg,
		engine.WithApplier(remote.ApplyFunc(func(context.Context, *types.Operation) error {
			d.mu.Lock()
			defer d.mu.Unlock()
			if d.reject {
				return errors.New("rejected")
			}
			return nil
		})),
		engine.WithBackend(memory.New()),
		engine.WithSource(network.NewManual(false)),
	)
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })

	ts := httptest.NewServer(transphttp.New(e, cfg, nil).Handler())
	t.Cleanup(ts.Close)
	d.url = ts.URL
	return d
}

// run executes the CLI with args against d and returns stdout.
func (d *daemon) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := cli.NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--addr", d.url}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func decodeData(t *testing.T, out string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode cli output: %v (%q)", err, out)
	}
	if resp.Status != "ok" {
		t.Fatalf("status: got %q", resp.Status)
	}
	if err := json.Unmarshal(resp.Data, v); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestEnqueueAndList(t *testing.T) {
	d := startDaemon(t)

	out, err := d.run(t, "enqueue", "insert", `{"row":1}`)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !strings.Contains(out, "enqueued operation 1 (insert)") {
		t.Errorf("enqueue output: %q", out)
	}

	out, err = d.run(t, "--format", "json", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var ops struct {
		Queued []struct {
			ID   uint64
			Kind string
		}
	}
	decodeData(t, out, &ops)
	if len(ops.Queued) != 1 || ops.Queued[0].ID != 1 || ops.Queued[0].Kind != "insert" {
		t.Errorf("list: %+v", ops)
	}
}

func TestEnqueue_FromStdin(t *testing.T) {
	d := startDaemon(t)

	cmd := cli.NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(`{"from":"stdin"}`))
	cmd.SetArgs([]string{"--addr", d.url, "enqueue", "update", "--file", "-"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	out2, err := d.run(t, "--format", "json", "get", "1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var op struct{ Payload []byte }
	decodeData(t, out2, &op)
	if string(op.Payload) != `{"from":"stdin"}` {
		t.Errorf("payload: %q", op.Payload)
	}
}

func TestEnqueue_UnknownKindIsCommandError(t *testing.T) {
	d := startDaemon(t)

	_, err := d.run(t, "enqueue", "upsert", "{}")
	if code := cli.GetExitCode(err); code != cli.ExitCommandError {
		t.Fatalf("exit code: got %d (%v)", code, err)
	}
}

func TestSync_OfflineThenOnline(t *testing.T) {
	d := startDaemon(t)
	if _, err := d.run(t, "enqueue", "insert", "{}"); err != nil {
		t.Fatal(err)
	}

	out, err := d.run(t, "sync")
	if err != nil {
		t.Fatalf("sync offline: %v", err)
	}
	if !strings.Contains(out, "no drain started") {
		t.Errorf("offline sync output: %q", out)
	}

	if _, err := d.run(t, "online"); err != nil {
		t.Fatalf("online: %v", err)
	}
	out, err = d.run(t, "sync")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !strings.Contains(out, "synced 1 of 1 operations") {
		t.Errorf("sync output: %q", out)
	}

	out, err = d.run(t, "--format", "json", "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var st struct {
		Online bool
		Counts struct{ Total int }
	}
	decodeData(t, out, &st)
	if !st.Online || st.Counts.Total != 0 {
		t.Errorf("status after sync: %+v", st)
	}
}

func TestSync_FailuresExitNonZero(t *testing.T) {
	d := startDaemon(t)
	d.setReject(true)
	if _, err := d.run(t, "enqueue", "delete", "{}"); err != nil {
		t.Fatal(err)
	}
	if _, err := d.run(t, "online"); err != nil {
		t.Fatal(err)
	}

	_, err := d.run(t, "sync")
	if code := cli.GetExitCode(err); code != cli.ExitFailure {
		t.Fatalf("exit code: got %d (%v)", code, err)
	}
}

func TestRetry_RequiresIDOrAll(t *testing.T) {
	d := startDaemon(t)

	for _, args := range [][]string{{"retry"}, {"retry", "1", "--all"}} {
		_, err := d.run(t, args...)
		if code := cli.GetExitCode(err); code != cli.ExitCommandError {
			t.Errorf("%v: exit code %d (%v)", args, code, err)
		}
	}

	out, err := d.run(t, "retry", "--all")
	if err != nil {
		t.Fatalf("retry --all: %v", err)
	}
	if !strings.Contains(out, "re-queued 0 operation(s)") {
		t.Errorf("retry output: %q", out)
	}
}

func TestRetry_FailedOperation(t *testing.T) {
	d := startDaemon(t)
	d.setReject(true)
	if _, err := d.run(t, "enqueue", "insert", "{}"); err != nil {
		t.Fatal(err)
	}
	if _, err := d.run(t, "online"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		_, _ = d.run(t, "sync")
	}

	d.setReject(false)
	if _, err := d.run(t, "retry", "1"); err != nil {
		t.Fatalf("retry 1: %v", err)
	}
	if _, err := d.run(t, "retry", "1"); cli.GetExitCode(err) != cli.ExitCommandError {
		t.Errorf("second retry should fail, got %v", err)
	}
	if _, err := d.run(t, "sync"); err != nil {
		t.Fatalf("sync after retry: %v", err)
	}
}

func TestClear_RequiresYes(t *testing.T) {
	d := startDaemon(t)
	if _, err := d.run(t, "enqueue", "insert", "{}"); err != nil {
		t.Fatal(err)
	}

	if _, err := d.run(t, "clear"); cli.GetExitCode(err) != cli.ExitCommandError {
		t.Fatalf("clear without --yes: %v", err)
	}
	if _, err := d.run(t, "clear", "--yes"); err != nil {
		t.Fatalf("clear --yes: %v", err)
	}

	out, err := d.run(t, "--format", "json", "list")
	if err != nil {
		t.Fatal(err)
	}
	var ops struct{ Queued []any }
	decodeData(t, out, &ops)
	if len(ops.Queued) != 0 {
		t.Errorf("queue not cleared: %+v", ops)
	}
}

func TestUnreachableDaemon(t *testing.T) {
	cmd := cli.NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--addr", "http://127.0.0.1:1", "--timeout", "1s", "health"})
	err := cmd.Execute()
	if code := cli.GetExitCode(err); code != cli.ExitCommandError {
		t.Fatalf("exit code: got %d (%v)", code, err)
	}
}
