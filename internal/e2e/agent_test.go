package e2e

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lkhq/spark/internal/config"
	"github.com/lkhq/spark/internal/engine"
	"github.com/lkhq/spark/internal/events"
	"github.com/lkhq/spark/internal/journal"
	"github.com/lkhq/spark/internal/log"
	"github.com/lkhq/spark/internal/protocol"
	"github.com/lkhq/spark/internal/storage"
	"github.com/lkhq/spark/internal/worker"
)

func TestMain(m *testing.M) {
	log.Setup("error", "text")
	os.Exit(m.Run())
}

// TestAgentExecutesJobsEndToEnd drives the full chain with nothing faked below
// the dispatcher: a real TCP control session, a real bash runner subprocess, a
// real per-job workspace, and a real SQLite journal.
func TestAgentExecutesJobsEndToEnd(t *testing.T) {
	tmpDir := t.TempDir()
	script := writeRunner(t, tmpDir, "run.sh", `#!/bin/bash
read -r payload
case "$payload" in
  *'"mode":"fail"'*)
    echo "runner exploding on request" >&2
    exit 3
    ;;
esac
echo "artifact for $SPARK_JOB_ID" > "$SPARK_WORKSPACE/result.txt"
printf 'ran %s with %s' "$SPARK_JOB_ID" "$payload"
`)
	workspacesDir := filepath.Join(tmpDir, "workspaces")
	dbPath := filepath.Join(tmpDir, "journal.db")

	ctx := context.Background()
	db, err := storage.Open(ctx, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	jnl := journal.New(db)

	workspaces, err := worker.NewWorkspaces(workspacesDir)
	require.NoError(t, err)

	lh := newLighthouse(t)
	cfg := agentConfig(lh.addr())
	cfg.Runner.Command = script
	cfg.Workspace.Root = workspacesDir

	runner := worker.NewExecRunner(cfg.Runner, workspaces, false)
	eng := engine.New(cfg, config.Identity{MachineID: "e2e-machine", MachineName: "e2e"},
		worker.NewGoRuntime(runner), jnl, events.NewHub(64))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- eng.Run(runCtx) }()
	t.Cleanup(cancel)

	conn, hello := lh.session(t)
	assert.Equal(t, "e2e-machine", hello.MachineID)
	assert.Equal(t, 2, hello.Capacity)

	// First job succeeds. The runner sees the payload on stdin, the job ID
	// and workspace in its environment, and its stdout comes back verbatim.
	conn.offer(t, "e2e-job-1", `{"message":"hello"}`)
	acc := conn.expectAccept(t)
	require.Equal(t, "e2e-job-1", acc.JobID)

	res := conn.expectResult(t)
	require.Equal(t, "e2e-job-1", res.JobID)
	require.Equal(t, protocol.ResultCompleted, res.Status)
	wantOut := `ran e2e-job-1 with {"message":"hello"}`
	assert.Equal(t, wantOut, res.Output)
	assert.Equal(t, worker.OutputDigest([]byte(wantOut)), res.OutputDigest)

	// The scratch directory the runner wrote into is gone once the result
	// is out.
	leftover, err := os.ReadDir(workspacesDir)
	require.NoError(t, err)
	assert.Empty(t, leftover, "per-job workspace should be removed after the job")

	// Second job fails: exit status and stderr surface as error info.
	conn.offer(t, "e2e-job-2", `{"mode":"fail"}`)
	conn.expectAccept(t)
	res = conn.expectResult(t)
	require.Equal(t, "e2e-job-2", res.JobID)
	require.Equal(t, protocol.ResultFailed, res.Status)
	assert.Contains(t, res.ErrorInfo, "status 3")
	assert.Contains(t, res.ErrorInfo, "runner exploding on request")

	// Clean shutdown says goodbye, and both outcomes survive in the journal.
	cancel()
	env := conn.next(t)
	require.Equal(t, protocol.TypeBye, env.Type)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not stop")
	}

	one, err := jnl.ForJob(ctx, "e2e-job-1")
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, string(worker.StatusCompleted), one[0].Status)
	assert.Equal(t, wantOut, one[0].Output)
	assert.Equal(t, worker.OutputDigest([]byte(wantOut)), one[0].Digest)
	assert.True(t, one[0].Relayed)
	assert.False(t, one[0].Orphaned)
	assert.Equal(t, hello.Session, one[0].Session)

	two, err := jnl.ForJob(ctx, "e2e-job-2")
	require.NoError(t, err)
	require.Len(t, two, 1)
	assert.Equal(t, string(worker.StatusFailed), two[0].Status)
	assert.Contains(t, two[0].ErrorInfo, "status 3")
	assert.True(t, two[0].Relayed)

	recent, err := jnl.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

// TestAgentRoutesPayloadKindsToRunners checks per-kind runner selection through
// the whole stack: the payload's kind field picks the command, anything else
// falls through to the default.
func TestAgentRoutesPayloadKindsToRunners(t *testing.T) {
	tmpDir := t.TempDir()
	defaultScript := writeRunner(t, tmpDir, "default.sh", `#!/bin/bash
printf 'default runner'
`)
	ingestScript := writeRunner(t, tmpDir, "ingest.sh", `#!/bin/bash
printf 'ingest runner %s' "$SPARK_JOB_ID"
`)

	lh := newLighthouse(t)
	cfg := agentConfig(lh.addr())
	cfg.Runner.Command = defaultScript
	cfg.Runner.Kinds = map[string]string{"ingest": ingestScript}

	runner := worker.NewExecRunner(cfg.Runner, nil, false)
	eng := engine.New(cfg, config.Identity{MachineID: "e2e-machine", MachineName: "e2e"},
		worker.NewGoRuntime(runner), nil, events.NewHub(64))

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(runCtx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("engine did not stop")
		}
	})

	conn, _ := lh.session(t)

	conn.offer(t, "kind-job-1", `{"kind":"ingest"}`)
	conn.expectAccept(t)
	res := conn.expectResult(t)
	require.Equal(t, protocol.ResultCompleted, res.Status)
	assert.Equal(t, "ingest runner kind-job-1", res.Output)

	conn.offer(t, "kind-job-2", `{"kind":"transcode"}`)
	conn.expectAccept(t)
	res = conn.expectResult(t)
	require.Equal(t, protocol.ResultCompleted, res.Status)
	assert.Equal(t, "default runner", res.Output)
}

func writeRunner(t *testing.T, dir, name, script string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func agentConfig(addr string) *config.Config {
	cfg := config.Defaults()
	cfg.LighthouseServer = addr
	cfg.MaxJobs = 2
	cfg.Heartbeat = time.Minute
	cfg.Reconnect = config.ReconnectConfig{
		Initial:         20 * time.Millisecond,
		Max:             100 * time.Millisecond,
		ReportDropAfter: 3,
	}
	cfg.Runner.Timeout = 30 * time.Second
	cfg.ShutdownGrace = 5 * time.Second
	cfg.Journal.Retention = 0
	return cfg
}

// lighthouse is a live TCP stand-in for the central dispatcher.
type lighthouse struct {
	listener net.Listener
	conns    chan *lighthouseConn
}

func newLighthouse(t *testing.T) *lighthouse {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	lh := &lighthouse{listener: l, conns: make(chan *lighthouseConn, 4)}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			lh.conns <- &lighthouseConn{conn: conn, codec: protocol.NewCodec(conn)}
		}
	}()
	t.Cleanup(func() { l.Close() })
	return lh
}

func (lh *lighthouse) addr() string { return lh.listener.Addr().String() }

// session waits for the agent to connect and consumes its hello.
func (lh *lighthouse) session(t *testing.T) (*lighthouseConn, protocol.Hello) {
	t.Helper()
	select {
	case c := <-lh.conns:
		env := c.next(t)
		require.Equal(t, protocol.TypeHello, env.Type, "first frame must be hello")
		var hello protocol.Hello
		require.NoError(t, env.Decode(&hello))
		return c, hello
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not connect")
		return nil, protocol.Hello{}
	}
}

type lighthouseConn struct {
	conn  net.Conn
	codec *protocol.Codec
}

// next returns the next frame that is not a heartbeat.
func (c *lighthouseConn) next(t *testing.T) protocol.Envelope {
	t.Helper()
	for {
		require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		env, err := c.codec.Read()
		require.NoError(t, err, "read frame from agent")
		if env.Type != protocol.TypeHeartbeat {
			return env
		}
	}
}

func (c *lighthouseConn) offer(t *testing.T, jobID, payload string) {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.TypeJobOffer, &protocol.JobOffer{
		JobID:   jobID,
		Payload: []byte(payload),
	})
	require.NoError(t, err)
	require.NoError(t, c.codec.Write(env))
}

func (c *lighthouseConn) expectAccept(t *testing.T) protocol.JobAccept {
	t.Helper()
	env := c.next(t)
	require.Equal(t, protocol.TypeJobAccept, env.Type)
	var acc protocol.JobAccept
	require.NoError(t, env.Decode(&acc))
	return acc
}

func (c *lighthouseConn) expectResult(t *testing.T) protocol.JobResult {
	t.Helper()
	env := c.next(t)
	require.Equal(t, protocol.TypeJobResult, env.Type)
	var res protocol.JobResult
	require.NoError(t, env.Decode(&res))
	return res
}
