package plugin

import (
	"context"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/busrelay/busrelay/internal/message"
)

// recorder is a minimal plugin that appends its name to a shared log every
// time one of its hooks fires, so tests can assert both ordering (priority)
// and before/after pairing (invariant 7).
type recorder struct {
	name     string
	priority int
	log      *[]string
}

func (r *recorder) Name() string  { return r.name }
func (r *recorder) Priority() int { return r.priority }

func (r *recorder) BeforeRPCCall(ctx context.Context, client ClientHandle, msg message.RpcMessage) error {
	*r.log = append(*r.log, r.name+":before_rpc_call")
	return nil
}

func (r *recorder) AfterRPCCall(ctx context.Context, client ClientHandle, msg message.RpcMessage, result message.ResultMessage) error {
	*r.log = append(*r.log, r.name+":after_rpc_call")
	return nil
}

type fakeClientHandle struct{}

func (fakeClientHandle) ServiceName() string { return "svc" }
func (fakeClientHandle) ProcessName() string { return "proc" }

func TestPipeline_RunsPluginsInAscendingPriorityOrder(t *testing.T) {
	var log []string
	low := &recorder{name: "low", priority: 10, log: &log}
	high := &recorder{name: "high", priority: 1, log: &log}
	mid := &recorder{name: "mid", priority: 5, log: &log}

	p := New(zaptest.NewLogger(t), low, high, mid)

	got := p.Plugins()
	if len(got) != 3 || got[0].Name() != "high" || got[1].Name() != "mid" || got[2].Name() != "low" {
		t.Fatalf("expected plugins sorted by ascending priority, got %v", pluginNames(got))
	}

	p.BeforeRPCCall(context.Background(), fakeClientHandle{}, message.RpcMessage{})
	want := []string{"high:before_rpc_call", "mid:before_rpc_call", "low:before_rpc_call"}
	if !equalStrings(log, want) {
		t.Errorf("hook fired out of priority order: got %v, want %v", log, want)
	}
}

func TestPipeline_BeforeAfterComeInStrictPairs(t *testing.T) {
	var log []string
	p := New(zaptest.NewLogger(t), &recorder{name: "only", priority: 0, log: &log})

	msg := message.NewRpcMessage("auth", "login", nil)
	p.BeforeRPCCall(context.Background(), fakeClientHandle{}, msg)
	p.AfterRPCCall(context.Background(), fakeClientHandle{}, msg, message.NewResultMessage(msg.ID, nil))

	want := []string{"only:before_rpc_call", "only:after_rpc_call"}
	if !equalStrings(log, want) {
		t.Errorf("got %v, want %v", log, want)
	}
}

func TestPipeline_PluginsNotImplementingAHookAreSkipped(t *testing.T) {
	// FileAuditPlugin does not implement BeforeRPCExecution; make sure
	// the capability-test skips it silently rather than panicking.
	fa, err := NewFileAuditPlugin(t.TempDir()+"/audit.log", 50)
	if err != nil {
		t.Fatalf("NewFileAuditPlugin: %v", err)
	}
	p := New(zaptest.NewLogger(t), fa)
	p.BeforeRPCExecution(context.Background(), fakeClientHandle{}, message.RpcMessage{})
}

func TestPipeline_ExceptionHookNeverPanicsTheCaller(t *testing.T) {
	p := New(zaptest.NewLogger(t), &panickingExceptionPlugin{})
	p.ExecuteException(context.Background(), fakeClientHandle{}, errTest)
}

type panickingExceptionPlugin struct{}

func (panickingExceptionPlugin) Name() string  { return "panicker" }
func (panickingExceptionPlugin) Priority() int { return 0 }
func (panickingExceptionPlugin) OnException(ctx context.Context, client ClientHandle, err error) {
	panic("boom")
}

var errTest = &testError{}

type testError struct{}

func (*testError) Error() string { return "boom" }

func pluginNames(plugins []Plugin) []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name()
	}
	return names
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
