package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/busrelay/busrelay/internal/message"
)

func init() {
	Register("file_audit", func(options map[string]interface{}) (Plugin, error) {
		path, _ := options["path"].(string)
		if path == "" {
			return nil, fmt.Errorf("file_audit plugin requires a \"path\" option")
		}
		priority := 0
		if v, ok := options["priority"]; ok {
			if f, ok := v.(float64); ok {
				priority = int(f)
			}
		}
		return NewFileAuditPlugin(path, priority)
	})
}

// fileAuditRecord is one line written by FileAuditPlugin: a JSON-encoded
// record of which hook fired, for which message, and when.
type fileAuditRecord struct {
	Hook      string    `json:"hook"`
	APIName   string    `json:"api_name,omitempty"`
	Member    string    `json:"member,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	IsError   bool      `json:"is_error,omitempty"`
	At        time.Time `json:"at"`
}

// FileAuditPlugin appends one JSON line per hook invocation to a file.
// Adapted from internal/dispatcher/plugins/file.go's FilePlugin, which
// wrote raw observability events; this generalizes it to the bus' own
// lifecycle hooks instead of one fixed event shape.
type FileAuditPlugin struct {
	path     string
	priority int

	mu   sync.Mutex
	file *os.File
}

// NewFileAuditPlugin opens path for appending and returns a plugin that
// writes one audit line per hook call.
func NewFileAuditPlugin(path string, priority int) (*FileAuditPlugin, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit file %s: %w", path, err)
	}
	return &FileAuditPlugin{path: path, priority: priority, file: f}, nil
}

var (
	_ Plugin                  = (*FileAuditPlugin)(nil)
	_ BeforeRPCCallHook       = (*FileAuditPlugin)(nil)
	_ AfterRPCCallHook        = (*FileAuditPlugin)(nil)
	_ BeforeEventSentHook     = (*FileAuditPlugin)(nil)
	_ AfterEventExecutionHook = (*FileAuditPlugin)(nil)
	_ AfterServerStoppedHook  = (*FileAuditPlugin)(nil)
)

// Name implements Plugin.
func (p *FileAuditPlugin) Name() string { return "file_audit" }

// Priority implements Plugin.
func (p *FileAuditPlugin) Priority() int { return p.priority }

func (p *FileAuditPlugin) write(rec fileAuditRecord) error {
	rec.At = time.Now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file == nil {
		return fmt.Errorf("file audit plugin is closed")
	}
	if _, err := p.file.Write(append(data, '\n')); err != nil {
		return err
	}
	return p.file.Sync()
}

// BeforeRPCCall implements BeforeRPCCallHook.
func (p *FileAuditPlugin) BeforeRPCCall(ctx context.Context, client ClientHandle, msg message.RpcMessage) error {
	return p.write(fileAuditRecord{Hook: "before_rpc_call", APIName: msg.APIName, Member: msg.ProcedureName, MessageID: msg.ID})
}

// AfterRPCCall implements AfterRPCCallHook.
func (p *FileAuditPlugin) AfterRPCCall(ctx context.Context, client ClientHandle, msg message.RpcMessage, result message.ResultMessage) error {
	return p.write(fileAuditRecord{Hook: "after_rpc_call", APIName: msg.APIName, Member: msg.ProcedureName, MessageID: msg.ID, IsError: result.IsError()})
}

// BeforeEventSent implements BeforeEventSentHook.
func (p *FileAuditPlugin) BeforeEventSent(ctx context.Context, client ClientHandle, msg message.EventMessage) error {
	return p.write(fileAuditRecord{Hook: "before_event_sent", APIName: msg.APIName, Member: msg.EventName, MessageID: msg.ID})
}

// AfterEventExecution implements AfterEventExecutionHook.
func (p *FileAuditPlugin) AfterEventExecution(ctx context.Context, client ClientHandle, msg message.EventMessage, handlerErr error) error {
	return p.write(fileAuditRecord{Hook: "after_event_execution", APIName: msg.APIName, Member: msg.EventName, MessageID: msg.ID, IsError: handlerErr != nil})
}

// AfterServerStopped implements AfterServerStoppedHook: closes the file so
// a FileAuditPlugin doesn't leak a descriptor past client shutdown.
func (p *FileAuditPlugin) AfterServerStopped(ctx context.Context, client ClientHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file = nil
	return err
}
