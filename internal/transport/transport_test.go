package transport

import (
	"context"
	"testing"

	"github.com/busrelay/busrelay/internal/message"
)

// fakeEventTransport is a minimal EventTransport used only to exercise the
// HistorySupporter optional-capability pattern.
type fakeEventTransport struct {
	historyCapable bool
}

func (f *fakeEventTransport) Open(ctx context.Context) error  { return nil }
func (f *fakeEventTransport) Close(ctx context.Context) error { return nil }
func (f *fakeEventTransport) SendEvent(ctx context.Context, msg message.EventMessage, options CallOptions) error {
	return nil
}
func (f *fakeEventTransport) Consume(ctx context.Context, listenFor []ListenFor, listenerName, since string) (<-chan []message.EventMessage, error) {
	return nil, nil
}
func (f *fakeEventTransport) Acknowledge(ctx context.Context, msgs ...message.EventMessage) error {
	return nil
}
func (f *fakeEventTransport) History(ctx context.Context, listenFor []ListenFor, since string) ([]message.EventMessage, error) {
	return nil, nil
}
func (f *fakeEventTransport) SupportsHistory() bool { return f.historyCapable }

func TestEventTransport_CapabilityTest(t *testing.T) {
	var et EventTransport = &fakeEventTransport{historyCapable: true}

	supporter, ok := et.(HistorySupporter)
	if !ok {
		t.Fatal("expected fakeEventTransport to satisfy HistorySupporter")
	}
	if !supporter.SupportsHistory() {
		t.Error("expected SupportsHistory to be true")
	}
}
