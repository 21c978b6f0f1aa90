package schemakv

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeSchemaClient struct {
	store     map[string]string
	ttl       map[string]time.Duration
	ghostKeys []string // returned by Keys() but absent from store, simulating a TTL expiry race
}

func newFakeSchemaClient() *fakeSchemaClient {
	return &fakeSchemaClient{store: map[string]string{}, ttl: map[string]time.Duration{}}
}

func (f *fakeSchemaClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	switch v := value.(type) {
	case []byte:
		f.store[key] = string(v)
	case string:
		f.store[key] = v
	}
	f.ttl[key] = ttl
	return nil
}

func (f *fakeSchemaClient) Get(ctx context.Context, key string) (string, error) {
	v, ok := f.store[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (f *fakeSchemaClient) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	for k := range f.store {
		keys = append(keys, k)
	}
	keys = append(keys, f.ghostKeys...)
	return keys, nil
}

func TestStoreAndLoad(t *testing.T) {
	client := newFakeSchemaClient()
	tr := NewSchemaTransport(client)

	schema := map[string]interface{}{"rpcs": map[string]interface{}{}, "events": map[string]interface{}{}}
	if err := tr.Store(context.Background(), "auth", schema, 60); err != nil {
		t.Fatalf("Store: %v", err)
	}

	loaded, err := tr.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := loaded["auth"]; !ok {
		t.Fatalf("expected loaded schemas to contain auth, got %+v", loaded)
	}
	if client.ttl["schema:auth"] != 60*time.Second {
		t.Errorf("unexpected ttl: %v", client.ttl["schema:auth"])
	}
}

func TestPing_RefreshesTTL(t *testing.T) {
	client := newFakeSchemaClient()
	tr := NewSchemaTransport(client)
	schema := map[string]interface{}{"rpcs": map[string]interface{}{}, "events": map[string]interface{}{}}

	if err := tr.Store(context.Background(), "auth", schema, 10); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := tr.Ping(context.Background(), "auth", schema, 60); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if client.ttl["schema:auth"] != 60*time.Second {
		t.Errorf("expected ping to refresh ttl to 60s, got %v", client.ttl["schema:auth"])
	}
}

func TestLoad_SkipsExpiredKeysRacingGetAfterKeys(t *testing.T) {
	client := newFakeSchemaClient()
	// present in KEYS listing, but gone by the time Get runs
	client.ghostKeys = []string{"schema:ghost"}

	tr := NewSchemaTransport(client)
	// Simulate the race by listing a key Keys() would have returned but
	// that Get() no longer finds.
	keys, _ := client.Keys(context.Background(), "schema:*")
	if len(keys) != 1 {
		t.Fatalf("expected only the ghost key listed, got %v", keys)
	}

	loaded, err := tr.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("expected empty result, got %+v", loaded)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	schema := map[string]interface{}{"rpcs": map[string]interface{}{"foo": map[string]interface{}{}}}
	data, err := json.Marshal(schema)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
}
