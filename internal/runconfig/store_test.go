package runconfig

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func TestStoreDefaults(t *testing.T) {
	s := NewStore(Configuration{})
	assert.False(t, s.Get().DebugMode)
	assert.Equal(t, `{"debugMode":false}`, s.Get().JSON())
}

func TestStoreSetMergesShallow(t *testing.T) {
	s := NewStore(Configuration{DebugMode: true})

	got := s.Set(Partial{})
	assert.True(t, got.DebugMode, "unspecified fields keep their value")

	got = s.Set(Partial{DebugMode: boolPtr(false)})
	assert.False(t, got.DebugMode)
	assert.Equal(t, got, s.Get())
}

func TestParsePartial(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    *bool
		wantErr string
	}{
		{name: "true", input: `{"debugMode":true}`, want: boolPtr(true)},
		{name: "false", input: `{"debugMode": false}`, want: boolPtr(false)},
		{name: "empty object", input: `{}`},
		{name: "unknown keys ignored", input: `{"theme":"dark"}`},
		{name: "string value", input: `{"debugMode":"true"}`, wantErr: "debugMode must be a boolean"},
		{name: "number value", input: `{"debugMode":1}`, wantErr: "debugMode must be a boolean"},
		{name: "null value", input: `{"debugMode":null}`, wantErr: "debugMode must be a boolean"},
		{name: "array payload", input: `[true]`, wantErr: "payload must be a JSON object"},
		{name: "null payload", input: `null`, wantErr: "payload must be a JSON object"},
		{name: "not json", input: `debug`, wantErr: "payload must be a JSON object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParsePartial(tt.input)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				var verr *ValidationError
				assert.ErrorAs(t, err, &verr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.DebugMode)
		})
	}
}

func TestApplyRejectedLeavesStoreUnchanged(t *testing.T) {
	s := NewStore(Configuration{DebugMode: true})

	_, err := s.Apply(`{"debugMode":"yes"}`)
	require.Error(t, err)
	assert.True(t, s.Get().DebugMode)
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	s := NewStore(Configuration{})

	var got []Configuration
	cancel := s.Subscribe(func(c Configuration) { got = append(got, c) })

	_, err := s.Apply(`{"debugMode":true}`)
	require.NoError(t, err)
	cancel()
	s.Set(Partial{DebugMode: boolPtr(false)})

	require.Len(t, got, 1)
	assert.True(t, got[0].DebugMode)
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := NewStore(Configuration{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(v bool) {
			defer wg.Done()
			s.Set(Partial{DebugMode: boolPtr(v)})
		}(i%2 == 0)
		go func() {
			defer wg.Done()
			_ = s.Get()
		}()
	}
	wg.Wait()
}

func TestSubscribersSeeWritesInOrder(t *testing.T) {
	s := NewStore(Configuration{})

	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var seen []bool
	first := true
	s.Subscribe(func(cfg Configuration) {
		mu.Lock()
		block := first
		first = false
		mu.Unlock()
		if block {
			close(entered)
			<-release
		}
		mu.Lock()
		seen = append(seen, cfg.DebugMode)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Set(Partial{DebugMode: boolPtr(true)})
	}()
	<-entered

	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		s.Set(Partial{DebugMode: boolPtr(false)})
	}()

	// Reads are not held up by a slow subscriber, and the second write
	// waits for the first notification to finish.
	assert.True(t, s.Get().DebugMode)
	assert.Never(t, func() bool {
		select {
		case <-secondDone:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond)

	close(release)
	wg.Wait()
	<-secondDone

	assert.False(t, s.Get().DebugMode)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, seen)
}
