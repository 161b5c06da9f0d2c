package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/applyops/applyd/pkg/models"
)

// fakeExecutorServer streams scripted ndjson lines and records prompt
// replies.
type fakeExecutorServer struct {
	lines []string

	mu      sync.Mutex
	tasks   []Task
	replies []PromptReply
}

func (f *fakeExecutorServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/apply", func(w http.ResponseWriter, r *http.Request) {
		var task Task
		if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.tasks = append(f.tasks, task)
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/x-ndjson")
		fl := w.(http.Flusher)
		for _, line := range f.lines {
			fmt.Fprintln(w, line)
			fl.Flush()
		}
	})
	mux.HandleFunc("POST /v1/apply/{id}/prompt", func(w http.ResponseWriter, r *http.Request) {
		var reply PromptReply
		if err := json.NewDecoder(r.Body).Decode(&reply); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.replies = append(f.replies, reply)
		f.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func TestClientRunCollectsEventsAndOutcome(t *testing.T) {
	fake := &fakeExecutorServer{lines: []string{
		`{"type":"question","question":{"field":{"type":"text","label":"Years of experience"},"value":"6","source":"profile"}}`,
		`{"type":"usage","usage":{"provider":"openai","model":"gpt-4o-mini","tokens_in":900,"tokens_out":120,"cost":0.004}}`,
		`{"type":"outcome","outcome":{"status":"submitted","tokens_in":900,"tokens_out":120,"cost":0.004}}`,
	}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	client := NewClient(srv.URL)
	var seen []StreamEventType
	outcome, err := client.Run(context.Background(), Task{
		ApplicationID: uuid.New(),
		JobURL:        "https://careers.example.com/1",
		Effort:        models.EffortMedium,
	}, func(_ context.Context, ev StreamEvent) (PromptReply, error) {
		seen = append(seen, ev.Type)
		return PromptReply{}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, OutcomeSubmitted, outcome.Status)
	assert.Equal(t, int64(900), outcome.TokensIn)
	assert.Equal(t, []StreamEventType{StreamQuestion, StreamUsage}, seen)
}

func TestClientRunSendsPromptReplies(t *testing.T) {
	fake := &fakeExecutorServer{lines: []string{
		`{"type":"two_factor_requested","detail":"SMS code required"}`,
		`{"type":"outcome","outcome":{"status":"submitted"}}`,
	}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	client := NewClient(srv.URL)
	_, err := client.Run(context.Background(), Task{ApplicationID: uuid.New()},
		func(_ context.Context, ev StreamEvent) (PromptReply, error) {
			require.Equal(t, StreamTwoFactor, ev.Type)
			return PromptReply{Proceed: true, Value: "934712"}, nil
		})

	require.NoError(t, err)
	require.Len(t, fake.replies, 1)
	assert.Equal(t, PromptReply{Proceed: true, Value: "934712"}, fake.replies[0])
}

func TestClientRunStreamEndsWithoutOutcome(t *testing.T) {
	fake := &fakeExecutorServer{lines: []string{
		`{"type":"question","question":{"field":{"type":"text","label":"x"},"value":"y","source":"default"}}`,
	}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	client := NewClient(srv.URL)
	_, err := client.Run(context.Background(), Task{ApplicationID: uuid.New()},
		func(context.Context, StreamEvent) (PromptReply, error) { return PromptReply{}, nil })
	assert.ErrorContains(t, err, "without outcome")
}

func TestClientRunServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "executor busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	_, err := client.Run(context.Background(), Task{ApplicationID: uuid.New()},
		func(context.Context, StreamEvent) (PromptReply, error) { return PromptReply{}, nil })
	assert.ErrorContains(t, err, "503")
}

func TestClientHealthy(t *testing.T) {
	fake := &fakeExecutorServer{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	assert.NoError(t, NewClient(srv.URL).Healthy(context.Background()))
	srv.Close()
	assert.Error(t, NewClient(srv.URL).Healthy(context.Background()))
}

func TestStubAbandonOnDeclinedPrompt(t *testing.T) {
	stub := NewStub()
	stub.Script = func(task Task) StubRun {
		return StubRun{
			Events:  []StreamEvent{{Type: StreamCaptcha, Detail: "checkbox captcha"}},
			Outcome: Outcome{Status: OutcomeSubmitted},
		}
	}

	outcome, err := stub.Run(context.Background(), Task{ApplicationID: uuid.New()},
		func(context.Context, StreamEvent) (PromptReply, error) {
			return PromptReply{Proceed: false}, nil
		})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAbandoned, outcome.Status)
}
