package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestExecuteSuccessUnwrapsResult(t *testing.T) {
	t.Parallel()
	var gotAuth, gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		_, _ = w.Write([]byte(`{"success":true,"result":{"rows":3}}`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL + "/", Secret: "s3cret"})
	if err != nil {
		t.Fatal(err)
	}
	out, err := c.Execute(context.Background(), json.RawMessage(`{"nodes":[1]}`), time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(out) != `{"rows":3}` {
		t.Fatalf("result = %s", out)
	}
	if gotAuth != "Bearer s3cret" || gotPath != "/workflow/execute" || gotBody != `{"nodes":[1]}` {
		t.Fatalf("request auth=%q path=%q body=%q", gotAuth, gotPath, gotBody)
	}
}

func TestExecuteReturnsRawBodyWithoutEnvelope(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"done"}`))
	}))
	defer srv.Close()

	c, _ := New(Config{BaseURL: srv.URL})
	out, err := c.Execute(context.Background(), nil, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(out) != `{"status":"done"}` {
		t.Fatalf("result = %s", out)
	}
}

func TestExecuteErrorClasses(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{name: "message", status: 500, body: `{"message":"boom"}`, wantMsg: "boom"},
		{name: "detail", status: 422, body: `{"detail":"bad payload"}`, wantMsg: "bad payload"},
		{name: "unknown", status: 502, body: `<html>`, wantMsg: "Unknown error"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, _ := New(Config{BaseURL: srv.URL})
			_, err := c.Execute(context.Background(), nil, time.Second)
			var ge *GatewayError
			if !errors.As(err, &ge) {
				t.Fatalf("err = %v, want *GatewayError", err)
			}
			if ge.StatusCode != tt.status || ge.Message != tt.wantMsg {
				t.Fatalf("GatewayError = %+v", ge)
			}
		})
	}
}

func TestExecuteUnavailable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, _ := New(Config{BaseURL: url})
	if _, err := c.Execute(context.Background(), nil, time.Second); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestExecuteTimeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, _ := New(Config{BaseURL: srv.URL, Timeout: time.Minute})
	if _, err := c.Execute(context.Background(), nil, 50*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty base url")
	}
}
