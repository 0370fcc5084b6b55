package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type staticCreds struct {
	token     string
	refreshed string
	refreshes int32
	fail      error
}

func (c *staticCreds) Token(context.Context) (string, error) { return c.token, nil }

func (c *staticCreds) Refresh(context.Context) (string, error) {
	atomic.AddInt32(&c.refreshes, 1)
	if c.fail != nil {
		return "", c.fail
	}
	c.token = c.refreshed
	return c.refreshed, nil
}

func TestClientSendsBearerAndParams(t *testing.T) {
	var gotAuth, gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"date":"2024-07-15"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, &staticCreds{token: "abc"})
	body, err := c.Do(context.Background(), Request{Endpoint: "days", Params: map[string]string{"start": "2024-07-15", "end": "2024-07-21"}})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if string(body) != `{"date":"2024-07-15"}` {
		t.Errorf("body = %s", body)
	}
	if gotAuth != "Bearer abc" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/v1/days" {
		t.Errorf("path = %q, want /v1/days", gotPath)
	}
	if gotQuery != "end=2024-07-21&start=2024-07-15" {
		t.Errorf("query = %q", gotQuery)
	}
}

func TestClientRefreshesOnceOn401(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"message":"token expired"}`))
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	creds := &staticCreds{token: "old", refreshed: "fresh"}
	c := NewClient(srv.URL, creds)
	if _, err := c.Do(context.Background(), Request{Endpoint: "days/today"}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 2 || creds.refreshes != 1 {
		t.Errorf("calls = %d, refreshes = %d, want 2 and 1", calls, creds.refreshes)
	}
}

func TestClientDoesNotRetryTwice(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	creds := &staticCreds{token: "old", refreshed: "still-bad"}
	c := NewClient(srv.URL, creds)
	_, err := c.Do(context.Background(), Request{Endpoint: "days/today"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if calls != 2 || creds.refreshes != 1 {
		t.Errorf("calls = %d, refreshes = %d, want 2 and 1", calls, creds.refreshes)
	}

	creds = &staticCreds{token: "old", fail: errors.New("refresh token revoked")}
	c = NewClient(srv.URL, creds)
	_, err = c.Do(context.Background(), Request{Endpoint: "days/today"})
	if !errors.Is(err, ErrUnauthorized) || !strings.Contains(err.Error(), "revoked") {
		t.Errorf("err = %v, want wrapped refresh failure", err)
	}
}

func TestClientErrorClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/body-metrics/2024-07-15":
			w.WriteHeader(http.StatusNotFound)
		case "/v1/meals":
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`{"message":"Meal type is required"}`))
		case "/v1/workouts":
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":"Workout already exists"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("upstream down"))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	ctx := context.Background()

	_, err := c.Do(ctx, Request{Endpoint: "body-metrics/2024-07-15"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("404 err = %v, want ErrNotFound", err)
	}

	tests := []struct {
		endpoint string
		kind     ErrorKind
		message  string
	}{
		{"meals", KindValidation, "Meal type is required"},
		{"workouts", KindConflict, "Workout already exists"},
		{"analytics/dashboard", KindServer, "upstream down"},
	}
	for _, tt := range tests {
		_, err := c.Do(ctx, Request{Method: http.MethodPost, Endpoint: tt.endpoint, Body: map[string]string{}})
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("%s: err = %v, want *APIError", tt.endpoint, err)
		}
		if apiErr.Kind() != tt.kind || apiErr.Message != tt.message {
			t.Errorf("%s: kind=%s message=%q, want %s %q", tt.endpoint, apiErr.Kind(), apiErr.Message, tt.kind, tt.message)
		}
		if UserMessage(err) != tt.message {
			t.Errorf("UserMessage = %q", UserMessage(err))
		}
	}
}

func TestClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, WithTimeout(20*time.Millisecond))
	_, err := c.Do(context.Background(), Request{Endpoint: "days/today"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("timeout should wrap context.DeadlineExceeded: %v", err)
	}
}

func TestClientCircuitBreakerOpens(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := DefaultBreakerConfig()
	cfg.MinRequests = 3
	cfg.Timeout = time.Minute
	c := NewClient(srv.URL, nil, WithBreaker(cfg))

	for i := 0; i < 3; i++ {
		c.Do(context.Background(), Request{Endpoint: "days/today"})
	}
	_, err := c.Do(context.Background(), Request{Endpoint: "days/today"})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if calls != 3 {
		t.Errorf("server saw %d calls, want 3", calls)
	}
}

func TestClientClientErrorsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := DefaultBreakerConfig()
	cfg.MinRequests = 2
	c := NewClient(srv.URL, nil, WithBreaker(cfg))
	for i := 0; i < 5; i++ {
		_, err := c.Do(context.Background(), Request{Endpoint: "body-metrics/latest"})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("call %d: err = %v, want ErrNotFound", i, err)
		}
	}
}

func TestClientUploadsMultipart(t *testing.T) {
	var gotPose, gotName, gotData string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPose = r.FormValue("pose")
		file, header, err := r.FormFile("photo")
		if err == nil {
			defer file.Close()
			data, _ := io.ReadAll(file)
			gotName, gotData = header.Filename, string(data)
		}
		w.Write([]byte(`{"id":"p1","date":"2024-07-15","url":"https://cdn/p1.jpg","pose":"front"}`))
	}))
	defer srv.Close()

	api := NewFitsyncAPI(NewClient(srv.URL, nil))
	d, _ := time.Parse("2006-01-02", "2024-07-15")
	photo, err := api.UploadPhoto(context.Background(), d, PhotoUpload{FileName: "front.jpg", Pose: "front", Data: []byte("jpegbytes")})
	if err != nil {
		t.Fatalf("UploadPhoto: %v", err)
	}
	if photo.ID != "p1" || gotPose != "front" || gotName != "front.jpg" || gotData != "jpegbytes" {
		t.Errorf("photo=%+v pose=%q name=%q data=%q", photo, gotPose, gotName, gotData)
	}
}
