package api_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/psantana5/detectrelay/pkg/api"
	"github.com/psantana5/detectrelay/pkg/jobs"
	"github.com/psantana5/detectrelay/pkg/metrics"
	"github.com/psantana5/detectrelay/pkg/models"
	"github.com/psantana5/detectrelay/pkg/ratelimit"
	"github.com/psantana5/detectrelay/pkg/session"
	"github.com/psantana5/detectrelay/pkg/transport"
	"github.com/psantana5/detectrelay/pkg/workspace"
)

// fakeWorker writes <output>/<name>.mp4 and .json and reports progress.
const fakeWorker = `
while [ $# -gt 0 ]; do
  case "$1" in
    --output) out="$2"; shift ;;
    --name) name="$2"; shift ;;
  esac
  shift
done
echo "Progress: 50%"
printf 'video' > "$out/$name.mp4"
printf '{"frames":1}' > "$out/$name.json"
echo "Progress: 100%"
`

type testServer struct {
	*httptest.Server
	roots    *workspace.Roots
	sessions *session.Manager
}

func newTestServer(t *testing.T, limiter *ratelimit.Limiter) *testServer {
	t.Helper()
	base := t.TempDir()
	roots, err := workspace.NewRoots(filepath.Join(base, "tmp"), filepath.Join(base, "videos"))
	if err != nil {
		t.Fatal(err)
	}
	if err := roots.Init(); err != nil {
		t.Fatal(err)
	}

	script := filepath.Join(base, "main.sh")
	if err := os.WriteFile(script, []byte(fakeWorker), 0755); err != nil {
		t.Fatal(err)
	}
	launcher := &jobs.Launcher{Command: "/bin/sh", Program: script, WorkDir: base, Grace: 200 * time.Millisecond}

	sessions := session.NewManager(session.Deps{Roots: roots, Starter: launcher}, 0)
	h := api.NewHandler(api.Config{ClientOrigins: []string{"http://localhost:3000"}}, api.Deps{
		Roots:    roots,
		Sessions: sessions,
		Limiter:  limiter,
		Metrics:  metrics.NewCollector(),
	})
	srv := httptest.NewServer(h.Router())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sessions.Shutdown(ctx)
		srv.Close()
	})
	return &testServer{Server: srv, roots: roots, sessions: sessions}
}

func (s *testServer) writeOutput(t *testing.T, id, ext, body string) {
	t.Helper()
	path, err := s.roots.OutputFile(id, ext)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
}

func get(t *testing.T, url string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func body(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestRoot(t *testing.T) {
	srv := newTestServer(t, nil)
	resp := get(t, srv.URL+"/", nil)
	if resp.StatusCode != http.StatusOK || body(t, resp) != "Server is running." {
		t.Errorf("unexpected root response %d", resp.StatusCode)
	}

	resp = get(t, srv.URL+"/health", nil)
	var health map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health["status"] != "healthy" {
		t.Errorf("health = %v", health)
	}
}

func TestOutputs(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.writeOutput(t, "abc", "mp4", "0123456789")
	srv.writeOutput(t, "abc", "json", `{"frames":3}`)

	tests := []struct {
		name        string
		path        string
		header      map[string]string
		wantCode    int
		wantType    string
		wantBody    string
		wantDispose string
	}{
		{name: "video", path: "/video/abc", wantCode: 200, wantType: "video/mp4", wantBody: "0123456789"},
		{name: "video range", path: "/video/abc", header: map[string]string{"Range": "bytes=2-4"}, wantCode: 206, wantType: "video/mp4", wantBody: "234"},
		{name: "download", path: "/download/abc", wantCode: 200, wantType: "video/mp4", wantBody: "0123456789", wantDispose: `attachment; filename=abc.mp4`},
		{name: "data", path: "/data/abc", wantCode: 200, wantType: "application/json", wantBody: `{"frames":3}`},
		{name: "missing video", path: "/video/nope", wantCode: 404},
		{name: "missing data", path: "/data/nope", wantCode: 404},
		{name: "encoded slash", path: "/download/..%2Fabc", wantCode: 404},
		{name: "encoded slash in id", path: "/video/a%2Fb", wantCode: 404},
		{name: "empty id", path: "/data/", wantCode: 404},
		{name: "nested id", path: "/video/x/y", wantCode: 404},
		{name: "unknown route", path: "/nope", wantCode: 404},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := get(t, srv.URL+tt.path, tt.header)
			if resp.StatusCode != tt.wantCode {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			if tt.wantCode >= 400 {
				return
			}
			if got := resp.Header.Get("Content-Type"); got != tt.wantType {
				t.Errorf("Content-Type = %q, want %q", got, tt.wantType)
			}
			if got := resp.Header.Get("Content-Disposition"); got != tt.wantDispose {
				t.Errorf("Content-Disposition = %q, want %q", got, tt.wantDispose)
			}
			if got := body(t, resp); got != tt.wantBody {
				t.Errorf("body = %q, want %q", got, tt.wantBody)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.writeOutput(t, "abc", "json", "{}")

	resp := get(t, srv.URL+"/data/abc", map[string]string{"Origin": "http://localhost:3000"})
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("allowed origin header = %q", got)
	}

	resp = get(t, srv.URL+"/data/abc", map[string]string{"Origin": "http://evil.example"})
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("foreign origin got %q", got)
	}

	req, _ := http.NewRequest("OPTIONS", srv.URL+"/video/abc", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	pre, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	pre.Body.Close()
	if pre.StatusCode != http.StatusNoContent || pre.Header.Get("Access-Control-Allow-Origin") == "" {
		t.Errorf("preflight status %d headers %v", pre.StatusCode, pre.Header)
	}
}

func TestWebsocketRateLimit(t *testing.T) {
	srv := newTestServer(t, ratelimit.NewLimiter(0.001, 1))
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	ws.Close()

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("second connection should be rate limited")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %v", resp)
	}
}

func TestWebsocketRejectsForeignOrigin(t *testing.T) {
	srv := newTestServer(t, nil)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://evil.example"}})
	if err == nil {
		t.Fatal("foreign origin accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %v", resp)
	}
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

func (c *client) send(event string, data interface{}) {
	c.t.Helper()
	frame, err := transport.EncodeEvent(event, data)
	if err != nil {
		c.t.Fatal(err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.t.Fatal(err)
	}
}

// await reads events until name arrives and returns its data.
func (c *client) await(name string) json.RawMessage {
	c.t.Helper()
	for {
		c.ws.SetReadDeadline(time.Now().Add(10 * time.Second))
		var env transport.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			c.t.Fatalf("waiting for %s: %v", name, err)
		}
		switch env.Event {
		case name:
			return env.Data
		case models.EventUploadError, models.EventProcessError, models.EventConnectError:
			c.t.Fatalf("unexpected %s: %s", env.Event, env.Data)
		}
	}
}

func TestSessionEndToEnd(t *testing.T) {
	srv := newTestServer(t, nil)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	c := &client{t: t, ws: ws}

	var connected struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(c.await(models.EventConnected), &connected); err != nil || connected.ID == "" {
		t.Fatalf("connected payload: %v", err)
	}

	c.send(models.EventUploadManifest, models.Manifest{})
	var next models.UploadNext
	json.Unmarshal(c.await(models.EventUploadNext), &next)
	if next.Topic != models.CategoryVideo {
		t.Fatalf("upload_next topic = %s", next.Topic)
	}

	c.send(models.EventFileStart, models.FileStart{Topic: models.CategoryVideo, FileID: 1, Name: "clip.mp4", Size: 5})
	if err := ws.WriteMessage(websocket.BinaryMessage, transport.EncodeChunk(1, []byte("hello"))); err != nil {
		t.Fatal(err)
	}
	c.await(models.EventUploadComplete)

	c.send(models.EventStartDetection, models.StartDetection{ProcessingConfig: models.ProcessingConfig{Model: models.ModelMedium}})
	c.await(models.EventProgress)

	var result models.ResultLocation
	if err := json.Unmarshal(c.await(models.EventProcessed), &result); err != nil {
		t.Fatal(err)
	}
	if result.VideoURL != "/video/"+connected.ID {
		t.Errorf("video url = %q", result.VideoURL)
	}

	resp := get(t, srv.URL+result.VideoURL, nil)
	if resp.StatusCode != http.StatusOK || body(t, resp) != "video" {
		t.Errorf("result video status %d", resp.StatusCode)
	}
	resp = get(t, srv.URL+result.DataURL, nil)
	if resp.StatusCode != http.StatusOK || body(t, resp) != `{"frames":1}` {
		t.Errorf("result data status %d", resp.StatusCode)
	}
}
