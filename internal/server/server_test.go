package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/vidforge/vidforge/internal/config"
	"github.com/vidforge/vidforge/internal/operation"
	"github.com/vidforge/vidforge/internal/queue"
	"github.com/vidforge/vidforge/internal/transcoder"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const demoUser = "usr_demo"

// fakeQueue records enqueued jobs without Redis.
type fakeQueue struct {
	jobs []*queue.Job
}

func (f *fakeQueue) Enqueue(ctx context.Context, jobType string, payload []byte, priority int) (*queue.Job, error) {
	job := &queue.Job{
		ID:       fmt.Sprintf("job-%d", len(f.jobs)+1),
		Type:     jobType,
		Payload:  payload,
		Priority: priority,
	}
	f.jobs = append(f.jobs, job)
	return job, nil
}

// fakeTranscoder writes a small output file instead of invoking a binary.
// The output path is always the last argument.
type fakeTranscoder struct {
	fail bool
	runs int
}

func (f *fakeTranscoder) Run(ctx context.Context, req transcoder.Request) error {
	f.runs++
	if f.fail {
		return errors.New("simulated transcode failure")
	}
	return os.WriteFile(req.Args[len(req.Args)-1], []byte("derived bytes"), 0o644)
}

func (f *fakeTranscoder) Probe(ctx context.Context, srcPath string) (int, int, error) {
	return 1920, 1080, nil
}

// testConfig returns a minimal config for testing
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Port:          "0",
		Env:           "development",
		LogLevel:      "error",
		StoragePath:   t.TempDir(),
		TranscoderBin: "ffmpeg",
		MaxUploadFree: 50 << 20,
		MaxUploadPro:  500 << 20,
	}
}

// newTestServer creates an in-memory server with fake queue and transcoder.
// The demo user exists with 100 credits.
func newTestServer(t *testing.T) (*Server, *fakeQueue, *fakeTranscoder) {
	t.Helper()
	fq := &fakeQueue{}
	ft := &fakeTranscoder{}
	s, err := New(testConfig(t), WithEnqueuer(fq), WithTranscoder(ft))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s, fq, ft
}

func doJSON(s *Server, method, path, userID string, body any) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		b, _ := json.Marshal(body)
		req = httptest.NewRequest(method, path, bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response %q: %v", w.Body.String(), err)
	}
	return resp
}

func uploadAsset(t *testing.T, s *Server, path, userID, filename, content string) string {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(content))
	req.Header.Set("X-User-ID", userID)
	req.Header.Set("filename", filename)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("upload: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	for _, key := range []string{"videoId", "imageId"} {
		if id, ok := resp[key].(string); ok && id != "" {
			return id
		}
	}
	t.Fatalf("upload response missing asset id: %s", w.Body.String())
	return ""
}

func balanceOf(t *testing.T, s *Server, userID string) int64 {
	t.Helper()
	w := doJSON(s, "GET", "/api/billing/balance", userID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("balance: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	return int64(decode(t, w)["balance"].(float64))
}

// createUser provisions a fresh account through the admin endpoint (open in
// the development test config) and returns its id.
func createUser(t *testing.T, s *Server, email string, credits int64) string {
	t.Helper()
	w := doJSON(s, "POST", "/api/admin/users", "", map[string]any{
		"email":   email,
		"name":    "Test",
		"credits": credits,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create user: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	u := decode(t, w)["user"].(map[string]any)
	return u["id"].(string)
}

// ---------------------------------------------------------------------------
// Health & routes
// ---------------------------------------------------------------------------

func TestLivenessEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := doJSON(s, "GET", "/health/live", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessBeforeRun(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := doJSON(s, "GET", "/health/ready", "", nil)
	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

func TestCoreRoutesRegistered(t *testing.T) {
	s, _, _ := newTestServer(t)

	expected := []string{
		"GET:/health",
		"GET:/ws",
		"POST:/api/videos/upload",
		"POST:/api/videos/resize",
		"POST:/api/videos/convert",
		"POST:/api/videos/crop",
		"POST:/api/videos/extract-audio",
		"GET:/api/videos/asset",
		"DELETE:/api/videos/asset",
		"POST:/api/images/upload",
		"POST:/api/images/resize",
		"POST:/api/images/convert",
		"GET:/api/operations",
		"POST:/api/billing/buy-credits",
		"GET:/api/billing/transactions",
		"GET:/api/billing/balance",
		"GET:/api/admin/stats",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}
	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Identity
// ---------------------------------------------------------------------------

func TestIdentityRequired(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := doJSON(s, "GET", "/api/videos", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without X-User-ID, got %d", w.Code)
	}

	w = doJSON(s, "GET", "/api/videos", "usr_nobody", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for unknown user, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Uploads
// ---------------------------------------------------------------------------

func TestUploadAndListVideos(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/videos/upload", strings.NewReader("fake video bytes"))
	req.Header.Set("X-User-ID", demoUser)
	req.Header.Set("filename", "holiday.mp4")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	id, _ := resp["videoId"].(string)
	if !strings.HasPrefix(id, "vid_") {
		t.Errorf("Expected vid_ prefixed id, got %q", id)
	}
	if resp["name"] != "holiday.mp4" {
		t.Errorf("Expected original filename, got %v", resp["name"])
	}
	if resp["dimensions"] != "1920x1080" {
		t.Errorf("Expected probed dimensions, got %v", resp["dimensions"])
	}

	list := decode(t, doJSON(s, "GET", "/api/videos", demoUser, nil))
	videos := list["videos"].([]any)
	if len(videos) != 1 {
		t.Fatalf("Expected 1 video, got %d", len(videos))
	}
	v := videos[0].(map[string]any)
	if v["id"] != id || v["format"] != "mp4" {
		t.Errorf("Unexpected listing entry: %v", v)
	}
}

func TestUploadRejectsUnknownFormat(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/videos/upload", strings.NewReader("data"))
	req.Header.Set("X-User-ID", demoUser)
	req.Header.Set("filename", "notes.txt")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for .txt upload, got %d", w.Code)
	}
}

func TestUploadRequiresFilename(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/videos/upload", strings.NewReader("data"))
	req.Header.Set("X-User-ID", demoUser)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without filename header, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Submission
// ---------------------------------------------------------------------------

func TestSubmitResize(t *testing.T) {
	s, fq, _ := newTestServer(t)
	id := uploadAsset(t, s, "/api/videos/upload", demoUser, "clip.mp4", "vv")

	w := doJSON(s, "POST", "/api/videos/resize", demoUser, map[string]any{
		"videoId": id, "width": 640, "height": 480,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["status"] != "pending" {
		t.Errorf("Expected pending status, got %v", resp["status"])
	}

	if len(fq.jobs) != 1 || fq.jobs[0].Type != "resize" {
		t.Fatalf("Expected one resize job, got %+v", fq.jobs)
	}
	if fq.jobs[0].Priority != queue.PriorityNormal {
		t.Errorf("Expected normal priority for video job, got %d", fq.jobs[0].Priority)
	}

	// One credit reserved.
	if got := balanceOf(t, s, demoUser); got != 99 {
		t.Errorf("Expected balance 99 after reservation, got %d", got)
	}

	ops := decode(t, doJSON(s, "GET", "/api/operations?assetId="+id, demoUser, nil))["operations"].([]any)
	if len(ops) != 1 {
		t.Fatalf("Expected 1 operation, got %d", len(ops))
	}
	if op := ops[0].(map[string]any); op["status"] != "pending" || op["type"] != "resize" {
		t.Errorf("Unexpected operation: %v", op)
	}
}

func TestSubmitImageJobPriority(t *testing.T) {
	s, fq, _ := newTestServer(t)
	id := uploadAsset(t, s, "/api/images/upload", demoUser, "photo.png", "pp")

	w := doJSON(s, "POST", "/api/images/resize", demoUser, map[string]any{
		"imageId": id, "width": 100, "height": 100,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(fq.jobs) != 1 || fq.jobs[0].Type != "resize-image" {
		t.Fatalf("Expected one resize-image job, got %+v", fq.jobs)
	}
	if fq.jobs[0].Priority != queue.PriorityHigh {
		t.Errorf("Expected high priority for image job, got %d", fq.jobs[0].Priority)
	}
}

func TestSubmitInsufficientCredits(t *testing.T) {
	s, fq, _ := newTestServer(t)
	broke := createUser(t, s, "broke@example.com", 0)
	id := uploadAsset(t, s, "/api/videos/upload", broke, "clip.mp4", "vv")

	w := doJSON(s, "POST", "/api/videos/resize", broke, map[string]any{
		"videoId": id, "width": 640, "height": 480,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d: %s", w.Code, w.Body.String())
	}
	if resp := decode(t, w); resp["error"] != "insufficient_credits" {
		t.Errorf("Expected insufficient_credits, got %v", resp["error"])
	}

	// Rejected submissions leave nothing behind: no job, no operation row,
	// no ledger entry.
	if len(fq.jobs) != 0 {
		t.Errorf("Expected no jobs, got %d", len(fq.jobs))
	}
	ops := decode(t, doJSON(s, "GET", "/api/operations?assetId="+id, broke, nil))["operations"].([]any)
	if len(ops) != 0 {
		t.Errorf("Expected no operations, got %d", len(ops))
	}
	txs := decode(t, doJSON(s, "GET", "/api/billing/transactions", broke, nil))["transactions"]
	if txs != nil && len(txs.([]any)) != 0 {
		t.Errorf("Expected no ledger entries, got %v", txs)
	}
}

func TestSubmitRequestIDDedup(t *testing.T) {
	s, fq, _ := newTestServer(t)
	id := uploadAsset(t, s, "/api/videos/upload", demoUser, "clip.mp4", "vv")

	body := map[string]any{"videoId": id, "width": 640, "height": 480, "requestId": "req-1"}
	first := decode(t, doJSON(s, "POST", "/api/videos/resize", demoUser, body))
	second := decode(t, doJSON(s, "POST", "/api/videos/resize", demoUser, body))

	if first["operationId"] != second["operationId"] {
		t.Errorf("Expected deduplicated operation, got %v and %v", first["operationId"], second["operationId"])
	}
	if len(fq.jobs) != 1 {
		t.Errorf("Expected exactly one enqueued job, got %d", len(fq.jobs))
	}
	if got := balanceOf(t, s, demoUser); got != 99 {
		t.Errorf("Expected a single reservation (balance 99), got %d", got)
	}
}

func TestSubmitOwnership(t *testing.T) {
	s, _, _ := newTestServer(t)
	other := createUser(t, s, "other@example.com", 10)
	id := uploadAsset(t, s, "/api/videos/upload", demoUser, "clip.mp4", "vv")

	w := doJSON(s, "POST", "/api/videos/resize", other, map[string]any{
		"videoId": id, "width": 640, "height": 480,
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for foreign asset, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSubmitKindMismatch(t *testing.T) {
	s, _, _ := newTestServer(t)
	id := uploadAsset(t, s, "/api/images/upload", demoUser, "photo.jpg", "pp")

	// Video resize against an image asset.
	w := doJSON(s, "POST", "/api/videos/resize", demoUser, map[string]any{
		"videoId": id, "width": 640, "height": 480,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for kind mismatch, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSubmitInvalidParams(t *testing.T) {
	s, _, _ := newTestServer(t)
	id := uploadAsset(t, s, "/api/videos/upload", demoUser, "clip.mp4", "vv")

	cases := []map[string]any{
		{"videoId": id, "width": 0, "height": 480},          // zero width
		{"videoId": id, "width": -1, "height": 480},         // negative width
	}
	for _, body := range cases {
		w := doJSON(s, "POST", "/api/videos/resize", demoUser, body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400 for %v, got %d", body, w.Code)
		}
	}

	// Converting to the container the source already uses.
	w := doJSON(s, "POST", "/api/videos/convert", demoUser, map[string]any{
		"videoId": id, "format": "mp4",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for no-op convert, got %d", w.Code)
	}

	// Crop beyond the probed source dimensions (1920x1080).
	w = doJSON(s, "POST", "/api/videos/crop", demoUser, map[string]any{
		"videoId": id, "x": 1900, "y": 0, "cropWidth": 100, "cropHeight": 100,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for out-of-bounds crop, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Asset streaming
// ---------------------------------------------------------------------------

func TestStreamOriginal(t *testing.T) {
	s, _, _ := newTestServer(t)
	id := uploadAsset(t, s, "/api/videos/upload", demoUser, "clip.mp4", "fake video bytes")

	w := doJSON(s, "GET", "/api/videos/asset?videoId="+id, demoUser, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != "fake video bytes" {
		t.Errorf("Unexpected body %q", w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "video/mp4" {
		t.Errorf("Expected video/mp4, got %q", ct)
	}
	if w.Header().Get("ETag") == "" {
		t.Error("Expected ETag header")
	}
	if cc := w.Header().Get("Cache-Control"); strings.Contains(cc, "immutable") {
		t.Errorf("Originals must not be cached as immutable, got %q", cc)
	}
}

func TestStreamThumbnail(t *testing.T) {
	s, _, ft := newTestServer(t)
	id := uploadAsset(t, s, "/api/videos/upload", demoUser, "clip.mp4", "vv")

	// The fake transcoder wrote the poster frame during upload.
	if ft.runs == 0 {
		t.Fatal("Expected a thumbnail run at upload time")
	}
	w := doJSON(s, "GET", "/api/videos/asset?videoId="+id+"&type=thumbnail", demoUser, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Expected image/jpeg, got %q", ct)
	}
	if cc := w.Header().Get("Cache-Control"); !strings.Contains(cc, "immutable") {
		t.Errorf("Derived outputs should be immutable-cached, got %q", cc)
	}
}

func TestStreamDerivedResize(t *testing.T) {
	s, _, _ := newTestServer(t)
	id := uploadAsset(t, s, "/api/videos/upload", demoUser, "clip.mp4", "vv")

	// Drop the worker output in place directly.
	path := s.files.DerivedPath(id, operation.TypeResize, operation.Params{Width: 640, Height: 480}, "mp4")
	if err := os.WriteFile(path, []byte("resized"), 0o644); err != nil {
		t.Fatalf("Failed to write derived file: %v", err)
	}

	w := doJSON(s, "GET", "/api/videos/asset?videoId="+id+"&type=resize&dimensions=640x480", demoUser, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != "resized" {
		t.Errorf("Unexpected body %q", w.Body.String())
	}
	if cc := w.Header().Get("Cache-Control"); cc != "public, max-age=86400, immutable" {
		t.Errorf("Unexpected Cache-Control %q", cc)
	}

	// The variant that was never produced.
	w = doJSON(s, "GET", "/api/videos/asset?videoId="+id+"&type=resize&dimensions=9x9", demoUser, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for missing derivative, got %d", w.Code)
	}
}

func TestStreamForeignAsset(t *testing.T) {
	s, _, _ := newTestServer(t)
	other := createUser(t, s, "other@example.com", 0)
	id := uploadAsset(t, s, "/api/videos/upload", demoUser, "clip.mp4", "vv")

	w := doJSON(s, "GET", "/api/videos/asset?videoId="+id, other, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", w.Code)
	}
}

func TestDeleteAsset(t *testing.T) {
	s, _, _ := newTestServer(t)
	id := uploadAsset(t, s, "/api/videos/upload", demoUser, "clip.mp4", "vv")

	w := doJSON(s, "DELETE", "/api/videos/asset?videoId="+id, demoUser, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if w := doJSON(s, "GET", "/api/videos/asset?videoId="+id, demoUser, nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", w.Code)
	}
	if _, err := os.Stat(s.files.AssetDir(id)); !os.IsNotExist(err) {
		t.Errorf("Expected asset directory removed, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Audio extraction
// ---------------------------------------------------------------------------

func TestExtractAudio(t *testing.T) {
	s, _, _ := newTestServer(t)
	id := uploadAsset(t, s, "/api/videos/upload", demoUser, "clip.mp4", "vv")

	w := doJSON(s, "POST", "/api/videos/extract-audio", demoUser, map[string]any{
		"videoId": id, "requestId": "audio-1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp := decode(t, w); resp["status"] != "completed" {
		t.Errorf("Expected completed, got %v", resp["status"])
	}
	if got := balanceOf(t, s, demoUser); got != 99 {
		t.Errorf("Expected balance 99 after deduction, got %d", got)
	}
	if _, err := os.Stat(s.files.AudioPath(id)); err != nil {
		t.Errorf("Expected audio output on disk: %v", err)
	}

	// Replay with the same requestId bills nothing.
	w = doJSON(s, "POST", "/api/videos/extract-audio", demoUser, map[string]any{
		"videoId": id, "requestId": "audio-1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on replay, got %d", w.Code)
	}
	if got := balanceOf(t, s, demoUser); got != 99 {
		t.Errorf("Expected replay not to bill again, got balance %d", got)
	}
}

func TestExtractAudioRefundsOnFailure(t *testing.T) {
	s, _, ft := newTestServer(t)
	id := uploadAsset(t, s, "/api/videos/upload", demoUser, "clip.mp4", "vv")

	ft.fail = true
	w := doJSON(s, "POST", "/api/videos/extract-audio", demoUser, map[string]any{"videoId": id})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d: %s", w.Code, w.Body.String())
	}
	if got := balanceOf(t, s, demoUser); got != 100 {
		t.Errorf("Expected full refund (balance 100), got %d", got)
	}
}

func TestExtractAudioOnImage(t *testing.T) {
	s, _, _ := newTestServer(t)
	id := uploadAsset(t, s, "/api/images/upload", demoUser, "photo.jpg", "pp")

	w := doJSON(s, "POST", "/api/videos/extract-audio", demoUser, map[string]any{"videoId": id})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Billing
// ---------------------------------------------------------------------------

func TestBuyCredits(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := doJSON(s, "POST", "/api/billing/buy-credits", demoUser, map[string]any{
		"amount": 50, "requestId": "buy-1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp := decode(t, w); resp["balance"].(float64) != 150 {
		t.Errorf("Expected balance 150, got %v", resp["balance"])
	}

	// Identical replay is a silent success.
	w = doJSON(s, "POST", "/api/billing/buy-credits", demoUser, map[string]any{
		"amount": 50, "requestId": "buy-1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on replay, got %d: %s", w.Code, w.Body.String())
	}
	if resp := decode(t, w); resp["balance"].(float64) != 150 {
		t.Errorf("Expected balance unchanged at 150, got %v", resp["balance"])
	}

	// Same requestId with different parameters is a conflict.
	w = doJSON(s, "POST", "/api/billing/buy-credits", demoUser, map[string]any{
		"amount": 75, "requestId": "buy-1",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestBuyCreditsRequiresRequestID(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := doJSON(s, "POST", "/api/billing/buy-credits", demoUser, map[string]any{"amount": 50})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without requestId, got %d", w.Code)
	}
}

func TestBuyCreditsRejectsNonPositiveAmount(t *testing.T) {
	s, _, _ := newTestServer(t)

	for _, amount := range []int{0, -5} {
		w := doJSON(s, "POST", "/api/billing/buy-credits", demoUser, map[string]any{
			"amount": amount, "requestId": fmt.Sprintf("bad-%d", amount),
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400 for amount %d, got %d", amount, w.Code)
		}
	}
}

func TestTransactionHistoryPagination(t *testing.T) {
	s, _, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		w := doJSON(s, "POST", "/api/billing/buy-credits", demoUser, map[string]any{
			"amount": 10, "requestId": fmt.Sprintf("buy-%d", i),
		})
		if w.Code != http.StatusOK {
			t.Fatalf("buy %d: got %d", i, w.Code)
		}
	}

	// Seed entry plus three purchases.
	page := decode(t, doJSON(s, "GET", "/api/billing/transactions?limit=2", demoUser, nil))
	if got := len(page["transactions"].([]any)); got != 2 {
		t.Errorf("Expected 2 entries on first page, got %d", got)
	}
	rest := decode(t, doJSON(s, "GET", "/api/billing/transactions?limit=10&offset=2", demoUser, nil))
	if got := len(rest["transactions"].([]any)); got != 2 {
		t.Errorf("Expected 2 entries after offset, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// Admin
// ---------------------------------------------------------------------------

func TestAdminOpenInDevelopment(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := doJSON(s, "GET", "/api/admin/stats", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	stats := decode(t, w)
	if stats["users"].(float64) < 1 {
		t.Errorf("Expected at least the demo user, got %v", stats["users"])
	}
}

func TestAdminSecretEnforced(t *testing.T) {
	cfg := testConfig(t)
	cfg.AdminSecret = "sekrit"
	s, err := New(cfg, WithEnqueuer(&fakeQueue{}), WithTranscoder(&fakeTranscoder{}))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	w := doJSON(s, "GET", "/api/admin/stats", "", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without secret, got %d", w.Code)
	}

	req := httptest.NewRequest("GET", "/api/admin/stats", nil)
	req.Header.Set("X-Admin-Secret", "wrong")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403 with wrong secret, got %d", rec.Code)
	}

	req = httptest.NewRequest("GET", "/api/admin/stats", nil)
	req.Header.Set("X-Admin-Secret", "sekrit")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 with correct secret, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAdminCreateUserDuplicateEmail(t *testing.T) {
	s, _, _ := newTestServer(t)
	createUser(t, s, "dup@example.com", 0)

	w := doJSON(s, "POST", "/api/admin/users", "", map[string]any{"email": "dup@example.com"})
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for duplicate email, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAdminCreatedUserCanSpend(t *testing.T) {
	s, fq, _ := newTestServer(t)
	id := createUser(t, s, "spender@example.com", 5)

	if got := balanceOf(t, s, id); got != 5 {
		t.Fatalf("Expected starting balance 5, got %d", got)
	}
	vid := uploadAsset(t, s, "/api/videos/upload", id, "clip.mp4", "vv")
	w := doJSON(s, "POST", "/api/videos/resize", id, map[string]any{
		"videoId": vid, "width": 640, "height": 480,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(fq.jobs) != 1 {
		t.Errorf("Expected one job, got %d", len(fq.jobs))
	}
	if got := balanceOf(t, s, id); got != 4 {
		t.Errorf("Expected balance 4 after reservation, got %d", got)
	}
}
