package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"face-attendance-go/config"
	"face-attendance-go/internal/core/models"
	"face-attendance-go/internal/db"
	"face-attendance-go/internal/db/repository"
	"face-attendance-go/internal/enrollment"
	"face-attendance-go/internal/identity"
	"face-attendance-go/internal/services/monitor"
	syncsvc "face-attendance-go/internal/services/sync"
	"face-attendance-go/internal/vision"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
)

// centreFace reports a face with levelled eyes in the middle of any image.
type centreFace struct{}

func (centreFace) Name() string { return "fake" }
func (centreFace) Close() error { return nil }
func (centreFace) Detect(ctx context.Context, img image.Image, emit func(models.FaceRegion)) error {
	b := img.Bounds()
	cx, cy := float64(b.Dx())/2, float64(b.Dy())/2
	emit(models.FaceRegion{
		Box:        models.BoundingBox{X: int(cx) - 40, Y: int(cy) - 40, W: 80, H: 80},
		Confidence: 0.9,
		Landmarks: []models.Landmark{
			{Name: models.LandmarkRightEye, Point: models.Point{X: cx - 20, Y: cy - 10}},
			{Name: models.LandmarkLeftEye, Point: models.Point{X: cx + 20, Y: cy - 10}},
		},
	})
	return nil
}

type testAPI struct {
	router  *gin.Engine
	store   *identity.Store
	repo    *repository.SQLiteRepository
	actions []string
}

func newTestAPI(t *testing.T, withSync bool) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gdb, err := db.Open(config.DBConfig{Driver: "sqlite", File: "file::memory:"})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	sqlDB, _ := gdb.DB()
	t.Cleanup(func() { sqlDB.Close() })
	repo := repository.NewSQLiteRepository(gdb)

	embedder, err := vision.NewLBPEmbedder(48, 3)
	if err != nil {
		t.Fatalf("NewLBPEmbedder failed: %v", err)
	}
	store := identity.NewStore(identity.Options{Metric: identity.MetricCosine, Threshold: 0.3, Dimension: embedder.Dimension()}, repo)
	detector := vision.NewDetector(centreFace{}, config.DetectorConfig{Budget: time.Second, IoUThreshold: 0.3, MinConfidence: 0.5})
	enroller := enrollment.New(detector, vision.NewAligner(config.AlignerConfig{Size: 48, MinLandmarks: 2}), embedder, store)

	api := &testAPI{store: store, repo: repo}
	deps := Deps{
		Store:    store,
		Enroller: enroller,
		Repo:     repo,
		Monitor:  monitor.New("test", monitor.NewMetrics()),
		OnChange: func(action, id string) { api.actions = append(api.actions, action) },
	}
	if withSync {
		deps.Sync = syncsvc.NewService(gdb, config.SyncConfig{BufferSize: 8, MaxRetries: 3}, "test", nil, nil)
	}

	api.router = gin.New()
	NewAPIHandler(deps).RegisterRoutes(api.router.Group("/api"))
	return api
}

func (a *testAPI) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func pngBytes(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := imaging.New(160, 160, color.NRGBA{shade, shade, shade, 255})
	for x := 0; x < 160; x += 5 {
		for y := 0; y < 160; y += 3 {
			img.Set(x, y, color.NRGBA{255 - shade, 90, 30, 255})
		}
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return buf.Bytes()
}

func uploadRequest(t *testing.T, method, url string, fields map[string]string, files ...[]byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	for i, data := range files {
		fw, err := mw.CreateFormFile("file", "face"+string(rune('a'+i))+".png")
		if err != nil {
			t.Fatalf("CreateFormFile failed: %v", err)
		}
		fw.Write(data)
	}
	mw.Close()
	req := httptest.NewRequest(method, url, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("Invalid JSON response %q: %v", w.Body.String(), err)
	}
}

func TestIdentityLifecycle(t *testing.T) {
	api := newTestAPI(t, false)

	w := api.do(uploadRequest(t, http.MethodPost, "/api/identities", map[string]string{"name": "Ada Lovelace"}, pngBytes(t, 200), pngBytes(t, 120)))
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created IdentityView
	decode(t, w, &created)
	if created.Name != "Ada Lovelace" || created.ReferenceCount != 2 {
		t.Fatalf("Unexpected identity: %+v", created)
	}

	w = api.do(uploadRequest(t, http.MethodPost, "/api/identities/"+created.ID+"/references", nil, pngBytes(t, 60)))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on append, got %d: %s", w.Code, w.Body.String())
	}

	w = api.do(uploadRequest(t, http.MethodPut, "/api/identities/"+created.ID+"/references", nil, pngBytes(t, 90)))
	var replaced IdentityView
	decode(t, w, &replaced)
	if w.Code != http.StatusOK || replaced.ReferenceCount != 1 {
		t.Fatalf("Expected re-enroll to leave 1 reference, got %d: %+v", w.Code, replaced)
	}

	api.do(uploadRequest(t, http.MethodPost, "/api/identities", map[string]string{"name": "Grace"}, pngBytes(t, 30)))
	w = api.do(httptest.NewRequest(http.MethodPatch, "/api/identities/"+created.ID, strings.NewReader(`{"name":"grace"}`)))
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for a taken name, got %d", w.Code)
	}
	w = api.do(httptest.NewRequest(http.MethodPatch, "/api/identities/"+created.ID, strings.NewReader(`{"name":"Countess Ada"}`)))
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 on rename, got %d: %s", w.Code, w.Body.String())
	}

	w = api.do(httptest.NewRequest(http.MethodGet, "/api/identities", nil))
	var list struct {
		Identities []IdentityView `json:"identities"`
		Count      int            `json:"count"`
	}
	decode(t, w, &list)
	if list.Count != 2 {
		t.Errorf("Expected 2 identities, got %d", list.Count)
	}

	w = api.do(httptest.NewRequest(http.MethodDelete, "/api/identities/"+created.ID, nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected 204 on delete, got %d", w.Code)
	}
	w = api.do(httptest.NewRequest(http.MethodGet, "/api/identities/"+created.ID, nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", w.Code)
	}
	w = api.do(httptest.NewRequest(http.MethodDelete, "/api/identities/"+created.ID, nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 on second delete, got %d", w.Code)
	}

	// rejected mutations report nothing
	want := []string{
		models.IdentityActionEnroll,   // create Ada
		models.IdentityActionReEnroll, // append
		models.IdentityActionReEnroll, // replace
		models.IdentityActionEnroll,   // create Grace
		models.IdentityActionReEnroll, // rename
		models.IdentityActionRemove,   // delete
	}
	if strings.Join(api.actions, ",") != strings.Join(want, ",") {
		t.Errorf("Expected change actions %v, got %v", want, api.actions)
	}
}

func TestCreateUnderExistingNameReportsReEnroll(t *testing.T) {
	api := newTestAPI(t, false)
	for _, shade := range []uint8{200, 90} {
		w := api.do(uploadRequest(t, http.MethodPost, "/api/identities", map[string]string{"name": "Ada"}, pngBytes(t, shade)))
		if w.Code != http.StatusCreated {
			t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
		}
	}
	want := []string{models.IdentityActionEnroll, models.IdentityActionReEnroll}
	if strings.Join(api.actions, ",") != strings.Join(want, ",") {
		t.Errorf("Expected change actions %v, got %v", want, api.actions)
	}
	if api.store.Len() != 1 {
		t.Errorf("Expected one identity, got %d", api.store.Len())
	}
}

func TestCreateIdentityValidation(t *testing.T) {
	api := newTestAPI(t, false)

	tests := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"missing name", uploadRequest(t, http.MethodPost, "/api/identities", nil, pngBytes(t, 100)), http.StatusBadRequest},
		{"missing file", uploadRequest(t, http.MethodPost, "/api/identities", map[string]string{"name": "Ada"}), http.StatusBadRequest},
		{"not an image", uploadRequest(t, http.MethodPost, "/api/identities", map[string]string{"name": "Ada"}, []byte("garbage")), http.StatusBadRequest},
		{"append to unknown", uploadRequest(t, http.MethodPost, "/api/identities/nope/references", nil, pngBytes(t, 100)), http.StatusNotFound},
		{"re-enroll unknown", uploadRequest(t, http.MethodPut, "/api/identities/nope/references", nil, pngBytes(t, 100)), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := api.do(tt.req); w.Code != tt.want {
				t.Errorf("Expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
	if api.store.Len() != 0 {
		t.Error("Expected nothing enrolled")
	}
}

func TestStatusAndAttendance(t *testing.T) {
	api := newTestAPI(t, true)
	ctx := context.Background()
	for i, id := range []string{"e1", "e2", "e3"} {
		ev := models.AttendanceEvent{ID: id, IdentityID: "ada", IdentityName: "Ada", Timestamp: time.Now().Add(-time.Duration(i) * time.Minute)}
		if err := api.repo.SaveAttendance(ctx, ev); err != nil {
			t.Fatalf("SaveAttendance failed: %v", err)
		}
	}

	w := api.do(httptest.NewRequest(http.MethodGet, "/api/attendance?limit=2", nil))
	var page struct {
		Records []AttendanceView `json:"records"`
		Total   int64            `json:"total"`
	}
	decode(t, w, &page)
	if page.Total != 3 || len(page.Records) != 2 || page.Records[0].EventID != "e1" {
		t.Errorf("Unexpected attendance page: %+v", page)
	}

	w = api.do(httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var status StatusResponse
	decode(t, w, &status)
	if status.Database.AttendanceCount != 3 || status.Sync == nil {
		t.Errorf("Unexpected status: %+v", status)
	}

	w = api.do(httptest.NewRequest(http.MethodPost, "/api/sync/failed/requeue", nil))
	var requeued struct {
		Requeued int64 `json:"requeued"`
	}
	decode(t, w, &requeued)
	if w.Code != http.StatusOK || requeued.Requeued != 0 {
		t.Errorf("Unexpected requeue response %d: %s", w.Code, w.Body.String())
	}
}

func TestSyncEndpointsDisabled(t *testing.T) {
	api := newTestAPI(t, false)
	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodPost, "/api/sync/failed/requeue", nil),
		httptest.NewRequest(http.MethodGet, "/api/sync/failed", nil),
		httptest.NewRequest(http.MethodGet, "/api/events/stream", nil),
	} {
		if w := api.do(req); w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s %s: expected 503, got %d", req.Method, req.URL.Path, w.Code)
		}
	}
}
