package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/leafscan/leaf-classification-service/classify"
	"github.com/leafscan/leaf-classification-service/models"
)

type MockClassifier struct {
	mock.Mock
	name string
	size int
}

func (m *MockClassifier) Name() string   { return m.name }
func (m *MockClassifier) InputSize() int { return m.size }

func (m *MockClassifier) Classify(ctx context.Context, img image.Image, timings *models.ProcessingTimings) (*models.Prediction, error) {
	args := m.Called(ctx, img, timings)
	if p, ok := args.Get(0).(*models.Prediction); ok {
		return p, args.Error(1)
	}
	return nil, args.Error(1)
}

func leafClassifiers() []*MockClassifier {
	return []*MockClassifier{
		{name: "MobileNetV2", size: classify.DefaultInputSize},
		{name: "ResNet50", size: classify.DefaultInputSize},
		{name: "InceptionV3", size: classify.InceptionInputSize},
	}
}

func predictAll(mocks []*MockClassifier) {
	for i, m := range mocks {
		probs := []float32{0.1, 0.1, 0.1, 0.1}
		probs[i] = 0.7
		p, _ := classify.NewPrediction(m.name, classify.DefaultLabels, probs)
		m.On("Classify", mock.Anything, mock.Anything, mock.Anything).Return(p, nil)
	}
}

func newTestState(t *testing.T, mocks []*MockClassifier) *AppState {
	t.Helper()

	tmpl, err := loadTemplates()
	require.NoError(t, err)

	classifiers := make([]classify.Classifier, len(mocks))
	for i, m := range mocks {
		classifiers[i] = m
	}

	return &AppState{
		Ensemble:       classify.NewEnsemble(classifiers...),
		UploadDir:      t.TempDir(),
		MaxUploadBytes: 1 << 20,
		Templates:      tmpl,
		Metrics:        NewMetrics(classifiers),
	}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{G: 180, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func multipartBody(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+filename+`"`)
	h.Set("Content-Type", "application/octet-stream")
	part, err := w.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	return body, w.FormDataContentType()
}

func serve(state *AppState, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	newRouter(state).ServeHTTP(rec, req)
	return rec
}

func TestIndex_GetRendersForm(t *testing.T) {
	state := newTestState(t, leafClassifiers())

	rec := serve(state, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `name="file"`)
	assert.NotContains(t, rec.Body.String(), "<table>")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestIndex_PostWithoutFileRedirects(t *testing.T) {
	state := newTestState(t, leafClassifiers())

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("a=b"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := serve(state, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
}

func TestIndex_PostWrongFieldRedirects(t *testing.T) {
	state := newTestState(t, leafClassifiers())

	body, contentType := multipartBody(t, "image", "leaf.png", pngBytes(t))
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", contentType)
	rec := serve(state, req)

	assert.Equal(t, http.StatusFound, rec.Code)
}

func TestIndex_PostEmptyFilenameRedirects(t *testing.T) {
	state := newTestState(t, leafClassifiers())

	body, contentType := multipartBody(t, "file", "", nil)
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", contentType)
	rec := serve(state, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
}

func TestIndex_PostClassifiesAndSaves(t *testing.T) {
	mocks := leafClassifiers()
	predictAll(mocks)
	state := newTestState(t, mocks)

	body, contentType := multipartBody(t, "file", "leaf 1.png", pngBytes(t))
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", contentType)
	rec := serve(state, req)

	require.Equal(t, http.StatusOK, rec.Code)
	page := rec.Body.String()
	for _, name := range []string{"MobileNetV2", "ResNet50", "InceptionV3"} {
		assert.Contains(t, page, name)
	}
	assert.Contains(t, page, "Health")
	assert.Contains(t, page, "Bacterial leaf blight")
	assert.Contains(t, page, "Brown spot")
	assert.Contains(t, page, "70.00%")
	assert.Contains(t, page, "/static/images/leaf%201.png")

	_, err := os.Stat(filepath.Join(state.UploadDir, "leaf 1.png"))
	assert.NoError(t, err)

	for _, m := range mocks {
		m.AssertExpectations(t)
	}

	// The saved upload is served back for the result page.
	img := serve(state, httptest.NewRequest(http.MethodGet, "/static/images/leaf%201.png", nil))
	assert.Equal(t, http.StatusOK, img.Code)
	assert.Equal(t, pngBytes(t), img.Body.Bytes())
}

func TestIndex_PostInvalidImage(t *testing.T) {
	mocks := leafClassifiers()
	state := newTestState(t, mocks)

	body, contentType := multipartBody(t, "file", "notes.txt", []byte("not an image"))
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", contentType)
	rec := serve(state, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "read that file as an image")
	for _, m := range mocks {
		m.AssertNotCalled(t, "Classify", mock.Anything, mock.Anything, mock.Anything)
	}
}

func TestIndex_PostClassificationFailure(t *testing.T) {
	mocks := leafClassifiers()
	predictAll(mocks[:2])
	mocks[2].On("Classify", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("session broke"))
	state := newTestState(t, mocks)

	body, contentType := multipartBody(t, "file", "leaf.png", pngBytes(t))
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", contentType)
	rec := serve(state, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "went wrong while analysing")
}

func TestIndex_PostTooLarge(t *testing.T) {
	state := newTestState(t, leafClassifiers())
	state.MaxUploadBytes = 64

	body, contentType := multipartBody(t, "file", "leaf.png", pngBytes(t))
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", contentType)
	rec := serve(state, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestPredictAPI(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString(pngBytes(t))

	cases := map[string]func(t *testing.T) *http.Request{
		"multipart": func(t *testing.T) *http.Request {
			body, contentType := multipartBody(t, "file", "leaf.png", pngBytes(t))
			req := httptest.NewRequest(http.MethodPost, "/api/predict", body)
			req.Header.Set("Content-Type", contentType)
			return req
		},
		"json": func(t *testing.T) *http.Request {
			req := httptest.NewRequest(http.MethodPost, "/api/predict", strings.NewReader(`{"image":"`+encoded+`"}`))
			req.Header.Set("Content-Type", "application/json")
			return req
		},
		"raw": func(t *testing.T) *http.Request {
			req := httptest.NewRequest(http.MethodPost, "/api/predict", bytes.NewReader(pngBytes(t)))
			req.Header.Set("Content-Type", "image/png")
			return req
		},
	}

	for name, build := range cases {
		t.Run(name, func(t *testing.T) {
			mocks := leafClassifiers()
			predictAll(mocks)
			state := newTestState(t, mocks)

			rec := serve(state, build(t))
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			var resp PredictResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, rec.Header().Get("X-Request-ID"), resp.RequestID)
			require.Len(t, resp.Predictions, 3)
			assert.Equal(t, "MobileNetV2", resp.Predictions[0].Model)
			assert.Equal(t, "InceptionV3", resp.Predictions[2].Model)
			assert.Equal(t, "Brown spot", resp.Predictions[2].Class)
			assert.Equal(t, float32(0.7), resp.Predictions[2].Confidence)

			entries, err := os.ReadDir(state.UploadDir)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestPredictAPI_Errors(t *testing.T) {
	state := newTestState(t, leafClassifiers())

	req := httptest.NewRequest(http.MethodPost, "/api/predict", strings.NewReader("garbage"))
	req.Header.Set("Content-Type", "application/octet-stream")
	rec := serve(state, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "invalid_image", resp.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/predict", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec = serve(state, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPredictAPI_PoolTimeout(t *testing.T) {
	mocks := leafClassifiers()
	predictAll(mocks[1:])
	mocks[0].On("Classify", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, &classify.ProcessingError{Model: "MobileNetV2", Stage: "acquire session", Cause: classify.ErrAcquireTimeout})
	state := newTestState(t, mocks)

	req := httptest.NewRequest(http.MethodPost, "/api/predict", bytes.NewReader(pngBytes(t)))
	rec := serve(state, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "processing_error", resp.Code)
	assert.Equal(t, "acquire session", resp.Details)
}

func TestIndex_PostPoolTimeout(t *testing.T) {
	mocks := leafClassifiers()
	predictAll(mocks[:2])
	mocks[2].On("Classify", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, &classify.ProcessingError{Model: "InceptionV3", Stage: "acquire session", Cause: classify.ErrAcquireTimeout})
	state := newTestState(t, mocks)

	body, contentType := multipartBody(t, "file", "leaf.png", pngBytes(t))
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", contentType)
	rec := serve(state, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "busy analysing other leaves")
}

func TestPredictAPI_TooLarge(t *testing.T) {
	state := newTestState(t, leafClassifiers())
	state.MaxUploadBytes = 16

	req := httptest.NewRequest(http.MethodPost, "/api/predict", bytes.NewReader(pngBytes(t)))
	req.Header.Set("Content-Type", "image/png")
	rec := serve(state, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "too_large", resp.Code)
}

func TestHealth(t *testing.T) {
	state := newTestState(t, leafClassifiers())

	rec := serve(state, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, []ModelInfo{
		{Name: "MobileNetV2", InputSize: 64},
		{Name: "ResNet50", InputSize: 64},
		{Name: "InceptionV3", InputSize: 75},
	}, resp.Models)
}

type failingRunner struct{}

func (failingRunner) Run([]float32) ([]float32, error) { return nil, errors.New("session broke") }
func (failingRunner) Destroy()                          {}

func TestHealth_ReportsRecentPoolErrors(t *testing.T) {
	pool, err := classify.NewSessionPool(func() (classify.Runner, error) {
		return failingRunner{}, nil
	}, 1)
	require.NoError(t, err)
	model := classify.NewModelWithPool("MobileNetV2", classify.DefaultLabels,
		classify.NewPreprocessor(classify.DefaultInputSize, classify.LayoutNHWC), pool)
	t.Cleanup(model.Close)

	tmpl, err := loadTemplates()
	require.NoError(t, err)
	state := &AppState{
		Ensemble:       classify.NewEnsemble(model),
		UploadDir:      t.TempDir(),
		MaxUploadBytes: 1 << 20,
		Templates:      tmpl,
		Metrics:        NewMetrics([]classify.Classifier{model}),
	}

	req := httptest.NewRequest(http.MethodPost, "/api/predict", bytes.NewReader(pngBytes(t)))
	assert.Equal(t, http.StatusInternalServerError, serve(state, req).Code)

	rec := serve(state, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Models, 1)
	assert.Equal(t, []string{"session broke"}, resp.Models[0].RecentErrors)
}

func TestMetrics(t *testing.T) {
	mocks := leafClassifiers()
	predictAll(mocks)
	state := newTestState(t, mocks)

	req := httptest.NewRequest(http.MethodPost, "/api/predict", bytes.NewReader(pngBytes(t)))
	require.Equal(t, http.StatusOK, serve(state, req).Code)

	rec := serve(state, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `leaf_predictions_total{class="Brown spot",model="InceptionV3"} 1`)
	assert.Contains(t, string(body), `http_requests_total{method="POST",path="/api/predict",status="200"} 1`)
}

func TestSaveUpload_StripsDirectories(t *testing.T) {
	dir := t.TempDir()
	body, contentType := multipartBody(t, "file", "../../etc/leaf.png", []byte("data"))

	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", contentType)
	require.NoError(t, req.ParseMultipartForm(1<<20))

	path, err := saveUpload(dir, req.MultipartForm.File["file"][0])
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "leaf.png"), path)
}
