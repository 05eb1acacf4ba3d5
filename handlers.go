package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"html/template"
	"image"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/leafscan/leaf-classification-service/classify"
	"github.com/leafscan/leaf-classification-service/models"
)

const uploadURLPrefix = "/static/images/"

type AppState struct {
	Ensemble       *classify.Ensemble
	UploadDir      string
	MaxUploadBytes int64
	Templates      *template.Template
	Metrics        *Metrics
}

type pageData struct {
	Predictions []models.Prediction
	ImagePath   string
	Error       string
}

type PredictResponse struct {
	RequestID   string              `json:"request_id"`
	Predictions []models.Prediction `json:"predictions"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type ModelInfo struct {
	Name         string   `json:"name"`
	InputSize    int      `json:"input_size"`
	RecentErrors []string `json:"recent_errors,omitempty"`
}

type HealthResponse struct {
	Status      string      `json:"status"`
	Models      []ModelInfo `json:"models"`
	CPUFeatures []string    `json:"cpu_features"`
}

type ctxKey int

const requestIDKey ctxKey = iota

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func newRouter(state *AppState) *mux.Router {
	r := mux.NewRouter()
	r.Use(requestMiddleware)
	r.Use(state.Metrics.Middleware)

	r.HandleFunc("/", handleIndex(state)).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/api/predict", handlePredict(state)).Methods(http.MethodPost)
	r.PathPrefix(uploadURLPrefix).Handler(
		http.StripPrefix(uploadURLPrefix, http.FileServer(http.Dir(state.UploadDir))),
	).Methods(http.MethodGet)
	state.addMonitoringRoutes(r)

	return r
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.Metrics.Handler()).Methods(http.MethodGet)
}

// requestMiddleware tags each request with an ID and logs its outcome.
func requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)

		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))

		slog.Info("Request handled",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", lrw.statusCode,
			"duration", time.Since(start),
		)
	})
}

func handleIndex(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			state.render(w, http.StatusOK, pageData{})
			return
		}

		ctx := r.Context()
		id := requestID(ctx)
		log := slog.With("request_id", id)

		r.Body = http.MaxBytesReader(w, r.Body, state.MaxUploadBytes)
		if err := r.ParseMultipartForm(state.MaxUploadBytes); err != nil {
			switch {
			case errors.Is(err, http.ErrNotMultipart):
				http.Redirect(w, r, r.URL.String(), http.StatusFound)
			case isTooLarge(err):
				state.render(w, http.StatusRequestEntityTooLarge, pageData{Error: MsgUploadTooLarge})
			default:
				log.Warn("Failed to parse upload", "error", err)
				state.render(w, http.StatusBadRequest, pageData{Error: MsgInvalidImage})
			}
			return
		}

		files := r.MultipartForm.File["file"]
		if len(files) == 0 || files[0].Filename == "" {
			http.Redirect(w, r, r.URL.String(), http.StatusFound)
			return
		}
		header := files[0]

		savedPath, err := saveUpload(state.UploadDir, header)
		if err != nil {
			log.Error("Failed to save upload", "filename", header.Filename, "error", err)
			state.Metrics.ObserveFailure("save")
			state.render(w, http.StatusInternalServerError, pageData{Error: MsgSaveFailed})
			return
		}
		log.Info("Upload saved", "path", savedPath, "size", header.Size)

		img, err := imaging.Open(savedPath)
		if err != nil {
			log.Warn("Failed to decode upload", "path", savedPath, "error", err)
			state.Metrics.ObserveFailure("decode")
			state.render(w, http.StatusBadRequest, pageData{Error: MsgInvalidImage})
			return
		}

		predictions, err := state.Ensemble.ClassifyAll(ctx, id, img)
		if err != nil {
			log.Error("Classification failed", "error", err)
			state.Metrics.ObserveFailure("classify")

			status := classificationStatus(err)
			msg := MsgClassificationFailed
			if status == http.StatusServiceUnavailable {
				msg = MsgServerBusy
			}
			state.render(w, status, pageData{Error: msg})
			return
		}
		state.Metrics.ObservePredictions(predictions)

		for _, p := range predictions {
			log.Info("Prediction", "model", p.Model, "class", p.Class, "confidence", p.Confidence)
		}

		state.render(w, http.StatusOK, pageData{
			Predictions: predictions,
			ImagePath:   uploadURLPrefix + url.PathEscape(filepath.Base(savedPath)),
		})
	}
}

func (s *AppState) render(w http.ResponseWriter, status int, data pageData) {
	var buf bytes.Buffer
	if err := s.Templates.ExecuteTemplate(&buf, "index.html", data); err != nil {
		slog.Error("Failed to render page", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

func handlePredict(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := requestID(ctx)

		r.Body = http.MaxBytesReader(w, r.Body, state.MaxUploadBytes)

		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

		var imgBytes []byte
		var err error

		switch mediaType {
		case "application/json":
			imgBytes, err = handleJSONRequest(r)
		case "multipart/form-data":
			imgBytes, err = handleMultipartRequest(r, state.MaxUploadBytes)
		default:
			imgBytes, err = handleRawRequest(r)
		}

		if err != nil {
			if isTooLarge(err) {
				sendErrorResponse(w, ErrorResponse{Code: "too_large", Message: MsgUploadTooLarge}, http.StatusRequestEntityTooLarge)
				return
			}
			sendErrorResponse(w, ErrorResponse{Code: "invalid_request", Message: err.Error()}, http.StatusBadRequest)
			return
		}

		img, err := decodeImage(imgBytes)
		if err != nil {
			state.Metrics.ObserveFailure("decode")
			sendErrorResponse(w, ErrorResponse{Code: "invalid_image", Message: "Failed to decode image"}, http.StatusBadRequest)
			return
		}

		predictions, err := state.Ensemble.ClassifyAll(ctx, id, img)
		if err != nil {
			slog.Error("Classification failed", "request_id", id, "error", err)
			state.Metrics.ObserveFailure("classify")

			resp := ErrorResponse{Code: "processing_error", Message: err.Error()}
			var perr *classify.ProcessingError
			if errors.As(err, &perr) {
				resp.Details = perr.Stage
			}
			sendErrorResponse(w, resp, classificationStatus(err))
			return
		}
		state.Metrics.ObservePredictions(predictions)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(PredictResponse{
			RequestID:   id,
			Predictions: predictions,
		})
	}
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	classifiers := s.Ensemble.Classifiers()
	response := HealthResponse{
		Status:      "healthy",
		Models:      make([]ModelInfo, 0, len(classifiers)),
		CPUFeatures: classify.CPUFeatures(),
	}
	for _, c := range classifiers {
		info := ModelInfo{Name: c.Name(), InputSize: c.InputSize()}
		if pc, ok := c.(pooledClassifier); ok {
			for _, err := range pc.Pool().LastErrors() {
				info.RecentErrors = append(info.RecentErrors, err.Error())
			}
		}
		response.Models = append(response.Models, info)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func handleJSONRequest(r *http.Request) ([]byte, error) {
	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	if req.Image == "" {
		return nil, errors.New("image is required")
	}
	return base64.StdEncoding.DecodeString(req.Image)
}

func handleMultipartRequest(r *http.Request, maxMemory int64) ([]byte, error) {
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		return nil, err
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return io.ReadAll(file)
}

func handleRawRequest(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("request body is empty")
	}
	return data, nil
}

func decodeImage(data []byte) (image.Image, error) {
	return imaging.Decode(bytes.NewReader(data))
}

// isTooLarge reports whether err comes from the upload size limit.
func isTooLarge(err error) bool {
	var maxBytes *http.MaxBytesError
	return errors.As(err, &maxBytes) || errors.Is(err, multipart.ErrMessageTooLarge)
}

// classificationStatus maps an ensemble failure to a response status. A
// pool that stayed busy past the acquire timeout is 503, anything else 500.
func classificationStatus(err error) int {
	if errors.Is(err, classify.ErrAcquireTimeout) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func sendErrorResponse(w http.ResponseWriter, resp ErrorResponse, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
