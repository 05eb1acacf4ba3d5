package classify

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/leafscan/leaf-classification-service/models"
)

// Classifier predicts a leaf class for a decoded image.
type Classifier interface {
	Name() string
	InputSize() int
	Classify(ctx context.Context, img image.Image, timings *models.ProcessingTimings) (*models.Prediction, error)
}

// Model is one loaded network together with its preprocessing.
type Model struct {
	name   string
	labels []string
	pre    *Preprocessor
	pool   *SessionPool
}

// NewModel opens poolSize sessions for cfg. NumClasses defaults to the
// number of labels.
func NewModel(name string, labels []string, cfg SessionConfig, poolSize int) (*Model, error) {
	if cfg.NumClasses == 0 {
		cfg.NumClasses = len(labels)
	}
	if cfg.Layout == "" {
		cfg.Layout = LayoutNHWC
	}

	pool, err := NewSessionPool(func() (Runner, error) {
		return NewModelSession(cfg)
	}, poolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to load model %s: %w", name, err)
	}

	return NewModelWithPool(name, labels, NewPreprocessor(cfg.InputSize, cfg.Layout), pool), nil
}

// NewModelWithPool assembles a Model from already opened parts.
func NewModelWithPool(name string, labels []string, pre *Preprocessor, pool *SessionPool) *Model {
	return &Model{
		name:   name,
		labels: labels,
		pre:    pre,
		pool:   pool,
	}
}

func (m *Model) Name() string {
	return m.name
}

func (m *Model) InputSize() int {
	return m.pre.Size()
}

func (m *Model) Pool() *SessionPool {
	return m.pool
}

func (m *Model) Close() {
	m.pool.Destroy()
}

func (m *Model) Classify(ctx context.Context, img image.Image, timings *models.ProcessingTimings) (*models.Prediction, error) {
	if timings == nil {
		timings = &models.ProcessingTimings{}
	}
	timings.Model = m.name
	startTotal := time.Now()

	prepStart := time.Now()
	buf := m.pre.getBuffer()
	defer m.pre.putBuffer(buf)
	if err := m.pre.ProcessInto(img, *buf); err != nil {
		return nil, &ProcessingError{Model: m.name, Stage: "preprocess", Cause: err}
	}
	timings.Preprocess = time.Since(prepStart)

	acquireStart := time.Now()
	session, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, &ProcessingError{Model: m.name, Stage: "acquire session", Cause: err}
	}
	timings.Acquire = time.Since(acquireStart)

	inferStart := time.Now()
	probs, err := session.Run(*buf)
	timings.Inference = time.Since(inferStart)
	if err != nil {
		m.pool.Discard(session, err)
		return nil, &ProcessingError{Model: m.name, Stage: "inference", Cause: err}
	}
	m.pool.Release(session)

	postStart := time.Now()
	prediction, err := NewPrediction(m.name, m.labels, probs)
	if err != nil {
		return nil, &ProcessingError{Model: m.name, Stage: "postprocess", Cause: err}
	}
	timings.Postprocess = time.Since(postStart)
	timings.Total = time.Since(startTotal)

	logTimings(timings)

	return prediction, nil
}

func logTimings(t *models.ProcessingTimings) {
	slog.Debug("Processing times",
		"request_id", t.RequestID,
		"model", t.Model,
		"preprocess", t.Preprocess,
		"acquire", t.Acquire,
		"inference", t.Inference,
		"postprocess", t.Postprocess,
		"total", t.Total,
	)
}

// Ensemble runs several classifiers over the same image.
type Ensemble struct {
	classifiers []Classifier
}

func NewEnsemble(classifiers ...Classifier) *Ensemble {
	return &Ensemble{classifiers: classifiers}
}

func (e *Ensemble) Classifiers() []Classifier {
	return e.classifiers
}

// ClassifyAll runs every classifier concurrently and returns predictions
// in the order the classifiers were given. The first failure is returned.
func (e *Ensemble) ClassifyAll(ctx context.Context, requestID string, img image.Image) ([]models.Prediction, error) {
	predictions := make([]models.Prediction, len(e.classifiers))
	errs := make([]error, len(e.classifiers))

	var wg sync.WaitGroup
	wg.Add(len(e.classifiers))

	for i, c := range e.classifiers {
		go func(i int, c Classifier) {
			defer wg.Done()
			timings := &models.ProcessingTimings{RequestID: requestID}
			p, err := c.Classify(ctx, img, timings)
			if err != nil {
				errs[i] = err
				return
			}
			predictions[i] = *p
		}(i, c)
	}

	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return predictions, nil
}
