// tflite.go: TFLite adapter for the classifier runtime.
package classifier

import (
	"bufio"
	"context"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphakala/go-tflite"
	"golang.org/x/sync/semaphore"

	"github.com/tphakala/birdframe/internal/conf"
	"github.com/tphakala/birdframe/internal/errors"
	"github.com/tphakala/birdframe/internal/logging"
	"github.com/tphakala/birdframe/internal/observability/metrics"
)

// InferenceTimeout is the hard per-call deadline for a single inference.
const InferenceTimeout = 10 * time.Second

// ErrInferenceTimeout is returned when a single inference call exceeds its
// deadline.
var ErrInferenceTimeout = errors.Newf("inference timeout: %w", errors.ErrTimeout).
	Component("classifier").
	Category(errors.CategoryTimeout).
	Build()

// modelHandle is an immutable loaded model. Callers capture the handle once
// per call; swaps publish a new handle without touching old ones.
type modelHandle struct {
	interpreter *tflite.Interpreter
	labels      []string
	inputWidth  int
	inputHeight int
	norm        NormalizationRange

	// The TFLite interpreter does not allow concurrent Invoke; the worker
	// pool bounds total in-flight calls and this mutex serializes the
	// tensor copy + invoke section per handle.
	invokeMu sync.Mutex
}

// TFLiteRuntime implements Runtime on top of go-tflite.
type TFLiteRuntime struct {
	handle  atomic.Pointer[modelHandle]
	loadMu  sync.Mutex // serializes model swaps
	pool    *semaphore.Weighted
	workers int64
	metrics *metrics.ClassifierMetrics
	logger  interface {
		Debug(msg string, args ...any)
		Warn(msg string, args ...any)
	}
	loadErr atomic.Value // string
}

// NewTFLiteRuntime creates an unloaded runtime with a worker pool sized from
// the host CPU count (or cfg.Threads when positive).
func NewTFLiteRuntime(cfg *conf.ClassifierSettings, m *metrics.ClassifierMetrics) *TFLiteRuntime {
	workers := cfg.Threads
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &TFLiteRuntime{
		pool:    semaphore.NewWeighted(int64(workers)),
		workers: int64(workers),
		metrics: m,
		logger:  logging.ForService("classifier"),
	}
}

// LoadModel loads the model and labels and publishes the new handle. Swaps
// are serialized; in-flight inference keeps using the handle it captured.
func (rt *TFLiteRuntime) LoadModel(modelPath, labelsPath string) error {
	rt.loadMu.Lock()
	defer rt.loadMu.Unlock()

	labels, err := loadLabels(labelsPath)
	if err != nil {
		rt.loadErr.Store(err.Error())
		return errors.New(err).
			Component("classifier").
			Category(errors.CategoryModelLoad).
			Context("labels_path", labelsPath).
			Build()
	}

	model := tflite.NewModelFromFile(modelPath)
	if model == nil {
		err := errors.Newf("cannot load model from path: %s", modelPath).
			Component("classifier").
			Category(errors.CategoryModelLoad).
			Build()
		rt.loadErr.Store(err.Error())
		return err
	}

	options := tflite.NewInterpreterOptions()
	options.SetNumThread(runtime.NumCPU())
	interpreter := tflite.NewInterpreter(model, options)
	if interpreter == nil {
		err := errors.Newf("cannot create interpreter").
			Component("classifier").
			Category(errors.CategoryModelLoad).
			Build()
		rt.loadErr.Store(err.Error())
		return err
	}
	if status := interpreter.AllocateTensors(); status != tflite.OK {
		err := errors.Newf("tensor allocation failed").
			Component("classifier").
			Category(errors.CategoryModelLoad).
			Build()
		rt.loadErr.Store(err.Error())
		return err
	}

	input := interpreter.GetInputTensor(0)
	if input == nil {
		err := errors.Newf("cannot get input tensor").
			Component("classifier").
			Category(errors.CategoryModelLoad).
			Build()
		rt.loadErr.Store(err.Error())
		return err
	}

	// Input layout is NHWC; normalization comes from the tensor metadata.
	h := input.Dim(1)
	w := input.Dim(2)
	handle := &modelHandle{
		interpreter: interpreter,
		labels:      labels,
		inputWidth:  w,
		inputHeight: h,
		norm:        detectNormalization(input),
	}

	rt.handle.Store(handle)
	rt.loadErr.Store("")
	if rt.metrics != nil {
		rt.metrics.ModelLoads.Inc()
	}
	rt.logger.Debug("model loaded",
		"model_path", modelPath,
		"labels", len(labels),
		"input_width", w,
		"input_height", h)
	return nil
}

// detectNormalization picks the input domain from tensor metadata: quantized
// byte tensors take raw pixels, float tensors with a recorded quantization
// scale take [0,1], everything else takes [-1,1] (the MobileNet default).
func detectNormalization(input *tflite.Tensor) NormalizationRange {
	if input.Type() == tflite.UInt8 {
		return NormalizeRaw
	}
	if qp := input.QuantizationParams(); qp.Scale != 0 {
		return NormalizeZeroOne
	}
	return NormalizeMinusOneOne
}

// loadLabels loads the labels file into a slice, one label per line.
func loadLabels(labelsPath string) ([]string, error) {
	file, err := os.Open(labelsPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var labels []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			labels = append(labels, line)
		}
	}
	return labels, scanner.Err()
}

// ClassifyImage runs inference on a single encoded image. Results are sorted
// by descending score, with recognized unknown labels canonicalized.
func (rt *TFLiteRuntime) ClassifyImage(ctx context.Context, imageData []byte) ([]Result, error) {
	handle := rt.handle.Load()
	if handle == nil {
		return nil, errors.Newf("no model loaded").
			Component("classifier").
			Category(errors.CategoryModelLoad).
			Build()
	}

	ctx, cancel := context.WithTimeout(ctx, InferenceTimeout)
	defer cancel()

	if err := rt.pool.Acquire(ctx, 1); err != nil {
		rt.countError("timeout")
		return nil, ErrInferenceTimeout
	}
	defer rt.pool.Release(1)

	if rt.metrics != nil {
		rt.metrics.PoolSaturation.Inc()
		defer rt.metrics.PoolSaturation.Dec()
	}

	start := time.Now()
	results, err := rt.infer(ctx, handle, imageData)
	if rt.metrics != nil {
		rt.metrics.InferenceDuration.Observe(time.Since(start).Seconds())
	}
	return results, err
}

// infer runs preprocessing and a single invoke, honoring ctx via a watchdog
// on the (non-interruptible) invoke call.
func (rt *TFLiteRuntime) infer(ctx context.Context, handle *modelHandle, imageData []byte) ([]Result, error) {
	tensorData, err := decodeAndPreprocess(imageData, handle.inputWidth, handle.inputHeight, handle.norm)
	if err != nil {
		rt.countError("runtime")
		return nil, errors.New(err).
			Component("classifier").
			Category(errors.CategoryInference).
			Build()
	}

	type inferOut struct {
		results []Result
		err     error
	}
	done := make(chan inferOut, 1)
	go func() {
		handle.invokeMu.Lock()
		defer handle.invokeMu.Unlock()

		input := handle.interpreter.GetInputTensor(0)
		copy(input.Float32s(), tensorData)

		if status := handle.interpreter.Invoke(); status != tflite.OK {
			done <- inferOut{nil, errors.Newf("tensor invoke failed").
				Component("classifier").
				Category(errors.CategoryInference).
				Build()}
			return
		}

		output := handle.interpreter.GetOutputTensor(0)
		outputSize := output.Dim(output.NumDims() - 1)
		scores := make([]float32, outputSize)
		copy(scores, output.Float32s())

		results := make([]Result, 0, len(scores))
		for i, score := range scores {
			if i >= len(handle.labels) {
				break
			}
			results = append(results, Result{
				Label: CanonicalizeLabel(handle.labels[i]),
				Score: float64(score),
			})
		}
		sortResults(results)
		done <- inferOut{results, nil}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			rt.countError("runtime")
		}
		return out.results, out.err
	case <-ctx.Done():
		rt.countError("timeout")
		return nil, ErrInferenceTimeout
	}
}

// ClassifyFrames runs inference per frame and aggregates by soft voting.
// Per-frame errors skip the frame; the ensemble fails only when every frame
// fails.
func (rt *TFLiteRuntime) ClassifyFrames(ctx context.Context, frames [][]byte) (*EnsembleResult, error) {
	if len(frames) == 0 {
		return nil, errors.Newf("no frames to classify: %w", errors.ErrInvalidInput).
			Component("classifier").
			Category(errors.CategoryValidation).
			Build()
	}

	perFrame := make([][]Result, 0, len(frames))
	frameTops := make([]FrameResult, 0, len(frames))
	var lastErr error

	for i, frame := range frames {
		results, err := rt.ClassifyImage(ctx, frame)
		if err != nil {
			lastErr = err
			continue
		}
		perFrame = append(perFrame, results)
		if len(results) > 0 {
			frameTops = append(frameTops, FrameResult{
				FrameIndex: i,
				Label:      results[0].Label,
				Score:      results[0].Score,
			})
		}
	}

	if len(perFrame) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, errors.Newf("all frames failed classification").
			Component("classifier").
			Category(errors.CategoryInference).
			Build()
	}

	label, score := SoftVote(perFrame, len(frames))
	return &EnsembleResult{
		Label:    label,
		Score:    score,
		PerFrame: frameTops,
	}, nil
}

// Status reports the runtime state with no side effects.
func (rt *TFLiteRuntime) Status() Status {
	s := Status{Runtime: "tflite", Loaded: rt.handle.Load() != nil}
	if msg, ok := rt.loadErr.Load().(string); ok && msg != "" {
		s.Error = msg
	}
	return s
}

func (rt *TFLiteRuntime) countError(kind string) {
	if rt.metrics != nil {
		rt.metrics.InferenceErrors.WithLabelValues(kind).Inc()
	}
}

// sortResults sorts descending by score, with label as tiebreak for
// determinism.
func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Label < results[j].Label
	})
}
