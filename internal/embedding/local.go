package embedding

import (
	"context"
	"fmt"
	"sync"

	"github.com/daulet/tokenizers"
	ort "github.com/yalue/onnxruntime_go"
)

var ortInit sync.Once
var ortInitErr error

// initOnnxRuntime lazily loads the ONNX Runtime shared library. It is safe
// to call from multiple LocalEmbedder constructions; the environment is
// process-wide and only needs to be created once.
func initOnnxRuntime(sharedLibPath string) error {
	ortInit.Do(func() {
		if sharedLibPath != "" {
			ort.SetSharedLibraryPath(sharedLibPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// LocalEmbedder runs a sentence-embedding ONNX model locally, using
// daulet/tokenizers for tokenization and onnxruntime_go for inference. It
// implements the same opaque Embedder contract as any remote embedding
// API: the engine does not know (or care) that inference happens
// in-process.
type LocalEmbedder struct {
	tokenizer *tokenizers.Tokenizer
	session   *ort.AdvancedSession
	input     *ort.Tensor[int64]
	mask      *ort.Tensor[int64]
	output    *ort.Tensor[float32]
	dim       int
	maxTokens int
	mu        sync.Mutex
}

// LocalEmbedderConfig names the on-disk model artifacts.
type LocalEmbedderConfig struct {
	TokenizerPath  string
	ModelPath      string
	SharedLibPath  string // path to libonnxruntime.so/.dylib/.dll
	Dimension      int
	MaxTokens      int
	InputName      string
	AttentionName  string
	OutputName     string
}

// NewLocalEmbedder loads the tokenizer and ONNX model described by cfg.
func NewLocalEmbedder(cfg LocalEmbedderConfig) (*LocalEmbedder, error) {
	if err := initOnnxRuntime(cfg.SharedLibPath); err != nil {
		return nil, fmt.Errorf("initializing onnxruntime: %w", err)
	}

	tok, err := tokenizers.FromFile(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer: %w", err)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 256
	}

	inputShape := ort.NewShape(1, int64(maxTokens))
	inputTensor, err := ort.NewEmptyTensor[int64](inputShape)
	if err != nil {
		tok.Close()
		return nil, fmt.Errorf("allocating input tensor: %w", err)
	}
	maskTensor, err := ort.NewEmptyTensor[int64](inputShape)
	if err != nil {
		tok.Close()
		inputTensor.Destroy()
		return nil, fmt.Errorf("allocating attention mask tensor: %w", err)
	}
	outputShape := ort.NewShape(1, int64(maxTokens), int64(cfg.Dimension))
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		tok.Close()
		inputTensor.Destroy()
		maskTensor.Destroy()
		return nil, fmt.Errorf("allocating output tensor: %w", err)
	}

	inputNames := []string{cfg.InputName, cfg.AttentionName}
	outputNames := []string{cfg.OutputName}

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		inputNames,
		outputNames,
		[]ort.Value{inputTensor, maskTensor},
		[]ort.Value{outputTensor},
		nil,
	)
	if err != nil {
		tok.Close()
		inputTensor.Destroy()
		maskTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("creating onnx session: %w", err)
	}

	return &LocalEmbedder{
		tokenizer: tok,
		session:   session,
		input:     inputTensor,
		mask:      maskTensor,
		output:    outputTensor,
		dim:       cfg.Dimension,
		maxTokens: maxTokens,
	}, nil
}

func (l *LocalEmbedder) Dimension() int { return l.dim }

// Embed tokenizes text, runs the model, and mean-pools the final hidden
// state (masked by the attention mask) into a single vector. The session's
// input/output tensors are reused across calls, so Embed serializes
// concurrent callers with an internal mutex — the engine's budget (§4.4)
// already assumes this suspension point can block briefly.
func (l *LocalEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids, _ := l.tokenizer.Encode(text, true)

	inputData := l.input.GetData()
	maskData := l.mask.GetData()
	for i := range inputData {
		if i < len(ids) {
			inputData[i] = int64(ids[i])
			maskData[i] = 1
		} else {
			inputData[i] = 0
			maskData[i] = 0
		}
	}

	if err := l.session.Run(); err != nil {
		return nil, fmt.Errorf("running onnx session: %w", err)
	}

	hidden := l.output.GetData()
	pooled := make([]float32, l.dim)
	var activeTokens float32
	seqLen := len(ids)
	if seqLen > l.maxTokens {
		seqLen = l.maxTokens
	}
	for t := 0; t < seqLen; t++ {
		activeTokens++
		base := t * l.dim
		for d := 0; d < l.dim; d++ {
			pooled[d] += hidden[base+d]
		}
	}
	if activeTokens == 0 {
		return pooled, nil
	}
	for d := range pooled {
		pooled[d] /= activeTokens
	}
	return pooled, nil
}

// Close releases the tokenizer, session, and tensors.
func (l *LocalEmbedder) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokenizer.Close()
	l.session.Destroy()
	l.input.Destroy()
	l.mask.Destroy()
	l.output.Destroy()
	return nil
}
