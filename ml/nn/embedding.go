package nn

import (
	"fmt"
	"math"

	"github.com/chewxy/math32"

	"github.com/intUnderflow/neurst/ml"
)

// Embedding layer modes. ModeLinear reuses the embedding table as a
// tied output projection producing vocabulary logits.
const (
	ModeEmbedding = "embedding"
	ModeLinear    = "linear"
)

type EmbeddingConfig struct {
	VocabSize    int `json:"vocab_size"`
	EmbeddingDim int `json:"embedding_dim"`

	Name string `json:"name,omitempty"`
}

// Embedding is a token-embedding lookup with weight tying: the same
// table serves Forward (gather) and Logits (transposed projection).
type Embedding struct {
	cfg EmbeddingConfig

	table  ml.Tensor
	tableT ml.Tensor
	built  bool
}

func NewEmbedding(cfg EmbeddingConfig) (*Embedding, error) {
	if cfg.Name == "" {
		cfg.Name = "embedding"
	}
	if cfg.VocabSize <= 0 {
		return nil, fmt.Errorf("nn: %s: vocab_size must be positive, got %d", cfg.Name, cfg.VocabSize)
	}
	if cfg.EmbeddingDim <= 0 {
		return nil, fmt.Errorf("nn: %s: embedding_dim must be positive, got %d", cfg.Name, cfg.EmbeddingDim)
	}

	return &Embedding{cfg: cfg}, nil
}

func (l *Embedding) Config() EmbeddingConfig {
	return l.cfg
}

func (l *Embedding) EmbeddingDim() int {
	return l.cfg.EmbeddingDim
}

func (l *Embedding) Build(ctx ml.Context) error {
	if l.built {
		return fmt.Errorf("nn: %s: already built", l.cfg.Name)
	}

	stddev := math32.Pow(float32(l.cfg.EmbeddingDim), -0.5)
	l.table = ctx.Weight(l.cfg.Name+"/weights", ctx.Normal(0, stddev, l.cfg.VocabSize, l.cfg.EmbeddingDim))
	l.tableT = l.table.Permute(ctx, 1, 0)

	l.built = true
	return nil
}

// Forward gathers embeddings for integer token ids of any shape,
// producing ids.Shape() + [embeddingDim].
func (l *Embedding) Forward(ctx ml.Context, ids ml.Tensor) ml.Tensor {
	if !l.built {
		panic(fmt.Errorf("nn: %s: forward before build", l.cfg.Name))
	}

	return l.table.Rows(ctx, ids)
}

// Logits projects hidden states [..., embeddingDim] onto the
// vocabulary through the shared table.
func (l *Embedding) Logits(ctx ml.Context, x ml.Tensor) ml.Tensor {
	if !l.built {
		panic(fmt.Errorf("nn: %s: forward before build", l.cfg.Name))
	}

	shape := x.Shape()
	lead := shape[:len(shape)-1]
	hidden := shape[len(shape)-1]
	if hidden != l.cfg.EmbeddingDim {
		panic(fmt.Errorf("nn: %s: input width %d does not match embedding dim %d", l.cfg.Name, hidden, l.cfg.EmbeddingDim))
	}

	y := x.Reshape(ctx, prod(lead), hidden).Mulmat(ctx, l.tableT)
	return y.Reshape(ctx, append(append([]int{}, lead...), l.cfg.VocabSize)...)
}

// Position embedding timings.
const (
	TimingNone      = ""
	TimingSinusoids = "sinusoids"
	TimingEmb       = "emb"
)

type PositionEmbeddingConfig struct {
	// Timing selects the positional signal: TimingNone passes the
	// embedding through unchanged, TimingSinusoids adds the
	// deterministic sinusoidal signal, TimingEmb adds a learned
	// per-position vector.
	Timing string `json:"timing"`

	// MaxPositions sizes the learned position table. Zero defaults
	// to 512. Unused for sinusoids.
	MaxPositions int `json:"max_positions,omitempty"`

	Name string `json:"name,omitempty"`
}

// PositionEmbedding wraps a token embedding with positional signal
// injection. The positional dimension always equals the wrapped
// embedding's dimension; the table and signal are sized from it.
//
// Two shape regimes are supported: [batch, length] ids produce a
// full-sequence [batch, length, dim] embedding with positions
// 0..length-1, and [batch] ids produce a single-step [batch, dim]
// embedding whose absolute position must be supplied with WithTime.
type PositionEmbedding struct {
	cfg PositionEmbeddingConfig

	inner *Embedding
	table ml.Tensor
	built bool
}

func NewPositionEmbedding(inner *Embedding, cfg PositionEmbeddingConfig) (*PositionEmbedding, error) {
	if cfg.Name == "" {
		cfg.Name = "position_emb_wrapper"
	}
	if inner == nil {
		return nil, fmt.Errorf("nn: %s: embedding layer must not be nil", cfg.Name)
	}

	switch cfg.Timing {
	case TimingNone, TimingSinusoids, TimingEmb:
	default:
		return nil, fmt.Errorf("nn: %s: unknown position embedding type %q", cfg.Name, cfg.Timing)
	}

	if cfg.MaxPositions == 0 {
		cfg.MaxPositions = 512
	}
	if cfg.MaxPositions < 0 {
		return nil, fmt.Errorf("nn: %s: max_positions must be positive, got %d", cfg.Name, cfg.MaxPositions)
	}

	return &PositionEmbedding{cfg: cfg, inner: inner}, nil
}

func (l *PositionEmbedding) Config() PositionEmbeddingConfig {
	return l.cfg
}

// Build builds the wrapped embedding and, for TimingEmb, the learned
// position table.
func (l *PositionEmbedding) Build(ctx ml.Context) error {
	if l.built {
		return fmt.Errorf("nn: %s: already built", l.cfg.Name)
	}

	if err := l.inner.Build(ctx); err != nil {
		return err
	}

	if l.cfg.Timing == TimingEmb {
		dim := l.inner.EmbeddingDim()
		stddev := math32.Pow(float32(dim), -0.5)
		l.table = ctx.Weight(l.cfg.Name+"/weights", ctx.Normal(0, stddev, l.cfg.MaxPositions, dim))
	}

	l.built = true
	return nil
}

// Forward embeds x and injects the positional signal. In ModeLinear
// x is a hidden-state tensor and the wrapper returns the tied logits
// projection unchanged: positional injection only applies to
// embedding-mode output. That skip is intentional and mirrors how
// the wrapper is used on the output side of a weight-tied decoder.
func (l *PositionEmbedding) Forward(ctx ml.Context, x ml.Tensor, opts ...Option) ml.Tensor {
	if !l.built {
		panic(fmt.Errorf("nn: %s: forward before build", l.cfg.Name))
	}

	o := collect(opts)
	if o.Mode != "" && o.Mode != ModeEmbedding {
		return l.inner.Logits(ctx, x)
	}

	emb := l.inner.Forward(ctx, x)
	if l.cfg.Timing == TimingNone {
		return emb
	}

	dim := l.inner.EmbeddingDim()
	switch emb.Rank() {
	case 2, 3:
	default:
		panic(fmt.Errorf("nn: %s: need an embedding of rank 2 or 3, got %d", l.cfg.Name, emb.Rank()))
	}
	if emb.Rank() == 2 && !o.HasTime {
		panic(fmt.Errorf("nn: %s: single-step input requires an explicit time", l.cfg.Name))
	}

	switch l.cfg.Timing {
	case TimingSinusoids:
		emb = emb.Scale(ctx, math.Sqrt(float64(dim)))

		var signal ml.Tensor
		var err error
		if emb.Rank() == 3 {
			length := emb.Dim(1)
			signal, err = ctx.FromFloatSlice(Sinusoids(0, length, dim), 1, length, dim)
		} else {
			signal, err = ctx.FromFloatSlice(Sinusoids(o.Time, 1, dim), 1, dim)
		}
		if err != nil {
			panic(err)
		}

		return emb.Add(ctx, signal)
	case TimingEmb:
		var positions ml.Tensor
		if emb.Rank() == 3 {
			positions = ctx.Arange(0, float32(emb.Dim(1)), 1, ml.DTypeI32)
		} else {
			var err error
			positions, err = ctx.FromIntSlice([]int32{int32(o.Time)}, 1)
			if err != nil {
				panic(err)
			}
		}

		signal := l.table.Rows(ctx, positions)
		if emb.Rank() == 3 {
			signal = signal.Reshape(ctx, 1, signal.Dim(0), dim)
		} else {
			signal = signal.Reshape(ctx, 1, dim)
		}

		return emb.Add(ctx, signal)
	}

	return emb
}

// Sinusoids returns the deterministic timing signal for positions
// [start, start+length), one row of channels values per position.
// Frequencies follow a geometric progression of timescales between
// 1 and 1e4 across the channel dimension, the first half sine and
// the second half cosine, with one zero channel when channels is
// odd.
func Sinusoids(start, length, channels int) []float32 {
	const (
		minTimescale = 1.0
		maxTimescale = 1.0e4
	)

	numTimescales := channels / 2
	logIncrement := 0.0
	if numTimescales > 1 {
		logIncrement = math.Log(maxTimescale/minTimescale) / float64(numTimescales-1)
	}

	signal := make([]float32, length*channels)
	for p := 0; p < length; p++ {
		position := float64(start + p)
		for i := 0; i < numTimescales; i++ {
			scaled := position * minTimescale * math.Exp(float64(i)*-logIncrement)
			signal[p*channels+i] = float32(math.Sin(scaled))
			signal[p*channels+numTimescales+i] = float32(math.Cos(scaled))
		}
	}

	return signal
}
