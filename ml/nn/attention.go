package nn

import (
	"fmt"
	"math"

	"github.com/intUnderflow/neurst/ml"
)

// AttentionConfig describes a multi-head scaled dot-product attention
// sub-layer.
type AttentionConfig struct {
	NumHeads int `json:"num_heads"`

	// NumUnits is the total width of the query, key and value
	// projections. It must be divisible by NumHeads.
	NumUnits int `json:"num_units"`

	// OutputUnits is the width of the merged output projection.
	// Zero defaults to NumUnits.
	OutputUnits int `json:"output_units,omitempty"`

	// AttentionDropout is applied to the attention weights in
	// training mode.
	AttentionDropout float32 `json:"attention_dropout"`

	Name string `json:"name,omitempty"`
}

// MultiHeadAttention attends a query sequence over a separate
// memory sequence: queries are projected from the former, keys and
// values from the latter.
type MultiHeadAttention struct {
	cfg AttentionConfig

	qTransform      *MultiHeadDense
	kvTransform     *MultiHeadDense
	outputTransform *MultiHeadDense

	unitsPerHead int
	built        bool
}

func NewMultiHeadAttention(cfg AttentionConfig) (*MultiHeadAttention, error) {
	cfg, err := checkAttentionConfig(cfg, "multi_head_attention")
	if err != nil {
		return nil, err
	}

	qTransform, err := NewMultiHeadDense(MultiHeadDenseConfig{
		OutputUnits: []int{cfg.NumUnits},
		NumHeads:    cfg.NumHeads,
		UseBias:     true,
		Name:        cfg.Name + "/q_transform",
	})
	if err != nil {
		return nil, err
	}

	kvTransform, err := NewMultiHeadDense(MultiHeadDenseConfig{
		OutputUnits: []int{cfg.NumUnits, cfg.NumUnits},
		NumHeads:    cfg.NumHeads,
		UseBias:     true,
		Name:        cfg.Name + "/kv_transform",
	})
	if err != nil {
		return nil, err
	}

	outputTransform, err := newOutputTransform(cfg)
	if err != nil {
		return nil, err
	}

	return &MultiHeadAttention{
		cfg:             cfg,
		qTransform:      qTransform,
		kvTransform:     kvTransform,
		outputTransform: outputTransform,
		unitsPerHead:    cfg.NumUnits / cfg.NumHeads,
	}, nil
}

func (l *MultiHeadAttention) Config() AttentionConfig {
	return l.cfg
}

// Build allocates the projection weights. It takes either a single
// width shared by the query and memory sources or the query width
// followed by the memory width.
func (l *MultiHeadAttention) Build(ctx ml.Context, dims ...int) error {
	if l.built {
		return fmt.Errorf("nn: %s: already built", l.cfg.Name)
	}

	var queryDim, memoryDim int
	switch len(dims) {
	case 1:
		queryDim, memoryDim = dims[0], dims[0]
	case 2:
		queryDim, memoryDim = dims[0], dims[1]
	default:
		return fmt.Errorf("nn: %s: build takes [width] or [queryWidth, memoryWidth], got %v", l.cfg.Name, dims)
	}

	if err := l.qTransform.Build(ctx, queryDim); err != nil {
		return err
	}
	if err := l.kvTransform.Build(ctx, memoryDim); err != nil {
		return err
	}
	if err := l.outputTransform.Build(ctx, l.cfg.NumHeads, l.unitsPerHead); err != nil {
		return err
	}

	l.built = true
	return nil
}

// Forward attends query over the memory supplied via WithMemory.
// With a cache attached (WithCache), projected memory key/value are
// reused from the cache when present and stored on first use, so the
// memory sequence is projected once per decode.
func (l *MultiHeadAttention) Forward(ctx ml.Context, query ml.Tensor, opts ...Option) ml.Tensor {
	if !l.built {
		panic(fmt.Errorf("nn: %s: forward before build", l.cfg.Name))
	}

	o := collect(opts)

	q := l.qTransform.Forward(ctx, query)
	q = q.Scale(ctx, 1/math.Sqrt(float64(l.unitsPerHead)))

	var key, value ml.Tensor
	if o.Cache != nil {
		key, value = o.Cache.Get(ctx)
	}
	if key == nil {
		if o.Memory == nil {
			panic(fmt.Errorf("nn: %s: no memory and no cached key/value", l.cfg.Name))
		}

		kv := l.kvTransform.ForwardSplit(ctx, o.Memory)
		key, value = kv[0], kv[1]
		if o.Cache != nil {
			key, value = o.Cache.Put(ctx, key, value)
		}
	}

	return attend(ctx, q, key, value, &o, l.cfg.AttentionDropout, l.outputTransform)
}

// MultiHeadSelfAttention projects queries, keys and values from one
// sequence through a single fused projection.
type MultiHeadSelfAttention struct {
	cfg AttentionConfig

	qkvTransform    *MultiHeadDense
	outputTransform *MultiHeadDense

	unitsPerHead int
	built        bool
}

func NewMultiHeadSelfAttention(cfg AttentionConfig) (*MultiHeadSelfAttention, error) {
	cfg, err := checkAttentionConfig(cfg, "self_attention")
	if err != nil {
		return nil, err
	}

	qkvTransform, err := NewMultiHeadDense(MultiHeadDenseConfig{
		OutputUnits: []int{cfg.NumUnits, cfg.NumUnits, cfg.NumUnits},
		NumHeads:    cfg.NumHeads,
		UseBias:     true,
		Name:        cfg.Name + "/qkv_transform",
	})
	if err != nil {
		return nil, err
	}

	outputTransform, err := newOutputTransform(cfg)
	if err != nil {
		return nil, err
	}

	return &MultiHeadSelfAttention{
		cfg:             cfg,
		qkvTransform:    qkvTransform,
		outputTransform: outputTransform,
		unitsPerHead:    cfg.NumUnits / cfg.NumHeads,
	}, nil
}

func (l *MultiHeadSelfAttention) Config() AttentionConfig {
	return l.cfg
}

func (l *MultiHeadSelfAttention) Build(ctx ml.Context, dims ...int) error {
	if l.built {
		return fmt.Errorf("nn: %s: already built", l.cfg.Name)
	}
	if len(dims) != 1 {
		return fmt.Errorf("nn: %s: build takes the input width, got %v", l.cfg.Name, dims)
	}

	if err := l.qkvTransform.Build(ctx, dims[0]); err != nil {
		return err
	}
	if err := l.outputTransform.Build(ctx, l.cfg.NumHeads, l.unitsPerHead); err != nil {
		return err
	}

	l.built = true
	return nil
}

// Forward attends x over itself. With a cache attached the new
// key/value are appended to the cached history along the length axis
// and scores are computed against the full history, which is how
// single-step incremental decoding sees its past.
func (l *MultiHeadSelfAttention) Forward(ctx ml.Context, x ml.Tensor, opts ...Option) ml.Tensor {
	if !l.built {
		panic(fmt.Errorf("nn: %s: forward before build", l.cfg.Name))
	}

	o := collect(opts)

	qkv := l.qkvTransform.ForwardSplit(ctx, x)
	q, key, value := qkv[0], qkv[1], qkv[2]
	q = q.Scale(ctx, 1/math.Sqrt(float64(l.unitsPerHead)))

	if o.Cache != nil {
		key, value = o.Cache.Put(ctx, key, value)
	}

	return attend(ctx, q, key, value, &o, l.cfg.AttentionDropout, l.outputTransform)
}

func checkAttentionConfig(cfg AttentionConfig, defaultName string) (AttentionConfig, error) {
	if cfg.Name == "" {
		cfg.Name = defaultName
	}
	if cfg.NumHeads < 1 {
		return cfg, fmt.Errorf("nn: %s: num_heads must be at least 1, got %d", cfg.Name, cfg.NumHeads)
	}
	if cfg.NumUnits <= 0 {
		return cfg, fmt.Errorf("nn: %s: num_units must be positive, got %d", cfg.Name, cfg.NumUnits)
	}
	if cfg.NumUnits%cfg.NumHeads != 0 {
		return cfg, fmt.Errorf("nn: %s: num_units %d is not divisible by %d heads", cfg.Name, cfg.NumUnits, cfg.NumHeads)
	}
	if cfg.AttentionDropout < 0 || cfg.AttentionDropout >= 1 {
		return cfg, fmt.Errorf("nn: %s: attention_dropout must be in [0, 1), got %v", cfg.Name, cfg.AttentionDropout)
	}
	if cfg.OutputUnits == 0 {
		cfg.OutputUnits = cfg.NumUnits
	}
	if cfg.OutputUnits < 0 {
		return cfg, fmt.Errorf("nn: %s: output_units must be positive, got %d", cfg.Name, cfg.OutputUnits)
	}

	return cfg, nil
}

func newOutputTransform(cfg AttentionConfig) (*MultiHeadDense, error) {
	return NewMultiHeadDense(MultiHeadDenseConfig{
		OutputUnits:     []int{cfg.OutputUnits},
		NumHeads:        cfg.NumHeads,
		UseBias:         true,
		OutputTransform: true,
		Name:            cfg.Name + "/output_transform",
	})
}

// attend computes scaled dot-product attention over per-head
// projections shaped [batch, length, heads, unitsPerHead] and merges
// the heads through the output transform. The query is already
// scaled.
func attend(ctx ml.Context, q, key, value ml.Tensor, o *Options, dropout float32, output *MultiHeadDense) ml.Tensor {
	if q.Dim(q.Rank()-1) != key.Dim(key.Rank()-1) {
		panic(fmt.Errorf("nn: unitsPerHead does not match between query(%v) and key(%v)", q.Dim(q.Rank()-1), key.Dim(key.Rank()-1)))
	}
	if key.Dim(1) != value.Dim(1) {
		panic(fmt.Errorf("nn: sequence length does not match between key(%v) and value(%v)", key.Dim(1), value.Dim(1)))
	}

	q = q.Permute(ctx, 0, 2, 1, 3).Contiguous(ctx)         // [batch, heads, lq, units]
	keyT := key.Permute(ctx, 0, 2, 3, 1).Contiguous(ctx)   // [batch, heads, units, lk]
	value = value.Permute(ctx, 0, 2, 1, 3).Contiguous(ctx) // [batch, heads, lk, units]

	scores := q.Mulmat(ctx, keyT)
	if o.Mask != nil {
		scores = scores.Add(ctx, o.Mask)
	}

	weights := scores.Softmax(ctx)
	if o.Training && dropout > 0 {
		weights = weights.Dropout(ctx, dropout)
	}

	attended := weights.Mulmat(ctx, value)                       // [batch, heads, lq, units]
	attended = attended.Permute(ctx, 0, 2, 1, 3).Contiguous(ctx) // [batch, lq, heads, units]

	return output.Forward(ctx, attended)
}
