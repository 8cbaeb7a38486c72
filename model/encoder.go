package model

import (
	"encoding/json"
	"fmt"

	"github.com/intUnderflow/neurst/ml"
	"github.com/intUnderflow/neurst/ml/nn"
)

type EncoderConfig struct {
	VocabSize  int `json:"vocab_size"`
	HiddenSize int `json:"hidden_size"`
	NumLayers  int `json:"num_layers"`
	NumHeads   int `json:"num_heads"`
	FilterSize int `json:"filter_size"`

	// Timing of the positional signal, per nn.PositionEmbedding.
	// Defaults to sinusoids.
	Timing       string `json:"timing,omitempty"`
	MaxPositions int    `json:"max_positions,omitempty"`

	// LayerPostprocessDropout applies to every sub-layer output
	// inside its residual wrapper.
	LayerPostprocessDropout float32 `json:"layer_postprocess_dropout"`
	AttentionDropout        float32 `json:"attention_dropout"`
	FFNDropout              float32 `json:"ffn_dropout"`
	FFNActivation           string  `json:"ffn_activation,omitempty"`

	Name string `json:"name,omitempty"`
}

// Encoder is a Transformer encoder: token embedding with positional
// signal, then NumLayers blocks of wrapped self-attention and
// feed-forward sub-layers, then a final layer norm.
type Encoder struct {
	cfg EncoderConfig

	embed  *nn.PositionEmbedding
	blocks []*encoderBlock
	norm   *nn.LayerNorm
	built  bool
}

type encoderBlock struct {
	selfAttention Component
	ffn           Component
}

func init() {
	Register("transformer_encoder", func(raw json.RawMessage) (Model, error) {
		var cfg EncoderConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("model: invalid encoder config: %w", err)
		}

		return NewEncoder(cfg)
	})
}

func NewEncoder(cfg EncoderConfig) (*Encoder, error) {
	if cfg.Name == "" {
		cfg.Name = "transformer_encoder"
	}
	if cfg.NumLayers < 1 {
		return nil, fmt.Errorf("model: %s: num_layers must be at least 1, got %d", cfg.Name, cfg.NumLayers)
	}
	if cfg.Timing == "" {
		cfg.Timing = nn.TimingSinusoids
	} else if cfg.Timing == "none" {
		cfg.Timing = nn.TimingNone
	}

	embedding, err := nn.NewEmbedding(nn.EmbeddingConfig{
		VocabSize:    cfg.VocabSize,
		EmbeddingDim: cfg.HiddenSize,
		Name:         cfg.Name + "/embedding",
	})
	if err != nil {
		return nil, err
	}

	embed, err := nn.NewPositionEmbedding(embedding, nn.PositionEmbeddingConfig{
		Timing:       cfg.Timing,
		MaxPositions: cfg.MaxPositions,
		Name:         cfg.Name + "/position_emb_wrapper",
	})
	if err != nil {
		return nil, err
	}

	blocks := make([]*encoderBlock, cfg.NumLayers)
	for i := range blocks {
		prefix := fmt.Sprintf("%s/layer_%d", cfg.Name, i)

		selfAttention, err := nn.NewMultiHeadSelfAttention(nn.AttentionConfig{
			NumHeads:         cfg.NumHeads,
			NumUnits:         cfg.HiddenSize,
			AttentionDropout: cfg.AttentionDropout,
			Name:             prefix + "/self_attention",
		})
		if err != nil {
			return nil, err
		}

		wrappedAttention, err := WrapComponent(selfAttention, cfg.LayerPostprocessDropout, prefix+"/self_attention_prepost_wrapper")
		if err != nil {
			return nil, err
		}

		ffn, err := nn.NewFFN(nn.FFNConfig{
			FilterSize:  cfg.FilterSize,
			OutputSize:  cfg.HiddenSize,
			DropoutRate: cfg.FFNDropout,
			Activation:  cfg.FFNActivation,
			Name:        prefix + "/ffn",
		})
		if err != nil {
			return nil, err
		}

		wrappedFFN, err := WrapComponent(ffn, cfg.LayerPostprocessDropout, prefix+"/ffn_prepost_wrapper")
		if err != nil {
			return nil, err
		}

		blocks[i] = &encoderBlock{selfAttention: wrappedAttention, ffn: wrappedFFN}
	}

	norm, err := nn.NewLayerNorm(nn.LayerNormConfig{Name: cfg.Name + "/output_ln"})
	if err != nil {
		return nil, err
	}

	return &Encoder{cfg: cfg, embed: embed, blocks: blocks, norm: norm}, nil
}

func (m *Encoder) Config() EncoderConfig {
	return m.cfg
}

func (m *Encoder) Build(ctx ml.Context) error {
	if m.built {
		return fmt.Errorf("model: %s: already built", m.cfg.Name)
	}

	if err := m.embed.Build(ctx); err != nil {
		return err
	}

	for _, block := range m.blocks {
		if err := block.selfAttention.Build(ctx, m.cfg.HiddenSize); err != nil {
			return err
		}
		if err := block.ffn.Build(ctx, m.cfg.HiddenSize); err != nil {
			return err
		}
	}

	if err := m.norm.Build(ctx, m.cfg.HiddenSize); err != nil {
		return err
	}

	m.built = true
	return nil
}

// Forward encodes [batch, length] token ids into [batch, length,
// hidden] states. Pass the padding mask with nn.WithMask; omitting it
// attends across padding.
func (m *Encoder) Forward(ctx ml.Context, inputs ml.Tensor, opts ...nn.Option) ml.Tensor {
	if !m.built {
		panic(fmt.Errorf("model: %s: forward before build", m.cfg.Name))
	}

	x := m.embed.Forward(ctx, inputs, opts...)
	for _, block := range m.blocks {
		x = block.selfAttention.Forward(ctx, x, opts...)
		x = block.ffn.Forward(ctx, x, opts...)
	}

	return m.norm.Forward(ctx, x)
}
