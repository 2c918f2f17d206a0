package audio

// PipelineOption configures a [CapturePipeline].
type PipelineOption func(*pipelineConfig)

type pipelineConfig struct {
	targetRate   int
	frameSize    int
	gain         float32
	ringCapacity int
}

// WithTargetRate overrides the output sample rate. Defaults to [TargetRate].
func WithTargetRate(rate int) PipelineOption {
	return func(c *pipelineConfig) { c.targetRate = rate }
}

// WithFrameSize overrides the chunk length in samples. Defaults to [FrameSize].
func WithFrameSize(n int) PipelineOption {
	return func(c *pipelineConfig) { c.frameSize = n }
}

// WithGain overrides the headroom gain. Defaults to [HeadroomGain].
func WithGain(g float32) PipelineOption {
	return func(c *pipelineConfig) { c.gain = g }
}

// WithRingCapacity overrides the resampler input ring size.
func WithRingCapacity(n int) PipelineOption {
	return func(c *pipelineConfig) { c.ringCapacity = n }
}

// CapturePipeline is the capture-side signal chain: downmix, resample to the
// target rate, then chunk and quantize into fixed-size PCM frames.
//
// Process is meant to run directly in a device callback. After the first few
// blocks it performs no allocation except for the emitted chunks themselves.
type CapturePipeline struct {
	resampler *Resampler
	chunker   *Chunker
	scratch   []float32
}

// NewCapturePipeline builds a pipeline for a device delivering inRate Hz.
func NewCapturePipeline(inRate int, opts ...PipelineOption) (*CapturePipeline, error) {
	cfg := pipelineConfig{
		targetRate:   TargetRate,
		frameSize:    FrameSize,
		gain:         HeadroomGain,
		ringCapacity: DefaultRingCapacity,
	}
	for _, o := range opts {
		o(&cfg)
	}

	r, err := NewResampler(inRate, cfg.targetRate, cfg.ringCapacity)
	if err != nil {
		return nil, err
	}
	c, err := NewChunker(cfg.frameSize, cfg.gain)
	if err != nil {
		return nil, err
	}
	return &CapturePipeline{resampler: r, chunker: c}, nil
}

// Process feeds one planar block through the chain, calling emit for every
// completed chunk in order.
func (p *CapturePipeline) Process(channels [][]float32, emit func(PCMChunk)) {
	p.scratch = p.resampler.Process(p.scratch[:0], channels)
	p.chunker.Write(p.scratch, emit)
}

// Reset clears the carried phase and any partial frame.
func (p *CapturePipeline) Reset() {
	p.resampler.Reset()
	p.chunker.Reset()
}
