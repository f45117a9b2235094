package dispatch

// loopOptions holds configuration resolved once at Loop construction
// (grounded on the teacher's options.go loopOptions/LoopOption split).
type loopOptions struct {
	backend          Backend
	priorityArity    int
	maxFD            int
	singleThreaded   bool
	logger           Logger
}

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (o *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return o.applyLoopFunc(opts)
}

// WithBackend overrides automatic backend selection; primarily for
// tests that need to exercise a specific backend regardless of which
// platform the test runs on.
func WithBackend(b Backend) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.backend = b
		return nil
	}}
}

// WithPriorityArity sets the fan-out of the event priority queue's
// underlying d-ary heap (spec §4.1). Must be at least 2; values below
// that fall back to the default.
func WithPriorityArity(arity int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.priorityArity = arity
		return nil
	}}
}

// WithMaxFD bounds the highest fd the loop will accept a watch for,
// guarding the backends (pselect in particular) that size internal
// structures off the fd value itself.
func WithMaxFD(max int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.maxFD = max
		return nil
	}}
}

// WithSingleThreaded selects the zero-overhead attention-lock variant
// (spec §4.8, §5): only safe when the caller guarantees Run/Poll are
// never invoked concurrently or reentrantly.
func WithSingleThreaded() LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.singleThreaded = true
		return nil
	}}
}

// WithLogger sets the structured logger the loop writes diagnostic
// entries through (backend selection, emulation fallback, reaper
// races). Defaults to a no-op logger.
func WithLogger(l Logger) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = l
		return nil
	}}
}

const defaultMaxFD = 1 << 16

func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		priorityArity: defaultQueueArity,
		maxFD:         defaultMaxFD,
		logger:        NewNoOpLogger(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
