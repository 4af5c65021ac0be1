package dedupe

// Option applies a configuration option to the Engine.
type Option func(*Engine)

// WithPolicy selects the conflict policy. Unknown policies are ignored.
func WithPolicy(p Policy) Option {
	return func(e *Engine) {
		if p == LIFO || p == FIFO {
			e.policy = p
		}
	}
}
