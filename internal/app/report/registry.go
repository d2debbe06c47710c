package report

// finalizable is any writer whose last flush can be flagged.
type finalizable interface {
	SetFinalize(bool)
}

// writerRegistry maps an output-kind key to the writer created for it. It is
// owned by exactly one report-generation invocation and is not safe for
// concurrent use.
type writerRegistry[W finalizable] struct {
	writers map[string]W
	order   []string
}

func newWriterRegistry[W finalizable]() *writerRegistry[W] {
	return &writerRegistry[W]{writers: make(map[string]W)}
}

// GetOrCreate returns the writer for key, building it with create on first
// use. created reports whether create ran, in which case the writer already
// holds the batch it was built from. The writer's finalize flag is set to
// isLast on every call.
func (r *writerRegistry[W]) GetOrCreate(key string, isLast bool, create func() (W, error)) (w W, created bool, err error) {
	w, ok := r.writers[key]
	if !ok {
		if w, err = create(); err != nil {
			return w, false, err
		}
		r.writers[key] = w
		r.order = append(r.order, key)
		created = true
	}
	w.SetFinalize(isLast)
	return w, created, nil
}

// Keys lists registered keys in creation order.
func (r *writerRegistry[W]) Keys() []string { return r.order }

// Len is the number of registered writers.
func (r *writerRegistry[W]) Len() int { return len(r.writers) }
