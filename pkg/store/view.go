package store

// ReadView is the query-side projection of the write store. It is only
// written by a Syncer; each merge is applied under one lock so readers never
// observe a partial merge.
type ReadView struct {
	indexed

	gen uint64
}

// NewReadView creates an empty view.
func NewReadView() *ReadView {
	return &ReadView{indexed: indexed{ix: newIndex()}}
}

// Generation returns the write store generation the view reflects.
func (v *ReadView) Generation() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.gen
}

func (v *ReadView) apply(delta []Record, gen uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range delta {
		r := delta[i]
		if existing, ok := v.ix.byID[r.ID]; ok {
			existing.Correlated = r.Correlated
			continue
		}
		v.ix.insert(&r)
	}
	v.gen = gen
}

func (v *ReadView) reset(gen uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ix = newIndex()
	v.gen = gen
}
