package raster

// blockStore indexes the resident blocks of one band by coordinate. It is
// guarded by the owning cache's mutex.
type blockStore interface {
	get(x, y int) *block
	put(b *block)
	remove(x, y int)
	keys() []blockKey
	len() int
}

// arrayStore is a dense slot per block of the grid. Lookups are a single
// index; memory grows with the grid, not with residency.
type arrayStore struct {
	nBlocksX int
	slots    []*block
	n        int
}

func newArrayStore(nBlocksX, nBlocksY int) *arrayStore {
	return &arrayStore{nBlocksX: nBlocksX, slots: make([]*block, nBlocksX*nBlocksY)}
}

func (s *arrayStore) get(x, y int) *block {
	return s.slots[y*s.nBlocksX+x]
}

func (s *arrayStore) put(b *block) {
	i := b.y*s.nBlocksX + b.x
	if s.slots[i] == nil {
		s.n++
	}
	s.slots[i] = b
}

func (s *arrayStore) remove(x, y int) {
	i := y*s.nBlocksX + x
	if s.slots[i] != nil {
		s.n--
		s.slots[i] = nil
	}
}

func (s *arrayStore) keys() []blockKey {
	keys := make([]blockKey, 0, s.n)
	for i, b := range s.slots {
		if b != nil {
			keys = append(keys, blockKey{x: i % s.nBlocksX, y: i / s.nBlocksX})
		}
	}
	return keys
}

func (s *arrayStore) len() int {
	return s.n
}

// hashStore keeps only resident blocks, for grids too large for a slot
// per block.
type hashStore struct {
	blocks map[blockKey]*block
}

func newHashStore() *hashStore {
	return &hashStore{blocks: make(map[blockKey]*block)}
}

func (s *hashStore) get(x, y int) *block {
	return s.blocks[blockKey{x, y}]
}

func (s *hashStore) put(b *block) {
	s.blocks[blockKey{b.x, b.y}] = b
}

func (s *hashStore) remove(x, y int) {
	delete(s.blocks, blockKey{x, y})
}

func (s *hashStore) keys() []blockKey {
	keys := make([]blockKey, 0, len(s.blocks))
	for k := range s.blocks {
		keys = append(keys, k)
	}
	return keys
}

func (s *hashStore) len() int {
	return len(s.blocks)
}
