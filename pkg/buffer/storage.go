package buffer

import "fmt"

// storage owns the payload bytes of one entry.
type storage interface {
	bytes() []byte
	release()
	String() string
}

// inlinePool is a fixed set of preallocated payload slots.
type inlinePool struct {
	slots [][]byte
	used  []bool
}

func newInlinePool(n, size int) *inlinePool {
	p := &inlinePool{
		slots: make([][]byte, n),
		used:  make([]bool, n),
	}
	for i := range p.slots {
		p.slots[i] = make([]byte, 0, size)
	}
	return p
}

// claim copies payload into a free slot. It reports false when every slot is
// in use.
func (p *inlinePool) claim(payload []byte) (*inlineStorage, bool) {
	for i, used := range p.used {
		if used {
			continue
		}
		p.used[i] = true
		p.slots[i] = append(p.slots[i][:0], payload...)
		return &inlineStorage{pool: p, slot: i}, true
	}
	return nil, false
}

func (p *inlinePool) inUse() int {
	n := 0
	for _, used := range p.used {
		if used {
			n++
		}
	}
	return n
}

type inlineStorage struct {
	pool *inlinePool
	slot int
}

func (s *inlineStorage) bytes() []byte {
	return s.pool.slots[s.slot]
}

func (s *inlineStorage) release() {
	s.pool.slots[s.slot] = s.pool.slots[s.slot][:0]
	s.pool.used[s.slot] = false
}

func (s *inlineStorage) String() string {
	return fmt.Sprintf("inline:%d", s.slot)
}

type heapStorage struct {
	data []byte
}

func newHeapStorage(payload []byte) *heapStorage {
	data := make([]byte, len(payload))
	copy(data, payload)
	return &heapStorage{data: data}
}

func (s *heapStorage) bytes() []byte {
	return s.data
}

func (s *heapStorage) release() {
	s.data = nil
}

func (s *heapStorage) String() string {
	return "heap"
}
