package memstore

import (
	"context"
	"sort"

	"github.com/mgamer/indexer-v3-sub004/internal/domain/model"
	"github.com/mgamer/indexer-v3-sub004/internal/store"
)

var (
	_ store.CursorRepository = (*CursorRepo)(nil)
	_ store.BlockRepository  = (*BlockRepo)(nil)
)

type CursorRepo struct{ s *Store }

func (r *CursorRepo) Get(_ context.Context, stream string) (*model.BlockCursor, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.cursors[stream]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r *CursorRepo) Advance(_ context.Context, cursor *model.BlockCursor) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if cur, ok := r.s.cursors[cursor.Stream]; ok && cur.BlockNumber > cursor.BlockNumber {
		return nil
	}
	c := *cursor
	c.UpdatedAt = r.s.nowFn()
	r.s.cursors[cursor.Stream] = c
	return nil
}

func (r *CursorRepo) Rewind(_ context.Context, stream string, blockNumber int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if cur, ok := r.s.cursors[stream]; ok && cur.BlockNumber > blockNumber {
		cur.BlockNumber, cur.BlockHash, cur.UpdatedAt = blockNumber, "", r.s.nowFn()
		r.s.cursors[stream] = cur
	}
	return nil
}

type BlockRepo struct{ s *Store }

func (r *BlockRepo) Save(_ context.Context, blocks []model.IndexedBlock) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, b := range blocks {
		byHash, ok := r.s.blocks[b.BlockNumber]
		if !ok {
			byHash = make(map[string]model.IndexedBlock)
			r.s.blocks[b.BlockNumber] = byHash
		}
		if _, exists := byHash[b.BlockHash]; !exists {
			byHash[b.BlockHash] = b
		}
	}
	return nil
}

func (r *BlockRepo) GetRecent(_ context.Context, limit int) ([]model.IndexedBlock, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.IndexedBlock
	for _, byHash := range r.s.blocks {
		for _, b := range byHash {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber > out[j].BlockNumber
		}
		return out[i].BlockHash < out[j].BlockHash
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *BlockRepo) Delete(_ context.Context, number int64, hash string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if byHash, ok := r.s.blocks[number]; ok {
		delete(byHash, hash)
		if len(byHash) == 0 {
			delete(r.s.blocks, number)
		}
	}
	return nil
}

func (r *BlockRepo) PruneBefore(_ context.Context, number int64) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for num, byHash := range r.s.blocks {
		if num < number {
			n += int64(len(byHash))
			delete(r.s.blocks, num)
		}
	}
	return n, nil
}
