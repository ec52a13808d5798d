package ledger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func TestNextSequenceMonotonic(t *testing.T) {
	storage := newTestStorage(t)

	var seqs []uint64
	for i := 0; i < 5; i++ {
		require.NoError(t, storage.Update(func(tx *bbolt.Tx) error {
			seq, err := nextSequence(tx, "widgets")
			seqs = append(seqs, seq)
			return err
		}))
	}

	for i, seq := range seqs {
		assert.Equal(t, uint64(i+1), seq)
	}
}

func TestNextSequenceConcurrentAllocationsAreUnique(t *testing.T) {
	storage := newTestStorage(t)

	const n = 50
	var wg sync.WaitGroup
	seen := make(chan uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = storage.Update(func(tx *bbolt.Tx) error {
				seq, err := nextSequence(tx, "concurrent")
				if err == nil {
					seen <- seq
				}
				return err
			})
		}()
	}
	wg.Wait()
	close(seen)

	unique := map[uint64]bool{}
	for seq := range seen {
		assert.False(t, unique[seq], "sequence value %d allocated twice", seq)
		unique[seq] = true
	}
	assert.Len(t, unique, n)
}

func TestNextSequenceIndependentPerName(t *testing.T) {
	storage := newTestStorage(t)

	require.NoError(t, storage.Update(func(tx *bbolt.Tx) error {
		_, err := nextSequence(tx, "a")
		return err
	}))
	require.NoError(t, storage.Update(func(tx *bbolt.Tx) error {
		seq, err := nextSequence(tx, "b")
		assert.Equal(t, uint64(1), seq)
		return err
	}))
}
