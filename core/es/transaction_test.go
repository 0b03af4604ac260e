package es

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransactionPool(t *testing.T) {
	p := NewTransactionPool()
	require.Zero(t, p.Len())
	require.False(t, p.Contains("a"))

	var wg sync.WaitGroup
	for _, id := range []string{"c", "a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Add(id)
		}()
	}
	wg.Wait()

	require.Equal(t, 3, p.Len())
	require.Equal(t, []string{"a", "b", "c"}, p.IDs())
	require.True(t, p.Contains("b"))

	p.Remove("b")
	p.Remove("missing")
	require.False(t, p.Contains("b"))
	require.Equal(t, []string{"a", "c"}, p.IDs())
}

func TestTransactionRecord(t *testing.T) {
	f := NewFactory(NewRegistry())
	at, err := f.TypeByStreamName(StreamName(transactionCategory, "tx"))
	require.NoError(t, err)

	rec := f.instance(at, "tx").(*transactionRecord)
	require.NoError(t, Update(rec, CausedByCommand("c", "", ""), &TransactionStarted{TxID: "tx"}))
	require.True(t, rec.Open)
	require.NoError(t, Update(rec, CausedByCommand("c", "", ""), &TransactionCompleted{TxID: "tx", Committed: true}))
	require.False(t, rec.Open)
	require.True(t, rec.Committed)
}
