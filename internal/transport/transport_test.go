package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/auroradata-ai/dppir/internal/types"
)

func pipe(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	ca, err := WrapConn(a)
	require.NoError(t, err)
	cb, err := WrapConn(b)
	require.NoError(t, err)
	t.Cleanup(func() {
		ca.Close()
		cb.Close()
	})
	return ca, cb
}

func TestCountRoundTrip(t *testing.T) {
	a, b := pipe(t)
	done := make(chan error, 1)
	go func() { done <- a.SendCount(42) }()
	got, err := b.ReadCount()
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, types.Index(42), got)
}

func TestReadySignalRoundTrip(t *testing.T) {
	a, b := pipe(t)
	done := make(chan error, 1)
	go func() { done <- a.SendReady() }()
	require.NoError(t, b.WaitForReady())
	require.NoError(t, <-done)
}

func TestQueryRoundTrip(t *testing.T) {
	a, b := pipe(t)
	queries := []types.Query{{Tag: 1, Tally: 2}, {Tag: 3, Tally: 4}}
	done := make(chan error, 1)
	go func() {
		for _, q := range queries {
			if err := a.SendQuery(q); err != nil {
				done <- err
				return
			}
		}
		done <- a.Flush()
	}()
	got, err := b.ReadQueries(types.Index(len(queries)))
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, queries, got)
}

func TestResponseRoundTrip(t *testing.T) {
	a, b := pipe(t)
	responses := []types.Response{{Value: 7}, {Value: 8}}
	done := make(chan error, 1)
	go func() { done <- a.SendResponses(responses) }()
	got, err := b.ReadResponses(types.Index(len(responses)))
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, responses, got)
}

func TestTruncatedReadReportsError(t *testing.T) {
	a, b := pipe(t)
	go func() {
		_ = a.SendRaw([]byte{1, 2})
		_ = a.Flush()
		a.Close()
	}()
	_, err := b.ReadQueries(1)
	require.Error(t, err)
	var truncated *TruncatedError
	require.ErrorAs(t, err, &truncated)
}
