package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zakupai/etl/internal/faults"
)

func newTestFetcher(maxBytes int64) *Fetcher {
	return New(Config{MaxBytes: maxBytes, Timeout: 5 * time.Second}, nil)
}

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		fmt.Fprint(w, "%PDF-1.4 payload")
	}))
	defer srv.Close()

	res, err := newTestFetcher(1024).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 payload", string(res.Data))
	assert.Equal(t, "application/pdf", res.ContentType)
}

func TestFetchAuthHeader(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	f := New(Config{MaxBytes: 1024, Timeout: time.Second, AuthHeader: "Bearer tok"}, nil)
	_, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", got)
}

func TestFetchDeclaredOversize(t *testing.T) {
	var bodyReads atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "2048")
		bodyReads.Add(1)
		w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	_, err := newTestFetcher(1024).Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, faults.KindTooLarge, faults.KindOf(err))
}

func TestFetchStreamOverflow(t *testing.T) {
	// No Content-Length: cap must be enforced during read.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Transfer-Encoding", "chunked")
		for i := 0; i < 64; i++ {
			w.Write(make([]byte, 64))
		}
	}))
	defer srv.Close()

	_, err := newTestFetcher(1024).Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, faults.KindTooLarge, faults.KindOf(err))
}

func TestFetchExactCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 1024))
	}))
	defer srv.Close()

	res, err := newTestFetcher(1024).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Len(t, res.Data, 1024)
}

func TestFetchOneByteOverCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 1025))
	}))
	defer srv.Close()

	_, err := newTestFetcher(1024).Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, faults.KindTooLarge, faults.KindOf(err))
}

func TestFetchHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	_, err := newTestFetcher(1024).Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, faults.KindHTTPStatus, faults.KindOf(err))
	assert.False(t, faults.Retriable(err), "4xx is not retriable")
}

func TestFetchHTTPStatus5xxRetriable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestFetcher(1024).Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, faults.KindHTTPStatus, faults.KindOf(err))
	assert.True(t, faults.Retriable(err))
}

func TestFetchEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := newTestFetcher(1024).Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, faults.KindEmpty, faults.KindOf(err))
}

func TestFetchNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	_, err := newTestFetcher(1024).Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, faults.KindNetwork, faults.KindOf(err))
	assert.True(t, faults.Retriable(err))
}

func TestFetchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	f := New(Config{MaxBytes: 1024, Timeout: 20 * time.Millisecond}, nil)
	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, faults.KindTimeout, faults.KindOf(err))
}

func TestFetchCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := newTestFetcher(1024).Fetch(ctx, srv.URL)
	require.Error(t, err)
	assert.Equal(t, faults.KindCancelled, faults.KindOf(err))
}

func TestFetchInvalidURL(t *testing.T) {
	for _, bad := range []string{"", "ftp://host/file.pdf", "not a url", "/relative/path"} {
		_, err := newTestFetcher(1024).Fetch(context.Background(), bad)
		require.Error(t, err, "url %q", bad)
		assert.Equal(t, faults.KindValidation, faults.KindOf(err))
	}
}

func TestFetchLargeChunkedUnderCap(t *testing.T) {
	payload := strings.Repeat("x", 10_000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, payload)
	}))
	defer srv.Close()

	res, err := newTestFetcher(1 << 20).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Len(t, res.Data, len(payload))
}
