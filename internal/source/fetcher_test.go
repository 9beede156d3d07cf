package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"projectsync/internal/cache"
	"projectsync/internal/model"
	"projectsync/pkg/upstream"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSource(baseURL string) model.Source {
	return model.Source{
		Code:               "dpwh",
		Strategy:           "dpwh",
		BaseURL:            baseURL,
		Endpoint:           "/api/projects/{id}",
		AlternateEndpoints: []string{"/api/v2/projects/{id}"},
		PageURL:            "/projects/{id}",
		EmbeddedScriptID:   "__NEXT_DATA__",
		HealthURL:          "/api/health",
		RateLimit:          1000,
		Timeout:            2 * time.Second,
		RetryAttempts:      2,
		RetryBackoff:       time.Millisecond,
		RateLimitCooldown:  time.Millisecond,
	}
}

func testFetcher(t *testing.T, src model.Source) (*Fetcher, cache.Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := cache.NewRedisCacheFromClient(client, "test")

	up := upstream.New(upstream.Options{
		Name:          src.Code,
		BaseURL:       src.BaseURL,
		RateLimit:     src.RateLimit,
		Timeout:       src.Timeout,
		RetryAttempts: src.RetryAttempts,
		RetryBackoff:  src.RetryBackoff,
		Cooldown:      src.RateLimitCooldown,
	}, nil)
	return NewFetcher(src, up, c, time.Hour), c
}

func TestFetchRangeItemModeFallbacks(t *testing.T) {
	var primary3 atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/projects/1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ProjectName": "Bridge"}`)
	})
	mux.HandleFunc("/api/projects/2", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/api/projects/3", func(w http.ResponseWriter, r *http.Request) {
		primary3.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	mux.HandleFunc("/api/v2/projects/3", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data": {"ProjectId": 3, "ProjectName": "Seawall"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f, c := testFetcher(t, testSource(srv.URL))
	ctx := context.Background()

	res, err := f.FetchRange(ctx, 1, 3)
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)
	assert.Equal(t, 1, res.Missing)
	assert.Empty(t, res.Failures)
	assert.Equal(t, int32(2), primary3.Load(), "primary is retried before falling back")

	// id-less payloads are tagged with the id they were fetched under
	assert.Equal(t, "1", res.Records[0][fetchIDKey])

	endpoint, err := c.Get(ctx, cache.ActiveEndpointKey("dpwh"))
	require.NoError(t, err)
	assert.Equal(t, "/api/v2/projects/{id}", string(endpoint))

	cached, err := f.Cached(ctx, "3")
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, "Seawall", lookup(Extract(cached[0]), nameKeys...))
}

func TestFetchRangePageFallback(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/projects/9", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusBadGateway)
	})
	mux.HandleFunc("/api/v2/projects/9", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusBadGateway)
	})
	mux.HandleFunc("/projects/9", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><script id="__NEXT_DATA__" type="application/json">
			{"props":{"pageProps":{"project":{"ProjectId":9,"ProjectName":"Farm Road"}}}}
		</script></body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f, _ := testFetcher(t, testSource(srv.URL))

	res, err := f.FetchRange(context.Background(), 9, 9)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "Farm Road", lookup(Extract(res.Records[0]), nameKeys...))
}

func TestFetchRangeRecordsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f, _ := testFetcher(t, testSource(srv.URL))

	res, err := f.FetchRange(context.Background(), 4, 5)
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, "4", res.Failures[0].ItemID())

	var statusErr *upstream.StatusError
	require.ErrorAs(t, res.Failures[1].Err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
}

func TestFetchRetriesAfterRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"id": 1, "name": "Bridge"}`)
	}))
	defer srv.Close()

	f, _ := testFetcher(t, testSource(srv.URL))

	raws, err := f.FetchPrimary(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Len(t, raws, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchRangeListMode(t *testing.T) {
	var gotLimit, gotOffset string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		gotOffset = r.URL.Query().Get("offset")
		if gotOffset == "100" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"data": [{"projectCode": "A-1"}, {"projectCode": "A-2"}, {"projectCode": "A-3"}]}`)
	}))
	defer srv.Close()

	src := testSource(srv.URL)
	src.Code = "opendata"
	src.Endpoint = "/api/projects?limit={limit}&offset={offset}"
	src.AlternateEndpoints = nil
	src.PageURL = ""
	f, _ := testFetcher(t, src)

	res, err := f.FetchRange(context.Background(), 11, 13)
	require.NoError(t, err)
	assert.Len(t, res.Records, 3)
	assert.Equal(t, "3", gotLimit)
	assert.Equal(t, "10", gotOffset)

	res, err = f.FetchRange(context.Background(), 101, 150)
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	assert.Equal(t, 50, res.Missing)
}

func TestFetchRangeStopsRequestingDuringMaintenance(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "<h1>Site under maintenance</h1>")
	}))
	defer srv.Close()

	src := testSource(srv.URL)
	src.AlternateEndpoints = nil
	src.PageURL = ""
	src.RetryAttempts = 1
	f, _ := testFetcher(t, src)

	res, err := f.FetchRange(context.Background(), 1, 5)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	require.Len(t, res.Failures, 5)
	for i, failure := range res.Failures {
		assert.Equal(t, int64(i+1), failure.From)
		assert.True(t, upstream.IsMaintenance(failure.Err))
	}
}

func TestFetchRangeListOffsetNeverNegative(t *testing.T) {
	var gotOffset string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOffset = r.URL.Query().Get("offset")
		fmt.Fprint(w, `{"data": [{"projectCode": "A-1"}]}`)
	}))
	defer srv.Close()

	src := testSource(srv.URL)
	src.Endpoint = "/api/projects?limit={limit}&offset={offset}"
	src.AlternateEndpoints = nil
	src.PageURL = ""
	f, _ := testFetcher(t, src)

	_, err := f.FetchRange(context.Background(), 0, 4)
	require.NoError(t, err)
	assert.Equal(t, "0", gotOffset)
}

func TestFetchRangeListModeFailsBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	src := testSource(srv.URL)
	src.Endpoint = "/api/projects?limit={limit}&offset={offset}"
	src.AlternateEndpoints = nil
	src.PageURL = ""
	f, _ := testFetcher(t, src)

	_, err := f.FetchRange(context.Background(), 1, 10)
	assert.Error(t, err)
}

func TestCheckHealth(t *testing.T) {
	var maintenance atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if maintenance.Load() {
			fmt.Fprint(w, "<h1>Scheduled Maintenance</h1>")
			return
		}
		fmt.Fprint(w, `{"status":"ok"}`)
	}))
	defer srv.Close()

	f, _ := testFetcher(t, testSource(srv.URL))
	ctx := context.Background()

	require.NoError(t, f.CheckHealth(ctx))

	maintenance.Store(true)
	err := f.CheckHealth(ctx)
	var statusErr *upstream.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
}

func TestCachedMiss(t *testing.T) {
	f, _ := testFetcher(t, testSource("http://127.0.0.1:1"))
	_, err := f.Cached(context.Background(), "404")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
}
