// Copyright 2025 CostPilot
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package costdata

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	result *ResultSet
	err    error
	calls  int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Fetch(ctx context.Context, q Query) (*ResultSet, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func testQuery() Query {
	return Query{
		AccountID:   "acct-1",
		WindowStart: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		Granularity: "daily",
	}
}

func newCachedProvider(t *testing.T, live Provider) *CachedProvider {
	t.Helper()
	mr := miniredis.RunT(t)

	cp, err := NewCachedProvider(live, "redis://"+mr.Addr(), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cp.Close() })
	return cp
}

func TestCachedProvider_FetchRefreshesCache(t *testing.T) {
	live := &fakeProvider{result: &ResultSet{
		Records:  []Record{{AccountID: "acct-1", Service: "compute", Amount: 120.5, Currency: "USD"}},
		Total:    120.5,
		Currency: "USD",
	}}
	cp := newCachedProvider(t, live)
	ctx := context.Background()

	got, err := cp.Fetch(ctx, testQuery())
	require.NoError(t, err)
	assert.False(t, got.Stale)
	assert.Equal(t, 1, live.calls)

	// Subsequent outage: the stale path serves the last good fetch
	stale, err := cp.Stale(ctx, testQuery())
	require.NoError(t, err)
	assert.True(t, stale.Stale)
	assert.Equal(t, 120.5, stale.Total)
	require.Len(t, stale.Records, 1)
	assert.Equal(t, "compute", stale.Records[0].Service)
}

func TestCachedProvider_StaleMissesWithoutPriorFetch(t *testing.T) {
	cp := newCachedProvider(t, &fakeProvider{result: &ResultSet{}})

	_, err := cp.Stale(context.Background(), testQuery())
	assert.ErrorContains(t, err, "no cached cost data")
}

func TestCachedProvider_LiveErrorDoesNotTouchCache(t *testing.T) {
	live := &fakeProvider{err: fmt.Errorf("upstream down")}
	cp := newCachedProvider(t, live)
	ctx := context.Background()

	_, err := cp.Fetch(ctx, testQuery())
	assert.ErrorContains(t, err, "upstream down")

	_, err = cp.Stale(ctx, testQuery())
	assert.Error(t, err, "a failed fetch must not poison the stale path")
}

func TestCachedProvider_StaleHitsAcrossRollingWindows(t *testing.T) {
	live := &fakeProvider{result: &ResultSet{Total: 42, Currency: "USD"}}
	cp := newCachedProvider(t, live)
	ctx := context.Background()

	// Rolling "last 30 days" windows are stamped at request time, so
	// the fetch and the later breaker-open lookup carry different
	// timestamps for the same logical window
	fetchTime := time.Date(2026, 4, 1, 9, 15, 3, 912, time.UTC)
	first := testQuery()
	first.WindowEnd = fetchTime
	first.WindowStart = fetchTime.AddDate(0, 0, -30)

	_, err := cp.Fetch(ctx, first)
	require.NoError(t, err)

	retry := testQuery()
	retry.WindowEnd = fetchTime.Add(7 * time.Second)
	retry.WindowStart = retry.WindowEnd.AddDate(0, 0, -30)

	stale, err := cp.Stale(ctx, retry)
	require.NoError(t, err)
	assert.True(t, stale.Stale)
	assert.Equal(t, float64(42), stale.Total)
}

func TestCachedProvider_KeyVariesByQuery(t *testing.T) {
	live := &fakeProvider{result: &ResultSet{Total: 10, Currency: "USD"}}
	cp := newCachedProvider(t, live)
	ctx := context.Background()

	_, err := cp.Fetch(ctx, testQuery())
	require.NoError(t, err)

	other := testQuery()
	other.AccountID = "acct-2"
	_, err = cp.Stale(ctx, other)
	assert.Error(t, err, "a different account must not hit the same cache entry")
}

func TestCachedProvider_BadRedisURL(t *testing.T) {
	_, err := NewCachedProvider(&fakeProvider{}, "not-a-url", 0)
	assert.Error(t, err)
}
