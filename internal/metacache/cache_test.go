package metacache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(ttl time.Duration) (*Cache[int], *clock) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	c := New[int](ttl)
	c.now = clk.Now
	return c, clk
}

func TestCacheGetSet(t *testing.T) {
	c, _ := newTestCache(time.Minute)

	_, res := c.Get("/a.txt")
	assert.Equal(t, Miss, res)

	c.Set("/a.txt", 42)
	v, res := c.Get("/a.txt")
	assert.Equal(t, Hit, res)
	assert.Equal(t, 42, v)

	c.Set("/a.txt", 7)
	v, _ = c.Get("/a.txt")
	assert.Equal(t, 7, v)
}

func TestCacheMissingEntry(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	c.SetMissing("/gone.txt")

	v, res := c.Get("/gone.txt")
	assert.Equal(t, Missing, res)
	assert.Zero(t, v)

	c.Set("/gone.txt", 1)
	_, res = c.Get("/gone.txt")
	assert.Equal(t, Hit, res)
}

func TestCacheExpiration(t *testing.T) {
	c, clk := newTestCache(10 * time.Second)
	c.Set("/a.txt", 1)
	c.SetMissing("/b.txt")

	clk.Advance(5 * time.Second)
	_, res := c.Get("/a.txt")
	assert.Equal(t, Hit, res)

	clk.Advance(6 * time.Second)
	_, res = c.Get("/a.txt")
	assert.Equal(t, Miss, res)
	_, res = c.Get("/b.txt")
	assert.Equal(t, Miss, res)
	assert.Zero(t, c.Len())
}

func TestCacheSetRefreshesTTL(t *testing.T) {
	c, clk := newTestCache(10 * time.Second)
	c.Set("/a.txt", 1)
	clk.Advance(8 * time.Second)
	c.Set("/a.txt", 2)
	clk.Advance(8 * time.Second)

	v, res := c.Get("/a.txt")
	require.Equal(t, Hit, res)
	assert.Equal(t, 2, v)
}

func TestCacheInvalidate(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		remaining []string
	}{
		{"file and parent", "/dir/a.txt", []string{"/", "/dir/b.txt"}},
		{"root", "/", []string{"/dir", "/dir/a.txt", "/dir/b.txt"}},
		{"top level", "/dir", []string{"/dir/a.txt", "/dir/b.txt"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestCache(time.Minute)
			for _, key := range []string{"/", "/dir", "/dir/a.txt", "/dir/b.txt"} {
				c.Set(key, 1)
			}

			c.Invalidate(tt.key)

			var live []string
			for _, key := range []string{"/", "/dir", "/dir/a.txt", "/dir/b.txt"} {
				if _, res := c.Get(key); res == Hit {
					live = append(live, key)
				}
			}
			assert.Equal(t, tt.remaining, live)
		})
	}
}

func TestCachePurge(t *testing.T) {
	c, clk := newTestCache(10 * time.Second)
	c.Set("/old", 1)
	clk.Advance(6 * time.Second)
	c.Set("/new", 2)
	clk.Advance(6 * time.Second)

	c.Purge()
	assert.Equal(t, 1, c.Len())
	_, res := c.Get("/new")
	assert.Equal(t, Hit, res)
}

func TestCacheConcurrency(t *testing.T) {
	c := New[int](time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("/f%d", j%10)
				c.Set(key, i)
				c.Get(key)
				if j%7 == 0 {
					c.Invalidate(key)
				}
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 10)
}
