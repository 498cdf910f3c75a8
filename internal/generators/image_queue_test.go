package generators

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"storyos/server/internal/interfaces"
	"storyos/server/internal/logger"
	"storyos/server/internal/metrics"
)

type fakeImageGen struct {
	mu    sync.Mutex
	calls map[string]int
	gate  chan struct{}
	fail  string
}

func newFakeImageGen() *fakeImageGen {
	return &fakeImageGen{calls: make(map[string]int)}
}

func (f *fakeImageGen) GenerateImage(ctx context.Context, req *interfaces.ImageRequest) (*interfaces.ImageResponse, error) {
	f.mu.Lock()
	f.calls[req.Prompt]++
	gate, fail := f.gate, f.fail
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != "" && strings.Contains(req.Prompt, fail) {
		return nil, errors.New("content policy violation")
	}
	return &interfaces.ImageResponse{ImageURL: "https://img/" + strings.ReplaceAll(req.Prompt, " ", "-") + ".png"}, nil
}

func (f *fakeImageGen) count(prompt string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[prompt]
}

func TestImageQueueGenerates(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	gen := newFakeImageGen()
	gen.fail = "forbidden"
	q := NewImageQueue(gen, QueueOptions{MaxWorkers: 2, MaxQueueSize: 10}, metrics.New(nil), logger.Nop())
	q.Start(ctx)
	defer q.Stop()

	res, err := q.Generate(ctx, ImageJob{SessionID: "s1", MessageID: "s1_1", Prompt: "a red door"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.URL != "https://img/a-red-door.png" || res.Job.MessageID != "s1_1" {
		t.Errorf("result = %+v", res)
	}

	if _, err := q.Generate(ctx, ImageJob{Prompt: "forbidden thing"}); err == nil {
		t.Error("generator error was not reported")
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	urls := map[string]string{}
	for _, p := range []string{"one", "two", "three"} {
		wg.Add(1)
		if err := q.Enqueue(ImageJob{Prompt: p}, func(r ImageResult) {
			defer wg.Done()
			mu.Lock()
			urls[r.Job.Prompt] = r.URL
			mu.Unlock()
		}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	wg.Wait()
	if len(urls) != 3 || urls["two"] != "https://img/two.png" {
		t.Errorf("urls = %v", urls)
	}

	st := q.Status()
	if st.Processed != 4 || st.Failed != 1 || st.QueueSize != 0 || st.Workers != 2 || st.LastError == "" {
		t.Errorf("status = %+v", st)
	}
}

func TestImageQueueFull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gen := newFakeImageGen()
	gen.gate = make(chan struct{})
	q := NewImageQueue(gen, QueueOptions{MaxWorkers: 1, MaxQueueSize: 1}, nil, logger.Nop())
	q.Start(ctx)

	started := make(chan struct{})
	var once sync.Once
	// the first job occupies the worker
	if err := q.Enqueue(ImageJob{Prompt: "busy"}, func(ImageResult) {}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	go func() {
		for gen.count("busy") == 0 {
			time.Sleep(time.Millisecond)
		}
		once.Do(func() { close(started) })
	}()
	<-started

	if err := q.Enqueue(ImageJob{Prompt: "queued"}, nil); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if err := q.Enqueue(ImageJob{Prompt: "overflow"}, nil); !errors.Is(err, ErrQueueFull) {
		t.Errorf("overflow err = %v", err)
	}

	close(gen.gate)
	q.Stop()
	if err := q.Enqueue(ImageJob{Prompt: "late"}, nil); !errors.Is(err, ErrQueueStopped) {
		t.Errorf("enqueue after stop = %v", err)
	}
	if q.Status().IsAvailable {
		t.Error("stopped queue reports available")
	}
}

func TestMemoryURLCache(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryURLCache(2, time.Hour)
	c.now = func() time.Time { return now }

	if _, ok, _ := c.GetImageURL(ctx, "a"); ok {
		t.Fatal("empty cache hit")
	}
	c.PutImageURL(ctx, "a", "url-a")
	now = now.Add(time.Minute)
	c.PutImageURL(ctx, "b", "url-b")
	now = now.Add(time.Minute)
	if url, ok, _ := c.GetImageURL(ctx, "a"); !ok || url != "url-a" {
		t.Fatalf("get a = %q, %v", url, ok)
	}

	// b is least recently used
	now = now.Add(time.Minute)
	c.PutImageURL(ctx, "c", "url-c")
	if _, ok, _ := c.GetImageURL(ctx, "b"); ok {
		t.Error("least recently used entry was not evicted")
	}
	if _, ok, _ := c.GetImageURL(ctx, "a"); !ok {
		t.Error("recently used entry was evicted")
	}

	now = now.Add(2 * time.Hour)
	if _, ok, _ := c.GetImageURL(ctx, "c"); ok {
		t.Error("expired entry served")
	}

	st := c.Stats()
	if st.Hits != 2 || st.Misses != 3 || st.TotalEntries != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestCachedGenerator(t *testing.T) {
	ctx := context.Background()
	gen := newFakeImageGen()
	cache := NewMemoryURLCache(10, 0)
	g := NewCachedGenerator(gen, cache, logger.Nop())

	for i := 0; i < 3; i++ {
		resp, err := g.GenerateImage(ctx, &interfaces.ImageRequest{Prompt: "a lab", Size: "1024x1024"})
		if err != nil || resp.ImageURL != "https://img/a-lab.png" {
			t.Fatalf("generate = %+v, %v", resp, err)
		}
	}
	if n := gen.count("a lab"); n != 1 {
		t.Errorf("generator called %d times for a cached prompt", n)
	}

	if _, err := g.GenerateImage(ctx, &interfaces.ImageRequest{Prompt: "a lab", Size: "512x512"}); err != nil {
		t.Fatal(err)
	}
	if n := gen.count("a lab"); n != 2 {
		t.Errorf("size is not part of the cache key")
	}

	gen.fail = "bad"
	if _, err := g.GenerateImage(ctx, &interfaces.ImageRequest{Prompt: "bad prompt"}); err == nil {
		t.Fatal("error not propagated")
	}
	if _, ok, _ := cache.GetImageURL(ctx, CacheKey("bad prompt", "")); ok {
		t.Error("failed generation was cached")
	}
}
