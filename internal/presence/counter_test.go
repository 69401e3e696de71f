package presence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestCounter creates a Counter connected to a local Redis instance and
// removes the test channel's key before and after the test. Tests that call
// this helper require a running Redis on localhost:6379.
func newTestCounter(t *testing.T, channel string) *Counter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	key := CountPrefix + channel
	client.Del(ctx, key)
	t.Cleanup(func() {
		client.Del(ctx, key)
		client.Close()
	})
	return NewCounter(client)
}

func testChannel(t *testing.T) string {
	return fmt.Sprintf("test_%s_%d", t.Name(), time.Now().UnixNano())
}

func TestInitialize_Idempotent(t *testing.T) {
	channel := testChannel(t)
	c := newTestCounter(t, channel)
	ctx := context.Background()

	if err := c.Initialize(ctx, channel); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}

	count, err := c.Increment(ctx, channel)
	if err != nil {
		t.Fatalf("Increment returned error: %v", err)
	}
	if count != 1 {
		t.Fatalf("count after increment = %d, want 1", count)
	}

	// A second Initialize (another instance starting up) must not reset
	// the running count.
	if err := c.Initialize(ctx, channel); err != nil {
		t.Fatalf("second Initialize returned error: %v", err)
	}

	count, err = c.Count(ctx, channel)
	if err != nil {
		t.Fatalf("Count returned error: %v", err)
	}
	if count != 1 {
		t.Errorf("count after re-initialize = %d, want 1", count)
	}
}

func TestIncrementDecrement(t *testing.T) {
	channel := testChannel(t)
	c := newTestCounter(t, channel)
	ctx := context.Background()

	if err := c.Initialize(ctx, channel); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}

	for i := int64(1); i <= 3; i++ {
		count, err := c.Increment(ctx, channel)
		if err != nil {
			t.Fatalf("Increment returned error: %v", err)
		}
		if count != i {
			t.Errorf("increment %d = %d, want %d", i, count, i)
		}
	}

	count, err := c.Decrement(ctx, channel)
	if err != nil {
		t.Fatalf("Decrement returned error: %v", err)
	}
	if count != 2 {
		t.Errorf("count after decrement = %d, want 2", count)
	}
}

func TestDecrement_ClampsAtZero(t *testing.T) {
	channel := testChannel(t)
	c := newTestCounter(t, channel)
	ctx := context.Background()

	if err := c.Initialize(ctx, channel); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}

	// Duplicate disconnect delivery: decrement an already-zero counter.
	count, err := c.Decrement(ctx, channel)
	if err != nil {
		t.Fatalf("Decrement returned error: %v", err)
	}
	if count != 0 {
		t.Errorf("clamped decrement = %d, want 0", count)
	}

	// The stored value must be usable afterwards, not stuck negative.
	count, err = c.Increment(ctx, channel)
	if err != nil {
		t.Fatalf("Increment returned error: %v", err)
	}
	if count != 1 {
		t.Errorf("increment after clamp = %d, want 1", count)
	}
}

func TestConcurrentConnectsAndDisconnects(t *testing.T) {
	channel := testChannel(t)
	c := newTestCounter(t, channel)
	ctx := context.Background()

	if err := c.Initialize(ctx, channel); err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}

	const connects = 40
	const disconnects = 15

	var wg sync.WaitGroup
	for i := 0; i < connects; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Increment(ctx, channel); err != nil {
				t.Errorf("Increment returned error: %v", err)
			}
		}()
	}
	wg.Wait()

	for i := 0; i < disconnects; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Decrement(ctx, channel); err != nil {
				t.Errorf("Decrement returned error: %v", err)
			}
		}()
	}
	wg.Wait()

	count, err := c.Count(ctx, channel)
	if err != nil {
		t.Fatalf("Count returned error: %v", err)
	}
	if count != connects-disconnects {
		t.Errorf("final count = %d, want %d", count, connects-disconnects)
	}
}
