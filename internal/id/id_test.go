package id

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

var uuidV4Pattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

func TestUUIDFormat(t *testing.T) {
	for i := 0; i < 100; i++ {
		got := UUID()
		if !uuidV4Pattern.MatchString(got) {
			t.Fatalf("UUID() = %q, not a v4 UUID", got)
		}
	}
}

func TestUUIDUnique(t *testing.T) {
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		got := UUID()
		if seen[got] {
			t.Fatalf("UUID() repeated %q", got)
		}
		seen[got] = true
	}
}

func TestShortFormat(t *testing.T) {
	got := Short()
	if len(got) != 16 {
		t.Fatalf("Short() = %q, want 16 characters", got)
	}
	for _, c := range got {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Fatalf("Short() = %q, contains non-hex %q", got, c)
		}
	}
}

func TestShortUnique(t *testing.T) {
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		got := Short()
		if seen[got] {
			t.Fatalf("Short() repeated %q", got)
		}
		seen[got] = true
	}
}

func TestULIDFormat(t *testing.T) {
	got := ULID()
	if len(got) != 26 {
		t.Fatalf("ULID() = %q, want 26 characters", got)
	}
	for _, c := range got {
		if !strings.ContainsRune(ulidEncoding, c) {
			t.Fatalf("ULID() = %q, %q is not Crockford Base32", got, c)
		}
	}
}

// Connection listings rely on ULIDs from distinct milliseconds sorting in
// generation order.
func TestULIDSortable(t *testing.T) {
	ids := make([]string, 10)
	for i := range ids {
		ids[i] = ULID()
		time.Sleep(2 * time.Millisecond)
	}

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	for i := range ids {
		if ids[i] != sorted[i] {
			t.Fatalf("ULIDs not generated in sorted order at index %d: %q vs %q", i, ids[i], sorted[i])
		}
	}
}

func TestULIDUniqueUnderConcurrency(t *testing.T) {
	const workers, perWorker = 8, 200

	var mu sync.Mutex
	seen := make(map[string]bool, workers*perWorker)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			local := make([]string, perWorker)
			for i := range local {
				local[i] = ULID()
			}
			mu.Lock()
			defer mu.Unlock()
			for _, got := range local {
				if seen[got] {
					t.Errorf("ULID() repeated %q", got)
				}
				seen[got] = true
			}
		}()
	}
	wg.Wait()
}

func TestEncodeULIDTimestampPrefix(t *testing.T) {
	// The epoch encodes to all zeros in the 10 timestamp characters.
	got := encodeULID(0, 0)
	if got[:10] != "0000000000" {
		t.Errorf("encodeULID(0, 0) prefix = %q, want %q", got[:10], "0000000000")
	}

	// A larger timestamp must compare greater in the string order.
	earlier := encodeULID(1_000_000, 0)
	later := encodeULID(2_000_000, 0)
	if !(earlier[:10] < later[:10]) {
		t.Errorf("timestamp prefixes not ordered: %q vs %q", earlier[:10], later[:10])
	}
}
