package engine

import (
	"bufio"
	"bytes"
	"encoding/json"
	"sync"
	"testing"
)

func TestManifestWriterAppendIsValidJSONL(t *testing.T) {
	var buf bytes.Buffer
	w := NewManifestWriter(&buf)

	if err := w.Append(Record{URL: "https://example.com/a", Path: "/tmp/a", Size: 10, OK: true}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Append(Record{URL: "https://example.com/b", Path: "/tmp/b", Size: 20, OK: false, Error: "boom"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	sc := bufio.NewScanner(&buf)
	var lines []Record
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("unmarshal line: %v", err)
		}
		lines = append(lines, r)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0].SchemaVersion != manifestSchemaVersion {
		t.Fatalf("expected schema version stamped, got %d", lines[0].SchemaVersion)
	}
	if lines[1].Error != "boom" {
		t.Fatalf("expected error field preserved, got %q", lines[1].Error)
	}
}

func TestManifestWriterConcurrentAppendsDontInterleave(t *testing.T) {
	var buf bytes.Buffer
	w := NewManifestWriter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = w.Append(Record{URL: "https://example.com/x", Path: "/tmp/x", Size: int64(i), OK: true})
		}(i)
	}
	wg.Wait()

	sc := bufio.NewScanner(&buf)
	count := 0
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("interleaved/corrupt line: %v", err)
		}
		count++
	}
	if count != 20 {
		t.Fatalf("expected 20 well-formed lines, got %d", count)
	}
}
