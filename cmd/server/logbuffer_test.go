package main

import (
	"fmt"
	"testing"
)

func TestLogBufferKeepsNewestLines(t *testing.T) {
	lb := NewLogBuffer(3)
	for i := 0; i < 5; i++ {
		fmt.Fprintf(lb, "line %d\n", i)
	}

	logs := lb.GetLogs()
	if len(logs) != 3 {
		t.Fatalf("len = %d, want 3", len(logs))
	}
	if logs[0] != "line 2\n" || logs[2] != "line 4\n" {
		t.Errorf("logs = %q", logs)
	}

	logs[0] = "mutated"
	if lb.GetLogs()[0] != "line 2\n" {
		t.Error("GetLogs must return a copy")
	}
}
