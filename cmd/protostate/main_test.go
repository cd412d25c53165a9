package main

import (
	"bytes"
	"log"
	"testing"
)

func TestParseStateIDs(t *testing.T) {
	ids, err := parseStateIDs("1, 2,,42")
	if err != nil {
		t.Fatalf("parseStateIDs failed: %v", err)
	}
	if len(ids) != 3 || ids[0] != 1 || ids[1] != 2 || ids[2] != 42 {
		t.Errorf("unexpected ids %v", ids)
	}

	if ids, err := parseStateIDs(""); err != nil || len(ids) != 0 {
		t.Errorf("expected no ids, got %v, %v", ids, err)
	}

	if _, err := parseStateIDs("1,x"); err == nil {
		t.Error("expected error for invalid id")
	}
}

func TestParseServers(t *testing.T) {
	members, err := parseServers("db1=127.0.0.1:8530, db2=127.0.0.1:8531")
	if err != nil {
		t.Fatalf("parseServers failed: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(members))
	}
	if members[1].ID != "db2" || members[1].Address != "127.0.0.1:8531" {
		t.Errorf("unexpected server %+v", members[1])
	}

	if _, err := parseServers("db1"); err == nil {
		t.Error("expected error for missing address")
	}
}

func TestLevelWriter(t *testing.T) {
	tests := []struct {
		level   string
		line    string
		written bool
	}{
		{"INFO", "[DEBUG] noisy", false},
		{"INFO", "[INFO] started", true},
		{"warn", "[INFO] started", false},
		{"WARN", "[ERROR] failed", true},
		{"DEBUG", "[DEBUG] noisy", true},
		{"bogus", "[DEBUG] noisy", false},
		{"ERROR", "untagged", true},
	}

	for _, tt := range tests {
		t.Run(tt.level+" "+tt.line, func(t *testing.T) {
			var buf bytes.Buffer
			logger := log.New(newLevelWriter(&buf, tt.level), "", 0)
			logger.Print(tt.line)

			if got := buf.Len() > 0; got != tt.written {
				t.Errorf("written = %v, want %v", got, tt.written)
			}
		})
	}
}
