package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseInts(t *testing.T) {
	tests := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{"", []int{}, false},
		{"1,2,3", []int{1, 2, 3}, false},
		{" 4 , 5 ,", []int{4, 5}, false},
		{"1,x", nil, true},
	}
	for _, tt := range tests {
		got, err := parseInts(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseInts(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseInts(%q): %v", tt.in, err)
			continue
		}
		if len(got) != len(tt.want) {
			t.Errorf("parseInts(%q) = %v, expected %v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("parseInts(%q) = %v, expected %v", tt.in, got, tt.want)
			}
		}
	}
}

func TestParseConditioning(t *testing.T) {
	cond, err := parseConditioning("", 3)
	if err != nil || cond != nil {
		t.Errorf("empty conditioning: got %v, %v", cond, err)
	}

	cond, err = parseConditioning("0.5,-1", 3)
	if err != nil {
		t.Fatalf("parseConditioning failed: %v", err)
	}
	if cond.Shape[0] != 3 || cond.Shape[1] != 2 {
		t.Fatalf("shape %v, expected [3 2]", cond.Shape)
	}
	for b := 0; b < 3; b++ {
		if cond.Get(b, 0) != 0.5 || cond.Get(b, 1) != -1 {
			t.Errorf("row %d = [%v %v]", b, cond.Get(b, 0), cond.Get(b, 1))
		}
	}

	if _, err := parseConditioning("a", 1); err == nil {
		t.Error("Expected error for non-numeric value")
	}
}

func TestFormatInts(t *testing.T) {
	if got := formatInts([]int{3, 14, 15}); got != "3 14 15" {
		t.Errorf("formatInts = %q", got)
	}
}

// TestCommands_EndToEnd initialises a tiny checkpoint, samples from it and
// scores a sequence.
func TestCommands_EndToEnd(t *testing.T) {
	ckpt := filepath.Join(t.TempDir(), "tiny.ckpt")

	run := func(args ...string) string {
		t.Helper()
		root := newRootCommand()
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetArgs(args)
		if err := root.Execute(); err != nil {
			t.Fatalf("%v failed: %v", args, err)
		}
		return out.String()
	}

	run("init", "--out", ckpt, "--seed", "3",
		"--vocab-size", "9", "--dmodel", "8", "--nhead", "2", "--decoder-layers", "1",
		"--dim-feedforward", "16", "--num-positions", "12")

	out := run("generate", "--checkpoint", ckpt, "--batch", "2", "--max-length", "5",
		"--start-id", "1", "--forbid", "0", "--seed", "7", "--cache")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	rows := lines[len(lines)-2:]
	for _, row := range rows {
		ids, err := parseInts(strings.ReplaceAll(row, " ", ","))
		if err != nil {
			t.Fatalf("unparsable output row %q: %v", row, err)
		}
		if len(ids) != 5 || ids[0] != 1 {
			t.Errorf("row %v, expected 5 ids starting with 1", ids)
		}
	}

	out = run("score", "--checkpoint", ckpt, "--ids", "1,2,3")
	if !strings.Contains(out, "total log-probability") {
		t.Errorf("score output missing total: %q", out)
	}
}
