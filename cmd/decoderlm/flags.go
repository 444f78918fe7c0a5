package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"decoderlm/pkg/tensor"
)

// parseInts parses a comma-separated list of integers. An empty string
// yields an empty list.
func parseInts(s string) ([]int, error) {
	fields := splitList(s)
	out := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", f)
		}
		out[i] = v
	}
	return out, nil
}

// parseConditioning parses comma-separated channel values and repeats them
// for every example, giving (batch, channels). An empty string means no
// conditioning.
func parseConditioning(s string, batchSize int) (*tensor.Tensor, error) {
	fields := splitList(s)
	if len(fields) == 0 {
		return nil, nil
	}
	channels := make([]float32, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q", f)
		}
		channels[i] = float32(v)
	}
	data := lo.Flatten(lo.Times(max(batchSize, 0), func(int) []float32 { return channels }))
	return tensor.FromSlice(data, []int{max(batchSize, 0), len(channels)})
}

func formatInts(values []int) string {
	return strings.Join(lo.Map(values, func(v int, _ int) string { return strconv.Itoa(v) }), " ")
}

func splitList(s string) []string {
	return lo.Compact(lo.Map(strings.Split(s, ","), func(f string, _ int) string {
		return strings.TrimSpace(f)
	}))
}
