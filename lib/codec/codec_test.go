// Copyright 2026 The Subtools Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestMarshalDeterministic(t *testing.T) {
	value := map[string]any{
		"zebra":  1,
		"apple":  "two",
		"mango":  []string{"a", "b"},
		"banana": map[string]int{"x": 1, "y": 2},
	}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Marshal(value)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatal("repeated Marshal of the same value produced different bytes")
		}
	}
}

func TestRoundTripStruct(t *testing.T) {
	type record struct {
		Name  string            `cbor:"name"`
		Count int               `cbor:"count"`
		Tags  map[string]string `cbor:"tags"`
	}
	in := record{Name: "tool", Count: 3, Tags: map[string]string{"k": "v"}}

	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out record
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Name != in.Name || out.Count != in.Count || out.Tags["k"] != "v" {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	data, err := Marshal(map[string]any{"name": "tool", "future": true})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out struct {
		Name string `cbor:"name"`
	}
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Name != "tool" {
		t.Errorf("Name = %q, want %q", out.Name, "tool")
	}
}

func TestUnmarshalAnyUsesStringKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"outer": map[string]any{"inner": 1}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out any
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	top, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T, want map[string]any", out)
	}
	if _, ok := top["outer"].(map[string]any); !ok {
		t.Errorf("nested type = %T, want map[string]any", top["outer"])
	}
}
