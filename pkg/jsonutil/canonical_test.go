package jsonutil

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalSortsKeys(t *testing.T) {
	out, err := MarshalCanonical(map[string]any{
		"zebra": 1,
		"alpha": 2,
		"mid":   map[string]any{"b": 1, "a": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mid":{"a":2,"b":1},"zebra":1}`, string(out))
}

func TestMarshalCanonicalCompactSeparators(t *testing.T) {
	out, err := MarshalCanonical(map[string]any{"a": []any{1, 2, 3}, "b": "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":[1,2,3],"b":"x"}`, string(out))
}

func TestMarshalCanonicalEscapesNonASCII(t *testing.T) {
	out, err := MarshalCanonical(map[string]any{"name": "héllo"})
	require.NoError(t, err)
	assert.Equal(t, `{"name":"h\u00e9llo"}`, string(out))

	// Astral-plane characters become surrogate pairs.
	out, err = MarshalCanonical(map[string]any{"emoji": "\U0001F600"})
	require.NoError(t, err)
	assert.Equal(t, `{"emoji":"\ud83d\ude00"}`, string(out))
}

func TestMarshalCanonicalIntegralFloats(t *testing.T) {
	// Values decoded from JSON arrive as float64; whole numbers must not
	// render with an exponent or trailing fraction.
	out, err := MarshalCanonical(map[string]any{"n": float64(42), "f": 1.5})
	require.NoError(t, err)
	assert.Equal(t, `{"f":1.5,"n":42}`, string(out))
}

func TestMarshalCanonicalDeterministic(t *testing.T) {
	value := map[string]any{
		"data":   map[string]any{"k1": "v1", "k2": []any{true, nil, "s"}},
		"status": "pending",
	}
	first, err := MarshalCanonical(value)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := MarshalCanonical(value)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}
}

func TestMarshalCanonicalNormalizesStructs(t *testing.T) {
	type payload struct {
		B string `json:"b"`
		A int    `json:"a"`
	}
	out, err := MarshalCanonical(payload{B: "x", A: 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":"x"}`, string(out))

	out, err = MarshalCanonical(json.RawMessage(`{"z":1,"a":2}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"z":1}`, string(out))
}

func TestHashableFormRoundTrips(t *testing.T) {
	v, err := HashableForm(map[string]int{"count": 3})
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(3), m["count"])
}
