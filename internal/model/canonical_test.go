package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_SortsKeys(t *testing.T) {
	out, err := MarshalCanonical(Payload{"subject": "Hi", "body": "text", "attachments": []any{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, `{"attachments":["a","b"],"body":"text","subject":"Hi"}`, string(out))
}

func TestMarshalCanonical_NoHTMLEscape(t *testing.T) {
	out, err := MarshalCanonical(Payload{"message": "<p>a & b</p>"})
	require.NoError(t, err)
	assert.Equal(t, `{"message":"<p>a & b</p>"}`, string(out))
}

func TestMarshalCanonical_NFCNormalizes(t *testing.T) {
	// "é" as e + combining acute accent vs precomposed U+00E9
	decomposed, err := MarshalCanonical("cafe\u0301")
	require.NoError(t, err)
	precomposed, err := MarshalCanonical("caf\u00e9")
	require.NoError(t, err)
	assert.Equal(t, precomposed, decomposed)
}

func TestMarshalCanonical_Numbers(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"int", 7, "7"},
		{"int64", int64(-3), "-3"},
		{"integral float", 7.0, "7"},
		{"fraction", 7.5, "7.5"},
		{"bool", true, "true"},
		{"null", nil, "null"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := MarshalCanonical(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(out))
		})
	}
}

func TestMarshalCanonical_RejectsNaN(t *testing.T) {
	_, err := MarshalCanonical(Payload{"grade": math.NaN()})
	assert.Error(t, err)
}

func TestMarshalCanonical_RejectsUnsupported(t *testing.T) {
	_, err := MarshalCanonical(struct{}{})
	assert.Error(t, err)
}

func TestUnmarshalPayload_RoundTrip(t *testing.T) {
	in := Payload{"definition": "A fruit", "grade": 7.5, "flags": map[string]any{"pinned": true}}
	data, err := MarshalCanonical(in)
	require.NoError(t, err)

	out, err := UnmarshalPayload(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	again, err := MarshalCanonical(out)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestUnmarshalPayload_Empty(t *testing.T) {
	p, err := UnmarshalPayload(nil)
	require.NoError(t, err)
	assert.NotNil(t, p)
	assert.Empty(t, p)
}

func TestDigest_IgnoresKeyOrderAndChangesWithContent(t *testing.T) {
	a := PendingMutation{Action: ActionUpdate, Payload: Payload{"a": "1", "b": "2"}}
	b := PendingMutation{Action: ActionUpdate, Payload: Payload{"b": "2", "a": "1"}}
	c := PendingMutation{Action: ActionUpdate, Payload: Payload{"a": "1", "b": "3"}}

	da, err := a.Digest()
	require.NoError(t, err)
	db, err := b.Digest()
	require.NoError(t, err)
	dc, err := c.Digest()
	require.NoError(t, err)

	assert.Equal(t, da, db)
	assert.NotEqual(t, da, dc)
	assert.Len(t, a.ShortDigest(), 12)
}
