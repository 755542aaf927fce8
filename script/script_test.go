package script

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizeJSON(t *testing.T) {
	b, err := json.Marshal(Size{Width: 640, Height: 480})
	require.NoError(t, err)
	assert.Equal(t, `[640,480]`, string(b))

	var s Size
	require.NoError(t, json.Unmarshal([]byte(`[1920,1080]`), &s))
	assert.Equal(t, Size{Width: 1920, Height: 1080}, s)

	assert.Error(t, json.Unmarshal([]byte(`{"width":1}`), &s))
}

func TestApplyCreateOptions(t *testing.T) {
	o := ApplyCreateOptions([]CreateOption{
		WithProvider("blank", json.RawMessage(`{"seed":1}`)),
		WithExtensions("a"),
		WithExtensions("b"),
		WithInitialize(),
	})
	assert.Equal(t, "blank", o.Provider)
	assert.JSONEq(t, `{"seed":1}`, string(o.Params))
	assert.Equal(t, []string{"a", "b"}, o.Extensions)
	assert.True(t, o.Initialize)
}

func TestMust(t *testing.T) {
	assert.NotPanics(t, func() { Must(1, nil) })
	assert.Panics(t, func() { Must(1, errors.New("x")) })
	assert.Equal(t, 3, Must2(3, nil))
	assert.Panics(t, func() { Must2(0, errors.New("x")) })
}
