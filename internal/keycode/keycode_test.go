package keycode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNameRoundTrip(t *testing.T) {
	for code, name := range keyNames {
		got, ok := FromName(name)
		require.Truef(t, ok, "name %q did not resolve", name)
		assert.Equal(t, code, got)
		assert.Equal(t, name, code.Name())
	}
}

func TestFromName_Unknown(t *testing.T) {
	_, ok := FromName("NOT_A_KEY")
	assert.False(t, ok)
}

func TestName_UnknownCode(t *testing.T) {
	assert.Equal(t, "KEY_999", KeyCode(999).Name())
}

func TestDirection_String(t *testing.T) {
	assert.Equal(t, "down", Down.String())
	assert.Equal(t, "up", Up.String())
}

func TestOutputAction_String(t *testing.T) {
	down := OutputAction{Kind: KeyDown, Key: KeyTab}
	assert.Equal(t, "key_down(TAB)", down.String())

	act := OutputAction{Kind: LayerActivate, Layer: 3}
	assert.Equal(t, "layer_activate(L3)", act.String())
}

func TestKeyAction_MirrorsDirection(t *testing.T) {
	down := KeyAction(Down, KeyEsc, 10)
	assert.Equal(t, KeyDown, down.Kind)
	assert.Equal(t, KeyEsc, down.Key)
	assert.Equal(t, uint64(10), down.Timestamp)

	up := KeyAction(Up, KeyEsc, 20)
	assert.Equal(t, KeyUp, up.Kind)
}
