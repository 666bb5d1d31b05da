package gatt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCCCDSubscribeUnsubscribe(t *testing.T) {
	cm := NewCCCDManager()

	enabled, err := cm.Write("a", HandleCharValue, EncodeCCCDValue(CCCDNotificationsEnabled))
	require.NoError(t, err)
	assert.True(t, enabled)
	cm.Write("b", HandleCharValue, EncodeCCCDValue(CCCDNotificationsEnabled))

	assert.True(t, cm.IsSubscribed("a", HandleCharValue))
	assert.Equal(t, []string{"a", "b"}, cm.Subscribers(HandleCharValue))

	enabled, err = cm.Write("a", HandleCharValue, EncodeCCCDValue(CCCDNotificationsDisabled))
	require.NoError(t, err)
	assert.False(t, enabled)
	assert.Equal(t, []string{"b"}, cm.Subscribers(HandleCharValue))

	cm.Remove("b")
	assert.Empty(t, cm.Subscribers(HandleCharValue))
}

func TestCCCDIndicationOnlyIsNotNotify(t *testing.T) {
	cm := NewCCCDManager()
	enabled, err := cm.Write("a", HandleCharValue, EncodeCCCDValue(CCCDIndicationsEnabled))
	require.NoError(t, err)
	assert.False(t, enabled)
	assert.False(t, cm.IsSubscribed("a", HandleCharValue))
}

func TestCCCDInvalidLength(t *testing.T) {
	cm := NewCCCDManager()
	_, err := cm.Write("a", HandleCharValue, []byte{0x01})
	assert.ErrorIs(t, err, ErrInvalidCCCDLength)
}

func TestTable(t *testing.T) {
	a, ok := Lookup(HandleCCCD)
	require.True(t, ok)
	assert.True(t, a.Writable)

	_, ok = Lookup(0x0042)
	assert.False(t, ok)

	le := ServiceUUIDBytes()
	assert.Equal(t, ServiceUUID[15], le[0])
	assert.Equal(t, ServiceUUID[0], le[15])
	assert.Equal(t, "c07b8cf2-b8ff-4ef4-b4e1-dd8aa2415f81", ServiceUUID.String())
}
