package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMasterKeyAbsentReturnsNil(t *testing.T) {
	t.Setenv(masterKeyEnv, "")
	key, err := MasterKey()
	require.NoError(t, err)
	assert.Nil(t, key)
}

func TestMasterKeyDecodesHexWithOptionalPrefix(t *testing.T) {
	raw := "0011223344556677889900112233445566778899001122334455667788990a"
	t.Setenv(masterKeyEnv, "0x"+raw)
	key, err := MasterKey()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestMasterKeyRejectsWrongLength(t *testing.T) {
	t.Setenv(masterKeyEnv, "aabb")
	_, err := MasterKey()
	assert.Error(t, err)
}

func TestMasterKeyRejectsInvalidHex(t *testing.T) {
	t.Setenv(masterKeyEnv, "not-hex-zzzz")
	_, err := MasterKey()
	assert.Error(t, err)
	_ = os.Unsetenv(masterKeyEnv)
}
