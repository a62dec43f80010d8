package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParseICEServersDefaultsToGoogleSTUN(t *testing.T) {
	assert := assert.New(t)
	servers, err := parseICEServers("")
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal([]string{"stun:stun.l.google.com:19302"}, servers[0].URLs)
}

func testParseICEServersReadsDescriptors(t *testing.T) {
	assert := assert.New(t)
	raw := `[{"urls":["turn:example.com:3478"],"username":"u","credential":"p"}]`
	servers, err := parseICEServers(raw)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal([]string{"turn:example.com:3478"}, servers[0].URLs)
	assert.Equal("u", servers[0].Username)
	assert.Equal("p", servers[0].Credential)
}

func testParseICEServersRejectsMalformedJSON(t *testing.T) {
	assert := assert.New(t)
	_, err := parseICEServers(`not json`)
	assert.Error(err)
}

func testEnvIntFallsBackOnInvalidValue(t *testing.T) {
	assert := assert.New(t)
	t.Setenv("TEST_ENV_INT", "not-a-number")
	assert.Equal(8000, envInt("TEST_ENV_INT", 8000))
}

func TestConfig(t *testing.T) {
	t.Run("ParseICEServersDefaultsToGoogleSTUN", testParseICEServersDefaultsToGoogleSTUN)
	t.Run("ParseICEServersReadsDescriptors", testParseICEServersReadsDescriptors)
	t.Run("ParseICEServersRejectsMalformedJSON", testParseICEServersRejectsMalformedJSON)
	t.Run("EnvIntFallsBackOnInvalidValue", testEnvIntFallsBackOnInvalidValue)
}
