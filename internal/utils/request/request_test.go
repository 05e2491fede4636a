package request

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyProxy(t *testing.T) {
	t.Setenv("HTTP_PROXY", "")
	t.Setenv("HTTPS_PROXY", "")

	assert.NoError(t, ApplyProxy(""))
	assert.Empty(t, os.Getenv("HTTP_PROXY"))

	assert.NoError(t, ApplyProxy("http://127.0.0.1:7890"))
	assert.Equal(t, "http://127.0.0.1:7890", os.Getenv("HTTP_PROXY"))
	assert.Equal(t, "http://127.0.0.1:7890", os.Getenv("HTTPS_PROXY"))
	assert.True(t, Request.IsProxySet())

	Request.RemoveProxy()
	assert.Error(t, ApplyProxy("http://[::1"))
}
