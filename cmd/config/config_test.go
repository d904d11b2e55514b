package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/emberwatch/emberwatch/internal/conf"
)

func TestShowRedactsByDefault(t *testing.T) {
	settings := &conf.Settings{}
	settings.Voice.AuthToken = "twilio-secret"
	settings.Escalation.BucketSize = 100
	settings.Conversation.InactivityTimeout = 10 * time.Minute

	cmd := Command(settings)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"show"})
	require.NoError(t, cmd.ExecuteContext(t.Context()))

	assert.NotContains(t, out.String(), "twilio-secret")
	assert.Contains(t, out.String(), "[REDACTED]")

	var decoded conf.Settings
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, int64(100), decoded.Escalation.BucketSize)
	assert.Equal(t, 10*time.Minute, decoded.Conversation.InactivityTimeout)
}

func TestShowRevealSecrets(t *testing.T) {
	settings := &conf.Settings{}
	settings.Voice.AuthToken = "twilio-secret"

	cmd := Command(settings)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"show", "--reveal-secrets"})
	require.NoError(t, cmd.ExecuteContext(t.Context()))
	assert.Contains(t, out.String(), "twilio-secret")
}
