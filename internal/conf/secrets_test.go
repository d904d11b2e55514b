package conf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveSecret(t *testing.T) {
	t.Setenv("EMBERWATCH_TEST_TOKEN", "tok-123")

	dir := t.TempDir()
	secretFile := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(secretFile, []byte("from-file\n"), 0o600))
	emptyFile := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(emptyFile, []byte("\n"), 0o600))

	tests := []struct {
		name    string
		value   string
		want    string
		wantErr bool
	}{
		{name: "literal", value: "plain", want: "plain"},
		{name: "empty", value: "", want: ""},
		{name: "env", value: "${EMBERWATCH_TEST_TOKEN}", want: "tok-123"},
		{name: "env inside text", value: "Bearer ${EMBERWATCH_TEST_TOKEN}", want: "Bearer tok-123"},
		{name: "default used", value: "${EMBERWATCH_TEST_UNSET:-fallback}", want: "fallback"},
		{name: "empty default", value: "${EMBERWATCH_TEST_UNSET:-}", want: ""},
		{name: "missing env", value: "${EMBERWATCH_TEST_UNSET}", wantErr: true},
		{name: "file", value: "file:" + secretFile, want: "from-file"},
		{name: "missing file", value: "file:" + filepath.Join(dir, "nope"), wantErr: true},
		{name: "empty file", value: "file:" + emptyFile, wantErr: true},
		{name: "directory", value: "file:" + dir, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveSecret(tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadResolvesSecretFiles(t *testing.T) {
	token := filepath.Join(t.TempDir(), "twilio_token")
	require.NoError(t, os.WriteFile(token, []byte("twilio-secret\n"), 0o600))
	t.Setenv("EMBERWATCH_VOICE_AUTHTOKEN", "file:"+token)

	s := loadDefaults(t)
	assert.Equal(t, "twilio-secret", s.Voice.AuthToken)
}

func TestLoadReportsUnresolvedSecret(t *testing.T) {
	t.Setenv("EMBERWATCH_LLM_APIKEY", "${EMBERWATCH_TEST_UNSET}")

	v, err := NewViper()
	require.NoError(t, err)
	_, err = Load(v, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm.apikey")
}

func TestRedactedMasksCredentials(t *testing.T) {
	s := &Settings{}
	s.Voice.AuthToken = "twilio-secret"
	s.LLM.APIKey = "sk-live"
	s.Voice.From = "+15550100"

	r := s.Redacted()
	assert.Equal(t, "[REDACTED]", r.Voice.AuthToken)
	assert.Equal(t, "[REDACTED]", r.LLM.APIKey)
	assert.Empty(t, r.Email.Mailjet.APIKey)
	assert.Equal(t, "+15550100", r.Voice.From)
	assert.Equal(t, "twilio-secret", s.Voice.AuthToken)
}
