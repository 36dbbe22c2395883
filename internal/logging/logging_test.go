package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"json info", Config{Level: "info", Format: "json"}, false},
		{"console debug", Config{Level: "debug", Format: "console"}, false},
		{"bad level", Config{Level: "verbose", Format: "json"}, true},
		{"bad format", Config{Level: "info", Format: "logfmt"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew(t *testing.T) {
	logger, err := New(Config{Level: "info", Format: "json"})
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.NoError(t, Sync(logger))

	_, err = New(Config{Level: "nope", Format: "json"})
	assert.Error(t, err)
}
