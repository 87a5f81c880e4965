package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigPath(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{nil, ""},
		{[]string{"-f", "a"}, ""},
		{[]string{"--config", "pbofs.yaml"}, "pbofs.yaml"},
		{[]string{"-f", "a", "-c", "x.yaml"}, "x.yaml"},
		{[]string{"--config=y.yaml", "-o", "/mnt"}, "y.yaml"},
		{[]string{"--config"}, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, configPath(tt.args), "args %v", tt.args)
	}
}
