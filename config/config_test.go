// Copyright 2025 CostPilot
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "costpilot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr())
	assert.Equal(t, 5, cfg.Breakers.BreakerDefaults().ConsecutiveFailures)
	assert.Equal(t, 60*time.Second, cfg.Executor.Executor().TotalBudget)
	assert.Equal(t, 16384, cfg.Safety.Pipeline().MaxInputBytes)
	assert.Nil(t, cfg.Breakers.BreakerOverrides())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: "9090"
circuit_breakers:
  defaults:
    consecutive_failures: 3
  overrides:
    inference-backend:
      window_size: 50
      recovery_timeout_ms: 5000
executor:
  node_timeout_ms: 5000
safety:
  max_input_bytes: 4096
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr())
	assert.Equal(t, 3, cfg.Breakers.BreakerDefaults().ConsecutiveFailures)

	override := cfg.Breakers.BreakerOverrides()["inference-backend"]
	assert.Equal(t, 50, override.WindowSize)
	assert.Equal(t, 5*time.Second, override.RecoveryTimeout)
	// Overrides inherit the resolved defaults for unset fields
	assert.Equal(t, 3, override.ConsecutiveFailures)

	executor := cfg.Executor.Executor()
	assert.Equal(t, 5*time.Second, executor.NodeTimeout)
	assert.Equal(t, 60*time.Second, executor.TotalBudget)

	assert.Equal(t, 4096, cfg.Safety.Pipeline().MaxInputBytes)
}

func TestLoad_ExpandsEnvReferences(t *testing.T) {
	t.Setenv("COSTPILOT_TEST_KEY", "sk-from-env")
	path := writeConfigFile(t, `
inference:
  api_key: ${COSTPILOT_TEST_KEY}
  model: ${COSTPILOT_TEST_MODEL:-cost-analyst-small}
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sk-from-env", cfg.Inference.APIKey)
	assert.Equal(t, "cost-analyst-small", cfg.Inference.Model)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://env/db")
	path := writeConfigFile(t, `
server:
  port: "9090"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr())
	assert.Equal(t, "postgres://env/db", cfg.Database.URL)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}
