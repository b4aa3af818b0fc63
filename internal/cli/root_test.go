// Copyright 2025 Tom Barlow
//
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

package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchest/sessions/internal/commands/shared"
)

func TestNewRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	assert.Equal(t, "sessionctl", cmd.Use)

	for _, name := range []string{"verbose", "json", "config", "host"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), "missing flag %s", name)
	}

	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["sessions"])
	assert.True(t, names["version"])
}

func TestSetVersion(t *testing.T) {
	SetVersion("1.2.3", "abc", "2025-01-01")
	defer SetVersion("dev", "unknown", "unknown")

	v, c, b := GetVersion()
	assert.Equal(t, "1.2.3", v)
	assert.Equal(t, "abc", c)
	assert.Equal(t, "2025-01-01", b)
}

func TestHelpJSON(t *testing.T) {
	defer shared.ResetFlagsForTest()
	cmd := NewRootCommand()

	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"--json", "help", "sessions"})
	require.NoError(t, cmd.Execute())

	var resp HelpResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "help", resp.Command)
	require.NotNil(t, resp.Target)
	assert.Equal(t, "sessions", resp.Target.Name)
	assert.ElementsMatch(t, []string{"get", "list", "restart", "start", "stop"}, resp.Target.Subcommands)
	assert.NotEmpty(t, resp.GlobalFlags)
}

func TestHelpJSONAllCommands(t *testing.T) {
	defer shared.ResetFlagsForTest()
	cmd := NewRootCommand()

	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"--json", "help"})
	require.NoError(t, cmd.Execute())

	var resp HelpResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.Commands)
}

func TestHelpUnknownCommand(t *testing.T) {
	defer shared.ResetFlagsForTest()
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"help", "nope"})
	assert.Error(t, cmd.Execute())
}
