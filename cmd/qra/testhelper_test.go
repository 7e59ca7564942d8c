package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

// executeCommand executes a Cobra command with the given args and returns output.
func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)

	err = root.Execute()
	return buf.String(), err
}

// testContext holds test resources.
type testContext struct {
	t       *testing.T
	tempDir string
	config  string
}

// newTestContext creates a temp directory holding a configuration whose data
// directory lives inside it. policy is appended to the configuration.
func newTestContext(t *testing.T, backend, policy string) *testContext {
	t.Helper()
	tc := &testContext{t: t, tempDir: t.TempDir()}
	tc.config = tc.writeFile("qra.toml", fmt.Sprintf(`
[data]
dir = %q
backend = %q

[log]
level = "error"

[metrics]
enabled = true
%s`, tc.path("data"), backend, policy))
	t.Cleanup(func() { _ = closeApp() })
	return tc
}

// path returns a path within the temp directory.
func (tc *testContext) path(name string) string {
	return filepath.Join(tc.tempDir, name)
}

// writeFile writes content to a file in the temp directory.
func (tc *testContext) writeFile(name, content string) string {
	tc.t.Helper()
	path := tc.path(name)
	require.NoError(tc.t, os.WriteFile(path, []byte(content), 0600))
	return path
}

// run executes qra with the test configuration as admin.
func (tc *testContext) run(admin string, args ...string) (string, error) {
	resetFlags()
	return executeCommand(rootCmd, append([]string{"--config", tc.config, "--admin", admin}, args...)...)
}

// mustRun is run failing the test on error.
func (tc *testContext) mustRun(admin string, args ...string) string {
	tc.t.Helper()
	out, err := tc.run(admin, args...)
	require.NoError(tc.t, err, out)
	return out
}

// resetFlags resets command flags to their default values.
func resetFlags() {
	configPath = ""
	adminName = "cli"
	profileFrom = "default"
	profileFile = ""
	profileOut = ""
	profileNoCheck = false
	eeListStatus = ""
	eeListCA = 0
	eeListProfile = ""
	eeRevokeCode = 0
	eeClearText = false
	approvalListStatus = "pending"
	auditLogFile = ""
	auditTailNum = 10
	auditShowJSON = false
}

var requestIDPattern = regexp.MustCompile(`Approval request (\S+) filed`)

// requestID extracts the approval request id reported by a command.
func requestID(t *testing.T, out string) string {
	t.Helper()
	m := requestIDPattern.FindStringSubmatch(out)
	require.Len(t, m, 2, "no approval request in output: %s", out)
	return m[1]
}
