package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, f.Success(map[string]string{"result": "ok"}, func(w io.Writer) {
		t.Fatal("text writer must not run in JSON mode")
	}))

	var resp Response
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]any{"result": "ok"}, resp.Data)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, f.Success("plain", nil))
	require.NoError(t, f.Success(42, func(w io.Writer) { fmt.Fprintln(w, "custom") }))
	assert.Equal(t, "plain\ncustom\n", buf.String())
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, f.Error(ErrCodeInvalidScenario, "bad scenario", map[string]string{"path": "x.yaml"}))

	var resp Response
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidScenario, resp.Error.Code)
	assert.Equal(t, "bad scenario", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextErrorDetailsOnlyWhenVerbose(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: buf}
	require.NoError(t, f.Error("E099", "boom", "more"))
	assert.Equal(t, "Error [E099]: boom\n", buf.String())

	buf.Reset()
	f.Verbose = true
	require.NoError(t, f.Error("E099", "boom", "more"))
	assert.Equal(t, "Error [E099]: boom\nDetails: more\n", buf.String())
}

func TestOutputFormatter_VerboseLogUsesErrWriter(t *testing.T) {
	out, diag := &bytes.Buffer{}, &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: out, ErrWriter: diag}

	f.VerboseLog("hidden %d", 1)
	assert.Empty(t, diag.String())

	f.Verbose = true
	f.VerboseLog("shown %d", 2)
	assert.Equal(t, "shown 2\n", diag.String())
	assert.Empty(t, out.String())
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "x")))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))

	wrapped := errors.Wrap(WrapExitError(ExitCommandError, "open", errors.New("denied")), "outer")
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))
	assert.Equal(t, "open: denied", WrapExitError(ExitCommandError, "open", errors.New("denied")).Error())
}
