// Package collab supplies reference Indexer and CheckoutEngine adapters
// (spec §6) that shell out to an external subprocess, in the same
// JSON-over-stdio shape the teacher's worker subprocess adapter uses:
// marshal a request to stdin, capture stdout, and unmarshal a result
// envelope. Production deployments that want an in-process indexer or
// checkout engine can satisfy ports.Indexer/ports.CheckoutEngine directly
// without this package.
package collab

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"
)

// request is the JSON envelope written to the subprocess's stdin.
type request struct {
	RepoID       string `json:"repo_id"`
	WorktreePath string `json:"worktree_path"`
	Password     string `json:"password,omitempty"` // base64, omitted when empty
}

// response is the JSON envelope a conforming subprocess writes to stdout.
type response struct {
	RootTreeID string `json:"root_tree_id"`
	Error      string `json:"error,omitempty"`
}

// runSubprocess writes req to command's stdin as JSON and decodes a
// response from its stdout, bounding the whole call with timeout.
func runSubprocess(ctx context.Context, command string, timeout time.Duration, req request) (response, error) {
	var resp response
	if command == "" {
		return resp, fmt.Errorf("no subprocess command configured")
	}

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return resp, fmt.Errorf("marshaling subprocess request: %w", err)
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, command)
	cmd.Stdin = bytes.NewReader(reqJSON)
	cmd.Dir = req.WorktreePath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return resp, fmt.Errorf("subprocess %q timed out after %s", command, timeout)
	}
	if runErr != nil {
		return resp, fmt.Errorf("subprocess %q failed: %w: %s", command, runErr, stderr.String())
	}

	if stdout.Len() == 0 {
		return resp, fmt.Errorf("subprocess %q produced no output: %s", command, stderr.String())
	}
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return resp, fmt.Errorf("parsing subprocess %q result: %w", command, err)
	}
	if resp.Error != "" {
		return resp, fmt.Errorf("subprocess %q reported error: %s", command, resp.Error)
	}
	return resp, nil
}

func encodePassword(password []byte) string {
	if len(password) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(password)
}
