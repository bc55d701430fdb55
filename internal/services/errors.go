// Package services implements the gateway's business logic: the bind command
// that stores a sender's publishing target and the link pipeline that turns a
// shared article into a GitHub commit.
//
// This file centralizes outcome classification and the fixed user-facing
// texts. Replies never carry internal error detail; that stays in logs keyed
// by request id.
package services

import (
	"errors"
	"fmt"

	"github.com/ruminer/go-wechat-backend/internal/articles"
	"github.com/ruminer/go-wechat-backend/internal/github"
	"github.com/ruminer/go-wechat-backend/internal/vault"
)

// Outcome codes persisted in the ledger's error_code field. Short and
// machine-readable; never shown to users verbatim.
const (
	CodeFetchBlocked    = "fetch_blocked"
	CodeFetchFailed     = "fetch_failed"
	CodeTransformFailed = "transform_failed"
	CodePublishFailed   = "publish_failed"
	CodeConfigMissing   = "config_missing"
	CodeUnknown         = "unknown"
)

// ErrServerKeyMissing means the token encryption key is not configured, so
// credentials can be neither stored nor used.
var ErrServerKeyMissing = errors.New("services: token encryption key not configured")

// ClassifyError maps a pipeline failure onto its ledger outcome code.
func ClassifyError(err error) string {
	switch {
	case errors.Is(err, articles.ErrBlocked):
		return CodeFetchBlocked
	case errors.Is(err, articles.ErrFetchFailed):
		return CodeFetchFailed
	case errors.Is(err, articles.ErrTransform):
		return CodeTransformFailed
	case errors.Is(err, github.ErrRepoAccess), errors.Is(err, github.ErrPublish):
		return CodePublishFailed
	case errors.Is(err, ErrServerKeyMissing), errors.Is(err, vault.ErrInvalidKey), errors.Is(err, vault.ErrInvalidCiphertext):
		return CodeConfigMissing
	case err == nil:
		return ""
	default:
		return CodeUnknown
	}
}

// Fixed reply texts. These are the complete vocabulary the gateway speaks to
// senders; nothing else ever reaches a chat window.
const (
	MsgHelp = "Available commands:\n" +
		"1) bind <github_token> <owner>/<repo> [path <prefix>]\n" +
		"Example: bind ghp_xxx myname/myrepo path articles/"

	MsgBindUsage = "Usage: bind <github_token> <owner>/<repo> [path <prefix>]"

	MsgBindInvalidRepo = "Invalid repository format. Expected <owner>/<repo>, e.g. octocat/hello-world."

	MsgBindVerifyFailed = "Binding failed: the repository is not accessible. " +
		"Check that the token has the repo scope and the repository name is correct."

	MsgBindServerNotReady = "The server is not configured for binding yet. " +
		"Please contact the administrator and try again later."

	MsgBindRequired = "You haven't bound a GitHub repository yet. Send:\n" +
		"bind <github_token> <owner>/<repo> [path <prefix>]"

	MsgNoURL = "No link URL found in the message."

	MsgStillProcessing = "Still processing, please try again shortly."

	MsgAcceptedAsync = "Link received, processing. You will get a message with the result."

	MsgProcessingFailed = "Processing failed: the link may be unreachable, content extraction " +
		"may have failed, or the GitHub write was rejected. Try again later or re-bind your token."

	MsgUnsupportedType = "This message type is not supported yet."

	MsgMissingFields = "Unsupported message format (missing fields)."
)

// MsgBindSuccess confirms the stored target back to the sender.
func MsgBindSuccess(repo, path string) string {
	return fmt.Sprintf("Binding saved.\nrepo=%s\npath=%s", repo, path)
}

// MsgSaved announces a fresh publish.
func MsgSaved(title, url string) string {
	return fmt.Sprintf("Saved: %s\n%s", title, url)
}

// MsgAlreadySaved replays a completed result without re-running the job.
func MsgAlreadySaved(url string) string {
	return "Already saved:\n" + url
}
