// Package services – BindService
//
// Handles the `bind` text command: parse, validate the repository name,
// optionally verify access against GitHub, encrypt the token, and persist the
// sender's binding. Invalid input produces a corrective reply and writes
// nothing.
package services

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ruminer/go-wechat-backend/internal/domain"
	"github.com/ruminer/go-wechat-backend/internal/github"
	"github.com/ruminer/go-wechat-backend/internal/repo"
	"github.com/ruminer/go-wechat-backend/internal/vault"
)

// RepoVerifier is the GitHub contract required at bind time.
type RepoVerifier interface {
	GetRepo(ctx context.Context, token, repoFullName string) error
}

// BindService parses and executes bind commands.
type BindService struct {
	Bindings *repo.Bindings
	// Vault is nil when the server has no token encryption key; binding is
	// then refused with a fixed reply.
	Vault  *vault.Vault
	GitHub RepoVerifier
	// VerifyOnBind controls the GetRepo probe before saving.
	VerifyOnBind bool
}

// bindCommand is a parsed `bind` line.
type bindCommand struct {
	token      string
	repo       string
	pathPrefix string
	usageErr   bool
}

// parseBindCommand returns (nil, false) for text that is not a bind command
// at all, and a command with usageErr set when the shape is wrong.
func parseBindCommand(content string) (*bindCommand, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(strings.ToLower(trimmed), "bind ") {
		return nil, false
	}
	tokens := strings.Fields(trimmed)
	if len(tokens) < 3 {
		return &bindCommand{usageErr: true}, true
	}
	cmd := &bindCommand{token: tokens[1], repo: tokens[2]}
	for i, t := range tokens {
		if strings.EqualFold(t, "path") && i+1 < len(tokens) {
			cmd.pathPrefix = tokens[i+1]
			break
		}
	}
	return cmd, true
}

// HandleText processes an inbound text message and returns the reply. Text
// that is not a bind command gets the help text.
func (s *BindService) HandleText(ctx context.Context, openid, content string) string {
	cmd, isBind := parseBindCommand(content)
	if !isBind {
		return MsgHelp
	}
	if cmd.usageErr {
		return MsgBindUsage
	}
	if !github.IsValidRepoFullName(cmd.repo) {
		log.Warn().Str("repo", cmd.repo).Msg("bind rejected: invalid repo name")
		return MsgBindInvalidRepo
	}
	path := github.NormalizePathPrefix(cmd.pathPrefix)

	if s.VerifyOnBind && s.GitHub != nil {
		if err := s.GitHub.GetRepo(ctx, cmd.token, cmd.repo); err != nil {
			log.Warn().Err(err).Str("repo", cmd.repo).Msg("bind rejected: repo verification failed")
			return MsgBindVerifyFailed
		}
	}

	if s.Vault == nil {
		log.Error().Msg("bind refused: token encryption key not configured")
		return MsgBindServerNotReady
	}
	enc, err := s.Vault.EncryptString(cmd.token)
	if err != nil {
		log.Error().Err(err).Msg("bind failed: token encryption")
		return MsgProcessingFailed
	}
	err = s.Bindings.Save(ctx, openid, domain.Binding{
		GitHubTokenEnc: enc,
		DefaultRepo:    cmd.repo,
		DefaultPath:    path,
	})
	if err != nil {
		log.Error().Err(err).Msg("bind failed: persist binding")
		return MsgProcessingFailed
	}
	log.Info().Str("repo", cmd.repo).Str("path", path).Msg("binding saved")
	return MsgBindSuccess(cmd.repo, path)
}
