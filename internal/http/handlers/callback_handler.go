// Package handlers – callback endpoint.
//
// GET serves the platform's URL verification handshake (echostr), POST the
// message callbacks. Authentication and replay failures answer a generic 400
// with no detail: the caller is either the platform (which never sees these)
// or an attacker (who learns nothing).
package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ruminer/go-wechat-backend/internal/http/middleware"
	"github.com/ruminer/go-wechat-backend/internal/services"
	"github.com/ruminer/go-wechat-backend/internal/wechat"
)

// CallbackHandler holds the protocol collaborators for both callback verbs.
type CallbackHandler struct {
	Token string
	// Codec is nil when no AES key is configured; encrypted-mode requests
	// are then rejected.
	Codec *wechat.Codec
	// Guard is nil when replay protection is disabled.
	Guard *wechat.ReplayGuard
	Bind  *services.BindService
	Link  *services.LinkService
	Now   func() time.Time
}

func NewCallbackHandler(token string, codec *wechat.Codec, guard *wechat.ReplayGuard, bind *services.BindService, link *services.LinkService) *CallbackHandler {
	return &CallbackHandler{
		Token: token,
		Codec: codec,
		Guard: guard,
		Bind:  bind,
		Link:  link,
	}
}

func (h *CallbackHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// Verify handles GET: prove ownership of the endpoint by echoing echostr,
// decrypted first when the platform operates in encrypted mode.
func (h *CallbackHandler) Verify(c *gin.Context) {
	lg := middleware.LoggerFrom(c)
	timestamp := c.Query("timestamp")
	nonce := c.Query("nonce")
	echostr := c.Query("echostr")

	if msgSig := c.Query("msg_signature"); msgSig != "" {
		if !wechat.VerifyMsgSignature(h.Token, timestamp, nonce, msgSig, echostr) {
			lg.Warn().Str("stage", "get").Msg("callback signature verification failed")
			Text(c, http.StatusBadRequest, "invalid signature")
			return
		}
		if h.Codec == nil {
			lg.Warn().Str("stage", "get").Msg("encrypted handshake without crypto config")
			Text(c, http.StatusBadRequest, "missing crypto config")
			return
		}
		plain, err := h.Codec.Decrypt(echostr)
		if err != nil {
			lg.Warn().Err(err).Str("stage", "get").Msg("echostr decryption failed")
			Text(c, http.StatusBadRequest, "invalid echostr")
			return
		}
		Text(c, http.StatusOK, plain)
		return
	}

	if !wechat.VerifySignature(h.Token, timestamp, nonce, c.Query("signature")) {
		lg.Warn().Str("stage", "get").Msg("callback signature verification failed")
		Text(c, http.StatusBadRequest, "invalid signature")
		return
	}
	Text(c, http.StatusOK, echostr)
}

// Callback handles POST: verify, (decrypt,) guard against replays, parse,
// dispatch by message type, and render the passive reply.
func (h *CallbackHandler) Callback(c *gin.Context) {
	lg := middleware.LoggerFrom(c)
	timestamp := c.Query("timestamp")
	nonce := c.Query("nonce")
	msgSig := c.Query("msg_signature")
	encryptedMode := msgSig != ""

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		lg.Warn().Err(err).Msg("callback body read failed")
		Text(c, http.StatusBadRequest, "invalid request")
		return
	}

	// In encrypted mode the signature covers the ciphertext, which lives
	// inside the wrapper XML.
	var encrypted string
	if encryptedMode {
		if m, perr := wechat.ParseMessage(body); perr == nil {
			encrypted = m.Encrypt
		}
		if !wechat.VerifyMsgSignature(h.Token, timestamp, nonce, msgSig, encrypted) {
			lg.Warn().Str("stage", "post").Msg("callback signature verification failed")
			Text(c, http.StatusBadRequest, "invalid signature")
			return
		}
	} else if !wechat.VerifySignature(h.Token, timestamp, nonce, c.Query("signature")) {
		lg.Warn().Str("stage", "post").Msg("callback signature verification failed")
		Text(c, http.StatusBadRequest, "invalid signature")
		return
	}

	if h.Guard != nil {
		if gerr := h.Guard.Check(c.Request.Context(), timestamp, nonce); gerr != nil {
			middleware.CountReplayRejection()
			lg.Warn().Err(gerr).Msg("replay guard rejected callback")
			if errors.Is(gerr, wechat.ErrReplayStoreUnavailable) {
				Text(c, http.StatusInternalServerError, "internal error")
				return
			}
			Text(c, http.StatusBadRequest, "invalid request")
			return
		}
	}

	if encryptedMode {
		if h.Codec == nil {
			lg.Warn().Str("stage", "post").Msg("encrypted callback without crypto config")
			Text(c, http.StatusBadRequest, "missing crypto config")
			return
		}
		plain, derr := h.Codec.Decrypt(encrypted)
		if derr != nil {
			lg.Warn().Err(derr).Str("stage", "post").Msg("message decryption failed")
			Text(c, http.StatusBadRequest, "invalid message")
			return
		}
		body = []byte(plain)
	}

	msg, err := wechat.ParseMessage(body)
	if err != nil {
		lg.Warn().Err(err).Msg("callback parse failed")
		Text(c, http.StatusBadRequest, "invalid message")
		return
	}
	lg.Info().
		Str("msg_type", msg.MsgType).
		Str("openid", middleware.MaskOpenID(msg.FromUserName)).
		Msg("callback received")

	if msg.ToUserName == "" || msg.FromUserName == "" || msg.MsgType == "" {
		middleware.CountMessage(msg.MsgType, "rejected")
		h.reply(c, encryptedMode, msg.FromUserName, msg.ToUserName, services.MsgMissingFields)
		return
	}

	var content string
	outcome := "replied"
	switch msg.MsgType {
	case "text":
		content = h.Bind.HandleText(c.Request.Context(), msg.FromUserName, msg.Content)
	case "link":
		content = h.Link.HandleLink(c.Request.Context(), msg.FromUserName, msg.URL, msg.Title, msg.MsgID)
	default:
		content = services.MsgUnsupportedType
		outcome = "unsupported"
	}
	middleware.CountMessage(msg.MsgType, outcome)
	h.reply(c, encryptedMode, msg.FromUserName, msg.ToUserName, content)
}

// reply renders the passive reply, re-encrypting with a fresh timestamp,
// nonce, and signature when the exchange is in encrypted mode.
func (h *CallbackHandler) reply(c *gin.Context, encryptedMode bool, toUser, fromUser, content string) {
	plain := wechat.TextReply(toUser, fromUser, content, h.now())
	if !encryptedMode {
		XML(c, plain)
		return
	}
	if h.Codec == nil {
		Text(c, http.StatusBadRequest, "missing crypto config")
		return
	}
	enc, err := h.Codec.Encrypt(plain)
	if err != nil {
		middleware.LoggerFrom(c).Error().Err(err).Msg("reply encryption failed")
		Text(c, http.StatusInternalServerError, "internal error")
		return
	}
	ts := strconv.FormatInt(h.now().Unix(), 10)
	nonce := wechat.RandomNonce()
	sig := wechat.MsgSignature(h.Token, ts, nonce, enc)
	XML(c, wechat.EncryptedReply(enc, sig, ts, nonce))
}
