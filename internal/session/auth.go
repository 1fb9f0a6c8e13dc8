package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/signalfish/signalserver/internal/protocol"
	"github.com/signalfish/signalserver/internal/tokenbind"
)

// handleAuthenticate runs the handshake: optional per-frame
// token-binding verification, app-id validation against the auth
// registry, and game-data-encoding negotiation. Exactly one
// Authenticate per connection is honored; once authOnce flips true,
// later ones are rejected by the check at the top of this handler.
func (sess *connSession) handleAuthenticate(ctx context.Context, data []byte) error {
	if sess.authOnce.Load() {
		sess.sendError(protocol.ErrInvalidInput, "already authenticated")
		return fmt.Errorf("session: repeated authenticate frame")
	}

	payload, err := unmarshalPayload[protocol.AuthenticatePayload](data)
	if err != nil {
		sess.sendError(protocol.ErrInvalidInput, "malformed authenticate payload")
		return err
	}

	if sess.server.cfg.TokenBindingEnabled {
		if err := sess.verifyTokenBinding(data, payload.TokenBinding); err != nil {
			sess.sendError(protocol.ErrUnauthorized, "token binding verification failed")
			return err
		}
	}

	info, err := sess.server.authReg.ValidateAppID(payload.AppID)
	if err != nil {
		sess.server.router.SendToPlayer(sess.playerID, protocol.OutboundMessage{
			Type:    protocol.MsgAuthenticationError,
			Payload: protocol.ErrorPayload{Message: "unknown application id", ErrorCode: protocol.ErrInvalidAppID},
		})
		return err
	}

	capabilities, err := checkSDKCompatibility(sess.server.cfg, payload.SDKVersion, payload.Platform)
	if err != nil {
		code := protocol.ErrSDKVersionUnsupported
		if strings.Contains(err.Error(), "platform") {
			code = protocol.ErrPlatformUnsupported
		}
		sess.sendError(code, err.Error())
		return err
	}

	// A requested encoding outside the supported set degrades to JSON
	// rather than failing the handshake; the client is told via an
	// Error frame and the connection proceeds.
	enc := payload.GameDataFormat
	if enc == "" {
		enc = protocol.EncodingJSON
	}
	if !protocol.IsSupportedEncoding(enc) {
		sess.sendError(protocol.ErrUnsupportedGameDataFormat, fmt.Sprintf("unsupported game_data_format %q, falling back to json", enc))
		enc = protocol.EncodingJSON
	}

	limit := info.RateLimitPerMinute
	if limit <= 0 {
		limit = sess.server.cfg.AppRateLimitPerMinute
	}
	if !sess.server.appLimiter.Check(ctx, info.ID.String(), limit, time.Minute) {
		sess.sendError(protocol.ErrRateLimitExceeded, "application rate limit exceeded")
		return fmt.Errorf("session: app %s rate limited", info.ID)
	}

	sess.cc.SetAppInfo(info)
	sess.cc.SetGameDataEncoding(enc)
	sess.appInfo = &info
	sess.authOnce.Store(true)

	sess.server.router.SendToPlayer(sess.playerID, protocol.OutboundMessage{
		Type: protocol.MsgAuthenticated,
		Payload: protocol.AuthenticatedPayload{
			AppName:         info.Name,
			Org:             info.Org,
			RateLimitPerMin: limit,
		},
	})
	sess.server.router.SendToPlayer(sess.playerID, protocol.OutboundMessage{
		Type: protocol.MsgProtocolInfo,
		Payload: protocol.ProtocolInfoPayload{
			ProtocolVersion: protocolVersion,
			GameDataFormats: protocol.SupportedEncodings(),
			PlayerNameRules: protocol.PlayerNameRules{
				MaxLength:              sess.server.cfg.MaxPlayerNameLength,
				AllowUnicode:           sess.server.cfg.AllowUnicodeNames,
				AllowInteriorSpace:     sess.server.cfg.AllowInteriorSpace,
				AllowLeadingTrailingWS: false,
				AllowedSymbols:         sess.server.cfg.AllowedSymbols,
			},
			Capabilities: capabilities,
		},
	})
	return nil
}

func (sess *connSession) verifyTokenBinding(raw []byte, envelope *protocol.TokenBindingEnvelope) error {
	if envelope == nil {
		if sess.server.cfg.TokenBindingRequired {
			return fmt.Errorf("session: token binding required but absent")
		}
		return nil
	}

	secret, err := tokenbind.DeriveSessionSecret(sess.secWebSocketKey)
	if err != nil {
		return err
	}
	canonical, err := tokenbind.CanonicalPayload(raw)
	if err != nil {
		return err
	}
	return tokenbind.Verify(canonical, *envelope, secret)
}

const protocolVersion = 1

var serverCapabilities = []string{"authority_handoff", "reconnection", "spectators", "game_data_binary"}
