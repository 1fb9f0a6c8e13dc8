package session

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/signalfish/signalserver/internal/config"
)

// validatePlayerName enforces the configured display-name rules — the
// same rules the server advertises to clients in
// ProtocolInfoPayload.PlayerNameRules, so a conforming SDK can
// validate client-side before ever sending JoinRoom.
func validatePlayerName(cfg config.Config, name string) error {
	if name == "" {
		return fmt.Errorf("player name must not be empty")
	}
	if len([]rune(name)) > cfg.MaxPlayerNameLength {
		return fmt.Errorf("player name exceeds %d characters", cfg.MaxPlayerNameLength)
	}
	if trimmed := strings.TrimSpace(name); trimmed != name {
		return fmt.Errorf("player name must not have leading or trailing whitespace")
	}
	for _, r := range name {
		if unicode.IsSpace(r) {
			if !cfg.AllowInteriorSpace {
				return fmt.Errorf("player name must not contain spaces")
			}
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if !cfg.AllowUnicodeNames && r > unicode.MaxASCII {
				return fmt.Errorf("player name must be ASCII")
			}
			continue
		}
		if strings.ContainsRune(cfg.AllowedSymbols, r) {
			continue
		}
		return fmt.Errorf("player name contains disallowed character %q", r)
	}
	return nil
}
