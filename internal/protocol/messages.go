package protocol

import (
	"encoding/json"

	"github.com/signalfish/signalserver/internal/ids"
)

// --- Client -> Server payloads ---

type AuthenticatePayload struct {
	AppID          string                `json:"app_id"`
	SDKVersion     string                `json:"sdk_version,omitempty"`
	Platform       string                `json:"platform,omitempty"`
	GameDataFormat GameDataEncoding      `json:"game_data_format,omitempty"`
	TokenBinding   *TokenBindingEnvelope `json:"token_binding,omitempty"`
}

// TokenBindingEnvelope carries the optional per-frame HMAC proof.
type TokenBindingEnvelope struct {
	Scheme      string `json:"scheme"`
	Signature   string `json:"signature"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

type JoinRoomPayload struct {
	GameName          string `json:"game_name"`
	RoomCode          string `json:"room_code,omitempty"`
	PlayerName        string `json:"player_name"`
	MaxPlayers        int    `json:"max_players,omitempty"`
	SupportsAuthority bool   `json:"supports_authority,omitempty"`
	RelayTransport    string `json:"relay_transport,omitempty"`
}

type AuthorityRequestPayload struct {
	BecomeAuthority bool `json:"become_authority"`
}

type ProvideConnectionInfoPayload struct {
	ConnectionInfo ConnectionInfo `json:"-"`
}

func (p ProvideConnectionInfoPayload) MarshalJSON() ([]byte, error) {
	raw, err := MarshalConnectionInfo(p.ConnectionInfo)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		ConnectionInfo json.RawMessage `json:"connection_info"`
	}{ConnectionInfo: raw})
}

func (p *ProvideConnectionInfoPayload) UnmarshalJSON(b []byte) error {
	var aux struct {
		ConnectionInfo json.RawMessage `json:"connection_info"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	ci, err := UnmarshalConnectionInfo(aux.ConnectionInfo)
	if err != nil {
		return err
	}
	p.ConnectionInfo = ci
	return nil
}

type GameDataPayload struct {
	Data json.RawMessage `json:"data"`
}

type ReconnectPayload struct {
	PlayerID  string `json:"player_id"`
	RoomID    string `json:"room_id"`
	AuthToken string `json:"auth_token"`
}

type JoinAsSpectatorPayload struct {
	GameName      string `json:"game_name"`
	RoomCode      string `json:"room_code"`
	SpectatorName string `json:"spectator_name"`
}

// --- Server -> Client payloads ---

type AuthenticatedPayload struct {
	AppName         string `json:"app_name"`
	Org             string `json:"org,omitempty"`
	RateLimitPerMin int    `json:"rate_limit_per_minute,omitempty"`
}

type ProtocolInfoPayload struct {
	ProtocolVersion int                `json:"protocol_version"`
	GameDataFormats []GameDataEncoding `json:"game_data_formats"`
	PlayerNameRules PlayerNameRules    `json:"player_name_rules"`
	Capabilities    []string           `json:"capabilities"`
}

type PlayerNameRules struct {
	MaxLength              int    `json:"max_length"`
	AllowUnicode           bool   `json:"allow_unicode"`
	AllowInteriorSpace     bool   `json:"allow_interior_space"`
	AllowLeadingTrailingWS bool   `json:"allow_leading_trailing_whitespace"`
	AllowedSymbols         string `json:"allowed_symbols,omitempty"`
}

type PlayerSummary struct {
	PlayerID    string `json:"player_id"`
	DisplayName string `json:"display_name"`
	IsAuthority bool   `json:"is_authority"`
	IsReady     bool   `json:"is_ready"`
}

type RoomJoinedPayload struct {
	RoomID            string          `json:"room_id"`
	Code              string          `json:"code"`
	PlayerID          string          `json:"player_id"`
	IsAuthority       bool            `json:"is_authority"`
	Players           []PlayerSummary `json:"players"`
	ReconnectionToken string          `json:"reconnection_token"`
}

type RoomJoinFailedPayload struct {
	Reason    string    `json:"reason"`
	ErrorCode ErrorCode `json:"error_code"`
}

type RoomLeftPayload struct {
	RoomID string `json:"room_id"`
}

type PlayerJoinedPayload struct {
	Player PlayerSummary `json:"player"`
}

type PlayerLeftPayload struct {
	PlayerID string `json:"player_id"`
}

type PlayerReconnectedPayload struct {
	PlayerID string `json:"player_id"`
}

// ServerGameDataPayload is the server->client GameData form: the
// sender's id plus the opaque game state, delivered as a text frame to
// recipients whose negotiated encoding is JSON.
type ServerGameDataPayload struct {
	From string          `json:"from"`
	Data json.RawMessage `json:"data"`
}

type GameDataBinaryPayload struct {
	From     string           `json:"from"`
	Encoding GameDataEncoding `json:"encoding"`
	Payload  []byte           `json:"payload"`
}

type AuthorityChangedPayload struct {
	AuthorityPlayer string `json:"authority_player,omitempty"`
	YouAreAuthority bool   `json:"you_are_authority"`
}

type AuthorityResponsePayload struct {
	Granted   bool      `json:"granted"`
	ErrorCode ErrorCode `json:"error_code,omitempty"`
}

type LobbyStateChangedPayload struct {
	LobbyState   string   `json:"lobby_state"`
	ReadyPlayers []string `json:"ready_players"`
	AllReady     bool     `json:"all_ready"`
}

type PeerConnection struct {
	PlayerID       string         `json:"player_id"`
	IsAuthority    bool           `json:"is_authority"`
	ConnectionInfo ConnectionInfo `json:"-"`
}

func (p PeerConnection) MarshalJSON() ([]byte, error) {
	raw, err := MarshalConnectionInfo(p.ConnectionInfo)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		PlayerID       string          `json:"player_id"`
		IsAuthority    bool            `json:"is_authority"`
		ConnectionInfo json.RawMessage `json:"connection_info"`
	}{PlayerID: p.PlayerID, IsAuthority: p.IsAuthority, ConnectionInfo: raw})
}

type GameStartingPayload struct {
	PeerConnections []PeerConnection `json:"peer_connections"`
}

type ReconnectedPayload struct {
	RoomSnapshot RoomJoinedPayload `json:"room_snapshot"`
	MissedEvents []json.RawMessage `json:"missed_events"`
}

type ReconnectionFailedPayload struct {
	Reason    string    `json:"reason"`
	ErrorCode ErrorCode `json:"error_code"`
}

type SpectatorJoinedPayload struct {
	RoomID string `json:"room_id"`
}

type SpectatorJoinFailedPayload struct {
	Reason    string    `json:"reason"`
	ErrorCode ErrorCode `json:"error_code"`
}

type SpectatorLeftReason string

const (
	SpectatorLeftVoluntary    SpectatorLeftReason = "voluntary"
	SpectatorLeftDisconnected SpectatorLeftReason = "disconnected"
)

type SpectatorLeftPayload struct {
	Reason SpectatorLeftReason `json:"reason"`
}

type NewSpectatorJoinedPayload struct {
	SpectatorID   string `json:"spectator_id"`
	SpectatorName string `json:"spectator_name"`
}

type SpectatorDisconnectedPayload struct {
	SpectatorID string `json:"spectator_id"`
}

type ErrorPayload struct {
	Message   string    `json:"message"`
	ErrorCode ErrorCode `json:"error_code,omitempty"`
}

// Helper constructors reduce boilerplate at call sites that only have
// ids.PlayerID/ids.RoomID values rather than strings.

func NewPlayerLeft(p ids.PlayerID) PlayerLeftPayload {
	return PlayerLeftPayload{PlayerID: p.String()}
}

func NewRoomLeft(r ids.RoomID) RoomLeftPayload {
	return RoomLeftPayload{RoomID: r.String()}
}
