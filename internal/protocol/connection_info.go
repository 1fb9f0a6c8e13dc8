package protocol

import (
	"encoding/json"
	"fmt"
)

// ConnectionInfo is the tagged union of P2P connection descriptors a
// player can advertise in ProvideConnectionInfo and that GameStarting
// echoes back to every peer. On the wire it is an envelope with a
// "type" discriminant and a "data" body; in Go, an interface with one
// concrete type per variant and a switch in the unmarshaller.
type ConnectionInfo interface {
	connectionInfoTag() string
}

const (
	connTypeDirect       = "direct"
	connTypeUnityRelay   = "unity_relay"
	connTypeGenericRelay = "generic_relay"
	connTypeWebRTC       = "webrtc"
	connTypeCustom       = "custom"
)

// DirectInfo describes a direct host:port endpoint.
type DirectInfo struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

func (DirectInfo) connectionInfoTag() string { return connTypeDirect }

// UnityRelayInfo describes a Unity Relay allocation.
type UnityRelayInfo struct {
	JoinCode      string `json:"join_code"`
	RelayServerID string `json:"relay_server_id,omitempty"`
	Region        string `json:"region,omitempty"`
}

func (UnityRelayInfo) connectionInfoTag() string { return connTypeUnityRelay }

// GenericRelayInfo describes any other opaque relay allocation.
type GenericRelayInfo struct {
	RelayAddr string `json:"relay_addr"`
	AllocID   string `json:"alloc_id,omitempty"`
}

func (GenericRelayInfo) connectionInfoTag() string { return connTypeGenericRelay }

// WebRTCInfo carries an (optional) SDP offer/answer and ICE candidates.
type WebRTCInfo struct {
	SDP string   `json:"sdp,omitempty"`
	ICE []string `json:"ice,omitempty"`
}

func (WebRTCInfo) connectionInfoTag() string { return connTypeWebRTC }

// CustomInfo is an escape hatch for transport types the server does not
// otherwise model; the raw JSON payload is forwarded opaquely.
type CustomInfo struct {
	Raw json.RawMessage `json:"raw"`
}

func (CustomInfo) connectionInfoTag() string { return connTypeCustom }

type connectionInfoEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalConnectionInfo serializes a ConnectionInfo into its tagged
// envelope form.
func MarshalConnectionInfo(ci ConnectionInfo) ([]byte, error) {
	if ci == nil {
		return []byte("null"), nil
	}
	var data []byte
	if c, ok := ci.(CustomInfo); ok {
		data = c.Raw
		if len(data) == 0 {
			data = []byte("null")
		}
	} else {
		var err error
		data, err = json.Marshal(ci)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(connectionInfoEnvelope{Type: ci.connectionInfoTag(), Data: data})
}

// UnmarshalConnectionInfo parses a tagged ConnectionInfo envelope.
func UnmarshalConnectionInfo(b []byte) (ConnectionInfo, error) {
	if string(b) == "null" || len(b) == 0 {
		return nil, nil
	}
	var env connectionInfoEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("protocol: connection_info envelope: %w", err)
	}
	switch env.Type {
	case connTypeDirect:
		var v DirectInfo
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case connTypeUnityRelay:
		var v UnityRelayInfo
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case connTypeGenericRelay:
		var v GenericRelayInfo
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case connTypeWebRTC:
		var v WebRTCInfo
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case connTypeCustom:
		return CustomInfo{Raw: env.Data}, nil
	default:
		return nil, fmt.Errorf("protocol: unknown connection_info type %q", env.Type)
	}
}
