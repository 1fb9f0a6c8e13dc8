package protocol

// GameDataEncoding is the negotiated wire encoding for opaque game-data
// payloads carried in GameData / GameDataBinary frames.
type GameDataEncoding string

const (
	EncodingJSON        GameDataEncoding = "json"
	EncodingMessagePack GameDataEncoding = "message_pack"
	EncodingRkyv        GameDataEncoding = "rkyv"
)

// SupportedEncodings is the server's advertised capability set. Rkyv
// stays in the advertised set even though no Rkyv serializer exists: a
// client that negotiates it keeps a working connection and receives
// JSON text frames instead of binary ones.
func SupportedEncodings() []GameDataEncoding {
	return []GameDataEncoding{EncodingJSON, EncodingMessagePack, EncodingRkyv}
}

// IsSupportedEncoding reports whether enc is one the server advertises.
func IsSupportedEncoding(enc GameDataEncoding) bool {
	for _, e := range SupportedEncodings() {
		if e == enc {
			return true
		}
	}
	return false
}
