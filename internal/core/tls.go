package core

// TLS record layer constants.
const (
	TLSRecordHeaderLen = 5
	TLSMaxRecordLen    = 1<<14 + 2048 // ciphertext limit
)

// ContentType is the first byte of a TLS record header.
type ContentType uint8

const (
	ContentChangeCipherSpec ContentType = 20
	ContentAlert            ContentType = 21
	ContentHandshake        ContentType = 22
	ContentApplicationData  ContentType = 23
	ContentHeartbeat        ContentType = 24
)

func (c ContentType) String() string {
	switch c {
	case ContentChangeCipherSpec:
		return "change_cipher_spec"
	case ContentAlert:
		return "alert"
	case ContentHandshake:
		return "handshake"
	case ContentApplicationData:
		return "application_data"
	case ContentHeartbeat:
		return "heartbeat"
	}
	return "unknown"
}

// Known reports whether c is one of the record types of RFC 8446/6520.
func (c ContentType) Known() bool {
	return c >= ContentChangeCipherSpec && c <= ContentHeartbeat
}
