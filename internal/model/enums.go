package model

type ConnectionState string

const (
	ConnStateDisconnected ConnectionState = "disconnected"
	ConnStateConnecting   ConnectionState = "connecting"
	ConnStateConnected    ConnectionState = "connected"
	ConnStateReconnecting ConnectionState = "reconnecting"
)

type SessionStatus string

const (
	SessionStatusNone    SessionStatus = "none"
	SessionStatusActive  SessionStatus = "active"
	SessionStatusExpired SessionStatus = "expired"
)
