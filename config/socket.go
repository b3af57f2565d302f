package config

import "time"

// SocketConfig holds WebSocket server configuration.
type SocketConfig struct {
	PingInterval    time.Duration `json:"ping_interval"`
	PongWait        time.Duration `json:"pong_wait"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	SendBuffer      int           `json:"send_buffer"`
	ReadBufferSize  int           `json:"read_buffer_size"`
	WriteBufferSize int           `json:"write_buffer_size"`
	MaxMessageBytes int64         `json:"max_message_bytes"`
}

// DefaultConfig returns the default WebSocket configuration.
func DefaultConfig() *SocketConfig {
	return &SocketConfig{
		PingInterval:    25 * time.Second,
		PongWait:        60 * time.Second,
		WriteTimeout:    10 * time.Second,
		SendBuffer:      256,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		MaxMessageBytes: 64 << 10,
	}
}
