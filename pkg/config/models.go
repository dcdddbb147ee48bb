package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Store     StoreConfig
	Storage   StorageConfig
	Dispatch  DispatchConfig
	Typing    TypingConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address string
	Auth    AuthConfig
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}

type StoreConfig struct {
	Path string
}

type StorageConfig struct {
	UploadDir string `mapstructure:"uploadDir"`
}

type DispatchConfig struct {
	// QueueSize bounds the number of in-flight persistence jobs. Sends
	// arriving while the queue is full are rejected back to the sender.
	QueueSize int `mapstructure:"queueSize"`
	// PersistTimeout cancels a single persistence call that outlives it.
	PersistTimeout time.Duration `mapstructure:"persistTimeout"`
}

type TypingConfig struct {
	// Expiry auto-clears a typing indicator that was never followed by a
	// stop signal. Zero disables server-side expiry.
	Expiry time.Duration `mapstructure:"expiry"`
}

type LogConfig struct {
	Level string
}
