// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nishisan-dev/n-upload/internal/checksum"
	"github.com/nishisan-dev/n-upload/internal/pki"
	"gopkg.in/yaml.v3"
)

// SecretEnvVar é consultada quando auth.shared_secret está vazio no YAML.
const SecretEnvVar = "NUPLOAD_SHARED_SECRET"

// DefaultChunkSize é o tamanho padrão de cada chunk enviado pelo agent (1MB).
const DefaultChunkSize = 1 * 1024 * 1024

// AgentConfig representa a configuração completa do nupload-agent.
type AgentConfig struct {
	Agent     AgentInfo     `yaml:"agent"`
	Server    ServerAddr    `yaml:"server"`
	Auth      AuthInfo      `yaml:"auth"`
	TLS       TLSClient     `yaml:"tls"`
	Upload    UploadInfo    `yaml:"upload"`
	Reconnect ReconnectInfo `yaml:"reconnect"`
	Stats     StatsInfo     `yaml:"stats"`
	Logging   LoggingInfo   `yaml:"logging"`
}

// AgentInfo identifica o agent. Name é a identity enviada no hello.
type AgentInfo struct {
	Name string `yaml:"name"`
}

// ServerAddr contém o endereço do coordinator.
type ServerAddr struct {
	Address string `yaml:"address"`
}

// AuthInfo contém o segredo compartilhado com o server.
type AuthInfo struct {
	SharedSecret string `yaml:"shared_secret"`
}

// TLSClient contém o modo e os caminhos dos certificados do agent.
type TLSClient struct {
	Mode       string   `yaml:"mode"` // insecure|tls|mtls (default: tls)
	CACert     string   `yaml:"ca_cert"`
	ClientCert string   `yaml:"client_cert"`
	ClientKey  string   `yaml:"client_key"`
	ServerName string   `yaml:"server_name"` // default: host de server.address
	ParsedMode pki.Mode `yaml:"-"`
}

// UploadInfo controla o Transfer Sender.
type UploadInfo struct {
	ChunkSize         string             `yaml:"chunk_size"` // ex: "1mb" (default: 1mb)
	ChunkSizeRaw      int64              `yaml:"-"`
	DefaultFile       string             `yaml:"default_file"`    // usado quando upload_request chega sem file_path
	AllowedRoots      []string           `yaml:"allowed_roots"`   // vazio = qualquer caminho
	BandwidthLimit    string             `yaml:"bandwidth_limit"` // ex: "10mb" por segundo (vazio = sem limite)
	BandwidthLimitRaw int64              `yaml:"-"`
	OutboundQueue     int                `yaml:"outbound_queue"` // frames na fila de saída (default: 8)
	Checksum          string             `yaml:"checksum"`       // sha256|blake3 (default: sha256)
	ChecksumAlg       checksum.Algorithm `yaml:"-"`
}

// ReconnectInfo controla o backoff exponencial do Connection Manager.
type ReconnectInfo struct {
	MaxDelay         time.Duration `yaml:"max_delay"`         // teto do backoff (default: 30s)
	DialTimeout      time.Duration `yaml:"dial_timeout"`      // default: 10s
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"` // espera pelo ready após o hello (default: 10s)
}

// StatsInfo controla o stats reporter do agent.
type StatsInfo struct {
	Interval time.Duration `yaml:"interval"` // default: 5m
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`

	// Server-only
	UploadLogDir  string        `yaml:"upload_log_dir"` // diretório de logs por upload (vazio = desabilitado)
	StatsInterval time.Duration `yaml:"stats_interval"` // default: 15s
}

// LoadAgentConfig lê e valida o arquivo YAML de configuração do agent.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent config: %w", err)
	}

	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing agent config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating agent config: %w", err)
	}

	return &cfg, nil
}

func (c *AgentConfig) validate() error {
	if c.Agent.Name == "" {
		return fmt.Errorf("agent.name is required")
	}
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.Auth.SharedSecret == "" {
		c.Auth.SharedSecret = os.Getenv(SecretEnvVar)
	}
	if c.Auth.SharedSecret == "" {
		return fmt.Errorf("auth.shared_secret is required (or set %s)", SecretEnvVar)
	}

	mode, err := pki.ParseMode(c.TLS.Mode)
	if err != nil {
		return fmt.Errorf("tls.mode: %w", err)
	}
	c.TLS.ParsedMode = mode
	if mode != pki.ModeInsecure && c.TLS.CACert == "" {
		return fmt.Errorf("tls.ca_cert is required when tls.mode is %s", mode)
	}
	if mode == pki.ModeMTLS {
		if c.TLS.ClientCert == "" {
			return fmt.Errorf("tls.client_cert is required when tls.mode is mtls")
		}
		if c.TLS.ClientKey == "" {
			return fmt.Errorf("tls.client_key is required when tls.mode is mtls")
		}
	}

	// Upload
	if c.Upload.ChunkSize == "" {
		c.Upload.ChunkSize = "1mb"
	}
	chunkParsed, err := ParseByteSize(c.Upload.ChunkSize)
	if err != nil {
		return fmt.Errorf("upload.chunk_size: %w", err)
	}
	if chunkParsed < 1024 {
		return fmt.Errorf("upload.chunk_size must be at least 1kb, got %s", c.Upload.ChunkSize)
	}
	if chunkParsed > 16*1024*1024 {
		return fmt.Errorf("upload.chunk_size must be at most 16mb, got %s", c.Upload.ChunkSize)
	}
	c.Upload.ChunkSizeRaw = chunkParsed

	if c.Upload.BandwidthLimit != "" {
		bw, err := ParseByteSize(c.Upload.BandwidthLimit)
		if err != nil {
			return fmt.Errorf("upload.bandwidth_limit: %w", err)
		}
		c.Upload.BandwidthLimitRaw = bw
	}
	if c.Upload.OutboundQueue <= 0 {
		c.Upload.OutboundQueue = 8
	}
	alg, err := checksum.Parse(c.Upload.Checksum)
	if err != nil {
		return fmt.Errorf("upload.checksum: %w", err)
	}
	c.Upload.ChecksumAlg = alg
	for i, root := range c.Upload.AllowedRoots {
		if !filepath.IsAbs(root) {
			return fmt.Errorf("upload.allowed_roots[%d] must be an absolute path, got %q", i, root)
		}
		c.Upload.AllowedRoots[i] = filepath.Clean(root)
	}

	// Reconnect
	if c.Reconnect.MaxDelay <= 0 {
		c.Reconnect.MaxDelay = 30 * time.Second
	}
	if c.Reconnect.DialTimeout <= 0 {
		c.Reconnect.DialTimeout = 10 * time.Second
	}
	if c.Reconnect.HandshakeTimeout <= 0 {
		c.Reconnect.HandshakeTimeout = 10 * time.Second
	}

	if c.Stats.Interval <= 0 {
		c.Stats.Interval = 5 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}
