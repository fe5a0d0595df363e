// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/nishisan-dev/n-upload/internal/checksum"
	"github.com/nishisan-dev/n-upload/internal/pki"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// ServerConfig representa a configuração completa do nupload-server.
type ServerConfig struct {
	Server    ServerListen    `yaml:"server"`
	Auth      AuthInfo        `yaml:"auth"`
	TLS       TLSServer       `yaml:"tls"`
	Storage   StorageInfo     `yaml:"storage"`
	Schedules []ScheduleEntry `yaml:"schedules"`
	Archive   ArchiveConfig   `yaml:"archive"`
	API       APIConfig       `yaml:"api"`
	Logging   LoggingInfo     `yaml:"logging"`
}

// ServerListen contém o endereço de escuta e os limites do canal.
type ServerListen struct {
	Listen           string        `yaml:"listen"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"` // prazo para o hello (default: 10s)
	SendTimeout      time.Duration `yaml:"send_timeout"`      // prazo de escrita por frame (default: 30s)
	OutboundQueue    int           `yaml:"outbound_queue"`    // frames na fila de saída por conexão (default: 8)
	MaxChunkSize     string        `yaml:"max_chunk_size"`    // default: 16mb
	MaxChunkSizeRaw  int64         `yaml:"-"`
}

// TLSServer contém o modo e os caminhos dos certificados do server.
type TLSServer struct {
	Mode       string   `yaml:"mode"` // insecure|tls|mtls (default: tls)
	CACert     string   `yaml:"ca_cert"`
	ServerCert string   `yaml:"server_cert"`
	ServerKey  string   `yaml:"server_key"`
	ParsedMode pki.Mode `yaml:"-"`
}

// StorageInfo contém o destino dos sinks e a política de retenção.
type StorageInfo struct {
	OutputDir         string             `yaml:"output_dir"`
	Compression       string             `yaml:"compression"`          // none|gzip|zst|lz4 (default: none)
	MaxFilesPerClient int                `yaml:"max_files_per_client"` // 0 = sem rotação
	Checksum          string             `yaml:"checksum"`             // sha256|blake3 (default: sha256)
	ChecksumAlg       checksum.Algorithm `yaml:"-"`
}

// FileExtension retorna a extensão dos sinks conforme a compressão.
func (s StorageInfo) FileExtension() string {
	switch s.Compression {
	case "gzip":
		return ".bin.gz"
	case "zst":
		return ".bin.zst"
	case "lz4":
		return ".bin.lz4"
	default:
		return ".bin"
	}
}

// ScheduleEntry dispara um upload periódico via cron.
type ScheduleEntry struct {
	Name     string `yaml:"name"`
	ClientID string `yaml:"client_id"`
	FilePath string `yaml:"file_path"` // vazio = default_file do agent
	Cron     string `yaml:"cron"`
}

// ArchiveConfig configura a cópia dos sinks concluídos para um bucket S3.
type ArchiveConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`   // default: us-east-1
	Endpoint     string `yaml:"endpoint"` // MinIO ou compatível (opcional)
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
	RemoveLocal  bool   `yaml:"remove_local"` // remove o sink local após upload bem-sucedido
	QueueSize    int    `yaml:"queue_size"`   // default: 16
}

// APIConfig configura o listener HTTP de controle e observabilidade.
type APIConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Listen       string        `yaml:"listen"`        // default: "127.0.0.1:9848"
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default: 5s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 15s
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // default: 60s
	AllowOrigins []string      `yaml:"allow_origins"` // IP ou CIDR (deny-by-default)

	// Persistência de eventos
	EventsFile     string `yaml:"events_file"`      // vazio = somente memória
	EventsMaxLines int    `yaml:"events_max_lines"` // default: 10000

	HistorySize int `yaml:"history_size"` // uploads finalizados mantidos em memória (default: 200)

	// Parsed é preenchido em validate(); não vem do YAML.
	ParsedCIDRs []*net.IPNet `yaml:"-"`
}

// LoadServerConfig lê e valida o arquivo YAML de configuração do server.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server config: %w", err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating server config: %w", err)
	}

	return &cfg, nil
}

func (c *ServerConfig) validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Server.HandshakeTimeout <= 0 {
		c.Server.HandshakeTimeout = 10 * time.Second
	}
	if c.Server.SendTimeout <= 0 {
		c.Server.SendTimeout = 30 * time.Second
	}
	if c.Server.OutboundQueue <= 0 {
		c.Server.OutboundQueue = 8
	}
	if c.Server.MaxChunkSize == "" {
		c.Server.MaxChunkSize = "16mb"
	}
	maxChunk, err := ParseByteSize(c.Server.MaxChunkSize)
	if err != nil {
		return fmt.Errorf("server.max_chunk_size: %w", err)
	}
	if maxChunk <= 0 {
		return fmt.Errorf("server.max_chunk_size must be > 0, got %s", c.Server.MaxChunkSize)
	}
	c.Server.MaxChunkSizeRaw = maxChunk

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
	if mode != pki.ModeInsecure {
		if c.TLS.ServerCert == "" {
			return fmt.Errorf("tls.server_cert is required when tls.mode is %s", mode)
		}
		if c.TLS.ServerKey == "" {
			return fmt.Errorf("tls.server_key is required when tls.mode is %s", mode)
		}
	}
	if mode == pki.ModeMTLS && c.TLS.CACert == "" {
		return fmt.Errorf("tls.ca_cert is required when tls.mode is mtls")
	}

	// Storage
	if c.Storage.OutputDir == "" {
		return fmt.Errorf("storage.output_dir is required")
	}
	c.Storage.Compression = strings.ToLower(strings.TrimSpace(c.Storage.Compression))
	if c.Storage.Compression == "" {
		c.Storage.Compression = "none"
	}
	switch c.Storage.Compression {
	case "none", "gzip", "zst", "lz4":
	default:
		return fmt.Errorf("storage.compression must be none, gzip, zst or lz4, got %q", c.Storage.Compression)
	}
	if c.Storage.MaxFilesPerClient < 0 {
		return fmt.Errorf("storage.max_files_per_client must be >= 0, got %d", c.Storage.MaxFilesPerClient)
	}
	alg, err := checksum.Parse(c.Storage.Checksum)
	if err != nil {
		return fmt.Errorf("storage.checksum: %w", err)
	}
	c.Storage.ChecksumAlg = alg

	// Schedules
	names := make(map[string]bool, len(c.Schedules))
	for i, s := range c.Schedules {
		if s.Name == "" {
			return fmt.Errorf("schedules[%d].name is required", i)
		}
		if names[s.Name] {
			return fmt.Errorf("schedules[%d].name %q is duplicated", i, s.Name)
		}
		names[s.Name] = true
		if s.ClientID == "" {
			return fmt.Errorf("schedules[%d].client_id is required", i)
		}
		if s.Cron == "" {
			return fmt.Errorf("schedules[%d].cron is required", i)
		}
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			return fmt.Errorf("schedules[%d].cron: invalid expression %q: %w", i, s.Cron, err)
		}
	}

	// Archive
	if c.Archive.Enabled {
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required when archive is enabled")
		}
		if c.Archive.Region == "" {
			c.Archive.Region = "us-east-1"
		}
		if c.Archive.QueueSize <= 0 {
			c.Archive.QueueSize = 16
		}
		if (c.Archive.AccessKey == "") != (c.Archive.SecretKey == "") {
			return fmt.Errorf("archive.access_key and archive.secret_key must be set together")
		}
	}

	// API defaults e validação
	if c.API.Enabled {
		if c.API.Listen == "" {
			c.API.Listen = "127.0.0.1:9848"
		}
		if c.API.ReadTimeout <= 0 {
			c.API.ReadTimeout = 5 * time.Second
		}
		if c.API.WriteTimeout <= 0 {
			c.API.WriteTimeout = 15 * time.Second
		}
		if c.API.IdleTimeout <= 0 {
			c.API.IdleTimeout = 60 * time.Second
		}
		if c.API.EventsMaxLines <= 0 {
			c.API.EventsMaxLines = 10000
		}
		if c.API.HistorySize <= 0 {
			c.API.HistorySize = 200
		}
		if len(c.API.AllowOrigins) == 0 {
			return fmt.Errorf("api.allow_origins is required when api is enabled (deny-by-default)")
		}
		for _, origin := range c.API.AllowOrigins {
			_, cidr, err := net.ParseCIDR(origin)
			if err != nil {
				// Tenta como IP único → converte para /32 ou /128
				ip := net.ParseIP(strings.TrimSpace(origin))
				if ip == nil {
					return fmt.Errorf("api.allow_origins: %q is not a valid IP or CIDR", origin)
				}
				if ip.To4() != nil {
					_, cidr, _ = net.ParseCIDR(ip.String() + "/32")
				} else {
					_, cidr, _ = net.ParseCIDR(ip.String() + "/128")
				}
			}
			c.API.ParsedCIDRs = append(c.API.ParsedCIDRs, cidr)
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.StatsInterval <= 0 {
		c.Logging.StatsInterval = 15 * time.Second
	}

	return nil
}
