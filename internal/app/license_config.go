package app

import (
	"strings"

	"github.com/dangson92/licensegate/internal/auth"
	"github.com/dangson92/licensegate/internal/database"
	"github.com/dangson92/licensegate/internal/token"
	"github.com/dangson92/licensegate/pkg/mail"
)

// DatabaseSettings converts DatabaseConfig into the database package representation.
func (c DatabaseConfig) DatabaseSettings() database.Config {
	cfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(c.Driver)),
		Path:   c.Path,
		DSN:    c.DSN,
	}

	switch cfg.Driver {
	case "postgres", "postgresql":
		cfg.Host = c.Postgres.Host
		cfg.Port = c.Postgres.Port
		cfg.Name = c.Postgres.Database
		cfg.User = c.Postgres.Username
		cfg.Password = c.Postgres.Password
	case "mysql", "mariadb":
		cfg.Host = c.MySQL.Host
		cfg.Port = c.MySQL.Port
		cfg.Name = c.MySQL.Database
		cfg.User = c.MySQL.Username
		cfg.Password = c.MySQL.Password
	}

	return cfg
}

// TokenServiceConfig converts SigningConfig into token service parameters.
func (c SigningConfig) TokenServiceConfig() token.Config {
	return token.Config{
		PrivateKeyPath: c.PrivateKeyPath,
		PublicKeyPath:  c.PublicKeyPath,
		Issuer:         c.Issuer,
		TTL:            c.TokenTTL,
	}
}

// JWTServiceConfig converts AuthConfig into the parameters expected by the JWT service.
func (c AuthConfig) JWTServiceConfig() auth.JWTConfig {
	ttl := c.JWT.TTL
	if ttl <= 0 {
		ttl = auth.DefaultAccessTokenTTL
	}

	return auth.JWTConfig{
		Secret:         c.JWT.Secret,
		Issuer:         c.JWT.Issuer,
		AccessTokenTTL: ttl,
	}
}

// SMTPSettings converts EmailConfig to the mail package representation.
func (c EmailConfig) SMTPSettings() mail.SMTPSettings {
	return mail.SMTPSettings{
		Enabled:  c.SMTP.Enabled,
		Host:     c.SMTP.Host,
		Port:     c.SMTP.Port,
		Username: c.SMTP.Username,
		Password: c.SMTP.Password,
		From:     c.SMTP.From,
		UseTLS:   c.SMTP.UseTLS,
		Timeout:  c.SMTP.Timeout,
	}
}
