package database

import (
	"net"
	"net/url"
	"strconv"

	"github.com/rickgao/easymkt/internal/config"
)

// ApplicationName is reported to the server as application_name.
const ApplicationName = "easymkt"

// BuildConnString builds a PostgreSQL connection string from config. User,
// password and database name are escaped for their URL positions.
func BuildConnString(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = config.DefaultDBSSLMode
	}

	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/" + cfg.Name,
		// Kept in this order rather than url.Values' sorted encoding.
		RawQuery: "sslmode=" + url.QueryEscape(sslMode) +
			"&application_name=" + url.QueryEscape(ApplicationName),
	}
	return u.String()
}
