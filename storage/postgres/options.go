package postgres

import (
	"fmt"
	"math"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Options are the connection and pool parameters of a Store.
type Options struct {
	Host     string
	Port     int
	Name     string
	Username string
	Password string

	// Timeout bounds connection establishment and every statement.
	Timeout time.Duration

	MinConns int32
	MaxConns int32
	// MaxConnLifetime recycles connections older than this. Zero or
	// negative keeps connections for as long as they are healthy.
	MaxConnLifetime time.Duration
}

// ConnString renders the options as a postgres:// URL.
func (o Options) ConnString() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(o.Host, strconv.Itoa(o.Port)),
		Path:   "/" + o.Name,
	}
	if o.Password != "" {
		u.User = url.UserPassword(o.Username, o.Password)
	} else if o.Username != "" {
		u.User = url.User(o.Username)
	}
	if secs := int(o.Timeout / time.Second); secs > 0 {
		u.RawQuery = url.Values{"connect_timeout": {strconv.Itoa(secs)}}.Encode()
	}
	return u.String()
}

// PoolConfig builds a pgxpool configuration from the options.
func (o Options) PoolConfig() (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(o.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	return o.apply(cfg)
}

func (o Options) apply(cfg *pgxpool.Config) (*pgxpool.Config, error) {
	if o.MinConns < 0 || o.MaxConns < 0 {
		return nil, fmt.Errorf("pool sizes must not be negative (min %d, max %d)", o.MinConns, o.MaxConns)
	}
	if o.MaxConns > 0 {
		if o.MinConns > o.MaxConns {
			return nil, fmt.Errorf("pool min size %d exceeds max size %d", o.MinConns, o.MaxConns)
		}
		cfg.MaxConns = o.MaxConns
	}
	cfg.MinConns = o.MinConns
	if o.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = o.MaxConnLifetime
	} else {
		cfg.MaxConnLifetime = time.Duration(math.MaxInt64)
	}
	if o.Timeout > 0 {
		cfg.ConnConfig.ConnectTimeout = o.Timeout
	}
	return cfg, nil
}
