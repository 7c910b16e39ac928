package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmcleod/ovpnkeeper/config"
	"github.com/jmcleod/ovpnkeeper/devices"
	"github.com/jmcleod/ovpnkeeper/pki"
	"github.com/jmcleod/ovpnkeeper/storage"
	bboltstorage "github.com/jmcleod/ovpnkeeper/storage/bbolt"
	"github.com/jmcleod/ovpnkeeper/storage/memory"
	"github.com/jmcleod/ovpnkeeper/storage/postgres"
)

// app is the wired set of components a command works with.
type app struct {
	store   storage.Repository
	ca      *pki.Provider
	devices *devices.Service
}

func (a *app) Close() error {
	return a.store.Close()
}

// openApp loads the CA material first so a broken PKI setup fails before
// any database wait.
func openApp(ctx context.Context) (*app, error) {
	ca, err := loadAuthority(cfg.PKI)
	if err != nil {
		return nil, err
	}
	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	svc := devices.New(store, ca,
		devices.WithServer(cfg.Server.Host, cfg.Server.Port),
		devices.WithMaxDevices(cfg.Default.MaxDevices),
		devices.WithLogger(logger),
	)
	return &app{store: store, ca: ca, devices: svc}, nil
}

func loadAuthority(c config.PKI) (*pki.Provider, error) {
	paths := pki.Paths{
		CA:           c.CA,
		Cert:         c.Cert,
		Key:          c.PKey,
		SharedSecret: c.TLSAuth,
	}
	ca, err := pki.LoadFiles(paths, c.Passphrase, pki.WithCRLValidity(c.CRLValidity))
	if err != nil {
		return nil, fmt.Errorf("loading CA material: %w", err)
	}
	logger.WithField("key", ca.KeySpec().String()).Debug("CA material loaded")
	return ca, nil
}

func openStore(ctx context.Context, c config.Database) (storage.Repository, error) {
	switch c.Driver {
	case "postgres":
		s, err := postgres.Connect(ctx, postgresOptions(c), c.Wait, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		return s, nil
	case "bbolt":
		s, err := bboltstorage.NewRepositoryFromFile(c.Path, c.Timeout)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", c.Path, err)
		}
		return s, nil
	case "memory":
		logger.Warn("using the in-memory store; devices are lost on exit")
		return memory.New(), nil
	default:
		return nil, errors.New("unknown database driver " + c.Driver)
	}
}

func postgresOptions(c config.Database) postgres.Options {
	return postgres.Options{
		Host:            c.Host,
		Port:            c.Port,
		Name:            c.Name,
		Username:        c.Username,
		Password:        c.Password,
		Timeout:         c.Timeout,
		MinConns:        c.Pool.MinSize,
		MaxConns:        c.Pool.MaxSize,
		MaxConnLifetime: c.Pool.Recycle,
	}
}
