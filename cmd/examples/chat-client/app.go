package main

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/go-go-golems/marketchat/pkg/backend"
	"github.com/go-go-golems/marketchat/pkg/config"
	"github.com/go-go-golems/marketchat/pkg/directory"
)

// app holds the collaborators every command needs.
type app struct {
	settings  config.Settings
	store     directory.Store
	directory *directory.Directory
	client    *backend.Client
	dialer    *backend.WSDialer
}

func newApp(s config.Settings) (*app, error) {
	store, err := openStore(s)
	if err != nil {
		return nil, err
	}
	dir, err := directory.New(store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	client, err := backend.NewClient(s.API.BaseURL, backend.ClientOptions{
		Routes:   s.API.Routes(),
		Timeout:  s.API.Timeout(),
		RetryMax: s.API.RetryMax,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	dialer, err := backend.NewWSDialer(s.API.WSBaseURL, s.API.LiveRoute, s.API.HandshakeTimeout())
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &app{settings: s, store: store, directory: dir, client: client, dialer: dialer}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func openStore(s config.Settings) (directory.Store, error) {
	switch s.State.Backend {
	case config.StateMemory:
		return directory.NewMemoryStore(), nil
	case config.StateRedis:
		return directory.NewRedisStore(s.Redis.Addr, s.State.RedisPrefix), nil
	case config.StateSQLite:
		if err := os.MkdirAll(filepath.Dir(s.State.SQLitePath), 0o755); err != nil {
			return nil, errors.Wrap(err, "create state directory")
		}
		dsn, err := directory.SQLiteDSNForFile(s.State.SQLitePath)
		if err != nil {
			return nil, err
		}
		return directory.NewSQLiteStore(dsn)
	default:
		return nil, errors.Errorf("unknown state backend %q", s.State.Backend)
	}
}
