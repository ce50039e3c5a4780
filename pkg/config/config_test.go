package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/marketchat/pkg/chat"
	"github.com/go-go-golems/marketchat/pkg/events"
	"github.com/go-go-golems/marketchat/pkg/redisstream"
)

// parsedWith builds parsed values for every client section, setting only the given fields.
func parsedWith(t *testing.T, set map[string]map[string]interface{}) *values.Values {
	t.Helper()
	sections, err := NewSections()
	require.NoError(t, err)

	opts := make([]values.ValuesOption, 0, len(sections))
	for _, section := range sections {
		sectionValues, err := values.NewSectionValues(section)
		require.NoError(t, err)
		for name, v := range set[section.GetSlug()] {
			sectionValues.Fields.Update(name, &fields.FieldValue{Value: v})
		}
		opts = append(opts, values.WithSectionValues(section.GetSlug(), sectionValues))
	}
	return values.New(opts...)
}

func TestNewSections_Slugs(t *testing.T) {
	sections, err := NewSections()
	require.NoError(t, err)

	slugs := make([]string, 0, len(sections))
	for _, s := range sections {
		slugs = append(slugs, s.GetSlug())
	}
	require.Equal(t, []string{APISlug, AuthSlug, StateSlug, ReconnectSlug, EventsSlug, redisstream.SectionSlug}, slugs)
}

func TestFromValues_DecodesSections(t *testing.T) {
	parsed := parsedWith(t, map[string]map[string]interface{}{
		APISlug: {
			"api-base-url":  "https://market.example.com/api",
			"ws-base-url":   "wss://market.example.com/ws",
			"route-history": "/chat-rooms/{id}/messages/",
		},
		AuthSlug:      {"username": "alice", "token": "secret"},
		StateSlug:     {"state-backend": StateMemory},
		ReconnectSlug: {"reconnect-delay-seconds": 2, "reconnect-exponential": true, "reconnect-max-delay-seconds": 10, "catch-up": true},
		EventsSlug:    {"events-driver": events.DriverRedis},
		redisstream.SectionSlug: {
			"redis-addr":  "redis.internal:6380",
			"redis-group": "ui",
		},
	})

	s, err := FromValues(parsed)
	require.NoError(t, err)
	require.NoError(t, s.Validate())

	require.Equal(t, "https://market.example.com/api", s.API.BaseURL)
	require.Equal(t, "/chat-rooms/{id}/messages/", s.API.Routes().History)
	require.Equal(t, "alice", s.Auth.Username)
	require.Equal(t, "secret", s.Auth.Token)
	require.Equal(t, StateMemory, s.State.Backend)
	require.Equal(t, chat.ReconnectPolicy{Delay: 2 * time.Second, Exponential: true, MaxDelay: 10 * time.Second}, s.Reconnect.Policy())

	// one redis address serves the bus and the state backend
	bus := s.Bus()
	require.Equal(t, events.DriverRedis, bus.Driver)
	require.Equal(t, "redis.internal:6380", bus.Redis.Addr)
	require.Equal(t, "ui", bus.Redis.Group)
}

func TestDefault_MatchesBackendDefaults(t *testing.T) {
	d := Default()
	require.NoError(t, d.Validate())
	require.Equal(t, chat.DefaultReconnectPolicy(), d.Reconnect.Policy())
	require.Equal(t, "/conversations/create", d.API.Routes().Create)
	require.Equal(t, 15*time.Second, d.API.Timeout())
	require.Equal(t, redisstream.DefaultAddr, d.Bus().Redis.Addr)
}

func TestValidate(t *testing.T) {
	s := Default()
	s.API.WSBaseURL = "http://127.0.0.1:8000/ws"
	require.Error(t, s.Validate())

	s = Default()
	s.State.Backend = "etcd"
	require.Error(t, s.Validate())

	s = Default()
	s.State.Backend = StateSQLite
	s.State.SQLitePath = ""
	require.Error(t, s.Validate())

	s = Default()
	s.State.Backend = StateRedis
	s.Redis.Addr = ""
	require.Error(t, s.Validate())

	s = Default()
	s.Events.Driver = "nats"
	require.Error(t, s.Validate())

	s = Default()
	s.Reconnect.DelaySeconds = -1
	require.Error(t, s.Validate())
}

func TestConfigPath_FromEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marketchat.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  username: alice\n"), 0o600))
	t.Setenv("MARKETCHAT_CONFIG", path)

	got, err := ConfigPath(nil)
	require.NoError(t, err)
	require.Equal(t, path, got)
}
