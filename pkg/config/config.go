package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"

	"github.com/go-go-golems/marketchat/pkg/backend"
	"github.com/go-go-golems/marketchat/pkg/chat"
	"github.com/go-go-golems/marketchat/pkg/events"
	"github.com/go-go-golems/marketchat/pkg/redisstream"
)

const (
	AppName   = "marketchat"
	EnvPrefix = "MARKETCHAT"
)

const (
	APISlug       = "api"
	AuthSlug      = "auth"
	StateSlug     = "state"
	ReconnectSlug = "reconnect"
	EventsSlug    = "events"
)

const (
	StateMemory = "memory"
	StateSQLite = "sqlite"
	StateRedis  = "redis"
)

const (
	DefaultAPIBaseURL     = "http://127.0.0.1:8000/api"
	DefaultWSBaseURL      = "ws://127.0.0.1:8000/ws"
	DefaultTimeoutSeconds = 15
	DefaultRetryMax       = 3
	DefaultRedisPrefix    = "marketchat:"
)

type APISettings struct {
	BaseURL                 string `glazed:"api-base-url" yaml:"api-base-url"`
	WSBaseURL               string `glazed:"ws-base-url" yaml:"ws-base-url"`
	HistoryRoute            string `glazed:"route-history" yaml:"route-history"`
	CreateRoute             string `glazed:"route-create" yaml:"route-create"`
	InboxRoute              string `glazed:"route-inbox" yaml:"route-inbox"`
	LiveRoute               string `glazed:"route-live" yaml:"route-live"`
	TimeoutSeconds          int    `glazed:"http-timeout-seconds" yaml:"http-timeout-seconds"`
	RetryMax                int    `glazed:"http-retry-max" yaml:"http-retry-max"`
	HandshakeTimeoutSeconds int    `glazed:"handshake-timeout-seconds" yaml:"handshake-timeout-seconds"`
}

func (a APISettings) Routes() backend.Routes {
	return backend.Routes{History: a.HistoryRoute, Create: a.CreateRoute, Inbox: a.InboxRoute, Live: a.LiveRoute}
}

func (a APISettings) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

func (a APISettings) HandshakeTimeout() time.Duration {
	return time.Duration(a.HandshakeTimeoutSeconds) * time.Second
}

type AuthSettings struct {
	Username string `glazed:"username" yaml:"username"`
	Token    string `glazed:"token" yaml:"token"`
}

type StateSettings struct {
	Backend     string `glazed:"state-backend" yaml:"state-backend"`
	SQLitePath  string `glazed:"sqlite-path" yaml:"sqlite-path"`
	RedisPrefix string `glazed:"redis-prefix" yaml:"redis-prefix"`
}

type ReconnectSettings struct {
	DelaySeconds    int  `glazed:"reconnect-delay-seconds" yaml:"reconnect-delay-seconds"`
	Exponential     bool `glazed:"reconnect-exponential" yaml:"reconnect-exponential"`
	MaxDelaySeconds int  `glazed:"reconnect-max-delay-seconds" yaml:"reconnect-max-delay-seconds"`
	CatchUp         bool `glazed:"catch-up" yaml:"catch-up"`
}

func (r ReconnectSettings) Policy() chat.ReconnectPolicy {
	return chat.ReconnectPolicy{
		Delay:       time.Duration(r.DelaySeconds) * time.Second,
		Exponential: r.Exponential,
		MaxDelay:    time.Duration(r.MaxDelaySeconds) * time.Second,
	}
}

type EventsSettings struct {
	Driver string `glazed:"events-driver" yaml:"events-driver"`
	Buffer int    `glazed:"events-buffer" yaml:"events-buffer"`
}

// Settings is everything the client reads from defaults, the config file,
// MARKETCHAT_* variables and flags. Redis is shared by the redis state
// backend and the redis event bus.
type Settings struct {
	API       APISettings          `yaml:"api"`
	Auth      AuthSettings         `yaml:"auth"`
	State     StateSettings        `yaml:"state"`
	Reconnect ReconnectSettings    `yaml:"reconnect"`
	Events    EventsSettings       `yaml:"events"`
	Redis     redisstream.Settings `yaml:"redis"`
}

func Default() Settings {
	routes := backend.DefaultRoutes()
	return Settings{
		API: APISettings{
			BaseURL:                 DefaultAPIBaseURL,
			WSBaseURL:               DefaultWSBaseURL,
			HistoryRoute:            routes.History,
			CreateRoute:             routes.Create,
			InboxRoute:              routes.Inbox,
			LiveRoute:               routes.Live,
			TimeoutSeconds:          DefaultTimeoutSeconds,
			RetryMax:                DefaultRetryMax,
			HandshakeTimeoutSeconds: int(backend.DefaultHandshakeTimeout / time.Second),
		},
		State: StateSettings{
			Backend:     StateSQLite,
			SQLitePath:  defaultSQLitePath(),
			RedisPrefix: DefaultRedisPrefix,
		},
		Reconnect: ReconnectSettings{
			DelaySeconds:    int(chat.DefaultReconnectDelay / time.Second),
			MaxDelaySeconds: int(chat.DefaultReconnectMaxDelay / time.Second),
			CatchUp:         true,
		},
		Events: EventsSettings{Driver: events.DriverGoChannel, Buffer: events.DefaultBuffer},
		Redis:  redisstream.DefaultSettings(),
	}
}

func defaultSQLitePath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return "marketchat.db"
	}
	return filepath.Join(dir, AppName, "state.db")
}

// Bus returns the event bus settings.
func (s Settings) Bus() events.Settings {
	return events.Settings{Driver: s.Events.Driver, Buffer: int64(s.Events.Buffer), Redis: s.Redis}
}

// NewSections returns the section definitions every client command carries.
func NewSections() ([]schema.Section, error) {
	d := Default()

	api, err := schema.NewSection(
		APISlug,
		"Marketplace API",
		schema.WithFields(
			fields.New("api-base-url", fields.TypeString, fields.WithDefault(d.API.BaseURL), fields.WithHelp("REST API base URL")),
			fields.New("ws-base-url", fields.TypeString, fields.WithDefault(d.API.WSBaseURL), fields.WithHelp("Live transport base URL (ws:// or wss://)")),
			fields.New("route-history", fields.TypeString, fields.WithDefault(d.API.HistoryRoute), fields.WithHelp("History route, {id} is the conversation id")),
			fields.New("route-create", fields.TypeString, fields.WithDefault(d.API.CreateRoute), fields.WithHelp("Create conversation route")),
			fields.New("route-inbox", fields.TypeString, fields.WithDefault(d.API.InboxRoute), fields.WithHelp("Inbox route")),
			fields.New("route-live", fields.TypeString, fields.WithDefault(d.API.LiveRoute), fields.WithHelp("Live transport route, {id} is the conversation id")),
			fields.New("http-timeout-seconds", fields.TypeInteger, fields.WithDefault(d.API.TimeoutSeconds), fields.WithHelp("Timeout of a single REST request")),
			fields.New("http-retry-max", fields.TypeInteger, fields.WithDefault(d.API.RetryMax), fields.WithHelp("Retries for failed REST requests")),
			fields.New("handshake-timeout-seconds", fields.TypeInteger, fields.WithDefault(d.API.HandshakeTimeoutSeconds), fields.WithHelp("Live transport handshake timeout")),
		),
	)
	if err != nil {
		return nil, err
	}

	auth, err := schema.NewSection(
		AuthSlug,
		"Credentials",
		schema.WithFields(
			fields.New("username", fields.TypeString, fields.WithHelp("Authenticated username")),
			fields.New("token", fields.TypeString, fields.WithHelp("API token")),
		),
	)
	if err != nil {
		return nil, err
	}

	state, err := schema.NewSection(
		StateSlug,
		"Where the last opened conversation is remembered",
		schema.WithFields(
			fields.New("state-backend", fields.TypeChoice,
				fields.WithChoices(StateMemory, StateSQLite, StateRedis),
				fields.WithDefault(d.State.Backend),
				fields.WithHelp("State backend")),
			fields.New("sqlite-path", fields.TypeString, fields.WithDefault(d.State.SQLitePath), fields.WithHelp("SQLite file for the sqlite backend")),
			fields.New("redis-prefix", fields.TypeString, fields.WithDefault(d.State.RedisPrefix), fields.WithHelp("Key prefix for the redis backend")),
		),
	)
	if err != nil {
		return nil, err
	}

	reconnect, err := schema.NewSection(
		ReconnectSlug,
		"Live transport reconnects",
		schema.WithFields(
			fields.New("reconnect-delay-seconds", fields.TypeInteger, fields.WithDefault(d.Reconnect.DelaySeconds), fields.WithHelp("Wait between reconnect attempts")),
			fields.New("reconnect-exponential", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Double the wait after each failed attempt")),
			fields.New("reconnect-max-delay-seconds", fields.TypeInteger, fields.WithDefault(d.Reconnect.MaxDelaySeconds), fields.WithHelp("Cap for the exponential wait")),
			fields.New("catch-up", fields.TypeBool, fields.WithDefault(true), fields.WithHelp("Re-fetch history after a reconnect")),
		),
	)
	if err != nil {
		return nil, err
	}

	ev, err := schema.NewSection(
		EventsSlug,
		"Session event bus",
		schema.WithFields(
			fields.New("events-driver", fields.TypeChoice,
				fields.WithChoices(events.DriverGoChannel, events.DriverRedis),
				fields.WithDefault(d.Events.Driver),
				fields.WithHelp("Event bus transport")),
			fields.New("events-buffer", fields.TypeInteger, fields.WithDefault(d.Events.Buffer), fields.WithHelp("In-process bus buffer")),
		),
	)
	if err != nil {
		return nil, err
	}

	redis, err := redisstream.NewSection()
	if err != nil {
		return nil, err
	}
	return []schema.Section{api, auth, state, reconnect, ev, redis}, nil
}

// FromValues decodes the parsed sections into Settings.
func FromValues(parsed *values.Values) (Settings, error) {
	var s Settings
	targets := []struct {
		slug string
		dst  interface{}
	}{
		{APISlug, &s.API},
		{AuthSlug, &s.Auth},
		{StateSlug, &s.State},
		{ReconnectSlug, &s.Reconnect},
		{EventsSlug, &s.Events},
		{redisstream.SectionSlug, &s.Redis},
	}
	for _, t := range targets {
		if err := parsed.DecodeSectionInto(t.slug, t.dst); err != nil {
			return Settings{}, errors.Wrapf(err, "decode %s settings", t.slug)
		}
	}
	return s, nil
}

func (s Settings) Validate() error {
	if err := validateURL(s.API.BaseURL, "http", "https"); err != nil {
		return errors.Wrap(err, "api-base-url")
	}
	if err := validateURL(s.API.WSBaseURL, "ws", "wss"); err != nil {
		return errors.Wrap(err, "ws-base-url")
	}
	if s.API.RetryMax < 0 || s.API.TimeoutSeconds < 0 || s.API.HandshakeTimeoutSeconds < 0 {
		return errors.New("http and handshake settings must not be negative")
	}
	switch s.State.Backend {
	case StateMemory:
	case StateSQLite:
		if strings.TrimSpace(s.State.SQLitePath) == "" {
			return errors.New("sqlite-path is required for the sqlite backend")
		}
	case StateRedis:
		if strings.TrimSpace(s.Redis.Addr) == "" {
			return errors.New("redis-addr is required for the redis backend")
		}
	default:
		return errors.Errorf("state-backend %q is not one of memory, sqlite, redis", s.State.Backend)
	}
	if s.Reconnect.DelaySeconds < 0 || s.Reconnect.MaxDelaySeconds < 0 {
		return errors.New("reconnect delays must not be negative")
	}
	switch s.Events.Driver {
	case "", events.DriverGoChannel:
	case events.DriverRedis:
		if strings.TrimSpace(s.Redis.Addr) == "" {
			return errors.New("redis-addr is required for the redis event bus")
		}
	default:
		return errors.Errorf("events-driver %q is not one of gochannel, redis", s.Events.Driver)
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, sc := range schemes {
		if u.Scheme == sc && u.Host != "" {
			return nil
		}
	}
	return errors.Errorf("%q must be an absolute %s url", raw, strings.Join(schemes, "/"))
}
