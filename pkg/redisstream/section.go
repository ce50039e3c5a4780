package redisstream

import (
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
)

const SectionSlug = "redis"

const (
	DefaultAddr     = "localhost:6379"
	DefaultGroup    = "marketchat"
	DefaultConsumer = "client-1"
)

// Settings holds the Redis connection shared by the event bus and the redis
// state backend.
type Settings struct {
	Addr     string `glazed:"redis-addr" yaml:"addr"`
	Group    string `glazed:"redis-group" yaml:"group"`
	Consumer string `glazed:"redis-consumer" yaml:"consumer"`
}

func DefaultSettings() Settings {
	return Settings{Addr: DefaultAddr, Group: DefaultGroup, Consumer: DefaultConsumer}
}

// NewSection returns the section definition for Redis settings.
func NewSection() (schema.Section, error) {
	return schema.NewSection(
		SectionSlug,
		"Redis connection for the event bus and state backend",
		schema.WithFields(
			fields.New("redis-addr", fields.TypeString, fields.WithDefault(DefaultAddr), fields.WithHelp("Redis address host:port")),
			fields.New("redis-group", fields.TypeString, fields.WithDefault(DefaultGroup), fields.WithHelp("Consumer group reading session events")),
			fields.New("redis-consumer", fields.TypeString, fields.WithDefault(DefaultConsumer), fields.WithHelp("Consumer name within the group")),
		),
	)
}
