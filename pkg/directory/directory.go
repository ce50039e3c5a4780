package directory

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marketchat/pkg/chat"
)

// LastOpenedKey is where the most recently opened conversation is remembered.
const LastOpenedKey = "marketchat.last_opened"

// ErrNotFound is returned by Store.Get when the key has no value.
var ErrNotFound = errors.New("key not found")

// Store is a small durable key/value store. Implementations must be safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Directory decides which conversation a session opens and remembers the
// last one that was opened explicitly.
type Directory struct {
	store Store
	key   string
}

var _ chat.Resolver = &Directory{}

func New(store Store) (*Directory, error) {
	if store == nil {
		return nil, errors.New("directory: store is nil")
	}
	return &Directory{store: store, key: LastOpenedKey}, nil
}

// Resolve returns the explicit identity, persisting it first, or the
// remembered one. found is false when neither exists.
func (d *Directory) Resolve(ctx context.Context, explicit *chat.ConversationIdentity) (chat.ConversationIdentity, bool, error) {
	if explicit != nil && strings.TrimSpace(explicit.ConversationID) != "" {
		identity := chat.ConversationIdentity{
			ConversationID: strings.TrimSpace(explicit.ConversationID),
			DisplayTitle:   explicit.DisplayTitle,
		}
		if err := d.remember(ctx, identity); err != nil {
			return chat.ConversationIdentity{}, false, err
		}
		return identity, true, nil
	}
	return d.Last(ctx)
}

// Last peeks at the remembered identity without changing it.
func (d *Directory) Last(ctx context.Context) (chat.ConversationIdentity, bool, error) {
	b, err := d.store.Get(ctx, d.key)
	if errors.Is(err, ErrNotFound) {
		return chat.ConversationIdentity{}, false, nil
	}
	if err != nil {
		return chat.ConversationIdentity{}, false, errors.Wrap(err, "directory: read last opened")
	}
	var identity chat.ConversationIdentity
	if err := json.Unmarshal(b, &identity); err != nil {
		return chat.ConversationIdentity{}, false, errors.Wrap(err, "directory: decode last opened")
	}
	if strings.TrimSpace(identity.ConversationID) == "" {
		return chat.ConversationIdentity{}, false, nil
	}
	return identity, true, nil
}

// Forget drops the remembered identity, e.g. after the backend reports it gone.
func (d *Directory) Forget(ctx context.Context) error {
	if err := d.store.Delete(ctx, d.key); err != nil && !errors.Is(err, ErrNotFound) {
		return errors.Wrap(err, "directory: forget last opened")
	}
	log.Debug().Str("component", "directory").Msg("forgot last opened conversation")
	return nil
}

func (d *Directory) remember(ctx context.Context, identity chat.ConversationIdentity) error {
	b, err := json.Marshal(identity)
	if err != nil {
		return errors.Wrap(err, "directory: encode last opened")
	}
	if err := d.store.Put(ctx, d.key, b); err != nil {
		return errors.Wrap(err, "directory: persist last opened")
	}
	log.Debug().Str("component", "directory").Str("conv_id", identity.ConversationID).Msg("remembered last opened conversation")
	return nil
}
